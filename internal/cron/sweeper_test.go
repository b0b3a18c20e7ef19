package cron

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/store"
)

type fakeService struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	tasks    map[string]*models.Task
	failed   map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{
		sessions: map[string]*models.Session{},
		tasks:    map[string]*models.Task{},
		failed:   map[string]string{},
	}
}

func (f *fakeService) ListSessions(_ context.Context, _ store.SessionListOptions) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeService) PatchSession(_ context.Context, sessionID string, mutate func(*models.Session)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f.sessions[sessionID])
	return nil
}

func (f *fakeService) ListTasks(_ context.Context, opts store.TaskListOptions) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, t := range f.tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeService) SetTaskFailed(_ context.Context, taskID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = reason
	f.tasks[taskID].Status = models.TaskFailed
	return nil
}

type fakePending struct{ live map[string]bool }

func (f fakePending) HasPending(requestID string) bool { return f.live[requestID] }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepStaleSDKSessions(t *testing.T) {
	svc := newFakeService()
	now := time.Now()
	svc.sessions["fresh"] = &models.Session{SessionID: "fresh", SDKSessionID: "a", LastUpdated: now.Add(-time.Hour)}
	svc.sessions["stale"] = &models.Session{SessionID: "stale", SDKSessionID: "b", LastUpdated: now.Add(-25 * time.Hour)}
	svc.sessions["no-token"] = &models.Session{SessionID: "no-token", LastUpdated: now.Add(-48 * time.Hour)}

	s := New(testLogger(), svc, fakePending{}, time.Minute)
	s.now = func() time.Time { return now }

	cleared, err := s.SweepStaleSDKSessions(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
	if svc.sessions["stale"].SDKSessionID != "" {
		t.Error("stale session token not cleared")
	}
	if svc.sessions["fresh"].SDKSessionID != "a" {
		t.Error("fresh session token should be untouched")
	}
}

func TestSweepExpiredPermissionRequests(t *testing.T) {
	svc := newFakeService()
	now := time.Now()
	old := now.Add(-time.Hour)

	svc.tasks["orphaned"] = &models.Task{
		TaskID: "orphaned", Status: models.TaskAwaitingPermission,
		PermissionRequest: &models.PermissionRequest{RequestID: "r1", RequestedAt: old},
	}
	svc.tasks["live"] = &models.Task{
		TaskID: "live", Status: models.TaskAwaitingPermission,
		PermissionRequest: &models.PermissionRequest{RequestID: "r2", RequestedAt: old},
	}
	svc.tasks["recent"] = &models.Task{
		TaskID: "recent", Status: models.TaskAwaitingPermission,
		PermissionRequest: &models.PermissionRequest{RequestID: "r3", RequestedAt: now.Add(-time.Second)},
	}
	svc.tasks["running"] = &models.Task{TaskID: "running", Status: models.TaskRunning}

	s := New(testLogger(), svc, fakePending{live: map[string]bool{"r2": true}}, time.Minute)
	s.now = func() time.Time { return now }

	failed, err := s.SweepExpiredPermissionRequests(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if _, ok := svc.failed["orphaned"]; !ok {
		t.Error("orphaned task not failed")
	}
	if _, ok := svc.failed["live"]; ok {
		t.Error("task with a live arbiter wait must not be failed by the sweep")
	}
	if _, ok := svc.failed["recent"]; ok {
		t.Error("recent request must not be expired")
	}
}

func TestSweepHonorsExplicitExpiresAt(t *testing.T) {
	svc := newFakeService()
	now := time.Now()
	// RequestedAt is old but ExpiresAt is in the future; ExpiresAt wins.
	svc.tasks["extended"] = &models.Task{
		TaskID: "extended", Status: models.TaskAwaitingPermission,
		PermissionRequest: &models.PermissionRequest{
			RequestID:   "r1",
			RequestedAt: now.Add(-time.Hour),
			ExpiresAt:   now.Add(time.Hour),
		},
	}

	s := New(testLogger(), svc, fakePending{}, time.Minute)
	s.now = func() time.Time { return now }

	failed, err := s.SweepExpiredPermissionRequests(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(testLogger(), newFakeService(), fakePending{}, time.Minute)
	if err := s.Start("not a cron spec", "@every 1m"); err == nil {
		t.Error("expected error for invalid spec")
	}
}
