// Package cron runs the daemon's background sweeps: clearing stale
// vendor continuation tokens and pruning expired permission requests.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/store"
)

// Service is the write path the sweeps go through, so every sweep
// mutation broadcasts like any other.
type Service interface {
	ListSessions(ctx context.Context, opts store.SessionListOptions) ([]*models.Session, error)
	PatchSession(ctx context.Context, sessionID string, mutate func(*models.Session)) error
	ListTasks(ctx context.Context, opts store.TaskListOptions) ([]*models.Task, error)
	SetTaskFailed(ctx context.Context, taskID string, reason string) error
}

// PendingChecker reports whether a permission request still has a live
// in-process wait; the arbiter satisfies this.
type PendingChecker interface {
	HasPending(requestID string) bool
}

// sweepTimeout bounds one sweep pass so a wedged store cannot pile up
// overlapping runs.
const sweepTimeout = 2 * time.Minute

// Sweeper schedules and runs the background sweeps.
type Sweeper struct {
	log        *slog.Logger
	svc        Service
	pending    PendingChecker
	requestTTL time.Duration
	cron       *cron.Cron
	now        func() time.Time
}

// New builds a Sweeper. requestTTL of 0 disables the permission-request
// sweep entirely.
func New(log *slog.Logger, svc Service, pending PendingChecker, requestTTL time.Duration) *Sweeper {
	return &Sweeper{
		log:        log.With("component", "sweeper"),
		svc:        svc,
		pending:    pending,
		requestTTL: requestTTL,
		cron:       cron.New(),
		now:        time.Now,
	}
}

// Start registers both sweeps on their cron specs (standard five-field
// expressions or @every descriptors) and starts the scheduler.
func (s *Sweeper) Start(staleSpec, permissionSpec string) error {
	if _, err := s.cron.AddFunc(staleSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.SweepStaleSDKSessions(ctx); err != nil {
			s.log.Warn("stale-session sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if s.requestTTL > 0 {
		if _, err := s.cron.AddFunc(permissionSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			if _, err := s.SweepExpiredPermissionRequests(ctx); err != nil {
				s.log.Warn("permission-request sweep failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepStaleSDKSessions clears sdk_session_id on every session whose
// token has gone stale by age. The worktree-missing and MCP-added legs of
// the staleness rule are re-checked at prompt time, where the worktree
// resolver and catalog are in hand; the sweep only enforces the >24h leg,
// so an idle session's next prompt starts fresh without waiting for
// BuildSetup to notice.
func (s *Sweeper) SweepStaleSDKSessions(ctx context.Context) (cleared int, err error) {
	sessions, err := s.svc.ListSessions(ctx, store.SessionListOptions{})
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, session := range sessions {
		if !session.StaleSDKSession(now, false, false) {
			continue
		}
		sessionID := session.SessionID
		if err := s.svc.PatchSession(ctx, sessionID, func(sess *models.Session) {
			sess.ClearSDKSession()
		}); err != nil {
			s.log.Warn("failed to clear stale sdk session", "session_id", sessionID, "error", err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		s.log.Info("cleared stale sdk sessions", "count", cleared)
	}
	return cleared, nil
}

// SweepExpiredPermissionRequests fails tasks stuck in awaiting_permission
// whose request has outlived the TTL and has no live arbiter wait. A
// request with a live wait is left alone no matter its age — the arbiter's
// own timeout policy governs it; the sweep only collects requests orphaned
// by a crash or restart, which would otherwise pin their sessions in
// awaiting_permission forever.
func (s *Sweeper) SweepExpiredPermissionRequests(ctx context.Context) (failed int, err error) {
	tasks, err := s.svc.ListTasks(ctx, store.TaskListOptions{Status: models.TaskAwaitingPermission})
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, task := range tasks {
		req := task.PermissionRequest
		if req == nil {
			continue
		}
		expired := now.Sub(req.RequestedAt) > s.requestTTL
		if !req.ExpiresAt.IsZero() {
			expired = now.After(req.ExpiresAt)
		}
		if !expired || s.pending.HasPending(req.RequestID) {
			continue
		}
		if err := s.svc.SetTaskFailed(ctx, task.TaskID, "permission request expired"); err != nil {
			s.log.Warn("failed to expire permission request", "task_id", task.TaskID, "request_id", req.RequestID, "error", err)
			continue
		}
		failed++
	}
	if failed > 0 {
		s.log.Info("expired orphaned permission requests", "count", failed)
	}
	return failed, nil
}
