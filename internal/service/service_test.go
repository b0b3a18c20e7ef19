package service

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/state"
	"github.com/agor-dev/agor/internal/store"
)

func newTestService(t *testing.T) (*Service, *realtime.Bus) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	locks := state.NewWriteLockManager(time.Second)
	t.Cleanup(locks.Close)
	bus := realtime.NewBus()
	return New(log, store.NewMemoryStore(), locks, bus), bus
}

func TestService_CreateSessionBroadcasts(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()

	events, unsubscribe := bus.Subscribe(realtime.SessionChannel("sess_1"), 4)
	defer unsubscribe()

	sess := &models.Session{SessionID: "sess_1", Status: models.SessionIdle, CreatedAt: time.Now()}
	if err := svc.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != "session.created" {
			t.Errorf("event type = %q, want session.created", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("CreateSession did not broadcast")
	}
}

func TestService_PatchSessionAppliesMutationAndBroadcasts(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	svc.CreateSession(ctx, &models.Session{SessionID: "sess_1", Status: models.SessionIdle})

	events, unsubscribe := bus.Subscribe(realtime.SessionChannel("sess_1"), 4)
	defer unsubscribe()

	err := svc.PatchSession(ctx, "sess_1", func(s *models.Session) {
		s.Status = models.SessionRunning
	})
	if err != nil {
		t.Fatalf("PatchSession() error = %v", err)
	}

	got, _ := svc.GetSession(ctx, "sess_1")
	if got.Status != models.SessionRunning {
		t.Errorf("session status = %v, want running", got.Status)
	}

	select {
	case evt := <-events:
		if evt.Type != "session.updated" {
			t.Errorf("event type = %q, want session.updated", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("PatchSession did not broadcast")
	}
}

func TestService_DeleteSessionSkipsWhenAlreadyGone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.DeleteSession(ctx, "ghost")
	if err == nil {
		t.Fatal("expected an error deleting a session that was never created")
	}
}

func TestService_AppendMessageAllocatesSequentialIndexes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.CreateSession(ctx, &models.Session{SessionID: "sess_1"})

	for i := 0; i < 3; i++ {
		if err := svc.AppendMessage(ctx, "sess_1", &models.Message{MessageID: "m"}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	msgs, err := svc.ListMessages(ctx, "sess_1", 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	for i, m := range msgs {
		if m.Index != int64(i) {
			t.Errorf("message %d has index %d, want %d", i, m.Index, i)
		}
	}
}

func TestService_SetTaskAwaitingPermissionThenRunning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.CreateSession(ctx, &models.Session{SessionID: "sess_1"})
	svc.CreateTask(ctx, &models.Task{TaskID: "task_1", SessionID: "sess_1", Status: models.TaskQueued, CreatedAt: time.Now()})

	req := &models.PermissionRequest{RequestID: "r1", TaskID: "task_1", SessionID: "sess_1", ToolName: "Bash(x)"}
	if err := svc.SetTaskAwaitingPermission(ctx, "task_1", req); err != nil {
		t.Fatalf("SetTaskAwaitingPermission() error = %v", err)
	}
	task, _ := svc.GetTask(ctx, "task_1")
	if task.Status != models.TaskAwaitingPermission || task.PermissionRequest == nil {
		t.Fatalf("task not patched to awaiting_permission: %+v", task)
	}

	if err := svc.SetTaskRunning(ctx, "task_1"); err != nil {
		t.Fatalf("SetTaskRunning() error = %v", err)
	}
	task, _ = svc.GetTask(ctx, "task_1")
	if task.Status != models.TaskRunning || task.PermissionRequest != nil {
		t.Fatalf("task not patched to running: %+v", task)
	}
}

func TestService_SetTaskFailedMarksTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.CreateSession(ctx, &models.Session{SessionID: "sess_1"})
	svc.CreateTask(ctx, &models.Task{TaskID: "task_1", SessionID: "sess_1", Status: models.TaskRunning, CreatedAt: time.Now()})

	if err := svc.SetTaskFailed(ctx, "task_1", "boom"); err != nil {
		t.Fatalf("SetTaskFailed() error = %v", err)
	}
	task, _ := svc.GetTask(ctx, "task_1")
	if !task.Status.IsTerminal() || task.Status != models.TaskFailed {
		t.Errorf("task status = %v, want terminal failed", task.Status)
	}
}

func TestService_RememberAtSessionAddsAllowedTool(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.CreateSession(ctx, &models.Session{SessionID: "sess_1"})

	if err := svc.RememberAtSession(ctx, "sess_1", "Bash(git *)"); err != nil {
		t.Fatalf("RememberAtSession() error = %v", err)
	}
	sess, _ := svc.GetSession(ctx, "sess_1")
	if !sess.PermissionConfig.IsToolAllowed("Bash(git *)") {
		t.Error("RememberAtSession did not persist the allowed tool")
	}
}
