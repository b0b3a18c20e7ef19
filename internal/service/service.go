// Package service implements Component F: CRUD operations over sessions,
// tasks, and messages that always broadcast their effect before
// returning, so every subscriber of the affected resource channel
// observes the mutation in the same order the store committed it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/state"
	"github.com/agor-dev/agor/internal/store"
)

// Service is the single write path for sessions, tasks, and messages. It
// composes a Store for durability, a state.Guard for per-session write
// serialization, and a realtime.Bus for the mandatory broadcast every
// mutation performs.
type Service struct {
	log   *slog.Logger
	store store.Store
	guard *state.Guard
	bus   *realtime.Bus
}

// New constructs a Service. locks and bus are typically shared across
// every Service in the process (one daemon, one lock manager, one bus).
func New(log *slog.Logger, st store.Store, locks *state.WriteLockManager, bus *realtime.Bus) *Service {
	return &Service{
		log:   log.With("component", "service"),
		store: st,
		guard: state.NewGuard(log, locks, st),
		bus:   bus,
	}
}

func (s *Service) publish(ctx context.Context, channel realtime.Channel, eventType string, payload any) {
	s.bus.Publish(ctx, realtime.Event{Channel: channel, Type: eventType, Payload: payload})
}

// CreateSession persists a new session and broadcasts its creation.
func (s *Service) CreateSession(ctx context.Context, session *models.Session) error {
	if err := s.store.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.publish(ctx, realtime.SessionChannel(session.SessionID), "session.created", session)
	return nil
}

// GetSession is a plain read; reads never broadcast.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListSessions is a plain read.
func (s *Service) ListSessions(ctx context.Context, opts store.SessionListOptions) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, opts)
}

// PatchSession loads the current session, applies mutate under the
// session's write lock, persists the result, and broadcasts the update.
// mutate must not retain session beyond its call.
func (s *Service) PatchSession(ctx context.Context, sessionID string, mutate func(*models.Session)) error {
	return s.guard.Mutate(ctx, sessionID, "service", func(ctx context.Context) error {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
		mutate(session)
		session.LastUpdated = time.Now()
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return fmt.Errorf("persist session %s: %w", sessionID, err)
		}
		s.publish(ctx, realtime.SessionChannel(sessionID), "session.updated", session)
		return nil
	})
}

// DeleteSession removes a session (and its transcript) and broadcasts the
// deletion so subscribed clients can tear down their view of it.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.guard.Mutate(ctx, sessionID, "service", func(ctx context.Context) error {
		if err := s.store.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		s.publish(ctx, realtime.SessionChannel(sessionID), "session.deleted", sessionID)
		return nil
	})
}

// CreateTask persists a new task under its session's write lock and
// broadcasts the creation on the task's channel.
func (s *Service) CreateTask(ctx context.Context, task *models.Task) error {
	return s.guard.Mutate(ctx, task.SessionID, "service", func(ctx context.Context) error {
		if err := s.store.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		s.publish(ctx, realtime.TaskChannel(task.TaskID), "task.created", task)
		return nil
	})
}

// GetTask is a plain read.
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks is a plain read.
func (s *Service) ListTasks(ctx context.Context, opts store.TaskListOptions) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, opts)
}

// PatchTask loads, mutates, persists, and broadcasts a task update,
// serialized under the owning session's write lock like every other
// mutation against that session.
func (s *Service) PatchTask(ctx context.Context, sessionID, taskID string, mutate func(*models.Task)) error {
	return s.guard.Mutate(ctx, sessionID, "service", func(ctx context.Context) error {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		mutate(task)
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("persist task %s: %w", taskID, err)
		}
		s.publish(ctx, realtime.TaskChannel(taskID), "task.updated", task)
		return nil
	})
}

// AppendMessage allocates the next message index under the session's
// write lock, persists the message, and broadcasts it on the session's
// message channel.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	return s.guard.Mutate(ctx, sessionID, "service", func(ctx context.Context) error {
		index, err := state.NextMessageIndex(ctx, s.store, sessionID)
		if err != nil {
			return fmt.Errorf("allocate message index: %w", err)
		}
		msg.SessionID = sessionID
		msg.Index = index
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		s.publish(ctx, realtime.MessageChannel(sessionID), "message.appended", msg)
		return nil
	})
}

// ListMessages is a plain read.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.store.ListMessages(ctx, sessionID, limit)
}

// The remaining methods satisfy permission.TaskPatcher and the
// session leg of permission.PolicyPersister, so the arbiter drives task
// state and remembered permissions through this single write path instead
// of touching storage directly.

// SetTaskAwaitingPermission implements permission.TaskPatcher.
func (s *Service) SetTaskAwaitingPermission(ctx context.Context, taskID string, req *models.PermissionRequest) error {
	return s.patchTaskByID(ctx, taskID, func(task *models.Task) {
		task.Status = models.TaskAwaitingPermission
		task.PermissionRequest = req
	})
}

// SetTaskRunning implements permission.TaskPatcher.
func (s *Service) SetTaskRunning(ctx context.Context, taskID string) error {
	return s.patchTaskByID(ctx, taskID, func(task *models.Task) {
		task.Status = models.TaskRunning
		task.PermissionRequest = nil
	})
}

// SetTaskFailed implements permission.TaskPatcher.
func (s *Service) SetTaskFailed(ctx context.Context, taskID string, reason string) error {
	return s.patchTaskByID(ctx, taskID, func(task *models.Task) {
		now := time.Now()
		task.MarkFailed(now)
		task.PermissionRequest = nil
		s.log.Warn("task failed", "task_id", taskID, "reason", reason)
	})
}

// RememberAtSession implements the session leg of permission.PolicyPersister:
// it patches the owning session's remembered-allow set through the normal
// write path, so subscribers see the updated policy the same way they'd
// see any other session update.
func (s *Service) RememberAtSession(ctx context.Context, sessionID, toolName string) error {
	return s.PatchSession(ctx, sessionID, func(session *models.Session) {
		session.PermissionConfig.AddAllowedTool(toolName)
	})
}

// patchTaskByID looks up the task's owning session before delegating to
// PatchTask, since TaskPatcher's contract (shared with the arbiter) only
// carries a task ID.
func (s *Service) patchTaskByID(ctx context.Context, taskID string, mutate func(*models.Task)) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s to resolve owning session: %w", taskID, err)
	}
	return s.PatchTask(ctx, task.SessionID, taskID, mutate)
}

var _ permission.TaskPatcher = (*Service)(nil)

// Policy composes Service's session-scoped remember with a project-scoped
// persister (permission.FileProjectPersister in production) into the full
// permission.PolicyPersister the arbiter needs. Session-scope remembers go
// through the service layer so subscribers observe the policy change like
// any other session update; project-scope remembers touch the worktree's
// settings file directly and have nothing to broadcast.
type Policy struct {
	*Service
	Project interface {
		RememberAtProject(ctx context.Context, worktreePath, toolName string) error
	}
}

// RememberAtProject delegates to the configured project-scope persister.
func (p *Policy) RememberAtProject(ctx context.Context, worktreePath, toolName string) error {
	return p.Project.RememberAtProject(ctx, worktreePath, toolName)
}

var _ permission.PolicyPersister = (*Policy)(nil)
