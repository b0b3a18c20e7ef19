// Package store defines the persistence interfaces for sessions, tasks,
// and messages, plus the backends that implement them: an in-memory
// reference store, and postgres/sqlite-backed stores for durable
// deployments.
package store

import (
	"context"
	"errors"

	"github.com/agor-dev/agor/internal/models"
)

// ErrNotFound is returned by any Get when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by Create when the row's primary key
// already exists.
var ErrAlreadyExists = errors.New("store: already exists")

// SessionListOptions filters and paginates Session listing.
type SessionListOptions struct {
	WorktreeID string
	Status     models.SessionStatus
	Limit      int
	Offset     int
}

// SessionStore is the persistence surface for sessions and the
// existence/index lookups internal/state's Guard relies on.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error)

	// SessionExists implements state.SessionExistence.
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// TaskListOptions filters Task listing. Results are always in
// chronological (created_at ascending) order; a Limit > 0 bounds the
// result to the most recent Limit tasks, not the oldest.
type TaskListOptions struct {
	SessionID string
	Status    models.TaskStatus
	Limit     int
}

// TaskStore is the persistence surface for tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, opts TaskListOptions) ([]*models.Task, error)
}

// MessageStore is the persistence surface for a session's transcript,
// plus the last-index lookup internal/state's NextMessageIndex relies on.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// LastMessageIndex implements state.MessageIndexSource.
	LastMessageIndex(ctx context.Context, sessionID string) (index int64, exists bool, err error)
}

// Store is the full persistence surface a backend implements.
type Store interface {
	SessionStore
	TaskStore
	MessageStore
	Close() error
}
