package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agor-dev/agor/internal/models"
)

// MemoryStore is an in-memory Store, used for tests and single-process
// deployments. Every read and write copies in/out of its maps so callers
// can never mutate stored state through a returned pointer.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	tasks    map[string]*models.Task
	messages map[string][]*models.Message // keyed by session ID, append-only
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		tasks:    make(map[string]*models.Task),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return ErrAlreadyExists
	}
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; !ok {
		return ErrNotFound
	}
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, opts SessionListOptions) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if opts.WorktreeID != "" && sess.WorktreeID != opts.WorktreeID {
			continue
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		out = nil
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return ErrAlreadyExists
	}
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; !ok {
		return ErrNotFound
	}
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, opts TaskListOptions) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if opts.SessionID != "" && task.SessionID != opts.SessionID {
			continue
		}
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	// A bounded listing keeps the most recent Limit tasks; taking the
	// slice tail preserves chronological order for callers that index
	// from the last compaction boundary forward.
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &cp)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) LastMessageIndex(_ context.Context, sessionID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if len(msgs) == 0 {
		return 0, false, nil
	}
	return msgs[len(msgs)-1].Index, true, nil
}

var _ Store = (*MemoryStore)(nil)
