package prompt

import (
	"context"
	"sync"
	"sync/atomic"
)

// ActiveTask is the per-session handle the stop path
// operates on: a cancel function rooted at the
// executor's top-level context, plus an optional vendor-native interrupt
// closure a provider installs once its underlying SDK query object
// exists. The event loop polls Stopped() at event boundaries so a stop
// request is honored promptly even between vendor events, not only on
// context cancellation.
type ActiveTask struct {
	cancel    context.CancelFunc
	stopped   atomic.Bool
	mu        sync.Mutex
	interrupt func(context.Context) error
}

// NewActiveTask wraps cancel, the context.CancelFunc for this turn's
// top-level context.
func NewActiveTask(cancel context.CancelFunc) *ActiveTask {
	return &ActiveTask{cancel: cancel}
}

// SetInterrupt installs the vendor's native interrupt closure (e.g. the
// Claude Agent SDK query object's Interrupt method), once the provider has
// one available. Safe to call from the provider's streaming goroutine.
func (a *ActiveTask) SetInterrupt(fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupt = fn
}

// Stopped reports whether Stop has been called for this task.
func (a *ActiveTask) Stopped() bool {
	return a.stopped.Load()
}

// Stop implements stopTask: it marks the task stopped, invokes the
// vendor's native interrupt if one has been installed, and then cancels
// the top-level context. Idempotent.
func (a *ActiveTask) Stop(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.mu.Lock()
	interrupt := a.interrupt
	a.mu.Unlock()

	var err error
	if interrupt != nil {
		err = interrupt(ctx)
	}
	a.cancel()
	return err
}

// Registry tracks the single active task per session, so stopTask(sessionID)
// can find and interrupt whichever task is currently running without the
// caller needing to know the task id.
type Registry struct {
	mu     sync.Mutex
	active map[string]*ActiveTask
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*ActiveTask)}
}

// Register installs the active task handle for sessionID, replacing any
// prior one (data-model invariant 2 guarantees at most one running task
// per session, so this never races a legitimate concurrent registration).
func (r *Registry) Register(sessionID string, task *ActiveTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[sessionID] = task
}

// Unregister removes the active task handle once a turn completes.
func (r *Registry) Unregister(sessionID string, task *ActiveTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[sessionID] == task {
		delete(r.active, sessionID)
	}
}

// Stop looks up the active task for sessionID and stops it. It reports
// false if no task is currently running for that session.
func (r *Registry) Stop(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	task := r.active[sessionID]
	r.mu.Unlock()
	if task == nil {
		return false, nil
	}
	return true, task.Stop(ctx)
}
