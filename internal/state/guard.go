package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrSessionGone is returned by Guard.Mutate's existence re-check, and by
// any caller-supplied mutate function, when the session no longer exists.
var ErrSessionGone = errors.New("state: session no longer exists")

// SessionExistence is the minimal store capability Guard needs: a cheap
// existence check it re-runs immediately before applying a mutation, so a
// request queued behind a slow lock acquisition never resurrects a
// session a concurrent request already deleted.
type SessionExistence interface {
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// Guard serializes and validates every write against a session: it
// acquires the session's write lock, re-checks the session still exists,
// and only then invokes the caller's mutation. A session deleted between
// a caller deciding to write and the lock actually being granted is
// detected here and the mutation is skipped rather than silently
// resurrecting (or corrupting) a gone session.
type Guard struct {
	log    *slog.Logger
	locks  *WriteLockManager
	exists SessionExistence
}

// NewGuard constructs a Guard. holder-free: the caller passes its own
// holder identity per call via Mutate, matching LockingStore's per-caller
// holder string but scoped to a single mutation instead of one writer for
// the store's whole lifetime.
func NewGuard(log *slog.Logger, locks *WriteLockManager, exists SessionExistence) *Guard {
	return &Guard{
		log:    log.With("component", "state_guard"),
		locks:  locks,
		exists: exists,
	}
}

// Mutate acquires sessionID's write lock, re-verifies the session still
// exists, and runs fn. If the session was deleted concurrently, Mutate
// logs and returns ErrSessionGone without calling fn.
func (g *Guard) Mutate(ctx context.Context, sessionID, holder string, fn func(context.Context) error) error {
	release, err := g.locks.Acquire(ctx, sessionID, holder, 0)
	if err != nil {
		return fmt.Errorf("acquire write lock for session %s: %w", sessionID, err)
	}
	defer release()

	ok, err := g.exists.SessionExists(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("check session %s exists: %w", sessionID, err)
	}
	if !ok {
		g.log.Warn("skipping mutation on concurrently deleted session", "session_id", sessionID, "holder", holder)
		return ErrSessionGone
	}

	return fn(ctx)
}
