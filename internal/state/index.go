package state

import "context"

// MessageIndexSource reports the highest message index already persisted
// for a session, so the next append can be numbered correctly.
type MessageIndexSource interface {
	LastMessageIndex(ctx context.Context, sessionID string) (index int64, exists bool, err error)
}

// NextMessageIndex computes the index the next appended message should
// use: one past the highest existing index, or 0 if the session has no
// messages yet. Callers must invoke this while holding the session's
// write lock (e.g. from inside Guard.Mutate) so two concurrent appends
// can never compute the same index.
func NextMessageIndex(ctx context.Context, src MessageIndexSource, sessionID string) (int64, error) {
	last, exists, err := src.LastMessageIndex(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	return last + 1, nil
}
