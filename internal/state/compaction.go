package state

import (
	"sync"
	"time"
)

// CompactionState tracks where a session stands in the compaction cycle.
type CompactionState string

const (
	// CompactionIdle means no compaction is pending.
	CompactionIdle CompactionState = "idle"
	// CompactionPending means usage crossed the threshold and a
	// compaction should be offered.
	CompactionPending CompactionState = "pending"
	// CompactionAwaitingConfirm means the user has been asked and the
	// daemon is waiting on their answer.
	CompactionAwaitingConfirm CompactionState = "awaiting_confirm"
	// CompactionInProgress means the vendor is compacting now.
	CompactionInProgress CompactionState = "in_progress"
)

// defaultCompactionThresholdPercent triggers the pending transition when
// the computed context window reaches this share of the model's limit.
const defaultCompactionThresholdPercent = 80

type sessionCompaction struct {
	state      CompactionState
	lastUsed   int64
	lastLimit  int64
	observedAt time.Time
}

// CompactionTracker watches each session's cumulative context-window
// usage and runs the idle -> pending -> awaiting_confirm -> in_progress
// cycle, so the daemon knows whether a compaction is already underway
// before offering another one. Usage figures come from the normalizer's
// computed context window at task completion; a drop in usage between
// observations is the signature of a vendor compaction having landed and
// resets the cycle.
type CompactionTracker struct {
	mu               sync.Mutex
	thresholdPercent int64
	sessions         map[string]*sessionCompaction
	now              func() time.Time
}

// NewCompactionTracker builds a tracker. thresholdPercent of 0 uses the
// default.
func NewCompactionTracker(thresholdPercent int) *CompactionTracker {
	if thresholdPercent <= 0 {
		thresholdPercent = defaultCompactionThresholdPercent
	}
	return &CompactionTracker{
		thresholdPercent: int64(thresholdPercent),
		sessions:         make(map[string]*sessionCompaction),
		now:              time.Now,
	}
}

// Observe records a session's context usage after a turn. It returns
// true exactly when the session crosses from idle into pending, i.e. the
// one moment a compaction offer should be surfaced.
func (t *CompactionTracker) Observe(sessionID string, usedTokens, limitTokens int64) bool {
	if limitTokens <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	session := t.sessions[sessionID]
	if session == nil {
		session = &sessionCompaction{state: CompactionIdle}
		t.sessions[sessionID] = session
	}

	// Usage dropping between observations means a compaction landed;
	// whatever state the cycle was in, it is over.
	if usedTokens < session.lastUsed {
		session.state = CompactionIdle
	}
	session.lastUsed = usedTokens
	session.lastLimit = limitTokens
	session.observedAt = t.now()

	if session.state == CompactionIdle && usedTokens*100 >= limitTokens*t.thresholdPercent {
		session.state = CompactionPending
		return true
	}
	return false
}

// State reports a session's current compaction state.
func (t *CompactionTracker) State(sessionID string) CompactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if session := t.sessions[sessionID]; session != nil {
		return session.state
	}
	return CompactionIdle
}

// MarkRequested moves pending to awaiting_confirm once the offer has
// actually been put in front of the user.
func (t *CompactionTracker) MarkRequested(sessionID string) bool {
	return t.transition(sessionID, []CompactionState{CompactionPending}, CompactionAwaitingConfirm)
}

// Confirm moves pending or awaiting_confirm to in_progress.
func (t *CompactionTracker) Confirm(sessionID string) bool {
	return t.transition(sessionID, []CompactionState{CompactionPending, CompactionAwaitingConfirm}, CompactionInProgress)
}

// Reject abandons a pending or awaiting_confirm offer.
func (t *CompactionTracker) Reject(sessionID string) bool {
	return t.transition(sessionID, []CompactionState{CompactionPending, CompactionAwaitingConfirm}, CompactionIdle)
}

// Forget drops all tracking for a session, e.g. on deletion.
func (t *CompactionTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *CompactionTracker) transition(sessionID string, from []CompactionState, to CompactionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	session := t.sessions[sessionID]
	if session == nil {
		return false
	}
	for _, state := range from {
		if session.state == state {
			session.state = to
			return true
		}
	}
	return false
}
