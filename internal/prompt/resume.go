package prompt

import (
	"time"

	"github.com/agor-dev/agor/internal/models"
)

// ResumeKind discriminates how a turn connects to the vendor's prior
// conversation state.
type ResumeKind string

const (
	// ResumeFresh starts a brand-new vendor session: no sdk_session_id is
	// sent to the vendor call.
	ResumeFresh ResumeKind = "fresh"
	// ResumeFork resumes the parent's sdk_session_id with a fork flag; the
	// vendor mints a new id for this session.
	ResumeFork ResumeKind = "fork"
	// ResumeContinue resumes this session's own sdk_session_id.
	ResumeContinue ResumeKind = "continue"
)

// ResumeDecision is the resolved connection choice: which vendor continuation
// token (if any) to present, and whether to set the vendor's fork flag.
type ResumeDecision struct {
	Kind         ResumeKind
	SDKSessionID string // the id presented to the vendor call, empty for ResumeFresh
}

// staleAfter is the vendor-continuation-token staleness window from
// data-model invariant 5.
const staleAfter = 24 * time.Hour

// DecideResume makes the resume/fork/spawn choice and applies the
// staleness rule in one place:
//
//   - Fork: genealogy.forked_from_session_id is set and this session has no
//     own sdk_session_id yet -> resume the *parent's* token with the fork
//     flag (the parent's token itself is looked up by the caller and
//     attached with ResolveForkParentToken).
//   - Spawn: genealogy.parent_session_id is set, not a fork, and this
//     session has no own token -> start fresh, never resume the parent.
//   - Normal resume: this session already has its own token -> resume it,
//     unless it is stale (>24h since last update, the worktree is gone, or
//     an MCP server was added since), in which case it's discarded and
//     treated as fresh.
func DecideResume(session *models.Session, now time.Time, worktreeMissing, mcpAddedAfterUpdate bool) ResumeDecision {
	if session.SDKSessionID == "" {
		if session.Genealogy.IsFork() {
			// The actual parent token is attached by the caller (see
			// ResolveForkParentToken) once it has looked the parent up; signal
			// the fork intent here so BuildSetup's caller knows to do so.
			return ResumeDecision{Kind: ResumeFork}
		}
		// Spawn, or a session with no genealogy at all: fresh start.
		return ResumeDecision{Kind: ResumeFresh}
	}

	if session.StaleSDKSession(now, worktreeMissing, mcpAddedAfterUpdate) {
		return ResumeDecision{Kind: ResumeFresh}
	}
	return ResumeDecision{Kind: ResumeContinue, SDKSessionID: session.SDKSessionID}
}

// ResolveForkParentToken fills in the parent's sdk_session_id for a
// ResumeFork decision once the caller has looked up the parent session.
// It is a separate step from DecideResume because BuildSetup only has
// read access to the session being prompted, not its parent; the caller
// (the executor, which does have a session store) performs the lookup
// and calls this to complete the decision.
func ResolveForkParentToken(decision ResumeDecision, parentSDKSessionID string) ResumeDecision {
	if decision.Kind != ResumeFork {
		return decision
	}
	decision.SDKSessionID = parentSDKSessionID
	return decision
}
