package prompt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/permission"
)

// PolicySource supplies the live permission policy view for a session;
// the gate re-reads it on every call rather than caching, since a
// "remember" from a concurrent tool call must be visible immediately
// (property P5).
type PolicySource interface {
	PolicyView(ctx context.Context, sessionID string) (permission.PolicyView, error)
}

// Gate is the permission check every provider invokes before a tool
// invocation proceeds: it runs the arbiter's fast-path Evaluate
// first and only falls through to a blocking RequestDecision when the
// policy doesn't already resolve the call.
type Gate struct {
	arbiter      *permission.Arbiter
	policy       PolicySource
	sessionID    string
	taskID       string
	worktreePath string
}

// NewGate builds a Gate bound to one task's session and worktree.
func NewGate(arbiter *permission.Arbiter, policy PolicySource, sessionID, taskID, worktreePath string) *Gate {
	return &Gate{arbiter: arbiter, policy: policy, sessionID: sessionID, taskID: taskID, worktreePath: worktreePath}
}

// Check runs the full gate state machine for one tool call: evaluate the
// fast path, and if it doesn't resolve, ask and block until a decision
// arrives, the context is cancelled, or a server timeout fires.
func (g *Gate) Check(ctx context.Context, toolName string, toolInput json.RawMessage, toolUseID string) (permission.Decision, error) {
	view, err := g.policy.PolicyView(ctx, g.sessionID)
	if err != nil {
		return permission.Deny, err
	}
	if decision, ok := permission.Evaluate(view, toolName); ok {
		return decision, nil
	}

	req := &models.PermissionRequest{
		RequestID:   models.NewID(),
		TaskID:      g.taskID,
		SessionID:   g.sessionID,
		ToolName:    toolName,
		ToolInput:   toolInput,
		ToolUseID:   toolUseID,
		RequestedAt: time.Now(),
	}
	return g.arbiter.RequestDecision(ctx, req, g.worktreePath)
}
