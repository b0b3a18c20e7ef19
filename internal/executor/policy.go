package executor

import (
	"context"
	"fmt"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
)

// sessionPolicySource implements prompt.PolicySource by reading a
// session's permission config fresh on every call, per the "re-read
// rather than cache" contract Gate documents (a concurrent remember must
// be visible immediately).
//
// Project-scoped deny-list entries (a worktree's .claude/settings.json)
// are folded in via worktrees + permission.ReadDeniedTools. If the
// worktree can't be resolved (no WorktreeID, or the resolver reports it
// missing), DeniedTools is simply empty for that call — every call that
// isn't resolved by AllowedTools or bypass mode still falls through to
// the arbiter's RequestDecision and is decided correctly there, just
// without the fast-path shortcut a merged deny-list gives it.
type sessionPolicySource struct {
	svc       Service
	worktrees prompt.WorktreeResolver
}

func (s *sessionPolicySource) PolicyView(ctx context.Context, sessionID string) (permission.PolicyView, error) {
	session, err := s.svc.GetSession(ctx, sessionID)
	if err != nil {
		return permission.PolicyView{}, fmt.Errorf("load session %s for policy view: %w", sessionID, err)
	}

	allowed := make([]string, 0, len(session.PermissionConfig.AllowedTools))
	for tool, ok := range session.PermissionConfig.AllowedTools {
		if ok {
			allowed = append(allowed, tool)
		}
	}

	return permission.PolicyView{
		Mode:         session.PermissionConfig.Mode,
		AllowedTools: allowed,
		DeniedTools:  s.deniedTools(ctx, session),
	}, nil
}

// deniedTools resolves the session's worktree and reads its settings
// file's deny list, swallowing any error: a missing worktree or an
// unreadable settings file just means this call gets no fast-path deny
// shortcut, not a failed permission check.
func (s *sessionPolicySource) deniedTools(ctx context.Context, session *models.Session) []string {
	if s.worktrees == nil || session.WorktreeID == "" {
		return nil
	}
	path, exists, err := s.worktrees.WorktreePath(ctx, session.WorktreeID)
	if err != nil || !exists {
		return nil
	}
	denied, err := permission.ReadDeniedTools(path)
	if err != nil {
		return nil
	}
	return denied
}

var _ prompt.PolicySource = (*sessionPolicySource)(nil)

