// Package prompt implements Component C: the per-tool prompt driver. It
// carries the setup steps every vendor tool shares (model/cwd/permission
// resolution, thinking-budget computation, MCP merge, resume/fork/spawn
// decision) and defines the Provider contract each vendor implements to
// actually drive its SDK.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/models"
)

// WorktreeResolver is the external collaborator — git-worktree
// provisioning lives outside this module — that the driver needs to
// resolve a session's filesystem root.
type WorktreeResolver interface {
	WorktreePath(ctx context.Context, worktreeID string) (path string, exists bool, err error)
}

// MCPCatalog is the external collaborator — the MCP server catalog and
// its auth resolution live outside this module — supplying the three
// scopes of server definitions the driver merges.
type MCPCatalog interface {
	GlobalServers(ctx context.Context) ([]mcp.ServerConfig, error)
	RepoServers(ctx context.Context, worktreeID string) ([]mcp.ServerConfig, error)
	SessionServers(ctx context.Context, sessionID string) ([]mcp.ServerConfig, error)
	// AddedAfter reports whether any repo- or session-scoped server for
	// this session was declared after `since`, per data-model invariant 5.
	AddedAfter(ctx context.Context, sessionID string, since time.Time) (bool, error)
}

// DefaultModel is used when a session has no model configured.
const DefaultModel = "claude-sonnet-4-5"

// Setup is the resolved configuration for one call to
// PromptSessionStreaming, computed once per turn by BuildSetup and handed
// to the per-tool Provider.
type Setup struct {
	Session        *models.Session
	Model          string
	WorkingDir     string
	PermissionMode models.PermissionMode
	ThinkingTokens int // 0 means thinking is disabled for this turn
	MCP            mcp.MergedSet
	Resume         ResumeDecision
}

// BuildSetup resolves everything a turn needs: model, working directory,
// permission mode, thinking budget, MCP merge, and the resume/fork/spawn
// decision. It does not touch the vendor SDK or storage beyond the
// supplied read-only collaborators.
func BuildSetup(
	ctx context.Context,
	log *slog.Logger,
	session *models.Session,
	prompt string,
	permissionModeOverride models.PermissionMode,
	workingDirOverride string,
	worktrees WorktreeResolver,
	catalog MCPCatalog,
	loopbackBaseURL string,
	now time.Time,
) (Setup, error) {
	model := session.ModelConfig.Model
	if model == "" {
		model = DefaultModel
	}

	workingDir, err := resolveWorkingDir(ctx, log, session, workingDirOverride, worktrees)
	if err != nil {
		return Setup{}, err
	}

	permissionMode := permissionModeOverride
	if permissionMode == "" {
		permissionMode = session.PermissionConfig.Mode
	}
	if permissionMode == "" {
		permissionMode = models.PermissionModeDefault
	}

	thinkingTokens := ComputeThinkingBudget(session.ModelConfig, prompt)

	global, err := catalog.GlobalServers(ctx)
	if err != nil {
		return Setup{}, fmt.Errorf("load global mcp servers: %w", err)
	}
	repo, err := catalog.RepoServers(ctx, session.WorktreeID)
	if err != nil {
		return Setup{}, fmt.Errorf("load repo mcp servers: %w", err)
	}
	sessionServers, err := catalog.SessionServers(ctx, session.SessionID)
	if err != nil {
		return Setup{}, fmt.Errorf("load session mcp servers: %w", err)
	}
	merged, err := mcp.Merge(ctx, nil, global, repo, sessionServers)
	if err != nil {
		return Setup{}, fmt.Errorf("merge mcp servers: %w", err)
	}
	merged.Servers = append(merged.Servers, mcp.LoopbackServer(loopbackBaseURL, session.SessionID, session.MCPToken))

	// resolveWorkingDir falls back to the process cwd, so a missing
	// worktree is detected from the resolver rather than from workingDir.
	worktreeMissing := false
	if session.WorktreeID != "" {
		if _, exists, werr := worktrees.WorktreePath(ctx, session.WorktreeID); werr == nil && !exists {
			worktreeMissing = true
		}
	}
	mcpAdded, err := catalog.AddedAfter(ctx, session.SessionID, session.LastUpdated)
	if err != nil {
		log.Warn("failed to check mcp staleness, assuming not added", "session_id", session.SessionID, "error", err)
		mcpAdded = false
	}
	resume := DecideResume(session, now, worktreeMissing, mcpAdded)

	return Setup{
		Session:        session,
		Model:          model,
		WorkingDir:     workingDir,
		PermissionMode: permissionMode,
		ThinkingTokens: thinkingTokens,
		MCP:            merged,
		Resume:         resume,
	}, nil
}

// resolveWorkingDir picks the turn's directory: prefer an explicit override
// (container execution with bind-mounted worktrees at an alternate path),
// then the worktree path, falling back to the process cwd with a logged
// warning; warn (not fail) if the directory lacks a .git entry.
func resolveWorkingDir(ctx context.Context, log *slog.Logger, session *models.Session, override string, worktrees WorktreeResolver) (string, error) {
	dir := override
	if dir == "" && session.WorktreeID != "" {
		path, exists, err := worktrees.WorktreePath(ctx, session.WorktreeID)
		if err != nil {
			return "", fmt.Errorf("resolve worktree %s: %w", session.WorktreeID, err)
		}
		if exists {
			dir = path
		}
	}
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve process cwd fallback: %w", err)
		}
		log.Warn("no worktree bound to session, falling back to process cwd", "session_id", session.SessionID, "cwd", cwd)
		dir = cwd
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("working directory %s does not exist or is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		log.Warn("working directory is empty", "dir", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		log.Warn("working directory has no .git entry", "dir", dir)
	}
	return dir, nil
}

// ComputeThinkingBudget resolves the turn's budget: auto mode scans the
// prompt for keyword phrases mapped to tiered budgets (checked from the
// strongest phrase down, so "ultrathink" wins over a merely-present
// "think"); manual mode uses the session's configured token count; off
// disables thinking.
func ComputeThinkingBudget(cfg models.ModelConfig, prompt string) int {
	switch cfg.ThinkingMode {
	case models.ThinkingOff:
		return 0
	case models.ThinkingManual:
		if cfg.ManualThinkingTokens > 0 {
			return cfg.ManualThinkingTokens
		}
		return 0
	default: // auto, or unset defaults to auto
		return autoThinkingBudget(prompt)
	}
}

// thinkingTiers is ordered strongest-phrase-first so the scan short
// circuits on the first (most specific) match.
var thinkingTiers = []struct {
	phrase string
	tokens int
}{
	{"ultrathink", 31999},
	{"think harder", 16000},
	{"think hard", 8000},
	{"think", 4000},
}

func autoThinkingBudget(prompt string) int {
	lower := strings.ToLower(prompt)
	for _, tier := range thinkingTiers {
		if strings.Contains(lower, tier.phrase) {
			return tier.tokens
		}
	}
	return 0
}
