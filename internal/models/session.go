package models

import "time"

// AgenticTool identifies which vendor coding-agent SDK a session drives.
type AgenticTool string

const (
	ToolClaudeCode AgenticTool = "claude-code"
	ToolGemini     AgenticTool = "gemini"
	ToolCodex      AgenticTool = "codex"
	ToolOpenCode   AgenticTool = "opencode"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning    SessionStatus = "running"
	SessionStopping   SessionStatus = "stopping"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// ThinkingMode controls how much of a turn's budget goes to private
// reasoning blocks.
type ThinkingMode string

const (
	ThinkingAuto   ThinkingMode = "auto"
	ThinkingManual ThinkingMode = "manual"
	ThinkingOff    ThinkingMode = "off"
)

// ModelConfig captures the model and thinking-budget choices for a session.
type ModelConfig struct {
	Model                string       `json:"model"`
	ThinkingMode         ThinkingMode `json:"thinking_mode"`
	ManualThinkingTokens int          `json:"manual_thinking_tokens,omitempty"`
}

// PermissionMode mirrors the vendor's own permission modes plus Agor's
// "ask" default.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default" // ask unless remembered
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
	PermissionModePlan        PermissionMode = "plan"
)

// PermissionConfig is the per-session permission policy: the active mode
// plus the set of tool names the user has chosen to remember as allowed.
type PermissionConfig struct {
	Mode         PermissionMode  `json:"mode"`
	AllowedTools map[string]bool `json:"allowed_tools,omitempty"`
}

// AddAllowedTool adds a tool to the remembered-allow set. Insertion is
// idempotent per invariant 3 of the data model.
func (c *PermissionConfig) AddAllowedTool(tool string) {
	if c.AllowedTools == nil {
		c.AllowedTools = make(map[string]bool)
	}
	c.AllowedTools[tool] = true
}

// IsToolAllowed reports whether tool is in the remembered-allow set.
func (c *PermissionConfig) IsToolAllowed(tool string) bool {
	if c == nil || c.AllowedTools == nil {
		return false
	}
	return c.AllowedTools[tool]
}

// Genealogy records how a session relates to a parent, via fork or spawn.
// The two fields are not mutually exclusive in storage, but the prompt
// driver treats "fork" (ForkedFromSessionID set) as resume-from-parent,
// and "spawn" (ParentSessionID set, ForkedFromSessionID empty) as a fresh
// context linked only by metadata.
type Genealogy struct {
	ParentSessionID    string `json:"parent_session_id,omitempty"`
	ForkedFromSessionID string `json:"forked_from_session_id,omitempty"`
}

// IsFork reports whether this genealogy describes a fork relationship.
func (g Genealogy) IsFork() bool {
	return g.ForkedFromSessionID != ""
}

// IsSpawn reports whether this genealogy describes a spawn relationship.
func (g Genealogy) IsSpawn() bool {
	return g.ParentSessionID != "" && g.ForkedFromSessionID == ""
}

// Session is the conversational unit: one worktree-scoped, multi-turn
// conversation with a single agentic tool.
type Session struct {
	SessionID        string            `json:"session_id"`
	WorktreeID       string            `json:"worktree_id,omitempty"`
	AgenticTool      AgenticTool       `json:"agentic_tool"`
	Status           SessionStatus     `json:"status"`
	ModelConfig      ModelConfig       `json:"model_config"`
	PermissionConfig PermissionConfig  `json:"permission_config"`
	SDKSessionID     string            `json:"sdk_session_id,omitempty"`
	MCPToken         string            `json:"mcp_token,omitempty"`
	Genealogy        Genealogy         `json:"genealogy"`
	CreatedBy        string            `json:"created_by"`
	CreatedAt        time.Time         `json:"created_at"`
	LastUpdated      time.Time         `json:"last_updated"`

	// ReadyForPrompt is transient: true when the session is idle and
	// waiting on user input. The SQL store backends have no column for it,
	// so a session loaded from them carries false; no backend recomputes it
	// from Status on load (the memory store keeps the last value written).
	ReadyForPrompt bool `json:"ready_for_prompt"`
}

// StaleSDKSession reports whether the session's vendor continuation token
// must be discarded before the next prompt, per data-model invariant 5:
// more than 24h without an update, the worktree is gone, or an MCP server
// was added after the session's last update.
func (s *Session) StaleSDKSession(now time.Time, worktreeMissing bool, mcpAddedAfterUpdate bool) bool {
	if s.SDKSessionID == "" {
		return false
	}
	if worktreeMissing || mcpAddedAfterUpdate {
		return true
	}
	return now.Sub(s.LastUpdated) > 24*time.Hour
}

// ClearSDKSession discards the vendor continuation token, forcing a fresh
// vendor session on the next prompt.
func (s *Session) ClearSDKSession() {
	s.SDKSessionID = ""
}
