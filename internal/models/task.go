package models

import "time"

// TaskStatus is the lifecycle state of a single prompt -> completion
// attempt within a session.
type TaskStatus string

const (
	TaskQueued            TaskStatus = "queued"
	TaskRunning           TaskStatus = "running"
	TaskAwaitingPermission TaskStatus = "awaiting_permission"
	TaskCompleted         TaskStatus = "completed"
	TaskFailed            TaskStatus = "failed"
	TaskCancelled         TaskStatus = "cancelled"
	TaskStopped           TaskStatus = "stopped"
)

// IsTerminal reports whether status is a terminal task state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskStopped:
		return true
	default:
		return false
	}
}

// PermissionRequest is the transient gate state attached to a task while a
// tool invocation awaits a human-or-policy decision.
type PermissionRequest struct {
	RequestID   string    `json:"request_id"`
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	ToolName    string    `json:"tool_name"`
	ToolInput   []byte    `json:"tool_input,omitempty"`
	ToolUseID   string    `json:"tool_use_id"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	DecidedBy   string    `json:"decided_by,omitempty"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
}

// TokenUsage is the common token-accounting shape every vendor
// normalization rule produces.
type TokenUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	TotalTokens        int64 `json:"total_tokens"`
	CacheReadTokens    int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
}

// NormalizedSdkData is the common, vendor-independent shape every
// per-tool normalizer produces from a raw vendor result payload.
type NormalizedSdkData struct {
	TokenUsage         TokenUsage `json:"token_usage"`
	ContextWindowLimit int64      `json:"context_window_limit"`
	CostUSD            *float64   `json:"cost_usd,omitempty"`
	PrimaryModel       string     `json:"primary_model,omitempty"`
	DurationMs         int64      `json:"duration_ms,omitempty"`
}

// Task is one prompt -> completion attempt within a session.
type Task struct {
	TaskID                 string             `json:"task_id"`
	SessionID              string             `json:"session_id"`
	Status                 TaskStatus         `json:"status"`
	Model                  string             `json:"model"`
	PermissionRequest      *PermissionRequest `json:"permission_request,omitempty"`
	RawSdkResponse         []byte             `json:"raw_sdk_response,omitempty"`
	NormalizedSdkResponse  *NormalizedSdkData `json:"normalized_sdk_response,omitempty"`
	ComputedContextWindow  *int64             `json:"computed_context_window,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	CompletedAt            *time.Time         `json:"completed_at,omitempty"`
	CreatedBy              string             `json:"created_by"`
}

// MarkCompleted finalizes a task with the computed normalization result.
// Per data-model invariant 6, NormalizedSdkResponse is immutable once set;
// callers must not call MarkCompleted twice for the same task.
func (t *Task) MarkCompleted(now time.Time, raw []byte, normalized *NormalizedSdkData, contextWindow int64) {
	t.Status = TaskCompleted
	t.RawSdkResponse = raw
	t.NormalizedSdkResponse = normalized
	t.ComputedContextWindow = &contextWindow
	t.CompletedAt = &now
}

// MarkFailed finalizes a task as failed, e.g. after a permission denial or
// a vendor error.
func (t *Task) MarkFailed(now time.Time) {
	t.Status = TaskFailed
	t.CompletedAt = &now
}

// MarkStopped finalizes a task after a stop request or an aborted context,
// per the error-taxonomy rule that aborts are not errors.
func (t *Task) MarkStopped(now time.Time, cancelled bool) {
	if cancelled {
		t.Status = TaskCancelled
	} else {
		t.Status = TaskStopped
	}
	t.CompletedAt = &now
}
