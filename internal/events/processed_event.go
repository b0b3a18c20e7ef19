// Package events defines the ProcessedEvent discriminated union that every
// per-tool prompt driver decodes its vendor SDK's stream into, so the rest
// of the system (permission arbiter, service layer, real-time fabric)
// consumes one shape regardless of which agentic tool produced it.
package events

import (
	"encoding/json"

	"github.com/agor-dev/agor/internal/models"
)

// Kind discriminates which ProcessedEvent variant is populated.
type Kind string

const (
	KindPartial          Kind = "partial"
	KindThinkingPartial  Kind = "thinking_partial"
	KindThinkingComplete Kind = "thinking_complete"
	KindToolStart        Kind = "tool_start"
	KindToolComplete     Kind = "tool_complete"
	KindSystemComplete   Kind = "system_complete"
	KindComplete         Kind = "complete"
	KindResult           Kind = "result"
	KindStopped          Kind = "stopped"
)

// Partial carries one token/chunk of assistant text as it streams in.
type Partial struct {
	TextChunk      string `json:"text_chunk"`
	ResolvedModel  string `json:"resolved_model,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// ThinkingPartial carries one chunk of a private reasoning block.
type ThinkingPartial struct {
	ThinkingChunk string `json:"thinking_chunk"`
}

// ToolStart announces a tool invocation the vendor has requested.
type ToolStart struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolComplete carries the result of a previously started tool invocation.
type ToolComplete struct {
	ToolUseID string `json:"tool_use_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error,omitempty"`
}

// SystemComplete reports completion of a vendor-internal system operation,
// e.g. context compaction.
type SystemComplete struct {
	SystemType string            `json:"system_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Complete carries a full logical message at a role boundary.
type Complete struct {
	Role            models.MessageRole    `json:"role"`
	Content         []models.ContentBlock `json:"content"`
	ToolUses        []models.ContentBlock `json:"tool_uses,omitempty"`
	ParentToolUseID string                `json:"parent_tool_use_id,omitempty"`
	TokenUsage      *models.TokenUsage    `json:"token_usage,omitempty"`
	ModelUsage      map[string]models.TokenUsage `json:"model_usage,omitempty"`
	DurationMs      int64                 `json:"duration_ms,omitempty"`
}

// Result carries the final raw turn result, ready for normalization.
type Result struct {
	RawSdkMessage json.RawMessage               `json:"raw_sdk_message"`
	TokenUsage    *models.TokenUsage            `json:"token_usage,omitempty"`
	ModelUsage    map[string]models.TokenUsage  `json:"model_usage,omitempty"`
	DurationMs    int64                         `json:"duration_ms,omitempty"`
}

// ProcessedEvent is the common, vendor-independent event shape the prompt
// driver's streaming loop yields. Exactly one of the pointer fields
// matching Kind is non-nil; the others are nil.
//
// Contract (enforced by producers, not by this type): exactly one Complete
// per role boundary within a turn; Partial chunks always precede the
// matching Complete for the same logical message, in order; thinking and
// partial streams may interleave across logical messages but each stream
// is internally ordered; unknown vendor event types are logged and
// dropped by the decoder rather than surfacing here.
type ProcessedEvent struct {
	Kind Kind `json:"kind"`

	Partial          *Partial         `json:"partial,omitempty"`
	ThinkingPartial  *ThinkingPartial `json:"thinking_partial,omitempty"`
	ToolStart        *ToolStart       `json:"tool_start,omitempty"`
	ToolComplete     *ToolComplete    `json:"tool_complete,omitempty"`
	SystemComplete   *SystemComplete  `json:"system_complete,omitempty"`
	Complete         *Complete        `json:"complete,omitempty"`
	Result           *Result          `json:"result,omitempty"`
}

func NewPartial(p Partial) ProcessedEvent {
	return ProcessedEvent{Kind: KindPartial, Partial: &p}
}

func NewThinkingPartial(p ThinkingPartial) ProcessedEvent {
	return ProcessedEvent{Kind: KindThinkingPartial, ThinkingPartial: &p}
}

func NewThinkingComplete() ProcessedEvent {
	return ProcessedEvent{Kind: KindThinkingComplete}
}

func NewToolStart(e ToolStart) ProcessedEvent {
	return ProcessedEvent{Kind: KindToolStart, ToolStart: &e}
}

func NewToolComplete(e ToolComplete) ProcessedEvent {
	return ProcessedEvent{Kind: KindToolComplete, ToolComplete: &e}
}

func NewSystemComplete(e SystemComplete) ProcessedEvent {
	return ProcessedEvent{Kind: KindSystemComplete, SystemComplete: &e}
}

func NewComplete(e Complete) ProcessedEvent {
	return ProcessedEvent{Kind: KindComplete, Complete: &e}
}

func NewResult(e Result) ProcessedEvent {
	return ProcessedEvent{Kind: KindResult, Result: &e}
}

func NewStopped() ProcessedEvent {
	return ProcessedEvent{Kind: KindStopped}
}
