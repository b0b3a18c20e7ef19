package models

import "time"

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// BlockType discriminates the kind of content carried by a ContentBlock.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockToolUse      BlockType = "tool_use"
	BlockToolResult   BlockType = "tool_result"
	BlockThinking     BlockType = "thinking"
	BlockSystemStatus BlockType = "system_status"
)

// SystemStatusType names the kind of system_status block; compaction is
// the one the context-window computation looks for.
const (
	SystemStatusCompaction = "compaction"
	SystemStatusCompacting = "compacting"
)

// ContentBlock is one element of a Message's ordered content sequence.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text carries BlockText and BlockThinking payloads.
	Text string `json:"text,omitempty"`

	// ToolUseID/ToolName/ToolInput carry BlockToolUse payloads.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput []byte          `json:"tool_input,omitempty"`

	// ToolResultFor/ToolResultContent/ToolResultIsError carry
	// BlockToolResult payloads.
	ToolResultFor     string `json:"tool_result_for,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`

	// SystemType/Status carry BlockSystemStatus payloads, e.g. compaction
	// events the context-window computation scans for.
	SystemType string `json:"system_type,omitempty"`
	Status     string `json:"status,omitempty"`
}

// IsCompactionEvent reports whether this block marks a compaction event,
// the boundary the cumulative context-window computation resets at.
func (b ContentBlock) IsCompactionEvent() bool {
	if b.Type != BlockSystemStatus {
		return false
	}
	return b.SystemType == SystemStatusCompaction || b.Status == SystemStatusCompacting
}

// MessageMetadata carries the model and per-message token accounting.
type MessageMetadata struct {
	Model  string `json:"model,omitempty"`
	Tokens struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	} `json:"tokens"`
}

// Message is one ordered event in a session's transcript.
type Message struct {
	MessageID        string          `json:"message_id"`
	SessionID        string          `json:"session_id"`
	TaskID           string          `json:"task_id,omitempty"`
	Index            int64           `json:"index"`
	Role             MessageRole     `json:"role"`
	Content          []ContentBlock  `json:"content"`
	ContentPreview   string          `json:"content_preview"`
	ToolUses         []ContentBlock  `json:"tool_uses,omitempty"`
	ParentToolUseID  string          `json:"parent_tool_use_id,omitempty"`
	Metadata         MessageMetadata `json:"metadata"`
	Timestamp        time.Time       `json:"timestamp"`
}

const maxContentPreviewLen = 200

// ComputeContentPreview derives the ≤200-char preview from the message's
// text content, matching the data-model contract for ContentPreview.
func ComputeContentPreview(content []ContentBlock) string {
	var text string
	for _, b := range content {
		if b.Type == BlockText && b.Text != "" {
			text = b.Text
			break
		}
	}
	if len(text) <= maxContentPreviewLen {
		return text
	}
	return text[:maxContentPreviewLen]
}

// HasCompactionEvent reports whether any block in the message marks a
// compaction event.
func (m *Message) HasCompactionEvent() bool {
	if m.Role != RoleSystem {
		return false
	}
	for _, b := range m.Content {
		if b.IsCompactionEvent() {
			return true
		}
	}
	return false
}
