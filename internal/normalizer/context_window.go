package normalizer

import (
	"context"

	"github.com/agor-dev/agor/internal/models"
)

// maxPriorTaskWindow bounds how many prior completed tasks are scanned
// when computing the cumulative context window.
const maxPriorTaskWindow = 100

// ContextWindowStore is the read surface the context-window computation
// needs from session storage: the message transcript (to find compaction
// boundaries) and prior completed tasks (to sum fresh tokens since the
// last boundary).
type ContextWindowStore interface {
	MessagesForSession(ctx context.Context, sessionID string) ([]*models.Message, error)
	CompletedTasksForSession(ctx context.Context, sessionID string, limit int) ([]*models.Task, error)
}

// ComputeContextWindow computes the session's cumulative context window:
// sum per-turn fresh tokens since the most recent compaction event, plus
// the current (not-yet-persisted) task's own tokens. Cache-read tokens
// are excluded throughout, since they represent content already counted
// in a prior turn. If the current task's own tokens cannot be computed
// from its raw response it returns 0; on any later error it falls back to
// the current task's tokens alone, per the documented rationale.
func ComputeContextWindow(ctx context.Context, store ContextWindowStore, tool models.AgenticTool, sessionID, currentTaskID string, currentRawResponse []byte, priorCodexInput, priorCodexOutput int64) int64 {
	currentTokens, cerr := currentTaskTokens(tool, currentRawResponse, priorCodexInput, priorCodexOutput)
	if cerr != nil {
		return 0
	}

	messages, err := store.MessagesForSession(ctx, sessionID)
	if err != nil {
		return currentTokens
	}

	compactedAfter := compactionTaskIDs(messages)

	priorTasks, err := store.CompletedTasksForSession(ctx, sessionID, maxPriorTaskWindow)
	if err != nil {
		return currentTokens
	}

	lastCompactionIdx := -1
	for i, t := range priorTasks {
		if compactedAfter[t.TaskID] {
			lastCompactionIdx = i
		}
	}

	var sum int64
	for i, t := range priorTasks {
		if i <= lastCompactionIdx {
			continue
		}
		if t.TaskID == currentTaskID {
			continue
		}
		if t.NormalizedSdkResponse == nil {
			continue
		}
		sum += t.NormalizedSdkResponse.TokenUsage.InputTokens + t.NormalizedSdkResponse.TokenUsage.OutputTokens
	}

	return sum + currentTokens
}

// compactionTaskIDs returns the set of task IDs whose messages contain a
// compaction system-status block.
func compactionTaskIDs(messages []*models.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range messages {
		if m.TaskID == "" {
			continue
		}
		if m.HasCompactionEvent() {
			ids[m.TaskID] = true
		}
	}
	return ids
}

// currentTaskTokens derives the current (not-yet-persisted) task's own
// input+output token contribution from its raw vendor response, per that
// vendor's own accounting rule.
func currentTaskTokens(tool models.AgenticTool, raw []byte, priorCodexInput, priorCodexOutput int64) (int64, error) {
	switch tool {
	case models.ToolClaudeCode:
		return ClaudeTaskTokens(raw)
	case models.ToolCodex:
		return CodexTaskTokens(raw, priorCodexInput, priorCodexOutput)
	case models.ToolGemini:
		return GeminiTaskTokens(raw)
	case models.ToolOpenCode:
		return OpenCodeTaskTokens(raw)
	default:
		return 0, nil
	}
}
