package codex

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agor-dev/agor/internal/models"
)

type fakeHistory struct {
	messages []*models.Message
}

func (f *fakeHistory) MessagesForSession(_ context.Context, _ string) ([]*models.Message, error) {
	return f.messages, nil
}

func TestReplayHistoryBuildsToolRoundTrip(t *testing.T) {
	d := &Driver{history: &fakeHistory{messages: []*models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "list files"}}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			{Type: models.BlockToolUse, ToolUseID: "call_1", ToolName: "bash", ToolInput: []byte(`{"cmd":"ls"}`)},
		}},
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: models.BlockToolResult, ToolResultFor: "call_1", ToolResultContent: "a.go\nb.go"},
		}},
	}}}

	msgs, err := d.replayHistory(context.Background(), "s1")
	if err != nil {
		t.Fatalf("replayHistory: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(msgs))
	}
	if msgs[1].Role != openai.ChatMessageRoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("expected assistant message with 1 tool call, got %+v", msgs[1])
	}
	if msgs[2].Role != openai.ChatMessageRoleTool || msgs[2].ToolCallID != "call_1" {
		t.Fatalf("expected tool-result message for call_1, got %+v", msgs[2])
	}
}

func TestTurnStateToolCallsForHistory(t *testing.T) {
	turn := &turnState{}
	if turn.toolCallsForHistory() != nil {
		t.Fatal("expected nil tool calls for an empty turn")
	}
	turn.toolCalls = []openai.ToolCall{{ID: "call_1"}}
	if len(turn.toolCallsForHistory()) != 1 {
		t.Fatal("expected 1 tool call")
	}
}

func TestPriorCumulativeOutputSkipsIncompleteTask(t *testing.T) {
	d := &Driver{priorTask: func(_ context.Context, _ string) (*models.Task, error) {
		return &models.Task{Status: models.TaskRunning}, nil
	}}
	input, output, err := d.priorCumulativeOutput(context.Background(), "s1")
	if err != nil {
		t.Fatalf("priorCumulativeOutput: %v", err)
	}
	if input != 0 || output != 0 {
		t.Fatalf("expected zero baseline for an incomplete prior task, got (%d, %d)", input, output)
	}
}
