package gemini

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/agor-dev/agor/internal/models"
)

type fakeHistory struct {
	messages []*models.Message
}

func (f *fakeHistory) MessagesForSession(_ context.Context, _ string) ([]*models.Message, error) {
	return f.messages, nil
}

func TestReplayHistoryConvertsToolRoundTrip(t *testing.T) {
	d := &Driver{history: &fakeHistory{messages: []*models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "list files"}}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			{Type: models.BlockToolUse, ToolUseID: "call_1", ToolName: "bash", ToolInput: []byte(`{"cmd":"ls"}`)},
		}},
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: models.BlockToolResult, ToolResultFor: "call_1", ToolName: "bash", ToolResultContent: "a.go\nb.go"},
		}},
		{Role: models.RoleSystem, Content: []models.ContentBlock{{Type: models.BlockSystemStatus, SystemType: models.SystemStatusCompaction}}},
	}}}

	contents, err := d.replayHistory(context.Background(), "s1")
	if err != nil {
		t.Fatalf("replayHistory: %v", err)
	}
	// The system-only message has no convertible parts and is dropped.
	if len(contents) != 3 {
		t.Fatalf("expected 3 replayed contents, got %d", len(contents))
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].FunctionCall == nil {
		t.Fatalf("expected model content with a function call, got %+v", contents[1])
	}
	if contents[2].Parts[0].FunctionResponse == nil || contents[2].Parts[0].FunctionResponse.Name != "bash" {
		t.Fatalf("expected function response for bash, got %+v", contents[2])
	}
}

func TestTurnStateModelParts(t *testing.T) {
	turn := &turnState{text: "hello", functionCalls: []functionCall{{id: "call_1", name: "bash", args: map[string]any{"cmd": "ls"}}}}
	parts := turn.modelParts()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].Text != "hello" {
		t.Fatalf("expected text part first, got %+v", parts[0])
	}
	if parts[1].FunctionCall == nil || parts[1].FunctionCall.Name != "bash" {
		t.Fatalf("expected function call part, got %+v", parts[1])
	}
}

func TestUsageMetadataToRaw(t *testing.T) {
	u := usageMetadata{set: true, promptTokenCount: 10, candidatesTokenCount: 5, totalTokenCount: 15}
	raw := u.toRaw("gemini-2.5-pro")
	if raw.UsageMetadata.PromptTokenCount != 10 || raw.UsageMetadata.CandidatesTokenCount != 5 {
		t.Fatalf("unexpected usage: %+v", raw.UsageMetadata)
	}
	if raw.ContextWindow != defaultContextWindow {
		t.Fatalf("expected default context window, got %d", raw.ContextWindow)
	}
	b, err := json.Marshal(raw)
	if err != nil || len(b) == 0 {
		t.Fatalf("expected marshalable raw result, err=%v", err)
	}
}

func TestToGeminiSchemaConvertsObjectSchema(t *testing.T) {
	schemaMap := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{"type": "string", "description": "the command"},
		},
		"required": []any{"cmd"},
	}
	schema := toGeminiSchema(schemaMap)
	if schema.Type != genai.Type("OBJECT") {
		t.Fatalf("expected object type, got %v", schema.Type)
	}
	if schema.Properties["cmd"] == nil || schema.Properties["cmd"].Type != genai.Type("STRING") {
		t.Fatalf("expected cmd property of type string, got %+v", schema.Properties["cmd"])
	}
	if len(schema.Required) != 1 || schema.Required[0] != "cmd" {
		t.Fatalf("expected required=[cmd], got %v", schema.Required)
	}
}
