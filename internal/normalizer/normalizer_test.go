package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/store"
)

func TestClaudeNormalizer_ModelUsage(t *testing.T) {
	raw, _ := json.Marshal(ClaudeRawResult{
		ModelUsage: map[string]ClaudeModelUsage{
			"claude-sonnet-4": {InputTokens: 100, OutputTokens: 50, CacheReadInputTokens: 10, ContextWindow: 200000},
			"claude-haiku":    {InputTokens: 20, OutputTokens: 5, ContextWindow: 150000},
		},
	})

	data, err := (ClaudeNormalizer{}).Normalize(context.Background(), raw, NormalizeContext{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data.TokenUsage.InputTokens != 120 {
		t.Errorf("InputTokens = %d, want 120", data.TokenUsage.InputTokens)
	}
	if data.TokenUsage.OutputTokens != 55 {
		t.Errorf("OutputTokens = %d, want 55", data.TokenUsage.OutputTokens)
	}
	if data.TokenUsage.TotalTokens != 175 {
		t.Errorf("TotalTokens = %d, want 175", data.TokenUsage.TotalTokens)
	}
	if data.ContextWindowLimit != 200000 {
		t.Errorf("ContextWindowLimit = %d, want 200000", data.ContextWindowLimit)
	}
}

func TestClaudeNormalizer_FallsBackToTopLevelUsage(t *testing.T) {
	raw, _ := json.Marshal(ClaudeRawResult{
		Usage: &ClaudeTopLevelUsage{InputTokens: 10, OutputTokens: 20},
	})

	data, err := (ClaudeNormalizer{}).Normalize(context.Background(), raw, NormalizeContext{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data.TokenUsage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", data.TokenUsage.TotalTokens)
	}
	if data.ContextWindowLimit != defaultClaudeContextWindow {
		t.Errorf("ContextWindowLimit = %d, want default %d", data.ContextWindowLimit, defaultClaudeContextWindow)
	}
}

func TestCodexNormalizer_ComputesDeltaAgainstPriorTask(t *testing.T) {
	priorRaw, _ := json.Marshal(CodexRawResult{CumulativeInputTokens: 100, CumulativeOutputTokens: 40})
	priorTask := &models.Task{
		TaskID:         "t1",
		Status:         models.TaskCompleted,
		RawSdkResponse: priorRaw,
	}

	currentRaw, _ := json.Marshal(CodexRawResult{CumulativeInputTokens: 260, CumulativeOutputTokens: 90})

	nctx := NormalizeContext{
		SessionID: "s1",
		PriorTask: func(ctx context.Context, sessionID string) (*models.Task, error) {
			return priorTask, nil
		},
	}

	data, err := (CodexNormalizer{}).Normalize(context.Background(), currentRaw, nctx)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data.TokenUsage.InputTokens != 160 {
		t.Errorf("InputTokens = %d, want delta 160", data.TokenUsage.InputTokens)
	}
	if data.TokenUsage.OutputTokens != 50 {
		t.Errorf("OutputTokens = %d, want delta 50", data.TokenUsage.OutputTokens)
	}
}

func TestCodexNormalizer_NoPriorTaskUsesCumulativeAsDelta(t *testing.T) {
	currentRaw, _ := json.Marshal(CodexRawResult{CumulativeInputTokens: 50, CumulativeOutputTokens: 10})

	data, err := (CodexNormalizer{}).Normalize(context.Background(), currentRaw, NormalizeContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data.TokenUsage.InputTokens != 50 || data.TokenUsage.OutputTokens != 10 {
		t.Errorf("got input=%d output=%d, want 50/10", data.TokenUsage.InputTokens, data.TokenUsage.OutputTokens)
	}
}

func TestGeminiNormalizer_PerTurnOnly(t *testing.T) {
	raw, _ := json.Marshal(GeminiRawResult{})
	var result GeminiRawResult
	_ = json.Unmarshal(raw, &result)
	result.UsageMetadata.PromptTokenCount = 30
	result.UsageMetadata.CandidatesTokenCount = 12
	raw, _ = json.Marshal(result)

	data, err := (GeminiNormalizer{}).Normalize(context.Background(), raw, NormalizeContext{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data.TokenUsage.InputTokens != 30 || data.TokenUsage.OutputTokens != 12 {
		t.Errorf("got input=%d output=%d, want 30/12", data.TokenUsage.InputTokens, data.TokenUsage.OutputTokens)
	}
	if data.TokenUsage.CacheCreationTokens != 0 {
		t.Errorf("CacheCreationTokens = %d, want 0 (gemini has no cache-creation concept)", data.TokenUsage.CacheCreationTokens)
	}
}

func TestRegistry_UnknownToolReturnsNil(t *testing.T) {
	r := NewRegistry()
	data, err := r.Normalize(context.Background(), models.AgenticTool("nonexistent-tool"), []byte(`{}`), NormalizeContext{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data != nil {
		t.Errorf("expected nil for unregistered tool, got %+v", data)
	}
}

func TestOpenCodeNormalizer_PerTurnOnly(t *testing.T) {
	raw, _ := json.Marshal(OpenCodeRawResult{InputTokens: 10, OutputTokens: 5, CacheRead: 2})

	data, err := (OpenCodeNormalizer{}).Normalize(context.Background(), raw, NormalizeContext{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data.TokenUsage.InputTokens != 10 || data.TokenUsage.OutputTokens != 5 {
		t.Errorf("got input=%d output=%d, want 10/5", data.TokenUsage.InputTokens, data.TokenUsage.OutputTokens)
	}
	if data.TokenUsage.CacheReadTokens != 2 {
		t.Errorf("CacheReadTokens = %d, want 2", data.TokenUsage.CacheReadTokens)
	}
	if data.ContextWindowLimit != defaultOpenCodeContextWindow {
		t.Errorf("ContextWindowLimit = %d, want default %d", data.ContextWindowLimit, defaultOpenCodeContextWindow)
	}
}

func TestRegistry_DispatchesOpenCode(t *testing.T) {
	r := NewRegistry()
	raw, _ := json.Marshal(OpenCodeRawResult{InputTokens: 1, OutputTokens: 1})
	data, err := r.Normalize(context.Background(), models.ToolOpenCode, raw, NormalizeContext{})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if data == nil {
		t.Fatal("expected OpenCode to be wired into the registry by default")
	}
}

// fakeContextWindowStore implements ContextWindowStore for testing the
// compaction-reset behavior.
type fakeContextWindowStore struct {
	messages []*models.Message
	tasks    []*models.Task
}

func (f *fakeContextWindowStore) MessagesForSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return f.messages, nil
}

func (f *fakeContextWindowStore) CompletedTasksForSession(ctx context.Context, sessionID string, limit int) ([]*models.Task, error) {
	// Match the store contract: a bounded listing keeps the most recent
	// limit tasks, still in chronological order.
	if limit > 0 && len(f.tasks) > limit {
		return f.tasks[len(f.tasks)-limit:], nil
	}
	return f.tasks, nil
}

func tokenTask(id string, input, output int64) *models.Task {
	return &models.Task{
		TaskID: id,
		Status: models.TaskCompleted,
		NormalizedSdkResponse: &models.NormalizedSdkData{
			TokenUsage: models.TokenUsage{InputTokens: input, OutputTokens: output},
		},
	}
}

func TestComputeContextWindow_CompactionReset(t *testing.T) {
	// T1(100/50), T2 emits compaction, T3(200/80) -> 280, not 430.
	store := &fakeContextWindowStore{
		tasks: []*models.Task{
			tokenTask("t1", 100, 50),
			tokenTask("t2", 5, 5),
		},
		messages: []*models.Message{
			{
				TaskID: "t2",
				Role:   models.RoleSystem,
				Content: []models.ContentBlock{
					{Type: models.BlockSystemStatus, SystemType: models.SystemStatusCompaction},
				},
			},
		},
	}

	currentRaw, _ := json.Marshal(ClaudeRawResult{Usage: &ClaudeTopLevelUsage{InputTokens: 200, OutputTokens: 80}})

	got := ComputeContextWindow(context.Background(), store, models.ToolClaudeCode, "s1", "t3", currentRaw, 0, 0)
	if got != 280 {
		t.Errorf("ComputeContextWindow() = %d, want 280", got)
	}
}

func TestComputeContextWindow_NoCompactionSumsAll(t *testing.T) {
	store := &fakeContextWindowStore{
		tasks: []*models.Task{
			tokenTask("t1", 100, 50),
			tokenTask("t2", 10, 5),
		},
	}
	currentRaw, _ := json.Marshal(ClaudeRawResult{Usage: &ClaudeTopLevelUsage{InputTokens: 20, OutputTokens: 10}})

	got := ComputeContextWindow(context.Background(), store, models.ToolClaudeCode, "s1", "t3", currentRaw, 0, 0)
	want := int64(100 + 50 + 10 + 5 + 20 + 10)
	if got != want {
		t.Errorf("ComputeContextWindow() = %d, want %d", got, want)
	}
}

func TestComputeContextWindow_ExcludesCurrentTaskFromPriorSum(t *testing.T) {
	store := &fakeContextWindowStore{
		tasks: []*models.Task{
			tokenTask("t1", 100, 50),
			tokenTask("t2", 999, 999), // same ID as current task; must not double count
		},
	}
	currentRaw, _ := json.Marshal(ClaudeRawResult{Usage: &ClaudeTopLevelUsage{InputTokens: 5, OutputTokens: 5}})

	got := ComputeContextWindow(context.Background(), store, models.ToolClaudeCode, "s1", "t2", currentRaw, 0, 0)
	want := int64(100 + 50 + 5 + 5)
	if got != want {
		t.Errorf("ComputeContextWindow() = %d, want %d", got, want)
	}
}

// memoryContextWindowStore adapts a real *store.MemoryStore to
// ContextWindowStore the same way the executor's adapter does, so the
// computation is exercised against real listing semantics rather than a
// hand-rolled fake.
type memoryContextWindowStore struct {
	st *store.MemoryStore
}

func (m *memoryContextWindowStore) MessagesForSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return m.st.ListMessages(ctx, sessionID, 0)
}

func (m *memoryContextWindowStore) CompletedTasksForSession(ctx context.Context, sessionID string, limit int) ([]*models.Task, error) {
	return m.st.ListTasks(ctx, store.TaskListOptions{SessionID: sessionID, Status: models.TaskCompleted, Limit: limit})
}

func TestComputeContextWindow_BoundedWindowSeesRecentCompaction(t *testing.T) {
	// More completed tasks than the prior-task window can hold. The
	// compaction boundary sits inside the most recent 100 tasks; only a
	// listing that keeps the newest tasks can see it, so this fails if a
	// bounded ListTasks ever returns the oldest tasks instead.
	st := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 1; i <= 150; i++ {
		task := tokenTask(fmt.Sprintf("t%03d", i), 10, 5)
		task.SessionID = "s1"
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%d) error = %v", i, err)
		}
	}
	err := st.AppendMessage(ctx, &models.Message{
		MessageID: "m-compaction",
		SessionID: "s1",
		TaskID:    "t120",
		Role:      models.RoleSystem,
		Content: []models.ContentBlock{
			{Type: models.BlockSystemStatus, SystemType: models.SystemStatusCompaction},
		},
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	currentRaw, _ := json.Marshal(ClaudeRawResult{Usage: &ClaudeTopLevelUsage{InputTokens: 20, OutputTokens: 10}})

	got := ComputeContextWindow(ctx, &memoryContextWindowStore{st: st}, models.ToolClaudeCode, "s1", "t151", currentRaw, 0, 0)
	// Tasks after the boundary: t121..t150, 30 tasks at 15 tokens each,
	// plus the current turn's 30.
	want := int64(30*15 + 30)
	if got != want {
		t.Errorf("ComputeContextWindow() = %d, want %d", got, want)
	}
}
