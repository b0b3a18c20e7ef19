// Package claude implements the Claude Code prompt driver: it drives
// Anthropic's Messages streaming API via anthropic-sdk-go, gates every
// tool_use block through the permission arbiter, and replays session
// history on each call since the raw Messages API has no server-side
// continuation of its own (Agor's sdk_session_id is our own bookkeeping,
// not a vendor-native resume token here).
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
)

// defaultContextWindow is Claude Sonnet's limit, used when no per-model
// contextWindow is reported.
const defaultContextWindow = 200000

// defaultMaxTokens bounds a single turn's output when the session has no
// explicit preference.
const defaultMaxTokens = 8192

// Driver implements prompt.Provider for models.ToolClaudeCode.
type Driver struct {
	log      *slog.Logger
	client   anthropic.Client
	history  prompt.History
	executor prompt.ToolExecutor
	catalog  prompt.ToolCatalog
}

// New constructs a Claude Code Driver. apiKey falls back to
// ANTHROPIC_API_KEY if empty, the variable the daemon forwards to
// executor subprocesses.
func New(log *slog.Logger, apiKey string, history prompt.History, executor prompt.ToolExecutor, catalog prompt.ToolCatalog) *Driver {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Driver{
		log:      log.With("component", "prompt_driver", "tool", "claude-code"),
		client:   client,
		history:  history,
		executor: executor,
		catalog:  catalog,
	}
}

func (d *Driver) Tool() models.AgenticTool { return models.ToolClaudeCode }

// Stream implements prompt.Provider. It replays prior session messages,
// appends the new user prompt, and drives a bounded request/tool-gate
// loop: each streaming call ends either at message_stop with no pending
// tool_use blocks (turn complete) or with tool_use blocks that must be
// gated and, if allowed, executed before the next call continues the
// conversation with their results.
func (d *Driver) Stream(ctx context.Context, setup prompt.Setup, userPrompt string, active *prompt.ActiveTask, gate *prompt.Gate) (<-chan events.ProcessedEvent, error) {
	out := make(chan events.ProcessedEvent)

	go func() {
		defer close(out)

		messages, err := d.replayHistory(ctx, setup.Session.SessionID)
		if err != nil {
			d.log.Error("failed to replay session history", "session_id", setup.Session.SessionID, "error", err)
			return
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)))

		tools, err := d.convertTools(ctx)
		if err != nil {
			d.log.Error("failed to build tool schema", "session_id", setup.Session.SessionID, "error", err)
			return
		}

		for iteration := 0; iteration < prompt.MaxToolLoopIterations(); iteration++ {
			if active.Stopped() {
				emit(ctx, out, events.NewStopped())
				return
			}

			params := anthropic.MessageNewParams{
				Model:     anthropic.Model(setup.Model),
				Messages:  messages,
				MaxTokens: defaultMaxTokens,
				Tools:     tools,
			}
			if setup.ThinkingTokens > 0 {
				params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(setup.ThinkingTokens))
			}

			stream := d.client.Messages.NewStreaming(ctx, params)
			turn, err := d.processStream(ctx, stream, out, active)
			if err != nil {
				if ctx.Err() != nil {
					emit(ctx, out, events.NewStopped())
					return
				}
				d.log.Error("claude stream error", "session_id", setup.Session.SessionID, "error", err)
				return
			}
			if turn == nil {
				// active.Stopped() fired mid-stream; processStream already
				// returned without an error.
				emit(ctx, out, events.NewStopped())
				return
			}

			messages = append(messages, anthropic.NewAssistantMessage(turn.assistantBlocks...))

			if len(turn.toolUses) == 0 {
				raw, _ := json.Marshal(turn.rawResult())
				emit(ctx, out, events.NewResult(events.Result{
					RawSdkMessage: raw,
					TokenUsage:    turn.tokenUsage(),
					DurationMs:    turn.durationMs,
				}))
				return
			}

			results := d.resolveTools(ctx, out, turn.toolUses, gate)
			messages = append(messages, anthropic.NewUserMessage(results...))
		}
		d.log.Warn("claude tool loop hit safety cap, terminating turn", "session_id", setup.Session.SessionID, "cap", prompt.MaxToolLoopIterations())
	}()

	return out, nil
}

// convertTools translates the vendor-neutral tool catalog into Anthropic's
// tool schema.
func (d *Driver) convertTools(ctx context.Context) ([]anthropic.ToolUnionParam, error) {
	if d.catalog == nil {
		return nil, nil
	}
	schemas, err := d.catalog.Schemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool catalog: %w", err)
	}

	var result []anthropic.ToolUnionParam
	for _, schema := range schemas {
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema.InputSchema, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", schema.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(inputSchema, schema.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", schema.Name)
		}
		toolParam.OfTool.Description = anthropic.String(schema.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (d *Driver) replayHistory(ctx context.Context, sessionID string) ([]anthropic.MessageParam, error) {
	if d.history == nil {
		return nil, nil
	}
	msgs, err := d.history.MessagesForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	var out []anthropic.MessageParam
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				var input map[string]any
				_ = json.Unmarshal(b.ToolInput, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case models.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultFor, b.ToolResultContent, b.ToolResultIsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

type turnState struct {
	assistantBlocks []anthropic.ContentBlockParamUnion
	toolUses        []toolUse
	inputTokens     int64
	outputTokens    int64
	cacheRead       int64
	cacheCreation   int64
	durationMs      int64
	model           string
}

type toolUse struct {
	id    string
	name  string
	input json.RawMessage
}

func (t *turnState) tokenUsage() *models.TokenUsage {
	return &models.TokenUsage{
		InputTokens:         t.inputTokens,
		OutputTokens:        t.outputTokens,
		TotalTokens:         t.inputTokens + t.outputTokens,
		CacheReadTokens:     t.cacheRead,
		CacheCreationTokens: t.cacheCreation,
	}
}

func (t *turnState) rawResult() normalizer.ClaudeRawResult {
	return normalizer.ClaudeRawResult{
		ModelUsage: map[string]normalizer.ClaudeModelUsage{
			t.model: {
				InputTokens:              t.inputTokens,
				OutputTokens:             t.outputTokens,
				CacheReadInputTokens:     t.cacheRead,
				CacheCreationInputTokens: t.cacheCreation,
				ContextWindow:            defaultContextWindow,
			},
		},
		Model:      t.model,
		DurationMs: t.durationMs,
	}
}

// processStream decodes one Messages streaming call into ProcessedEvents,
// accumulating the assistant's content blocks (text, thinking, tool_use)
// so the driver can both forward them live and replay them into the next
// call's message history. A nil, nil return
// means the turn was cut short by active.Stopped().
func (d *Driver) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- events.ProcessedEvent, active *prompt.ActiveTask) (*turnState, error) {
	turn := &turnState{}
	var textBuilder strings.Builder
	var thinkingBuilder strings.Builder
	var currentTool *toolUse
	var toolInputBuilder strings.Builder
	inThinking := false

	for stream.Next() {
		if active.Stopped() {
			return nil, nil
		}
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			turn.model = string(ms.Message.Model)
			turn.inputTokens = ms.Message.Usage.InputTokens
			turn.cacheRead = ms.Message.Usage.CacheReadInputTokens
			turn.cacheCreation = ms.Message.Usage.CacheCreationInputTokens

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			switch cbs.ContentBlock.Type {
			case "thinking":
				inThinking = true
				thinkingBuilder.Reset()
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				currentTool = &toolUse{id: tu.ID, name: tu.Name}
				toolInputBuilder.Reset()
				emit(ctx, out, events.NewToolStart(events.ToolStart{ToolName: tu.Name, ToolUseID: tu.ID}))
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuilder.WriteString(delta.Text)
					emit(ctx, out, events.NewPartial(events.Partial{TextChunk: delta.Text, ResolvedModel: turn.model}))
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingBuilder.WriteString(delta.Thinking)
					emit(ctx, out, events.NewThinkingPartial(events.ThinkingPartial{ThinkingChunk: delta.Thinking}))
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInputBuilder.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
				emit(ctx, out, events.NewThinkingComplete())
			case currentTool != nil:
				currentTool.input = json.RawMessage(toolInputBuilder.String())
				var inputMap map[string]any
				_ = json.Unmarshal(currentTool.input, &inputMap)
				turn.assistantBlocks = append(turn.assistantBlocks, anthropic.NewToolUseBlock(currentTool.id, inputMap, currentTool.name))
				turn.toolUses = append(turn.toolUses, *currentTool)
				currentTool = nil
			case textBuilder.Len() > 0:
				turn.assistantBlocks = append(turn.assistantBlocks, anthropic.NewTextBlock(textBuilder.String()))
				textBuilder.Reset()
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				turn.outputTokens = md.Usage.OutputTokens
			}

		case "message_stop":
			emit(ctx, out, events.NewComplete(events.Complete{
				Role:       models.RoleAssistant,
				TokenUsage: turn.tokenUsage(),
			}))
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("claude stream: %w", err)
	}
	return turn, nil
}

// resolveTools gates every tool_use block collected from a turn through
// the permission arbiter and, for allowed calls, the injected
// ToolExecutor, building the tool_result content blocks for the next
// message. A denial still produces an error tool_result rather than
// aborting the turn outright, letting the model react to the refusal the
// way the real vendor SDKs do when a host denies a tool.
func (d *Driver) resolveTools(ctx context.Context, out chan<- events.ProcessedEvent, uses []toolUse, gate *prompt.Gate) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, use := range uses {
		decision, err := gateCheck(ctx, gate, use)
		if err != nil || decision == permission.Deny {
			reason := "permission denied"
			if err != nil {
				reason = err.Error()
			}
			emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: use.id, Result: reason, IsError: true}))
			blocks = append(blocks, anthropic.NewToolResultBlock(use.id, reason, true))
			continue
		}

		result, isError := "", false
		if d.executor != nil {
			var execErr error
			result, isError, execErr = d.executor.Execute(ctx, use.name, use.input)
			if execErr != nil {
				result = execErr.Error()
				isError = true
			}
		}
		emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: use.id, Result: result, IsError: isError}))
		blocks = append(blocks, anthropic.NewToolResultBlock(use.id, result, isError))
	}
	return blocks
}

func gateCheck(ctx context.Context, gate *prompt.Gate, use toolUse) (permission.Decision, error) {
	if gate == nil {
		return permission.Allow, nil
	}
	return gate.Check(ctx, use.name, use.input, use.id)
}

func emit(ctx context.Context, out chan<- events.ProcessedEvent, e events.ProcessedEvent) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}
