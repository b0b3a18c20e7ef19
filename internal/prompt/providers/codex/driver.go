// Package codex implements the Codex (OpenAI) prompt driver. Unlike the
// Claude Agent SDK, go-openai's chat completion API has no server-side
// continuation of its own, so this driver replays session history on
// every call the same way the Claude driver does. Because the full
// conversation is replayed each call, a call's own prompt-token count is
// already a cumulative figure over the conversation so far — exactly the
// shape the normalizer's cumulative-delta rule expects from this vendor,
// so that rule applies unchanged.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
)

// defaultContextWindow is the fallback window when no per-model figure
// is available.
const defaultContextWindow = 128000

const defaultMaxTokens = 4096

// Driver implements prompt.Provider for models.ToolCodex.
type Driver struct {
	log       *slog.Logger
	client    *openai.Client
	history   prompt.History
	executor  prompt.ToolExecutor
	catalog   prompt.ToolCatalog
	priorTask normalizer.PriorTaskLookup
}

// New constructs a Codex Driver. apiKey falls back to OPENAI_API_KEY.
// priorTask resolves the most recent completed task in a session, used to
// seed this turn's cumulative-output baseline the same way the normalizer
// does for the final accounting step.
func New(log *slog.Logger, apiKey string, history prompt.History, executor prompt.ToolExecutor, catalog prompt.ToolCatalog, priorTask normalizer.PriorTaskLookup) *Driver {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &Driver{
		log:       log.With("component", "prompt_driver", "tool", "codex"),
		client:    openai.NewClient(apiKey),
		history:   history,
		executor:  executor,
		catalog:   catalog,
		priorTask: priorTask,
	}
}

func (d *Driver) Tool() models.AgenticTool { return models.ToolCodex }

// Stream implements prompt.Provider:
// a streaming chat completion request with StreamOptions.IncludeUsage so
// the final chunk carries token usage, decoded into ProcessedEvents and
// looped through the permission gate for any requested tool calls.
func (d *Driver) Stream(ctx context.Context, setup prompt.Setup, userPrompt string, active *prompt.ActiveTask, gate *prompt.Gate) (<-chan events.ProcessedEvent, error) {
	out := make(chan events.ProcessedEvent)

	go func() {
		defer close(out)

		messages, err := d.replayHistory(ctx, setup.Session.SessionID)
		if err != nil {
			d.log.Error("failed to replay session history", "session_id", setup.Session.SessionID, "error", err)
			return
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

		tools, err := d.convertTools(ctx)
		if err != nil {
			d.log.Error("failed to build tool schema", "session_id", setup.Session.SessionID, "error", err)
			return
		}

		_, priorOutput, err := d.priorCumulativeOutput(ctx, setup.Session.SessionID)
		if err != nil {
			d.log.Warn("failed to resolve prior cumulative output tokens, assuming zero", "session_id", setup.Session.SessionID, "error", err)
		}
		cumulativeOutput := priorOutput
		var lastPromptTokens int64
		var cacheRead int64

		for iteration := 0; iteration < prompt.MaxToolLoopIterations(); iteration++ {
			if active.Stopped() {
				emit(ctx, out, events.NewStopped())
				return
			}

			req := openai.ChatCompletionRequest{
				Model:         setup.Model,
				Messages:      messages,
				MaxTokens:     defaultMaxTokens,
				Stream:        true,
				StreamOptions: &openai.StreamOptions{IncludeUsage: true},
			}
			if len(tools) > 0 {
				req.Tools = tools
			}

			stream, err := d.client.CreateChatCompletionStream(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					emit(ctx, out, events.NewStopped())
					return
				}
				d.log.Error("codex stream create error", "session_id", setup.Session.SessionID, "error", err)
				return
			}

			turn, err := d.processStream(ctx, stream, out, active)
			stream.Close()
			if err != nil {
				if ctx.Err() != nil {
					emit(ctx, out, events.NewStopped())
					return
				}
				d.log.Error("codex stream error", "session_id", setup.Session.SessionID, "error", err)
				return
			}
			if turn == nil {
				emit(ctx, out, events.NewStopped())
				return
			}

			if turn.promptTokens > 0 {
				lastPromptTokens = turn.promptTokens
			}
			cumulativeOutput += turn.completionTokens
			if turn.cacheReadTokens > 0 {
				cacheRead = turn.cacheReadTokens
			}

			assistantMsg := openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   turn.text,
				ToolCalls: turn.toolCallsForHistory(),
			}
			messages = append(messages, assistantMsg)

			if len(turn.toolCalls) == 0 {
				raw, _ := json.Marshal(normalizer.CodexRawResult{
					CumulativeInputTokens:  lastPromptTokens,
					CumulativeOutputTokens: cumulativeOutput,
					CumulativeCacheTokens:  cacheRead,
					Model:                  setup.Model,
					ContextWindow:          defaultContextWindow,
				})
				emit(ctx, out, events.NewResult(events.Result{RawSdkMessage: raw}))
				return
			}

			for _, tc := range turn.toolCalls {
				var input json.RawMessage
				if tc.Function.Arguments != "" {
					input = json.RawMessage(tc.Function.Arguments)
				}
				decision, err := gateCheck(ctx, gate, tc.ID, tc.Function.Name, input)
				if err != nil || decision == permission.Deny {
					reason := "permission denied"
					if err != nil {
						reason = err.Error()
					}
					emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: tc.ID, Result: reason, IsError: true}))
					messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: reason, ToolCallID: tc.ID})
					continue
				}

				result, isError := "", false
				if d.executor != nil {
					var execErr error
					result, isError, execErr = d.executor.Execute(ctx, tc.Function.Name, input)
					if execErr != nil {
						result, isError = execErr.Error(), true
					}
				}
				emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: tc.ID, Result: result, IsError: isError}))
				messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: result, ToolCallID: tc.ID})
			}
		}
		d.log.Warn("codex tool loop hit safety cap, terminating turn", "session_id", setup.Session.SessionID, "cap", prompt.MaxToolLoopIterations())
	}()

	return out, nil
}

func gateCheck(ctx context.Context, gate *prompt.Gate, toolUseID, name string, input json.RawMessage) (permission.Decision, error) {
	if gate == nil {
		return permission.Allow, nil
	}
	return gate.Check(ctx, name, input, toolUseID)
}

// priorCumulativeOutput resolves the completed prior task's raw Codex
// response, if any, skipping an incomplete prior task just like the
// normalizer's own codexPriorCumulative does.
func (d *Driver) priorCumulativeOutput(ctx context.Context, sessionID string) (input, output int64, err error) {
	if d.priorTask == nil {
		return 0, 0, nil
	}
	task, err := d.priorTask(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	if task == nil || task.Status != models.TaskCompleted || len(task.RawSdkResponse) == 0 {
		return 0, 0, nil
	}
	var prior normalizer.CodexRawResult
	if err := json.Unmarshal(task.RawSdkResponse, &prior); err != nil {
		return 0, 0, nil
	}
	return prior.CumulativeInputTokens, prior.CumulativeOutputTokens, nil
}

func (d *Driver) convertTools(ctx context.Context) ([]openai.Tool, error) {
	if d.catalog == nil {
		return nil, nil
	}
	schemas, err := d.catalog.Schemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool catalog: %w", err)
	}
	var result []openai.Tool
	for _, schema := range schemas {
		var params map[string]any
		if err := json.Unmarshal(schema.InputSchema, &params); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", schema.Name, err)
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  params,
			},
		})
	}
	return result, nil
}

// replayHistory converts the vendor-neutral transcript into go-openai's
// message shape: one
// tool-result message per tool_result block, tool calls carried on the
// assistant message that requested them.
func (d *Driver) replayHistory(ctx context.Context, sessionID string) ([]openai.ChatCompletionMessage, error) {
	if d.history == nil {
		return nil, nil
	}
	msgs, err := d.history.MessagesForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}

	var out []openai.ChatCompletionMessage
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			var text strings.Builder
			var toolResults []openai.ChatCompletionMessage
			for _, b := range m.Content {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockToolResult:
					toolResults = append(toolResults, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    b.ToolResultContent,
						ToolCallID: b.ToolResultFor,
					})
				}
			}
			if text.Len() > 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
			}
			out = append(out, toolResults...)

		case models.RoleAssistant:
			var text strings.Builder
			var calls []openai.ToolCall
			for _, b := range m.Content {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockToolUse:
					calls = append(calls, openai.ToolCall{
						ID:   b.ToolUseID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.ToolName,
							Arguments: string(b.ToolInput),
						},
					})
				}
			}
			if text.Len() > 0 || len(calls) > 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text.String(), ToolCalls: calls})
			}
		}
	}
	return out, nil
}

type turnState struct {
	text             string
	toolCalls        []openai.ToolCall
	promptTokens     int64
	completionTokens int64
	cacheReadTokens  int64
}

func (t *turnState) toolCallsForHistory() []openai.ToolCall {
	if len(t.toolCalls) == 0 {
		return nil
	}
	return t.toolCalls
}

// processStream decodes one CreateChatCompletionStream call into
// ProcessedEvents, accumulating text and tool-call argument fragments
// across chunks (OpenAI streams a tool call's arguments incrementally,
// indexed by position). The
// final chunk, with no choices, carries the call's usage totals.
func (d *Driver) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- events.ProcessedEvent, active *prompt.ActiveTask) (*turnState, error) {
	turn := &turnState{}
	var textBuilder strings.Builder
	calls := make(map[int]*openai.ToolCall)
	var order []int

	for {
		if active.Stopped() {
			return nil, nil
		}
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("codex stream: %w", err)
		}

		if resp.Usage != nil {
			turn.promptTokens = int64(resp.Usage.PromptTokens)
			turn.completionTokens = int64(resp.Usage.CompletionTokens)
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			textBuilder.WriteString(delta.Content)
			emit(ctx, out, events.NewPartial(events.Partial{TextChunk: delta.Content}))
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &openai.ToolCall{Type: openai.ToolTypeFunction}
				order = append(order, index)
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Function.Name = tc.Function.Name
				emit(ctx, out, events.NewToolStart(events.ToolStart{ToolName: tc.Function.Name, ToolUseID: calls[index].ID}))
			}
			if tc.Function.Arguments != "" {
				calls[index].Function.Arguments += tc.Function.Arguments
			}
		}
	}

	turn.text = textBuilder.String()
	for _, idx := range order {
		turn.toolCalls = append(turn.toolCalls, *calls[idx])
	}

	emit(ctx, out, events.NewComplete(events.Complete{
		Role: models.RoleAssistant,
	}))
	return turn, nil
}

func emit(ctx context.Context, out chan<- events.ProcessedEvent, e events.ProcessedEvent) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}
