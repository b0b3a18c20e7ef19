// Package gemini implements the Gemini prompt driver. Gemini's function
// calling is host-fulfilled: the model returns FunctionCall parts inline
// in its streamed response rather than pausing for the host the way the
// Claude Agent SDK's tool-use loop does, so this driver collects every
// function call seen across one streamed turn, resolves them through the
// permission gate, and resubmits their FunctionResponse parts as the next
// turn's content — bounded by the shared tool-loop safety cap.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
)

// defaultContextWindow is the fallback window for current Gemini models.
const defaultContextWindow = 1000000

// authTimeout bounds client construction; a timeout is surfaced as a
// named error distinguishable from a credential failure.
const authTimeout = 10 * time.Second

// ErrAuthTimeout is returned by New when client construction does not
// complete within authTimeout, distinguishable from a plain credential
// failure.
var ErrAuthTimeout = errors.New("gemini: authentication timed out")

// Driver implements prompt.Provider for models.ToolGemini.
type Driver struct {
	log      *slog.Logger
	client   *genai.Client
	history  prompt.History
	executor prompt.ToolExecutor
	catalog  prompt.ToolCatalog
}

// New constructs a Gemini Driver against the given API key (falling back
// to GEMINI_API_KEY).
func New(ctx context.Context, log *slog.Logger, apiKey string, history prompt.History, executor prompt.ToolExecutor, catalog prompt.ToolCatalog) (*Driver, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	client, err := genai.NewClient(authCtx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		if authCtx.Err() != nil {
			return nil, ErrAuthTimeout
		}
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Driver{
		log:      log.With("component", "prompt_driver", "tool", "gemini"),
		client:   client,
		history:  history,
		executor: executor,
		catalog:  catalog,
	}, nil
}

func (d *Driver) Tool() models.AgenticTool { return models.ToolGemini }

// Stream implements prompt.Provider: a GenerateContentStream call whose
// Go 1.23 iterator is drained into ProcessedEvents, with every
// FunctionCall part collected for the host-fulfilled tool loop.
func (d *Driver) Stream(ctx context.Context, setup prompt.Setup, userPrompt string, active *prompt.ActiveTask, gate *prompt.Gate) (<-chan events.ProcessedEvent, error) {
	out := make(chan events.ProcessedEvent)

	go func() {
		defer close(out)

		contents, err := d.replayHistory(ctx, setup.Session.SessionID)
		if err != nil {
			d.log.Error("failed to replay session history", "session_id", setup.Session.SessionID, "error", err)
			return
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: userPrompt}}})

		config, err := d.buildConfig(ctx, setup)
		if err != nil {
			d.log.Error("failed to build generation config", "session_id", setup.Session.SessionID, "error", err)
			return
		}

		if systemPrompt, err := writeContextFile(setup); err != nil {
			d.log.Warn("failed to write session context file", "session_id", setup.Session.SessionID, "error", err)
		} else {
			config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
		}

		var lastUsage usageMetadata

		for iteration := 0; iteration < prompt.MaxToolLoopIterations(); iteration++ {
			if active.Stopped() {
				emit(ctx, out, events.NewStopped())
				return
			}

			streamIter := d.client.Models.GenerateContentStream(ctx, setup.Model, contents, config)
			turn, err := d.processStream(ctx, streamIter, out, active)
			if err != nil {
				if ctx.Err() != nil {
					emit(ctx, out, events.NewStopped())
					return
				}
				d.log.Error("gemini stream error", "session_id", setup.Session.SessionID, "error", err)
				return
			}
			if turn == nil {
				emit(ctx, out, events.NewStopped())
				return
			}
			if turn.usage.set {
				lastUsage = turn.usage
			}

			modelParts := turn.modelParts()
			if len(modelParts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: modelParts})
			}

			if len(turn.functionCalls) == 0 {
				raw, _ := json.Marshal(lastUsage.toRaw(setup.Model))
				emit(ctx, out, events.NewResult(events.Result{RawSdkMessage: raw}))
				return
			}

			responseParts := d.resolveFunctionCalls(ctx, out, turn.functionCalls, gate)
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responseParts})
		}
		d.log.Warn("gemini tool loop hit safety cap, terminating turn", "session_id", setup.Session.SessionID, "cap", prompt.MaxToolLoopIterations())
	}()

	return out, nil
}

// functionCall is one function-call request collected from a turn's
// stream, paired with the synthetic tool-use id Gemini itself doesn't
// provide.
type functionCall struct {
	id   string
	name string
	args map[string]any
}

type turnState struct {
	text          string
	functionCalls []functionCall
	usage         usageMetadata
}

func (t *turnState) modelParts() []*genai.Part {
	var parts []*genai.Part
	if t.text != "" {
		parts = append(parts, &genai.Part{Text: t.text})
	}
	for _, fc := range t.functionCalls {
		parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: fc.name, Args: fc.args}})
	}
	return parts
}

type usageMetadata struct {
	set                     bool
	promptTokenCount        int64
	candidatesTokenCount    int64
	cachedContentTokenCount int64
	totalTokenCount         int64
}

func (u usageMetadata) toRaw(model string) rawResult {
	return rawResult{
		UsageMetadata: rawUsage{
			PromptTokenCount:        u.promptTokenCount,
			CandidatesTokenCount:    u.candidatesTokenCount,
			CachedContentTokenCount: u.cachedContentTokenCount,
			TotalTokenCount:         u.totalTokenCount,
		},
		Model:         model,
		ContextWindow: defaultContextWindow,
	}
}

// rawResult/rawUsage mirror normalizer.GeminiRawResult's json field names
// exactly; duplicated here (rather than imported) so this provider package
// has no compile-time dependency on internal/normalizer's vendor-specific
// types, matching the Claude driver's choice to build its own raw struct
// inline and leave normalization to the registry.
type rawUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
}

type rawResult struct {
	UsageMetadata rawUsage `json:"usageMetadata"`
	Model         string   `json:"model,omitempty"`
	ContextWindow int64    `json:"context_window,omitempty"`
}

// processStream decodes one GenerateContentStream call's iterator
// (iter.Seq2[*genai.GenerateContentResponse, error]) into
// ProcessedEvents.
func (d *Driver) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], out chan<- events.ProcessedEvent, active *prompt.ActiveTask) (*turnState, error) {
	turn := &turnState{}

	for resp, err := range streamIter {
		if active.Stopped() {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			turn.usage = usageMetadata{
				set:                     true,
				promptTokenCount:        int64(resp.UsageMetadata.PromptTokenCount),
				candidatesTokenCount:    int64(resp.UsageMetadata.CandidatesTokenCount),
				cachedContentTokenCount: int64(resp.UsageMetadata.CachedContentTokenCount),
				totalTokenCount:         int64(resp.UsageMetadata.TotalTokenCount),
			}
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					turn.text += part.Text
					emit(ctx, out, events.NewPartial(events.Partial{TextChunk: part.Text}))
				}
				if part.FunctionCall != nil {
					id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(turn.functionCalls))
					turn.functionCalls = append(turn.functionCalls, functionCall{id: id, name: part.FunctionCall.Name, args: part.FunctionCall.Args})
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					emit(ctx, out, events.NewToolStart(events.ToolStart{ToolName: part.FunctionCall.Name, ToolUseID: id, Input: argsJSON}))
				}
			}
		}
	}

	emit(ctx, out, events.NewComplete(events.Complete{Role: models.RoleAssistant}))
	return turn, nil
}

// resolveFunctionCalls gates every collected function call through the
// permission arbiter and, for allowed calls, the injected ToolExecutor,
// building the FunctionResponse parts for the next turn's content.
func (d *Driver) resolveFunctionCalls(ctx context.Context, out chan<- events.ProcessedEvent, calls []functionCall, gate *prompt.Gate) []*genai.Part {
	var parts []*genai.Part
	for _, fc := range calls {
		argsJSON, _ := json.Marshal(fc.args)
		decision, err := gateCheck(ctx, gate, fc.id, fc.name, argsJSON)
		if err != nil || decision == permission.Deny {
			reason := "permission denied"
			if err != nil {
				reason = err.Error()
			}
			emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: fc.id, Result: reason, IsError: true}))
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: fc.name, Response: map[string]any{"error": reason}}})
			continue
		}

		result, isError := "", false
		if d.executor != nil {
			var execErr error
			result, isError, execErr = d.executor.Execute(ctx, fc.name, argsJSON)
			if execErr != nil {
				result, isError = execErr.Error(), true
			}
		}
		emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: fc.id, Result: result, IsError: isError}))

		response := map[string]any{"result": result}
		if isError {
			response = map[string]any{"error": result}
		}
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: fc.name, Response: response}})
	}
	return parts
}

func gateCheck(ctx context.Context, gate *prompt.Gate, toolUseID, name string, input json.RawMessage) (permission.Decision, error) {
	if gate == nil {
		return permission.Allow, nil
	}
	return gate.Check(ctx, name, input, toolUseID)
}

// buildConfig resolves the generation config for a turn: the tool catalog
// converted to Gemini's FunctionDeclaration schema. Setup.ThinkingTokens
// is computed uniformly by BuildSetup but this vendor's SDK surface has
// no thinking-config field to set it on, so this driver intentionally
// does not use it —
// an explicit vendor quirk, not an oversight.
func (d *Driver) buildConfig(ctx context.Context, setup prompt.Setup) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}

	if d.catalog == nil {
		return config, nil
	}
	schemas, err := d.catalog.Schemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool catalog: %w", err)
	}
	if len(schemas) == 0 {
		return config, nil
	}

	var decls []*genai.FunctionDeclaration
	for _, schema := range schemas {
		var params map[string]any
		if err := json.Unmarshal(schema.InputSchema, &params); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", schema.Name, err)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  toGeminiSchema(params),
		})
	}
	config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	return config, nil
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// replayHistory converts the vendor-neutral transcript into Gemini's
// Content shape.
func (d *Driver) replayHistory(ctx context.Context, sessionID string) ([]*genai.Content, error) {
	if d.history == nil {
		return nil, nil
	}
	msgs, err := d.history.MessagesForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}

	var out []*genai.Content
	for _, m := range msgs {
		var parts []*genai.Part
		role := genai.RoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = genai.RoleModel
		case models.RoleSystem:
			continue
		}
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					parts = append(parts, &genai.Part{Text: b.Text})
				}
			case models.BlockToolUse:
				var args map[string]any
				_ = json.Unmarshal(b.ToolInput, &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: b.ToolName, Args: args}})
			case models.BlockToolResult:
				response := map[string]any{"result": b.ToolResultContent}
				if b.ToolResultIsError {
					response = map[string]any{"error": b.ToolResultContent}
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: b.ToolName, Response: response}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out, nil
}

func emit(ctx context.Context, out chan<- events.ProcessedEvent, e events.ProcessedEvent) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}
