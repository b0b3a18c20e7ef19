// Package opencode implements the OpenCode prompt driver. Unlike the
// other three vendor drivers, OpenCode publishes no Go client SDK — the
// OpenCode server is itself a standalone binary that executes tools
// internally and streams progress as JSONL events over its headless CLI
// mode. This driver therefore spawns `opencode headless --output-format
// jsonl --stdin` as a subprocess per turn and decodes its stdout event
// stream, rather than wrapping a client library.
//
// Architectural note: because OpenCode executes read/write/bash/etc
// itself inside the subprocess, Agor's per-call permission gate cannot
// arbitrate each tool invocation before it runs the way the claude/codex/
// gemini drivers do — there is no host-fulfilled pause to intercept. This
// driver instead makes one coarse upfront gate decision per turn
// (bypass mode, or the gate allowing "opencode:*" via an allow-list
// entry or the user's answer to a permission request) and
// passes --yolo only when that decision already grants full autonomy;
// otherwise OpenCode's own internal checker governs, and a permission
// halt surfaces as a failed turn rather than a resumable per-call prompt.
package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
)

// defaultContextWindow is used when OpenCode's own message tokens carry
// no model-specific context size; OpenCode proxies to whichever
// underlying vendor model the user configured, so this is a conservative
// floor rather than a precise figure.
const defaultContextWindow = 200000

// BinaryPath is the resolved path (or bare name, relying on PATH) to the
// opencode CLI; overridable for testing.
var BinaryPath = "opencode"

// Driver implements prompt.Provider for models.ToolOpenCode by driving
// the opencode binary as a subprocess.
type Driver struct {
	log *slog.Logger
}

// New constructs an OpenCode Driver. OpenCode needs no session-history
// replay — it persists and continues sessions by its own sdk_session_id
// (passed as --session), so no History collaborator is needed here.
func New(log *slog.Logger) *Driver {
	return &Driver{log: log.With("component", "prompt_driver", "tool", "opencode")}
}

func (d *Driver) Tool() models.AgenticTool { return models.ToolOpenCode }

// Stream implements prompt.Provider: spawn one headless OpenCode run and
// decode its JSONL event stream into ProcessedEvents.
func (d *Driver) Stream(ctx context.Context, setup prompt.Setup, userPrompt string, active *prompt.ActiveTask, gate *prompt.Gate) (<-chan events.ProcessedEvent, error) {
	out := make(chan events.ProcessedEvent)

	autonomous, err := d.resolveAutonomy(ctx, setup, gate)
	if err != nil {
		return nil, fmt.Errorf("opencode: resolve permission autonomy: %w", err)
	}

	args := []string{
		"headless",
		"--output-format", "jsonl",
		"--verbose",
		"--workdir", setup.WorkingDir,
		"--stdin",
		"--no-save",
	}
	if setup.Model != "" {
		args = append(args, "--model", setup.Model)
	}
	if setup.Session.SDKSessionID != "" {
		args = append(args, "--session", setup.Session.SDKSessionID)
	}
	if autonomous {
		args = append(args, "--yolo")
	}

	cmd := exec.CommandContext(ctx, BinaryPath, args...)
	cmd.Dir = setup.WorkingDir
	cmd.Stdin = strings.NewReader(userPrompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opencode: open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("opencode: start subprocess: %w", err)
	}

	go func() {
		defer close(out)

		turn := &turnState{}
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			if active.Stopped() {
				_ = cmd.Process.Kill()
				emit(ctx, out, events.NewStopped())
				_ = cmd.Wait()
				return
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := d.handleLine(ctx, out, turn, line); err != nil {
				d.log.Warn("failed to decode opencode event line", "session_id", setup.Session.SessionID, "error", err)
			}
		}

		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			emit(ctx, out, events.NewStopped())
			return
		}
		if waitErr != nil && !turn.sawResult {
			d.log.Error("opencode subprocess exited with error", "session_id", setup.Session.SessionID, "error", waitErr)
			emit(ctx, out, events.NewComplete(events.Complete{Role: models.RoleAssistant}))
			return
		}
		if !turn.sawResult {
			raw, _ := json.Marshal(turn.toRaw(setup.Model))
			emit(ctx, out, events.NewResult(events.Result{RawSdkMessage: raw}))
		}
	}()

	return out, nil
}

// resolveAutonomy makes the single upfront gate decision described in the
// package doc comment: bypass mode, or the gate allowing the synthetic
// "opencode:*" tool name (from an allow-list entry or, when the policy
// does not resolve it, the user's decision), grants --yolo for the whole
// turn.
func (d *Driver) resolveAutonomy(ctx context.Context, setup prompt.Setup, gate *prompt.Gate) (bool, error) {
	if setup.PermissionMode == models.PermissionModeBypass {
		return true, nil
	}
	if gate == nil {
		return false, nil
	}
	decision, err := gate.Check(ctx, "opencode:*", nil, "")
	if err != nil {
		return false, nil
	}
	return decision == permission.Allow, nil
}

// turnState accumulates the final token usage and session id seen across
// a turn's JSONL stream for the closing Result event.
type turnState struct {
	sawResult  bool
	sessionID  string
	inputToks  int
	outputToks int
	cacheRead  int
}

func (t *turnState) toRaw(model string) rawResult {
	return rawResult{
		SessionID:     t.sessionID,
		Model:         model,
		InputTokens:   t.inputToks,
		OutputTokens:  t.outputToks,
		CacheRead:     t.cacheRead,
		ContextWindow: defaultContextWindow,
	}
}

// rawResult is this driver's normalizer-facing raw shape, field names
// chosen to mirror OpenCode's own types.TokenUsage (input/output/cache.read)
// rather than another vendor's convention — each raw shape encodes its
// vendor's actual wire format.
type rawResult struct {
	SessionID     string `json:"session_id,omitempty"`
	Model         string `json:"model,omitempty"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	CacheRead     int    `json:"cache_read_tokens,omitempty"`
	ContextWindow int64  `json:"context_window,omitempty"`
}

// wireEvent mirrors internal/headless/types.go's Event envelope
// ({"type": "...", "data": {...}}) emitted one per JSONL line.
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleLine decodes one JSONL line and emits the corresponding
// ProcessedEvent(s), switching on the event envelope's type the same way
// OpenCode's own headless printer does.
func (d *Driver) handleLine(ctx context.Context, out chan<- events.ProcessedEvent, turn *turnState, line []byte) error {
	var we wireEvent
	if err := json.Unmarshal(line, &we); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}

	switch we.Type {
	case "session.created":
		var data struct {
			Info struct {
				ID string `json:"id"`
			} `json:"info"`
		}
		if err := json.Unmarshal(we.Data, &data); err == nil {
			turn.sessionID = data.Info.ID
		}

	case "message.updated":
		var data struct {
			Info struct {
				Tokens *struct {
					Input  int `json:"input"`
					Output int `json:"output"`
					Cache  struct {
						Read int `json:"read"`
					} `json:"cache"`
				} `json:"tokens"`
			} `json:"info"`
		}
		if err := json.Unmarshal(we.Data, &data); err == nil && data.Info.Tokens != nil {
			turn.inputToks = data.Info.Tokens.Input
			turn.outputToks = data.Info.Tokens.Output
			turn.cacheRead = data.Info.Tokens.Cache.Read
		}

	case "message.part.updated":
		return d.handlePartUpdated(ctx, out, we.Data)

	case "permission.updated":
		var data struct {
			ID             string `json:"id"`
			PermissionType string `json:"permission_type"`
			Title          string `json:"title"`
		}
		if err := json.Unmarshal(we.Data, &data); err == nil {
			emit(ctx, out, events.NewToolStart(events.ToolStart{ToolName: data.PermissionType, ToolUseID: data.ID}))
		}

	case "session.error":
		var data struct {
			Error struct {
				Data struct {
					Message string `json:"message"`
				} `json:"data"`
			} `json:"error"`
		}
		if err := json.Unmarshal(we.Data, &data); err == nil {
			emit(ctx, out, events.NewToolComplete(events.ToolComplete{Result: data.Error.Data.Message, IsError: true}))
		}

	case "session.status":
		var data struct {
			Status struct {
				Type string `json:"type"`
			} `json:"status"`
		}
		if err := json.Unmarshal(we.Data, &data); err == nil && data.Status.Type == "idle" {
			turn.sawResult = true
			emit(ctx, out, events.NewComplete(events.Complete{Role: models.RoleAssistant}))
			raw, _ := json.Marshal(turn.toRaw(""))
			emit(ctx, out, events.NewResult(events.Result{RawSdkMessage: raw}))
		}
	}
	return nil
}

// handlePartUpdated discriminates the polymorphic Part by its "type"
// field, mirroring types.TextPart/types.ToolPart's json shape.
func (d *Driver) handlePartUpdated(ctx context.Context, out chan<- events.ProcessedEvent, raw json.RawMessage) error {
	var data struct {
		Delta string          `json:"delta"`
		Part  json.RawMessage `json:"part"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal part update: %w", err)
	}
	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data.Part, &kind); err != nil {
		return fmt.Errorf("unmarshal part type: %w", err)
	}

	switch kind.Type {
	case "text":
		if data.Delta != "" {
			emit(ctx, out, events.NewPartial(events.Partial{TextChunk: data.Delta}))
		}
	case "tool":
		var tool struct {
			ToolCallID string         `json:"toolCallID"`
			ToolName   string         `json:"toolName"`
			Input      map[string]any `json:"input"`
			State      string         `json:"state"`
			Output     *string        `json:"output"`
			Error      *string        `json:"error"`
		}
		if err := json.Unmarshal(data.Part, &tool); err != nil {
			return fmt.Errorf("unmarshal tool part: %w", err)
		}
		switch tool.State {
		case "running", "pending":
			inputJSON, _ := json.Marshal(tool.Input)
			emit(ctx, out, events.NewToolStart(events.ToolStart{ToolName: tool.ToolName, ToolUseID: tool.ToolCallID, Input: inputJSON}))
		case "completed":
			result := ""
			if tool.Output != nil {
				result = *tool.Output
			}
			emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: tool.ToolCallID, Result: result}))
		case "error":
			result := ""
			if tool.Error != nil {
				result = *tool.Error
			}
			emit(ctx, out, events.NewToolComplete(events.ToolComplete{ToolUseID: tool.ToolCallID, Result: result, IsError: true}))
		}
	}
	return nil
}

func emit(ctx context.Context, out chan<- events.ProcessedEvent, e events.ProcessedEvent) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}
