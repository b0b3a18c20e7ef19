// Package executor implements the one-prompt-per-call execution
// contract: resolve the turn's setup, stream the provider's events
// through the service layer, and patch the task to its terminal state.
//
// An Executor is a plain value whose Run drives exactly one task. The
// daemon's default mode calls Run on a goroutine in its own process; the
// agor-executor binary wraps the same value in a separate OS process
// that dials the daemon's hub, authenticates with a per-task session
// token, and relays its broadcasts back for re-broadcast — both modes
// share every guarantee here (the service layer validates, persists,
// and broadcasts on every write; the task_stop path acks before
// aborting; a turn exits cleanly on completion, stop, or failure).
// Signal handling and uncaught-panic semantics live in the binary, not
// here.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/store"
)

// Service is the subset of *service.Service the executor depends on: the
// write path for tasks and messages, plus the plain reads the
// context-window computation and Codex's cumulative-delta rule need. A
// narrow interface here keeps this package testable against a fake
// rather than a real store/bus pair.
type Service interface {
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	PatchTask(ctx context.Context, sessionID, taskID string, mutate func(*models.Task)) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	PatchSession(ctx context.Context, sessionID string, mutate func(*models.Session)) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	ListTasks(ctx context.Context, opts store.TaskListOptions) ([]*models.Task, error)
}

// Executor drives one prompt -> completion attempt end to end: it
// resolves the turn's Setup, streams the provider's events through the
// service layer, and performs the final normalization patch. One
// Executor value is shared across every task; Run holds no state of its
// own between calls, so concurrent tasks on different sessions run
// independently — write serialization is per session, never global.
type Executor struct {
	log             *slog.Logger
	driver          *prompt.Driver
	svc             Service
	bus             *realtime.Bus
	norm            *normalizer.Registry
	arbiter         *permission.Arbiter
	worktrees       prompt.WorktreeResolver
	catalog         prompt.MCPCatalog
	loopbackBaseURL string
}

// New constructs an Executor.
func New(
	log *slog.Logger,
	driver *prompt.Driver,
	svc Service,
	bus *realtime.Bus,
	norm *normalizer.Registry,
	arbiter *permission.Arbiter,
	worktrees prompt.WorktreeResolver,
	catalog prompt.MCPCatalog,
	loopbackBaseURL string,
) *Executor {
	return &Executor{
		log:             log.With("component", "executor"),
		driver:          driver,
		svc:             svc,
		bus:             bus,
		norm:            norm,
		arbiter:         arbiter,
		worktrees:       worktrees,
		catalog:         catalog,
		loopbackBaseURL: loopbackBaseURL,
	}
}

// TaskStopAck is the payload task_stop_ack carries on a session's
// channel, echoing the sequence the client's task_stop named so the
// stopper can match the ack to its request.
type TaskStopAck struct {
	TaskID   string `json:"task_id"`
	Sequence int64  `json:"sequence,omitempty"`
}

// StopTask is the task_stop handler: it emits task_stop_ack on the
// session's channel before doing anything else, then aborts the turn via
// the driver's stop registry. Every transport that accepts a client's
// task_stop request (websocket RPC, HTTP) must call this rather than
// Driver.StopTask directly, so the ack always lands strictly before the
// abort regardless of transport.
func (e *Executor) StopTask(ctx context.Context, sessionID, taskID string, sequence int64) (bool, error) {
	e.bus.Publish(ctx, realtime.Event{
		Channel: realtime.SessionChannel(sessionID),
		Type:    "task_stop_ack",
		Payload: TaskStopAck{TaskID: taskID, Sequence: sequence},
	})
	return e.driver.StopTask(ctx, sessionID)
}

// Run executes one task: build the turn's Setup, drive
// the registered provider's stream, forward every event through the
// service layer, and patch the task to its terminal state. ctx is the
// turn's top-level context; StopTask cancels the context
// PromptSessionStreaming derives from it, so ctx itself may already be
// done by the time Run reaches its final patch — that patch always runs
// against a context detached from ctx's cancellation so the terminal
// status write is never lost to the same cancellation that produced it.
func (e *Executor) Run(ctx context.Context, session *models.Session, task *models.Task, promptText string, permissionModeOverride models.PermissionMode, workingDirOverride string) error {
	log := e.log.With("session_id", session.SessionID, "task_id", task.TaskID)

	setup, err := prompt.BuildSetup(ctx, e.log, session, promptText, permissionModeOverride, workingDirOverride, e.worktrees, e.catalog, e.loopbackBaseURL, time.Now())
	if err != nil {
		return e.failTask(ctx, session.SessionID, task.TaskID, fmt.Errorf("build setup: %w", err))
	}

	if setup.Resume.Kind == prompt.ResumeFork {
		// BuildSetup only reads the session being prompted; the parent's
		// continuation token is looked up here, where a session store is
		// in hand (see prompt.ResolveForkParentToken).
		parent, err := e.svc.GetSession(ctx, session.Genealogy.ForkedFromSessionID)
		if err != nil {
			log.Warn("fork parent lookup failed, starting fresh", "parent_session_id", session.Genealogy.ForkedFromSessionID, "error", err)
			setup.Resume = prompt.ResumeDecision{Kind: prompt.ResumeFresh}
		} else {
			setup.Resume = prompt.ResolveForkParentToken(setup.Resume, parent.SDKSessionID)
		}
	}

	gate := prompt.NewGate(e.arbiter, &sessionPolicySource{svc: e.svc, worktrees: e.worktrees}, session.SessionID, task.TaskID, setup.WorkingDir)

	stream, err := e.driver.PromptSessionStreaming(ctx, setup, promptText, gate)
	if err != nil {
		return e.failTask(ctx, session.SessionID, task.TaskID, fmt.Errorf("start stream: %w", err))
	}

	outcome := e.drain(ctx, session, task, stream)

	if err := e.finalize(ctx, session, task, outcome); err != nil {
		log.Error("failed to finalize task", "error", err)
		return err
	}
	return nil
}

// turnOutcome accumulates what a turn's event stream produced, for
// finalize to act on once the stream closes.
type turnOutcome struct {
	rawResult      []byte
	stopped        bool
	agentSessionID string
}

// drain forwards every ProcessedEvent through the real-time bus or the
// service layer: Partial/ThinkingPartial/ToolStart/
// ToolComplete are transient streaming progress broadcast directly on the
// session's message channel; Complete and
// SystemComplete are role/system boundaries persisted as messages via
// AppendMessage; Result carries the final raw payload finalize
// normalizes; Stopped marks the turn as having been aborted via Stop.
func (e *Executor) drain(ctx context.Context, session *models.Session, task *models.Task, stream <-chan events.ProcessedEvent) turnOutcome {
	var outcome turnOutcome
	msgChannel := realtime.MessageChannel(session.SessionID)

	for evt := range stream {
		switch evt.Kind {
		case events.KindPartial:
			if evt.Partial != nil && evt.Partial.AgentSessionID != "" {
				outcome.agentSessionID = evt.Partial.AgentSessionID
			}
			e.bus.Publish(ctx, realtime.Event{Channel: msgChannel, Type: "streaming:chunk", Payload: evt.Partial})
		case events.KindThinkingPartial:
			e.bus.Publish(ctx, realtime.Event{Channel: msgChannel, Type: "thinking:chunk", Payload: evt.ThinkingPartial})
		case events.KindThinkingComplete:
			e.bus.Publish(ctx, realtime.Event{Channel: msgChannel, Type: "thinking:end", Payload: nil})
		case events.KindToolStart:
			e.bus.Publish(ctx, realtime.Event{Channel: msgChannel, Type: "tool:start", Payload: evt.ToolStart})
		case events.KindToolComplete:
			e.bus.Publish(ctx, realtime.Event{Channel: msgChannel, Type: "tool:complete", Payload: evt.ToolComplete})
		case events.KindSystemComplete:
			e.appendSystemMessage(ctx, session, task, evt.SystemComplete)
		case events.KindComplete:
			e.appendCompleteMessage(ctx, session, task, evt.Complete)
		case events.KindResult:
			if evt.Result != nil {
				outcome.rawResult = evt.Result.RawSdkMessage
			}
		case events.KindStopped:
			outcome.stopped = true
		}
	}

	return outcome
}

// appendCompleteMessage persists a role-boundary Complete event as a
// transcript message, relying on the event processor's contract that
// exactly one Complete is yielded per logical message.
func (e *Executor) appendCompleteMessage(ctx context.Context, session *models.Session, task *models.Task, c *events.Complete) {
	if c == nil {
		return
	}
	msg := &models.Message{
		MessageID:       models.NewID(),
		TaskID:          task.TaskID,
		Role:            c.Role,
		Content:         c.Content,
		ToolUses:        c.ToolUses,
		ParentToolUseID: c.ParentToolUseID,
		Timestamp:       time.Now(),
	}
	msg.ContentPreview = models.ComputeContentPreview(msg.Content)
	msg.Metadata.Model = session.ModelConfig.Model
	if c.TokenUsage != nil {
		msg.Metadata.Tokens.Input = c.TokenUsage.InputTokens
		msg.Metadata.Tokens.Output = c.TokenUsage.OutputTokens
	}
	if err := e.svc.AppendMessage(ctx, session.SessionID, msg); err != nil {
		e.log.Error("failed to append message", "session_id", session.SessionID, "task_id", task.TaskID, "error", err)
	}
}

// appendSystemMessage persists a SystemComplete event (e.g. vendor-side
// context compaction) as a system-status message, so the context-window
// computation's compaction-boundary scan sees it the same way it sees a
// compaction event surfaced any other way.
func (e *Executor) appendSystemMessage(ctx context.Context, session *models.Session, task *models.Task, sc *events.SystemComplete) {
	if sc == nil {
		return
	}
	msg := &models.Message{
		MessageID: models.NewID(),
		TaskID:    task.TaskID,
		Role:      models.RoleSystem,
		Content:   []models.ContentBlock{{Type: models.BlockSystemStatus, SystemType: sc.SystemType}},
		Timestamp: time.Now(),
	}
	msg.ContentPreview = models.ComputeContentPreview(msg.Content)
	if err := e.svc.AppendMessage(ctx, session.SessionID, msg); err != nil {
		e.log.Error("failed to append system message", "session_id", session.SessionID, "task_id", task.TaskID, "error", err)
	}
}

// finalize patches the task to its terminal status.
// It runs against a context detached from ctx's own cancellation (see
// Run's doc comment) so a stop or an upstream cancellation doesn't also
// take down the write that records it.
func (e *Executor) finalize(ctx context.Context, session *models.Session, task *models.Task, outcome turnOutcome) error {
	writeCtx := context.WithoutCancel(ctx)
	now := time.Now()

	if outcome.agentSessionID != "" && outcome.agentSessionID != session.SDKSessionID {
		// Capture the vendor's continuation token for the next turn's
		// resume decision. On a fork this is the freshly-minted id, not
		// the parent's. A concurrent session delete turns this write into
		// a logged no-op inside the session guard.
		if err := e.svc.PatchSession(writeCtx, session.SessionID, func(s *models.Session) {
			s.SDKSessionID = outcome.agentSessionID
		}); err != nil {
			e.log.Warn("failed to persist sdk session id", "session_id", session.SessionID, "error", err)
		}
	}

	if outcome.stopped {
		return e.svc.PatchTask(writeCtx, session.SessionID, task.TaskID, func(t *models.Task) {
			t.MarkStopped(now, false)
		})
	}
	if ctx.Err() != nil {
		// The turn's context was cancelled some way other than an
		// explicit StopTask call (no KindStopped was observed) — e.g. the
		// caller's own context was cancelled by a daemon shutdown.
		return e.svc.PatchTask(writeCtx, session.SessionID, task.TaskID, func(t *models.Task) {
			t.MarkStopped(now, true)
		})
	}

	if len(outcome.rawResult) == 0 {
		e.log.Warn("provider stream ended with no result payload", "session_id", session.SessionID, "task_id", task.TaskID)
		return e.svc.PatchTask(writeCtx, session.SessionID, task.TaskID, func(t *models.Task) {
			t.MarkCompleted(now, nil, nil, 0)
		})
	}

	normalized, err := e.norm.Normalize(writeCtx, session.AgenticTool, outcome.rawResult, normalizer.NormalizeContext{
		SessionID: session.SessionID,
		TaskID:    task.TaskID,
		PriorTask: e.priorCompletedTask,
	})
	if err != nil {
		return e.failTask(writeCtx, session.SessionID, task.TaskID, fmt.Errorf("normalize result: %w", err))
	}

	var priorCodexInput, priorCodexOutput int64
	if session.AgenticTool == models.ToolCodex {
		priorCodexInput, priorCodexOutput = e.codexPriorCumulative(writeCtx, session.SessionID)
	}
	contextWindow := normalizer.ComputeContextWindow(writeCtx, &serviceContextWindowStore{svc: e.svc}, session.AgenticTool, session.SessionID, task.TaskID, outcome.rawResult, priorCodexInput, priorCodexOutput)

	return e.svc.PatchTask(writeCtx, session.SessionID, task.TaskID, func(t *models.Task) {
		t.MarkCompleted(now, outcome.rawResult, normalized, contextWindow)
	})
}

// failTask patches the task to failed and returns cause, wrapping the
// patch error (if any) without losing it.
func (e *Executor) failTask(ctx context.Context, sessionID, taskID string, cause error) error {
	e.log.Error("task failed", "session_id", sessionID, "task_id", taskID, "error", cause)
	if err := e.svc.PatchTask(context.WithoutCancel(ctx), sessionID, taskID, func(t *models.Task) {
		t.MarkFailed(time.Now())
	}); err != nil {
		return fmt.Errorf("patch failed task %s: %w (original cause: %w)", taskID, err, cause)
	}
	return cause
}

// priorCompletedTask implements normalizer.PriorTaskLookup: the most
// recently completed task in the session, for Codex's cumulative-delta
// rule (normalizer.codexPriorCumulative skips non-completed tasks itself,
// so only completed ones need be listed here).
func (e *Executor) priorCompletedTask(ctx context.Context, sessionID string) (*models.Task, error) {
	tasks, err := e.svc.ListTasks(ctx, store.TaskListOptions{SessionID: sessionID, Status: models.TaskCompleted})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[len(tasks)-1], nil
}

// codexPriorCumulative looks up the prior completed task's raw Codex
// cumulative counters, for ComputeContextWindow's current-task delta
// argument. Errors are swallowed to zero, matching
// normalizer.codexPriorCumulative's own "no prior task" fallback.
func (e *Executor) codexPriorCumulative(ctx context.Context, sessionID string) (input, output int64) {
	prior, err := e.priorCompletedTask(ctx, sessionID)
	if err != nil || prior == nil || len(prior.RawSdkResponse) == 0 {
		return 0, 0
	}
	var raw normalizer.CodexRawResult
	if err := json.Unmarshal(prior.RawSdkResponse, &raw); err != nil {
		return 0, 0
	}
	return raw.CumulativeInputTokens, raw.CumulativeOutputTokens
}

// serviceContextWindowStore adapts Service's plain reads to
// normalizer.ContextWindowStore.
type serviceContextWindowStore struct {
	svc Service
}

func (s *serviceContextWindowStore) MessagesForSession(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.svc.ListMessages(ctx, sessionID, 0)
}

func (s *serviceContextWindowStore) CompletedTasksForSession(ctx context.Context, sessionID string, limit int) ([]*models.Task, error) {
	return s.svc.ListTasks(ctx, store.TaskListOptions{SessionID: sessionID, Status: models.TaskCompleted, Limit: limit})
}
