package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/config"
	"github.com/agor-dev/agor/internal/executor"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt/providers/gemini"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/service"
	"github.com/agor-dev/agor/internal/state"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/telemetry"
)

// api is the daemon's HTTP surface: the service-layer RPC routes, the
// websocket hub, and the loopback MCP endpoint.
type api struct {
	log     *slog.Logger
	cfg     *config.Config
	svc     *service.Service
	exec    *executor.Executor
	arbiter *permission.Arbiter
	tokens  *auth.TokenService
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	hub     *realtime.Hub
	bus     *realtime.Bus

	compaction *state.CompactionTracker
}

func newAPI(
	log *slog.Logger,
	cfg *config.Config,
	svc *service.Service,
	exec *executor.Executor,
	arbiter *permission.Arbiter,
	tokens *auth.TokenService,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	hub *realtime.Hub,
	bus *realtime.Bus,
) *api {
	return &api{
		log:        log.With("component", "api"),
		cfg:        cfg,
		svc:        svc,
		exec:       exec,
		arbiter:    arbiter,
		tokens:     tokens,
		metrics:    metrics,
		tracer:     tracer,
		hub:        hub,
		bus:        bus,
		compaction: state.NewCompactionTracker(0),
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", a.hub)
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("PATCH /v1/sessions/{id}", a.handlePatchSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDeleteSession)

	mux.HandleFunc("POST /v1/sessions/{id}/prompt", a.handlePrompt)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", a.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/compaction", a.handleCompaction)
	mux.HandleFunc("GET /v1/sessions/{id}/tasks", a.handleListSessionTasks)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", a.handleListMessages)

	mux.HandleFunc("GET /v1/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("POST /v1/permissions/{request_id}/decide", a.handleDecide)

	mux.HandleFunc("POST /mcp/sessions/{id}", a.handleLoopbackMCP)

	return mux
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	WorktreeID       string                  `json:"worktree_id"`
	AgenticTool      models.AgenticTool      `json:"agentic_tool"`
	ModelConfig      models.ModelConfig      `json:"model_config"`
	PermissionConfig models.PermissionConfig `json:"permission_config"`
	Genealogy        models.Genealogy        `json:"genealogy"`
	CreatedBy        string                  `json:"created_by"`
}

func (a *api) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	switch req.AgenticTool {
	case models.ToolClaudeCode, models.ToolGemini, models.ToolCodex, models.ToolOpenCode:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown agentic tool %q", req.AgenticTool))
		return
	}

	now := time.Now()
	session := &models.Session{
		SessionID:        models.NewID(),
		WorktreeID:       req.WorktreeID,
		AgenticTool:      req.AgenticTool,
		Status:           models.SessionIdle,
		ModelConfig:      req.ModelConfig,
		PermissionConfig: req.PermissionConfig,
		Genealogy:        req.Genealogy,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		LastUpdated:      now,
		ReadyForPrompt:   true,
	}
	token, err := a.tokens.Mint(session.SessionID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("mint mcp token: %w", err))
		return
	}
	session.MCPToken = token

	if err := a.svc.CreateSession(r.Context(), session); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *api) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := store.SessionListOptions{
		WorktreeID: r.URL.Query().Get("worktree_id"),
		Status:     models.SessionStatus(r.URL.Query().Get("status")),
	}
	sessions, err := a.svc.ListSessions(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type patchSessionRequest struct {
	ModelConfig    *models.ModelConfig    `json:"model_config"`
	PermissionMode *models.PermissionMode `json:"permission_mode"`
	WorktreeID     *string                `json:"worktree_id"`
	Status         *models.SessionStatus  `json:"status"`
}

func (a *api) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	sessionID := r.PathValue("id")
	err := a.svc.PatchSession(r.Context(), sessionID, func(s *models.Session) {
		if req.ModelConfig != nil {
			s.ModelConfig = *req.ModelConfig
		}
		if req.PermissionMode != nil {
			s.PermissionConfig.Mode = *req.PermissionMode
		}
		if req.WorktreeID != nil {
			s.WorktreeID = *req.WorktreeID
		}
		if req.Status != nil {
			s.Status = *req.Status
		}
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	session, err := a.svc.GetSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *api) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := a.svc.DeleteSession(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := gemini.RemoveContextFile(sessionID); err != nil {
		a.log.Warn("failed to remove gemini context file", "session_id", sessionID, "error", err)
	}
	a.compaction.Forget(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

type promptRequest struct {
	Prompt         string                `json:"prompt"`
	PermissionMode models.PermissionMode `json:"permission_mode"`
}

func (a *api) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, errors.New("prompt is required"))
		return
	}

	sessionID := r.PathValue("id")
	session, err := a.svc.GetSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Invariant: a running session has exactly one active task.
	for _, status := range []models.TaskStatus{models.TaskRunning, models.TaskAwaitingPermission, models.TaskQueued} {
		active, err := a.svc.ListTasks(r.Context(), store.TaskListOptions{SessionID: sessionID, Status: status})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if len(active) > 0 {
			writeError(w, http.StatusConflict, fmt.Errorf("session already has an active task %s", active[0].TaskID))
			return
		}
	}

	task := &models.Task{
		TaskID:    models.NewID(),
		SessionID: sessionID,
		Status:    models.TaskQueued,
		Model:     session.ModelConfig.Model,
		CreatedAt: time.Now(),
		CreatedBy: session.CreatedBy,
	}
	if err := a.svc.CreateTask(r.Context(), task); err != nil {
		writeServiceError(w, err)
		return
	}

	userMsg := &models.Message{
		MessageID: models.NewID(),
		TaskID:    task.TaskID,
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{{Type: models.BlockText, Text: req.Prompt}},
		Timestamp: time.Now(),
	}
	userMsg.ContentPreview = models.ComputeContentPreview(userMsg.Content)
	if err := a.svc.AppendMessage(r.Context(), sessionID, userMsg); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := a.svc.PatchSession(r.Context(), sessionID, func(s *models.Session) {
		s.Status = models.SessionRunning
		s.ReadyForPrompt = false
	}); err != nil {
		writeServiceError(w, err)
		return
	}

	if a.cfg.Executor.Spawn {
		if err := a.spawnExecutor(session, task, req.Prompt, req.PermissionMode); err != nil {
			writeServiceError(w, err)
			return
		}
	} else {
		go a.runTask(session, task, req.Prompt, req.PermissionMode)
	}

	writeJSON(w, http.StatusAccepted, task)
}

// runTask is the in-process execution path: one goroutine per prompt,
// with the turn's span and metrics recorded around the executor run.
func (a *api) runTask(session *models.Session, task *models.Task, promptText string, mode models.PermissionMode) {
	ctx, span := a.tracer.Start(context.Background(), "task.run", trace.WithAttributes(
		attribute.String("session_id", session.SessionID),
		attribute.String("task_id", task.TaskID),
		attribute.String("tool", string(session.AgenticTool)),
	))
	defer span.End()

	a.metrics.ActiveTasks.Inc()
	defer a.metrics.ActiveTasks.Dec()

	if err := a.svc.PatchTask(ctx, session.SessionID, task.TaskID, func(t *models.Task) {
		t.Status = models.TaskRunning
	}); err != nil {
		a.log.Error("failed to mark task running", "task_id", task.TaskID, "error", err)
		return
	}

	start := time.Now()
	if err := a.exec.Run(ctx, session, task, promptText, mode, a.cfg.Executor.WorkingDirOverride); err != nil {
		a.log.Error("task execution failed", "task_id", task.TaskID, "error", err)
	}
	a.recordTaskMetrics(ctx, session, task.TaskID, time.Since(start))
	a.observeCompaction(ctx, session.SessionID, task.TaskID)
	a.settleSession(ctx, session.SessionID, task.TaskID)
}

// observeCompaction feeds the turn's computed context window into the
// compaction tracker; crossing the threshold surfaces a compaction offer
// on the session's channel.
func (a *api) observeCompaction(ctx context.Context, sessionID, taskID string) {
	final, err := a.svc.GetTask(ctx, taskID)
	if err != nil || final.ComputedContextWindow == nil || final.NormalizedSdkResponse == nil {
		return
	}
	used := *final.ComputedContextWindow
	limit := final.NormalizedSdkResponse.ContextWindowLimit
	if a.compaction.Observe(sessionID, used, limit) {
		a.compaction.MarkRequested(sessionID)
		a.bus.Publish(ctx, realtime.Event{
			Channel: realtime.SessionChannel(sessionID),
			Type:    "compaction_pending",
			Payload: map[string]int64{"used_tokens": used, "limit_tokens": limit},
		})
	}
}

type compactionRequest struct {
	Action string `json:"action"` // confirm | reject
}

func (a *api) handleCompaction(w http.ResponseWriter, r *http.Request) {
	var req compactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	sessionID := r.PathValue("id")

	var applied bool
	switch req.Action {
	case "confirm":
		applied = a.compaction.Confirm(sessionID)
	case "reject":
		applied = a.compaction.Reject(sessionID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": applied,
		"state":   a.compaction.State(sessionID),
	})
}

// settleSession returns the session to idle (or failed) once its task has
// reached a terminal status.
func (a *api) settleSession(ctx context.Context, sessionID, taskID string) {
	final, err := a.svc.GetTask(ctx, taskID)
	if err != nil {
		a.log.Warn("failed to load finished task", "task_id", taskID, "error", err)
		return
	}
	status := models.SessionIdle
	if final.Status == models.TaskFailed {
		status = models.SessionFailed
	}
	if err := a.svc.PatchSession(ctx, sessionID, func(s *models.Session) {
		s.Status = status
		s.ReadyForPrompt = true
	}); err != nil {
		a.log.Warn("failed to settle session", "session_id", sessionID, "error", err)
	}
}

func (a *api) recordTaskMetrics(ctx context.Context, session *models.Session, taskID string, elapsed time.Duration) {
	tool := string(session.AgenticTool)
	a.metrics.TaskDuration.WithLabelValues(tool).Observe(elapsed.Seconds())

	final, err := a.svc.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	a.metrics.TaskCompletions.WithLabelValues(tool, string(final.Status)).Inc()
	if usage := final.NormalizedSdkResponse; usage != nil {
		a.metrics.TokensUsed.WithLabelValues(tool, "input").Add(float64(usage.TokenUsage.InputTokens))
		a.metrics.TokensUsed.WithLabelValues(tool, "output").Add(float64(usage.TokenUsage.OutputTokens))
	}
	if final.ComputedContextWindow != nil {
		a.metrics.ContextWindowTokens.WithLabelValues(tool).Observe(float64(*final.ComputedContextWindow))
	}
}

// spawnExecutor runs the prompt in a separate agor-executor process,
// passing the executor contract as flags and the resolved environment.
func (a *api) spawnExecutor(session *models.Session, task *models.Task, promptText string, mode models.PermissionMode) error {
	token, err := a.tokens.Mint(session.SessionID, task.TaskID)
	if err != nil {
		return fmt.Errorf("mint executor token: %w", err)
	}

	args := []string{
		"run",
		"--daemon-url", wsURL(a.cfg.Server.PublicBaseURL),
		"--session-token", token,
		"--session-id", session.SessionID,
		"--task-id", task.TaskID,
		"--prompt", promptText,
		"--tool", string(session.AgenticTool),
		"--store-backend", string(a.cfg.Store.Backend),
	}
	if mode != "" {
		args = append(args, "--permission-mode", string(mode))
	}
	if a.cfg.Executor.WorkingDirOverride != "" {
		args = append(args, "--cwd", a.cfg.Executor.WorkingDirOverride)
	}
	switch a.cfg.Store.Backend {
	case config.BackendSQLite:
		args = append(args, "--store-path", a.cfg.Store.Path)
	case config.BackendPostgres:
		args = append(args, "--store-dsn", a.cfg.Store.DSN)
	}

	cmd := exec.Command(a.cfg.Executor.Binary, args...)
	cmd.Env = a.cfg.ResolveEnv()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn executor: %w", err)
	}
	a.log.Info("spawned executor", "task_id", task.TaskID, "pid", cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil {
			a.log.Warn("executor exited with error", "task_id", task.TaskID, "error", err)
		}
		a.settleSession(context.Background(), session.SessionID, task.TaskID)
	}()
	return nil
}

type stopRequest struct {
	TaskID   string `json:"task_id"`
	Sequence int64  `json:"sequence"`
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	sessionID := r.PathValue("id")

	if a.cfg.Executor.Spawn {
		// The executor process owns the ack-then-abort ordering; the
		// daemon just relays the stop onto the session's channel.
		a.bus.Publish(r.Context(), realtime.Event{
			Channel: realtime.SessionChannel(sessionID),
			Type:    "task_stop",
			Payload: map[string]any{"task_id": req.TaskID, "sequence": req.Sequence},
		})
		writeJSON(w, http.StatusAccepted, map[string]any{"stopping": true})
		return
	}

	stopped, err := a.exec.StopTask(r.Context(), sessionID, req.TaskID, req.Sequence)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stopping": stopped})
}

func (a *api) handleListSessionTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.svc.ListTasks(r.Context(), store.TaskListOptions{SessionID: r.PathValue("id")})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *api) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	messages, err := a.svc.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *api) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type decideRequest struct {
	SessionID string `json:"session_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Remember  bool   `json:"remember"`
	Scope     string `json:"scope"`
}

func (a *api) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	requestID := r.PathValue("request_id")

	decision := permission.Deny
	if req.Decision == string(permission.Allow) {
		decision = permission.Allow
	}
	scope := permission.Scope(req.Scope)
	if scope == "" {
		scope = permission.ScopeOnce
	}

	resolved := a.arbiter.Decide(requestID, decision, req.DecidedBy, req.Remember, scope)
	if resolved {
		a.metrics.PermissionRequests.WithLabelValues(string(decision)).Inc()
		a.observePermissionWait(r.Context(), req.SessionID, requestID)
		a.broadcastResolved(r.Context(), req.SessionID, requestID, decision)
	} else if req.SessionID != "" {
		// No local pending wait: a spawned executor may hold it. Forward
		// the decision onto the session's channel for its arbiter.
		a.bus.Publish(r.Context(), realtime.Event{
			Channel: realtime.SessionChannel(req.SessionID),
			Type:    "permission_decision",
			Payload: map[string]any{
				"request_id": requestID,
				"decision":   string(decision),
				"decided_by": req.DecidedBy,
				"remember":   req.Remember,
				"scope":      string(scope),
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

// observePermissionWait records how long the request blocked, measured
// from the persisted request's RequestedAt.
func (a *api) observePermissionWait(ctx context.Context, sessionID, requestID string) {
	if sessionID == "" {
		return
	}
	tasks, err := a.svc.ListTasks(ctx, store.TaskListOptions{SessionID: sessionID, Status: models.TaskAwaitingPermission})
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.PermissionRequest != nil && t.PermissionRequest.RequestID == requestID {
			a.metrics.PermissionWait.Observe(time.Since(t.PermissionRequest.RequestedAt).Seconds())
			return
		}
	}
}

// broadcastResolved emits permission_resolved on both the session and
// message channels, so session watchers and transcript streams each
// observe it.
func (a *api) broadcastResolved(ctx context.Context, sessionID, requestID string, decision permission.Decision) {
	if sessionID == "" {
		return
	}
	payload := map[string]string{"request_id": requestID, "decision": string(decision)}
	a.bus.Publish(ctx, realtime.Event{Channel: realtime.SessionChannel(sessionID), Type: "permission_resolved", Payload: payload})
	a.bus.Publish(ctx, realtime.Event{Channel: realtime.MessageChannel(sessionID), Type: "permission_resolved", Payload: payload})
}

type loopbackRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleLoopbackMCP is the loopback Agor MCP endpoint: the agent calls
// back into the daemon with its session's bearer token. The surface is a
// deliberately small read-only set; the richer MCP catalog lives outside
// the core.
func (a *api) handleLoopbackMCP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	tokenSession, err := a.tokens.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil || tokenSession != sessionID {
		writeError(w, http.StatusUnauthorized, errors.New("invalid session token"))
		return
	}

	var req loopbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	switch req.Method {
	case "session.get":
		session, err := a.svc.GetSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "messages.find":
		messages, err := a.svc.ListMessages(r.Context(), sessionID, 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	case "tasks.find":
		tasks, err := a.svc.ListTasks(r.Context(), store.TaskListOptions{SessionID: sessionID})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown method %q", req.Method))
	}
}

// wsURL rewrites an http(s) base URL into the hub's websocket endpoint.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
