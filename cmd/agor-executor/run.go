package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agor-dev/agor/internal/config"
	"github.com/agor-dev/agor/internal/executor"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
	"github.com/agor-dev/agor/internal/prompt/providers"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/service"
	"github.com/agor-dev/agor/internal/state"
	"github.com/agor-dev/agor/internal/store"
)

const lockTimeout = 30 * time.Second

// run executes one task end to end. The process carries its own service
// stack against the shared store — every write still validates, persists,
// and broadcasts — with the broadcasts relayed to the daemon's hub over
// the websocket so connected clients observe them exactly as they would
// an in-process run.
func run(ctx context.Context, opts options) (err error) {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With(
		"session_id", opts.sessionID, "task_id", opts.taskID)
	slog.SetDefault(log)

	st, closeStore, err := openStore(opts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	bus := realtime.NewBus()
	locks := state.NewWriteLockManager(lockTimeout)
	svc := service.New(log, st, locks, bus)
	policy := &service.Policy{Service: svc, Project: permission.NewFileProjectPersister()}
	arbiter := permission.NewArbiter(realtime.NewPermissionBus(bus), svc, policy, 0)

	driver := prompt.NewDriver(log)
	providers.Register(ctx, log, driver, providers.Deps{
		History:   providers.HistoryFromService(svc),
		PriorTask: priorTaskLookup(svc),
	})

	exec := executor.New(log, driver, svc, bus, normalizer.NewRegistry(), arbiter,
		config.DirWorktreeResolver{}, config.NewStaticMCPCatalog(nil), httpBaseURL(opts.daemonURL))

	client, err := realtime.Dial(ctx, log, opts.daemonURL, opts.sessionToken)
	if err != nil {
		if errors.Is(err, realtime.ErrUnauthorized) {
			return authError{cause: err}
		}
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer client.Close()

	session, err := svc.GetSession(ctx, opts.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	task, err := svc.GetTask(ctx, opts.taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	forwardBroadcasts(runCtx, log, bus, client, opts.sessionID, opts.taskID)

	// Register the task_stop and permission_decision handlers before the
	// stream starts, so a stop raced against startup is still acked
	// within one tick.
	if err := client.Subscribe(runCtx, realtime.SessionChannel(opts.sessionID), func(event string, payload json.RawMessage) {
		handleSessionEvent(runCtx, log, exec, arbiter, bus, opts, event, payload)
	}); err != nil {
		return fmt.Errorf("subscribe session channel: %w", err)
	}

	// SIGTERM/SIGINT stop the turn; the stream winds down, the task is
	// patched stopped, and the process exits 0.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			log.Info("signal received, stopping task", "signal", sig)
			if _, err := exec.StopTask(context.WithoutCancel(runCtx), opts.sessionID, opts.taskID, 0); err != nil {
				log.Warn("stop on signal failed", "error", err)
				cancel()
			}
		case <-runCtx.Done():
		}
	}()

	// A panic anywhere in the turn marks the task failed and exits 1
	// rather than leaving it running forever.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during task execution", "panic", r)
			patchCtx, patchCancel := context.WithTimeout(context.WithoutCancel(runCtx), 10*time.Second)
			defer patchCancel()
			_ = svc.PatchTask(patchCtx, opts.sessionID, opts.taskID, func(t *models.Task) {
				t.MarkFailed(time.Now())
			})
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := svc.PatchTask(runCtx, opts.sessionID, opts.taskID, func(t *models.Task) {
		t.Status = models.TaskRunning
	}); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	if runErr := exec.Run(runCtx, session, task, opts.prompt, models.PermissionMode(opts.permissionMode), opts.cwd); runErr != nil {
		return fmt.Errorf("execute task: %w", runErr)
	}

	final, err := svc.GetTask(context.WithoutCancel(runCtx), opts.taskID)
	if err != nil {
		return fmt.Errorf("load final task state: %w", err)
	}
	if final.Status == models.TaskFailed {
		return fmt.Errorf("task failed")
	}
	log.Info("task finished", "status", final.Status)
	return nil
}

// forwardBroadcasts pumps every event this process publishes on its own
// bus up to the daemon for re-broadcast, preserving per-channel order.
func forwardBroadcasts(ctx context.Context, log *slog.Logger, bus *realtime.Bus, client *realtime.Client, sessionID, taskID string) {
	channels := []realtime.Channel{
		realtime.SessionChannel(sessionID),
		realtime.MessageChannel(sessionID),
		realtime.TaskChannel(taskID),
	}
	for _, channel := range channels {
		events, unsub := bus.Subscribe(channel, 256)
		go func(channel realtime.Channel, events <-chan realtime.Event) {
			defer unsub()
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						return
					}
					if err := client.Publish(ctx, evt.Channel, evt.Type, evt.Payload); err != nil {
						log.Warn("failed to forward event", "channel", evt.Channel, "event", evt.Type, "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}(channel, events)
	}
}

// handleSessionEvent reacts to the two daemon-originated events this
// process cares about: task_stop (ack-then-abort) and
// permission_decision (resolve the local arbiter's pending wait).
func handleSessionEvent(ctx context.Context, log *slog.Logger, exec *executor.Executor, arbiter *permission.Arbiter, bus *realtime.Bus, opts options, event string, payload json.RawMessage) {
	switch event {
	case "task_stop":
		var stop struct {
			TaskID   string `json:"task_id"`
			Sequence int64  `json:"sequence"`
		}
		if err := json.Unmarshal(payload, &stop); err != nil || stop.TaskID != opts.taskID {
			return
		}
		// StopTask publishes task_stop_ack on the local session channel
		// (relayed to the daemon) strictly before aborting the stream.
		if _, err := exec.StopTask(ctx, opts.sessionID, opts.taskID, stop.Sequence); err != nil {
			log.Warn("task_stop handling failed", "error", err)
		}
	case "permission_decision":
		var decision struct {
			RequestID string `json:"request_id"`
			Decision  string `json:"decision"`
			DecidedBy string `json:"decided_by"`
			Remember  bool   `json:"remember"`
			Scope     string `json:"scope"`
		}
		if err := json.Unmarshal(payload, &decision); err != nil {
			return
		}
		verdict := permission.Deny
		if decision.Decision == string(permission.Allow) {
			verdict = permission.Allow
		}
		if arbiter.Decide(decision.RequestID, verdict, decision.DecidedBy, decision.Remember, permission.Scope(decision.Scope)) {
			payload := map[string]string{"request_id": decision.RequestID, "decision": string(verdict)}
			bus.Publish(ctx, realtime.Event{Channel: realtime.SessionChannel(opts.sessionID), Type: "permission_resolved", Payload: payload})
			bus.Publish(ctx, realtime.Event{Channel: realtime.MessageChannel(opts.sessionID), Type: "permission_resolved", Payload: payload})
		}
	}
}

func openStore(opts options) (store.Store, func(), error) {
	switch config.StoreBackend(opts.storeBackend) {
	case config.BackendMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(opts.storePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.BackendPostgres:
		st, err := store.NewPostgresStore(opts.storeDSN, nil)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", opts.storeBackend)
	}
}

func priorTaskLookup(svc *service.Service) normalizer.PriorTaskLookup {
	return func(ctx context.Context, sessionID string) (*models.Task, error) {
		tasks, err := svc.ListTasks(ctx, store.TaskListOptions{SessionID: sessionID, Status: models.TaskCompleted})
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return nil, nil
		}
		return tasks[len(tasks)-1], nil
	}
}

// httpBaseURL rewrites the daemon's websocket endpoint back into its HTTP
// base URL, for the loopback MCP server definition.
func httpBaseURL(wsEndpoint string) string {
	base := strings.TrimSuffix(wsEndpoint, "/ws")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	default:
		return base
	}
}
