package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/models"
)

type fakeBus struct {
	emitted []*models.PermissionRequest
	failWith error
}

func (b *fakeBus) EmitPermissionRequested(_ context.Context, req *models.PermissionRequest) error {
	if b.failWith != nil {
		return b.failWith
	}
	b.emitted = append(b.emitted, req)
	return nil
}

type fakeTasks struct {
	awaiting []string
	running  []string
	failed   []string
	failWith error
}

func (t *fakeTasks) SetTaskAwaitingPermission(_ context.Context, taskID string, _ *models.PermissionRequest) error {
	if t.failWith != nil {
		return t.failWith
	}
	t.awaiting = append(t.awaiting, taskID)
	return nil
}

func (t *fakeTasks) SetTaskRunning(_ context.Context, taskID string) error {
	t.running = append(t.running, taskID)
	return nil
}

func (t *fakeTasks) SetTaskFailed(_ context.Context, taskID string, _ string) error {
	t.failed = append(t.failed, taskID)
	return nil
}

type fakePolicy struct {
	sessionRemembered []string
	projectRemembered []string
	failWith          error
}

func (p *fakePolicy) RememberAtSession(_ context.Context, _ string, toolName string) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.sessionRemembered = append(p.sessionRemembered, toolName)
	return nil
}

func (p *fakePolicy) RememberAtProject(_ context.Context, _ string, toolName string) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.projectRemembered = append(p.projectRemembered, toolName)
	return nil
}

func TestEvaluate_BypassAlwaysAllows(t *testing.T) {
	decision, ok := Evaluate(PolicyView{Mode: models.PermissionModeBypass, DeniedTools: []string{"*"}}, "Bash(rm -rf /)")
	if !ok || decision != Allow {
		t.Errorf("Evaluate() = (%v, %v), want (Allow, true) under bypass mode", decision, ok)
	}
}

func TestEvaluate_AllowListWins(t *testing.T) {
	decision, ok := Evaluate(PolicyView{AllowedTools: []string{"Bash(git *)"}}, "Bash(git status)")
	if !ok || decision != Allow {
		t.Errorf("Evaluate() = (%v, %v), want (Allow, true)", decision, ok)
	}
}

func TestEvaluate_DenyListBlocks(t *testing.T) {
	decision, ok := Evaluate(PolicyView{DeniedTools: []string{"Bash(rm *)"}}, "Bash(rm -rf /)")
	if !ok || decision != Deny {
		t.Errorf("Evaluate() = (%v, %v), want (Deny, true)", decision, ok)
	}
}

func TestEvaluate_FallsThroughToAsk(t *testing.T) {
	_, ok := Evaluate(PolicyView{}, "Bash(whatever)")
	if ok {
		t.Errorf("Evaluate() ok = true, want false so the caller asks")
	}
}

func newTestRequest() *models.PermissionRequest {
	return &models.PermissionRequest{
		RequestID: "req_1",
		TaskID:    "task_1",
		SessionID: "sess_1",
		ToolName:  "Bash(git push)",
	}
}

func TestArbiter_AllowDecisionPatchesTaskRunning(t *testing.T) {
	bus := &fakeBus{}
	tasks := &fakeTasks{}
	policy := &fakePolicy{}
	arb := NewArbiter(bus, tasks, policy, 0)

	req := newTestRequest()

	done := make(chan struct{})
	var gotDecision Decision
	var gotErr error
	go func() {
		gotDecision, gotErr = arb.RequestDecision(context.Background(), req, "/tmp/worktree")
		close(done)
	}()

	// Wait until the request is actually registered before deciding, to
	// avoid racing Decide() against RequestDecision's setup.
	deadline := time.Now().Add(time.Second)
	for {
		if arb.Decide(req.RequestID, Allow, "user_1", true, ScopeSession) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Decide() never found the pending request")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestDecision did not return")
	}

	if gotErr != nil {
		t.Fatalf("RequestDecision() error = %v", gotErr)
	}
	if gotDecision != Allow {
		t.Errorf("RequestDecision() = %v, want Allow", gotDecision)
	}
	if len(tasks.awaiting) != 1 || tasks.awaiting[0] != req.TaskID {
		t.Errorf("task was not patched to awaiting_permission: %+v", tasks.awaiting)
	}
	if len(tasks.running) != 1 {
		t.Errorf("task was not patched to running: %+v", tasks.running)
	}
	if len(policy.sessionRemembered) != 1 || policy.sessionRemembered[0] != req.ToolName {
		t.Errorf("tool was not remembered at session scope: %+v", policy.sessionRemembered)
	}
}

func TestArbiter_DenyDecisionPatchesTaskFailed(t *testing.T) {
	bus := &fakeBus{}
	tasks := &fakeTasks{}
	policy := &fakePolicy{}
	arb := NewArbiter(bus, tasks, policy, 0)

	req := newTestRequest()
	done := make(chan struct{})
	var gotDecision Decision
	go func() {
		gotDecision, _ = arb.RequestDecision(context.Background(), req, "/tmp/worktree")
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if arb.Decide(req.RequestID, Deny, "user_1", false, ScopeOnce) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Decide() never found the pending request")
		}
		time.Sleep(time.Millisecond)
	}
	<-done

	if gotDecision != Deny {
		t.Errorf("RequestDecision() = %v, want Deny", gotDecision)
	}
	if len(tasks.failed) != 1 {
		t.Errorf("task was not patched to failed: %+v", tasks.failed)
	}
}

func TestArbiter_AbortReturnsAbortedError(t *testing.T) {
	bus := &fakeBus{}
	tasks := &fakeTasks{}
	policy := &fakePolicy{}
	arb := NewArbiter(bus, tasks, policy, 0)

	ctx, cancel := context.WithCancel(context.Background())
	req := newTestRequest()

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = arb.RequestDecision(ctx, req, "/tmp/worktree")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	if !errors.Is(gotErr, ErrAborted) {
		t.Errorf("RequestDecision() error = %v, want ErrAborted", gotErr)
	}
	if len(tasks.failed) != 1 {
		t.Errorf("task was not patched to failed after abort: %+v", tasks.failed)
	}
}

func TestArbiter_HookErrorOnEmitDeniesAndFailsTask(t *testing.T) {
	bus := &fakeBus{failWith: errors.New("bus unavailable")}
	tasks := &fakeTasks{}
	policy := &fakePolicy{}
	arb := NewArbiter(bus, tasks, policy, 0)

	decision, err := arb.RequestDecision(context.Background(), newTestRequest(), "/tmp/worktree")
	if err == nil {
		t.Fatal("expected an error when the bus emit fails")
	}
	if decision != Deny {
		t.Errorf("RequestDecision() = %v, want Deny on hook error", decision)
	}
	if len(tasks.failed) != 1 {
		t.Errorf("task was not patched to failed on hook error: %+v", tasks.failed)
	}
	if len(tasks.running) != 0 {
		t.Errorf("task must never be patched to running on hook error: %+v", tasks.running)
	}
}

func TestArbiter_TimeoutFiresWhenConfigured(t *testing.T) {
	bus := &fakeBus{}
	tasks := &fakeTasks{}
	policy := &fakePolicy{}
	arb := NewArbiter(bus, tasks, policy, 20*time.Millisecond)

	_, err := arb.RequestDecision(context.Background(), newTestRequest(), "/tmp/worktree")
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("RequestDecision() error = %v, want ErrRequestTimeout", err)
	}
}

func TestArbiter_SerializesConcurrentRequestsPerSession(t *testing.T) {
	bus := &fakeBus{}
	tasks := &fakeTasks{}
	policy := &fakePolicy{}
	arb := NewArbiter(bus, tasks, policy, 0)

	req1 := &models.PermissionRequest{RequestID: "r1", TaskID: "t1", SessionID: "sess_shared", ToolName: "Bash(a)"}
	req2 := &models.PermissionRequest{RequestID: "r2", TaskID: "t2", SessionID: "sess_shared", ToolName: "Bash(b)"}

	var order []string
	var mu sync.Mutex
	record := func(v string) {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
	}

	go func() {
		arb.RequestDecision(context.Background(), req1, "/tmp/wt")
		record("r1")
	}()
	// Start r2 only once r1 holds the session lock, so r1 is the request
	// that goes first regardless of goroutine scheduling.
	registerBy := time.Now().Add(time.Second)
	for !arb.HasPending("r1") {
		if time.Now().After(registerBy) {
			t.Fatal("r1 never registered its pending request")
		}
		time.Sleep(time.Millisecond)
	}
	go func() {
		arb.RequestDecision(context.Background(), req2, "/tmp/wt")
		record("r2")
	}()

	// Only r1 should be resolvable until it completes, since the second
	// goroutine is blocked acquiring the session lock before it even
	// registers its pending request.
	time.Sleep(20 * time.Millisecond)
	if arb.Decide("r2", Allow, "u", false, ScopeOnce) {
		t.Fatal("Decide(r2) succeeded before r1 was serialized out of the session lock")
	}
	if !arb.Decide("r1", Allow, "u", false, ScopeOnce) {
		t.Fatal("Decide(r1) failed to find its pending request")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if arb.Decide("r2", Allow, "u", false, ScopeOnce) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("r2 never became decidable after r1 completed")
		}
		time.Sleep(time.Millisecond)
	}
	_ = order
}
