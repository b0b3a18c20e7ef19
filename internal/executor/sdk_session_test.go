package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/prompt"
)

func claudeResult(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(normalizer.ClaudeRawResult{
		Usage: &normalizer.ClaudeTopLevelUsage{InputTokens: 5, OutputTokens: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestRun_PersistsVendorSessionID(t *testing.T) {
	session := bypassSession(models.ToolClaudeCode)
	task := queuedTask(session.SessionID)
	svc := newFakeService(session, task)

	provider := &fakeProvider{
		tool: models.ToolClaudeCode,
		emit: []events.ProcessedEvent{
			events.NewPartial(events.Partial{TextChunk: "hi", AgentSessionID: "vendor-123"}),
			events.NewResult(events.Result{RawSdkMessage: claudeResult(t)}),
		},
	}

	exec := newTestExecutor(t, provider, svc)
	if err := exec.Run(context.Background(), session, task, "hello", "", t.TempDir()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := svc.session.SDKSessionID; got != "vendor-123" {
		t.Errorf("SDKSessionID = %q, want vendor-123", got)
	}
}

func TestRun_ForkPresentsParentToken(t *testing.T) {
	// The forked session has no token of its own; BuildSetup decides
	// ResumeFork and Run fills in the parent's token via GetSession. The
	// fake serves the same stored session for every lookup, so seed the
	// parent token on the stored copy while prompting with a tokenless
	// session value.
	parentToken := "parent-sdk-token"
	session := bypassSession(models.ToolClaudeCode)
	session.Genealogy.ForkedFromSessionID = "parent-session"
	task := queuedTask(session.SessionID)
	svc := newFakeService(session, task)

	parent := *session
	parent.SDKSessionID = parentToken
	svc.session = &parent

	var seen prompt.ResumeDecision
	provider := &resumeCapturingProvider{
		fakeProvider: fakeProvider{
			tool: models.ToolClaudeCode,
			emit: []events.ProcessedEvent{
				events.NewResult(events.Result{RawSdkMessage: claudeResult(t)}),
			},
		},
		capture: &seen,
	}

	exec := newTestExecutor(t, provider, svc)
	if err := exec.Run(context.Background(), session, task, "hello", "", t.TempDir()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if seen.Kind != prompt.ResumeFork {
		t.Fatalf("resume kind = %q, want fork", seen.Kind)
	}
	if seen.SDKSessionID != parentToken {
		t.Errorf("resume token = %q, want %q", seen.SDKSessionID, parentToken)
	}
}

// resumeCapturingProvider records the Setup's resolved resume decision
// before replaying its canned events.
type resumeCapturingProvider struct {
	fakeProvider
	capture *prompt.ResumeDecision
}

func (p *resumeCapturingProvider) Stream(ctx context.Context, setup prompt.Setup, promptText string, active *prompt.ActiveTask, gate *prompt.Gate) (<-chan events.ProcessedEvent, error) {
	*p.capture = setup.Resume
	return p.fakeProvider.Stream(ctx, setup, promptText, active, gate)
}
