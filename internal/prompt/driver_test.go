package prompt

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
)

type fakeProvider struct {
	tool      models.AgenticTool
	emit      []events.ProcessedEvent
	blockTurn chan struct{} // if non-nil, Stream blocks until ctx is cancelled after emitting
}

func (p *fakeProvider) Tool() models.AgenticTool { return p.tool }

func (p *fakeProvider) Stream(ctx context.Context, _ Setup, _ string, active *ActiveTask, _ *Gate) (<-chan events.ProcessedEvent, error) {
	out := make(chan events.ProcessedEvent)
	go func() {
		defer close(out)
		for _, e := range p.emit {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if p.blockTurn != nil {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func newTestDriver(provider Provider) *Driver {
	d := NewDriver(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	d.Register(provider)
	return d
}

func TestDriverStreamsProviderEvents(t *testing.T) {
	provider := &fakeProvider{
		tool: models.ToolClaudeCode,
		emit: []events.ProcessedEvent{
			events.NewPartial(events.Partial{TextChunk: "hello"}),
			events.NewComplete(events.Complete{Role: models.RoleAssistant}),
		},
	}
	d := newTestDriver(provider)

	setup := Setup{Session: &models.Session{SessionID: "s1", AgenticTool: models.ToolClaudeCode}}
	ch, err := d.PromptSessionStreaming(context.Background(), setup, "hi", nil)
	if err != nil {
		t.Fatalf("PromptSessionStreaming: %v", err)
	}

	var got []events.ProcessedEvent
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != events.KindPartial || got[1].Kind != events.KindComplete {
		t.Fatalf("unexpected event kinds: %+v", got)
	}
}

func TestDriverStopTaskYieldsStopped(t *testing.T) {
	provider := &fakeProvider{
		tool:      models.ToolClaudeCode,
		blockTurn: make(chan struct{}),
	}
	d := newTestDriver(provider)

	setup := Setup{Session: &models.Session{SessionID: "s1", AgenticTool: models.ToolClaudeCode}}
	ch, err := d.PromptSessionStreaming(context.Background(), setup, "hi", nil)
	if err != nil {
		t.Fatalf("PromptSessionStreaming: %v", err)
	}

	// Give the provider goroutine a moment to start blocking on ctx.Done().
	time.Sleep(10 * time.Millisecond)

	stopped, err := d.StopTask(context.Background(), "s1")
	if err != nil {
		t.Fatalf("StopTask: %v", err)
	}
	if !stopped {
		t.Fatal("expected StopTask to report a task was running")
	}

	var got []events.ProcessedEvent
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 1 || got[0].Kind != events.KindStopped {
		t.Fatalf("expected a single stopped event, got %+v", got)
	}
}

func TestDriverStopTaskNoActiveSession(t *testing.T) {
	d := newTestDriver(&fakeProvider{tool: models.ToolClaudeCode})
	stopped, err := d.StopTask(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("StopTask: %v", err)
	}
	if stopped {
		t.Fatal("expected no active task to report stopped=false")
	}
}

func TestDriverUnknownProvider(t *testing.T) {
	d := NewDriver(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	setup := Setup{Session: &models.Session{SessionID: "s1", AgenticTool: models.ToolGemini}}
	if _, err := d.PromptSessionStreaming(context.Background(), setup, "hi", nil); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}
