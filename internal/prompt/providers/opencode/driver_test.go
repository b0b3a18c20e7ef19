package opencode

import (
	"context"
	"testing"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/prompt"
)

func drain(t *testing.T, fn func(out chan events.ProcessedEvent)) []events.ProcessedEvent {
	out := make(chan events.ProcessedEvent, 16)
	fn(out)
	close(out)
	var got []events.ProcessedEvent
	for e := range out {
		got = append(got, e)
	}
	return got
}

func TestHandleLineSessionCreatedSetsSessionID(t *testing.T) {
	d := &Driver{}
	turn := &turnState{}
	line := []byte(`{"type":"session.created","data":{"info":{"id":"sess_abc"}}}`)
	got := drain(t, func(out chan events.ProcessedEvent) {
		if err := d.handleLine(context.Background(), out, turn, line); err != nil {
			t.Fatalf("handleLine: %v", err)
		}
	})
	if len(got) != 0 {
		t.Fatalf("session.created should not itself emit an event, got %d", len(got))
	}
	if turn.sessionID != "sess_abc" {
		t.Fatalf("expected session id captured, got %q", turn.sessionID)
	}
}

func TestHandleLineMessagePartUpdatedText(t *testing.T) {
	d := &Driver{}
	turn := &turnState{}
	line := []byte(`{"type":"message.part.updated","data":{"delta":"hello","part":{"type":"text","text":"hello"}}}`)
	got := drain(t, func(out chan events.ProcessedEvent) {
		if err := d.handleLine(context.Background(), out, turn, line); err != nil {
			t.Fatalf("handleLine: %v", err)
		}
	})
	if len(got) != 1 || got[0].Kind != events.KindPartial || got[0].Partial.TextChunk != "hello" {
		t.Fatalf("expected a single partial 'hello' event, got %+v", got)
	}
}

func TestHandleLineMessagePartUpdatedToolLifecycle(t *testing.T) {
	d := &Driver{}
	turn := &turnState{}

	running := []byte(`{"type":"message.part.updated","data":{"part":{"type":"tool","toolCallID":"call_1","toolName":"bash","input":{"command":"ls"},"state":"running"}}}`)
	got := drain(t, func(out chan events.ProcessedEvent) {
		if err := d.handleLine(context.Background(), out, turn, running); err != nil {
			t.Fatalf("handleLine running: %v", err)
		}
	})
	if len(got) != 1 || got[0].Kind != events.KindToolStart || got[0].ToolStart.ToolUseID != "call_1" {
		t.Fatalf("expected a tool start for call_1, got %+v", got)
	}

	completed := []byte(`{"type":"message.part.updated","data":{"part":{"type":"tool","toolCallID":"call_1","toolName":"bash","state":"completed","output":"a.go\nb.go"}}}`)
	got = drain(t, func(out chan events.ProcessedEvent) {
		if err := d.handleLine(context.Background(), out, turn, completed); err != nil {
			t.Fatalf("handleLine completed: %v", err)
		}
	})
	if len(got) != 1 || got[0].Kind != events.KindToolComplete || got[0].ToolComplete.IsError {
		t.Fatalf("expected a non-error tool complete for call_1, got %+v", got)
	}
}

func TestHandleLineMessageUpdatedCapturesTokens(t *testing.T) {
	d := &Driver{}
	turn := &turnState{}
	line := []byte(`{"type":"message.updated","data":{"info":{"tokens":{"input":10,"output":5,"cache":{"read":2}}}}}`)
	if err := d.handleLine(context.Background(), make(chan events.ProcessedEvent, 1), turn, line); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if turn.inputToks != 10 || turn.outputToks != 5 || turn.cacheRead != 2 {
		t.Fatalf("unexpected token capture: %+v", turn)
	}
}

func TestHandleLineSessionStatusIdleEmitsResult(t *testing.T) {
	d := &Driver{}
	turn := &turnState{inputToks: 10, outputToks: 5}
	line := []byte(`{"type":"session.status","data":{"status":{"type":"idle"}}}`)
	got := drain(t, func(out chan events.ProcessedEvent) {
		if err := d.handleLine(context.Background(), out, turn, line); err != nil {
			t.Fatalf("handleLine: %v", err)
		}
	})
	if len(got) != 2 || got[0].Kind != events.KindComplete || got[1].Kind != events.KindResult {
		t.Fatalf("expected complete followed by result, got %+v", got)
	}
	if !turn.sawResult {
		t.Fatal("expected sawResult to be set")
	}
}

func TestResolveAutonomyBypassModeGrantsYoloWithoutGate(t *testing.T) {
	d := &Driver{}
	setup := prompt.Setup{PermissionMode: models.PermissionModeBypass}
	autonomous, err := d.resolveAutonomy(context.Background(), setup, nil)
	if err != nil {
		t.Fatalf("resolveAutonomy: %v", err)
	}
	if !autonomous {
		t.Fatal("expected bypass mode to grant autonomy")
	}
}

func TestResolveAutonomyDefaultsFalseWithNoGate(t *testing.T) {
	d := &Driver{}
	setup := prompt.Setup{PermissionMode: models.PermissionModeDefault}
	autonomous, err := d.resolveAutonomy(context.Background(), setup, nil)
	if err != nil {
		t.Fatalf("resolveAutonomy: %v", err)
	}
	if autonomous {
		t.Fatal("expected no-gate default-mode turns to run without --yolo")
	}
}
