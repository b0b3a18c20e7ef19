package prompt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/models"
)

// Provider is the per-tool driver contract: given a resolved
// Setup and a prompt, drive the vendor SDK and yield ProcessedEvents.
// Implementations own the vendor-specific tool-execution loop (e.g.
// Gemini's host-fulfilled function calls) and must check active.Stopped()
// at vendor event boundaries so a stop request is honored promptly.
type Provider interface {
	Tool() models.AgenticTool
	Stream(ctx context.Context, setup Setup, prompt string, active *ActiveTask, gate *Gate) (<-chan events.ProcessedEvent, error)
}

// Driver ties the shared setup (BuildSetup), the per-tool provider
// registry, and the stop registry together into the single public
// streaming operation callers use.
type Driver struct {
	log       *slog.Logger
	providers map[models.AgenticTool]Provider
	registry  *Registry
}

// NewDriver constructs a Driver with no providers registered; call
// Register for each vendor tool the daemon supports.
func NewDriver(log *slog.Logger) *Driver {
	return &Driver{
		log:       log.With("component", "prompt_driver"),
		providers: make(map[models.AgenticTool]Provider),
		registry:  NewRegistry(),
	}
}

// Register installs the Provider for one vendor tool.
func (d *Driver) Register(p Provider) {
	d.providers[p.Tool()] = p
}

// Registry exposes the stop registry so the executor's task_stop handler
// can call Stop(sessionID) without holding a reference to the Driver's
// internals.
func (d *Driver) Registry() *Registry {
	return d.registry
}

// PromptSessionStreaming drives one turn: it resolves
// setup, looks up the session's provider, registers the turn's
// ActiveTask so a concurrent stopTask(sessionID) can find it, and
// delegates streaming to the provider. The returned channel is closed
// when the provider's stream ends or ctx is cancelled; a stop observed
// between provider events is translated to a single KindStopped event
// even if the provider itself hasn't noticed yet, so the stop flag is
// honored at every event boundary even when a provider forgets to check.
func (d *Driver) PromptSessionStreaming(ctx context.Context, setup Setup, prompt string, gate *Gate) (<-chan events.ProcessedEvent, error) {
	provider, ok := d.providers[setup.Session.AgenticTool]
	if !ok {
		return nil, fmt.Errorf("prompt: no provider registered for tool %s", setup.Session.AgenticTool)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	active := NewActiveTask(cancel)
	d.registry.Register(setup.Session.SessionID, active)

	upstream, err := provider.Stream(turnCtx, setup, prompt, active, gate)
	if err != nil {
		cancel()
		d.registry.Unregister(setup.Session.SessionID, active)
		return nil, err
	}

	out := make(chan events.ProcessedEvent)
	go func() {
		defer close(out)
		defer cancel()
		defer d.registry.Unregister(setup.Session.SessionID, active)

		for {
			select {
			case evt, ok := <-upstream:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
				if evt.Kind == events.KindStopped {
					return
				}
			case <-turnCtx.Done():
				if active.Stopped() {
					select {
					case out <- events.NewStopped():
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return out, nil
}

// StopTask implements the daemon-side half of the stop path: it
// finds the session's active task (if any) and stops it, returning
// whether a task was actually running to stop.
func (d *Driver) StopTask(ctx context.Context, sessionID string) (bool, error) {
	return d.registry.Stop(ctx, sessionID)
}
