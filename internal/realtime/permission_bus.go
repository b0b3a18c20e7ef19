package realtime

import (
	"context"

	"github.com/agor-dev/agor/internal/models"
)

// PermissionBus adapts Bus into permission.Bus, broadcasting a pending
// permission request on the owning session's channel (where clients
// watching the session observe the gate open) and on the task's channel
// (where a task-focused watcher sees it), so any subscribed client sees
// the prompt the instant the arbiter registers it.
type PermissionBus struct {
	bus *Bus
}

// NewPermissionBus wraps bus for use as a permission.Bus.
func NewPermissionBus(bus *Bus) *PermissionBus {
	return &PermissionBus{bus: bus}
}

// EmitPermissionRequested publishes req on its session's and task's
// channels.
func (p *PermissionBus) EmitPermissionRequested(ctx context.Context, req *models.PermissionRequest) error {
	p.bus.Publish(ctx, Event{
		Channel: SessionChannel(req.SessionID),
		Type:    "permission_request",
		Payload: req,
	})
	p.bus.Publish(ctx, Event{
		Channel: TaskChannel(req.TaskID),
		Type:    "permission_request",
		Payload: req,
	})
	return nil
}
