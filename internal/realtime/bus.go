// Package realtime implements the broadcast fabric: an in-process event
// bus with resource-scoped channels (sessions:{id}, messages:{id},
// tasks:{id}, boards:{id}), and the websocket fabric that fans those
// channels out to connected clients.
package realtime

import (
	"context"
	"fmt"
	"sync"
)

// Channel names a broadcast scope. Every mutation the service layer
// performs is broadcast on the channel(s) naming the resource(s) it
// touched.
type Channel string

// SessionChannel, MessageChannel, TaskChannel and BoardChannel build the
// four channel-name families the service layer publishes to.
func SessionChannel(sessionID string) Channel { return Channel(fmt.Sprintf("sessions:%s", sessionID)) }
func MessageChannel(sessionID string) Channel { return Channel(fmt.Sprintf("messages:%s", sessionID)) }
func TaskChannel(taskID string) Channel       { return Channel(fmt.Sprintf("tasks:%s", taskID)) }
func BoardChannel(boardID string) Channel     { return Channel(fmt.Sprintf("boards:%s", boardID)) }

// Event is one broadcast payload published to a channel.
type Event struct {
	Channel Channel
	Type    string
	Payload any
}

// subscriber receives events for one channel in FIFO order via a buffered
// channel. Publish blocks on a full subscriber rather than reordering or
// dropping, preserving the per-channel FIFO guarantee at the cost of
// applying backpressure to slow readers.
type subscriber struct {
	id string
	ch chan Event
}

// Bus is an in-process publish/subscribe fabric, one per daemon process.
// Each channel has its own ordered delivery: two events published to the
// same channel are observed by every subscriber of that channel in the
// order they were published. Events on different channels carry no
// ordering guarantee relative to each other.
type Bus struct {
	mu   sync.RWMutex
	subs map[Channel]map[string]*subscriber
	seq  int64
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Channel]map[string]*subscriber)}
}

// Subscribe registers a new subscriber on channel and returns a receive-only
// channel of events plus an unsubscribe function. buffer sizes the
// subscriber's mailbox; Publish blocks once it's full, so callers that
// cannot guarantee a fast-draining reader should size it generously.
func (b *Bus) Subscribe(channel Channel, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := fmt.Sprintf("sub_%d", b.seq)
	b.seq++
	sub := &subscriber{id: id, ch: make(chan Event, buffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]*subscriber)
	}
	b.subs[channel][id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if m, ok := b.subs[channel]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, channel)
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

// Publish delivers event to every current subscriber of its channel, in
// the order Publish is called for that channel. Publish does not itself
// honor ctx cancellation on the fast path (channel sends are buffered);
// ctx is only consulted if a subscriber's mailbox is full, so a single
// stalled subscriber cannot wedge Publish forever for unrelated callers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs[event.Channel]))
	for _, s := range b.subs[event.Channel] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		case <-ctx.Done():
			return
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered
// on channel, for diagnostics and tests.
func (b *Bus) SubscriberCount(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
