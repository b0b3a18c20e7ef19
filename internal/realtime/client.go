package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnauthorized is returned by Dial when the hub rejects the
// connection's bearer token.
var ErrUnauthorized = errors.New("realtime: unauthorized")

// ErrClientClosed is returned for calls made after the connection closed.
var ErrClientClosed = errors.New("realtime: client closed")

// callTimeout bounds one request/response round trip with the hub.
const callTimeout = 10 * time.Second

// inboundFrame mirrors wsFrame with the payload left raw, since the
// client cannot know a pushed event's concrete type.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Channel string          `json:"channel,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventHandler receives one pushed event from a subscribed channel.
type EventHandler func(event string, payload json.RawMessage)

// Client is the dial side of the hub: an executor process (or test)
// connects, subscribes to the channels it watches, and forwards its own
// bus events back via Publish.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan inboundFrame
	handlers map[Channel]EventHandler

	seq    atomic.Int64
	closed chan struct{}
	once   sync.Once
}

// Dial connects to the hub at url (a ws:// or wss:// endpoint) with the
// given bearer token. A 401 from the hub surfaces as ErrUnauthorized so
// callers can map it to their authentication-failure exit path.
func Dial(ctx context.Context, log *slog.Logger, url, token string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", url, err)
	}

	c := &Client{
		log:      log.With("component", "realtime_client"),
		conn:     conn,
		pending:  make(map[string]chan inboundFrame),
		handlers: make(map[Channel]EventHandler),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. Pending calls fail with
// ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection has terminated, whether by Close or
// by the hub going away.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Subscribe registers handler for channel's pushed events and asks the
// hub to start delivering them. One handler per channel; a second
// Subscribe for the same channel replaces the handler without a new
// round trip.
func (c *Client) Subscribe(ctx context.Context, channel Channel, handler EventHandler) error {
	c.mu.Lock()
	_, already := c.handlers[channel]
	c.handlers[channel] = handler
	c.mu.Unlock()
	if already {
		return nil
	}
	_, err := c.call(ctx, "subscribe", map[string]string{"channel": string(channel)})
	return err
}

// Publish forwards one event to the hub for re-broadcast on channel.
func (c *Client) Publish(ctx context.Context, channel Channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal publish payload: %w", err)
	}
	_, err = c.call(ctx, "publish", map[string]any{
		"channel": string(channel),
		"event":   event,
		"payload": json.RawMessage(raw),
	})
	return err
}

// Ping performs a liveness round trip.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (inboundFrame, error) {
	select {
	case <-c.closed:
		return inboundFrame{}, ErrClientClosed
	default:
	}

	id := fmt.Sprintf("req_%d", c.seq.Add(1))
	resultCh := make(chan inboundFrame, 1)
	c.mu.Lock()
	c.pending[id] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return inboundFrame{}, fmt.Errorf("realtime: marshal params: %w", err)
		}
		raw = data
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(wsFrame{Type: "request", ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		return inboundFrame{}, fmt.Errorf("realtime: write %s: %w", method, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case frame := <-resultCh:
		if frame.Error != "" {
			return frame, fmt.Errorf("realtime: %s: %s", method, frame.Error)
		}
		return frame, nil
	case <-ctx.Done():
		return inboundFrame{}, ctx.Err()
	case <-timer.C:
		return inboundFrame{}, fmt.Errorf("realtime: %s timed out", method)
	case <-c.closed:
		return inboundFrame{}, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "response":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- frame:
				default:
				}
			}
		case "event":
			c.mu.Lock()
			handler := c.handlers[Channel(frame.Channel)]
			c.mu.Unlock()
			if handler != nil {
				handler(frame.Event, frame.Payload)
			} else {
				c.log.Debug("event for unhandled channel", "channel", frame.Channel, "event", frame.Event)
			}
		}
	}
}
