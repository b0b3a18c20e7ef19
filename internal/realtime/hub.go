package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrame is the envelope every websocket message is wrapped in, modeled
// on the control-plane's request/response/event split: a client sends
// method+params and gets back either a matching ok/payload (or error)
// response, or an out-of-band event pushed from a subscribed channel.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	Channel string          `json:"channel,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator resolves the caller identity from an inbound connection
// request, by bearer token or API key. ServeHTTP passes it the request's
// Authorization header value; credentials sent inside a websocket frame
// are not read.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// Hub upgrades incoming HTTP requests to websocket connections and fans
// out Bus events to whichever channels each connection has subscribed to.
type Hub struct {
	log  *slog.Logger
	bus  *Bus
	auth Authenticator

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// NewHub constructs a Hub bound to bus, authenticating connections via auth.
func NewHub(log *slog.Logger, bus *Bus, auth Authenticator) *Hub {
	return &Hub{
		log:      log.With("component", "realtime_hub"),
		bus:      bus,
		auth:     auth,
		sessions: make(map[string]*wsSession),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	userID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &wsSession{
		id:     fmt.Sprintf("ws_%d", time.Now().UnixNano()),
		conn:   conn,
		hub:    h,
		userID: userID,
		send:   make(chan wsFrame, 64),
		subs:   make(map[Channel]func()),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.id)
		h.mu.Unlock()
		sess.close()
	}()

	sess.run()
}

// wsSession is one connected client: a read pump decoding request frames
// and dispatching them, and a write pump draining the send channel and
// any subscribed-channel events, mirroring the control plane's
// readLoop/writeLoop split so a slow reader can never block a writer and
// vice versa.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	userID string

	send chan wsFrame

	mu   sync.Mutex
	subs map[Channel]func()

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func (s *wsSession) run() {
	s.connected.Store(true)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	wg.Wait()
}

func (s *wsSession) close() {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.mu.Lock()
	for _, unsub := range s.subs {
		unsub()
	}
	s.subs = nil
	s.mu.Unlock()
	s.conn.Close()
}

func (s *wsSession) readLoop() {
	defer s.cancel()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleRequest(frame)
	}
}

func (s *wsSession) handleRequest(frame wsFrame) {
	switch frame.Method {
	case "subscribe":
		var params struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.enqueue(wsFrame{Type: "response", ID: frame.ID, Error: "invalid params"})
			return
		}
		s.subscribe(Channel(params.Channel))
		s.enqueue(wsFrame{Type: "response", ID: frame.ID, OK: true})
	case "unsubscribe":
		var params struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			s.enqueue(wsFrame{Type: "response", ID: frame.ID, Error: "invalid params"})
			return
		}
		s.unsubscribe(Channel(params.Channel))
		s.enqueue(wsFrame{Type: "response", ID: frame.ID, OK: true})
	case "publish":
		// The re-broadcast path for an executor process: events it
		// produces against its own in-process bus are forwarded here so
		// the daemon's subscribers observe them like any local mutation.
		var params struct {
			Channel string          `json:"channel"`
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Channel == "" || params.Event == "" {
			s.enqueue(wsFrame{Type: "response", ID: frame.ID, Error: "invalid params"})
			return
		}
		s.hub.bus.Publish(s.ctx, Event{Channel: Channel(params.Channel), Type: params.Event, Payload: params.Payload})
		s.enqueue(wsFrame{Type: "response", ID: frame.ID, OK: true})
	case "ping":
		s.enqueue(wsFrame{Type: "response", ID: frame.ID, OK: true, Payload: "pong"})
	default:
		s.enqueue(wsFrame{Type: "response", ID: frame.ID, Error: fmt.Sprintf("unknown method %q", frame.Method)})
	}
}

func (s *wsSession) subscribe(channel Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return
	}
	if _, already := s.subs[channel]; already {
		return
	}
	events, unsubscribe := s.hub.bus.Subscribe(channel, 64)
	s.subs[channel] = unsubscribe

	go func() {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				s.enqueue(wsFrame{Type: "event", Channel: string(evt.Channel), Event: evt.Type, Payload: evt.Payload})
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *wsSession) unsubscribe(channel Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unsub, ok := s.subs[channel]; ok {
		unsub()
		delete(s.subs, channel)
	}
}

// enqueue is a non-blocking send matching the control plane's
// send-buffer-full behavior: a client too slow to drain its mailbox gets
// disconnected rather than stalling the hub.
func (s *wsSession) enqueue(frame wsFrame) {
	select {
	case s.send <- frame:
	default:
		s.hub.log.Warn("websocket send buffer full, dropping connection", "session_id", s.id)
		s.cancel()
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
