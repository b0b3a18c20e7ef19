package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticAuth struct{ want string }

func (a staticAuth) Authenticate(_ context.Context, token string) (string, error) {
	if strings.TrimPrefix(token, "Bearer ") != a.want {
		return "", errors.New("bad token")
	}
	return "user-1", nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startHub(t *testing.T) (*Bus, string) {
	t.Helper()
	bus := NewBus()
	hub := NewHub(discardLogger(), bus, staticAuth{want: "good-token"})
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialRejectsBadToken(t *testing.T) {
	_, url := startHub(t)
	_, err := Dial(context.Background(), discardLogger(), url, "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestClientSubscribeReceivesBusEvents(t *testing.T) {
	bus, url := startHub(t)
	client, err := Dial(context.Background(), discardLogger(), url, "good-token")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	got := make(chan string, 4)
	channel := SessionChannel("s1")
	if err := client.Subscribe(context.Background(), channel, func(event string, payload json.RawMessage) {
		got <- event
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(context.Background(), Event{Channel: channel, Type: "session.updated", Payload: map[string]string{"k": "v"}})

	select {
	case event := <-got:
		if event != "session.updated" {
			t.Errorf("event = %q", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestClientPublishReachesBusSubscribers(t *testing.T) {
	bus, url := startHub(t)
	client, err := Dial(context.Background(), discardLogger(), url, "good-token")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	channel := MessageChannel("s1")
	events, unsub := bus.Subscribe(channel, 4)
	defer unsub()

	if err := client.Publish(context.Background(), channel, "streaming:chunk", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != "streaming:chunk" {
			t.Errorf("type = %q", evt.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("publish not observed on the daemon bus")
	}
}

func TestClientPing(t *testing.T) {
	_, url := startHub(t)
	client, err := Dial(context.Background(), discardLogger(), url, "good-token")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestClientCallAfterClose(t *testing.T) {
	_, url := startHub(t)
	client, err := Dial(context.Background(), discardLogger(), url, "good-token")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Close()

	if err := client.Ping(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("err = %v, want ErrClientClosed", err)
	}
}
