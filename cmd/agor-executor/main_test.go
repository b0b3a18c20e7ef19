package main

import (
	"errors"
	"testing"
)

func TestOptionsValidate(t *testing.T) {
	full := options{
		daemonURL:    "ws://127.0.0.1:7337/ws",
		sessionToken: "tok",
		sessionID:    "s1",
		taskID:       "t1",
		prompt:       "hello",
		tool:         "claude-code",
	}
	if err := full.validate(); err != nil {
		t.Errorf("complete options: %v", err)
	}

	missing := full
	missing.prompt = ""
	err := missing.validate()
	var usage usageError
	if !errors.As(err, &usage) {
		t.Errorf("err = %v, want usageError", err)
	}
}

func TestHTTPBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://127.0.0.1:7337/ws", "http://127.0.0.1:7337"},
		{"wss://agor.example.com/ws", "https://agor.example.com"},
	}
	for _, tt := range tests {
		if got := httpBaseURL(tt.in); got != tt.want {
			t.Errorf("httpBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
