package state

import (
	"context"
	"testing"
)

type fakeIndexSource struct {
	last   int64
	exists bool
}

func (f fakeIndexSource) LastMessageIndex(context.Context, string) (int64, bool, error) {
	return f.last, f.exists, nil
}

func TestNextMessageIndex_EmptySessionStartsAtZero(t *testing.T) {
	got, err := NextMessageIndex(context.Background(), fakeIndexSource{}, "sess_1")
	if err != nil {
		t.Fatalf("NextMessageIndex() error = %v", err)
	}
	if got != 0 {
		t.Errorf("NextMessageIndex() = %d, want 0", got)
	}
}

func TestNextMessageIndex_OneGreaterThanLast(t *testing.T) {
	got, err := NextMessageIndex(context.Background(), fakeIndexSource{last: 7, exists: true}, "sess_1")
	if err != nil {
		t.Fatalf("NextMessageIndex() error = %v", err)
	}
	if got != 8 {
		t.Errorf("NextMessageIndex() = %d, want 8", got)
	}
}
