package models

import (
	"testing"
	"time"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskStopped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}

	nonTerminal := []TaskStatus{TaskQueued, TaskRunning, TaskAwaitingPermission}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestTask_MarkCompleted(t *testing.T) {
	task := &Task{TaskID: "t1", Status: TaskRunning}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	normalized := &NormalizedSdkData{TokenUsage: TokenUsage{TotalTokens: 150}}

	task.MarkCompleted(now, []byte(`{"ok":true}`), normalized, 280)

	if task.Status != TaskCompleted {
		t.Errorf("Status = %q, want %q", task.Status, TaskCompleted)
	}
	if task.NormalizedSdkResponse != normalized {
		t.Errorf("NormalizedSdkResponse not set to the passed value")
	}
	if task.ComputedContextWindow == nil || *task.ComputedContextWindow != 280 {
		t.Errorf("ComputedContextWindow = %v, want 280", task.ComputedContextWindow)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", task.CompletedAt, now)
	}
}

func TestTask_MarkStopped(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("cancelled", func(t *testing.T) {
		task := &Task{Status: TaskRunning}
		task.MarkStopped(now, true)
		if task.Status != TaskCancelled {
			t.Errorf("Status = %q, want %q", task.Status, TaskCancelled)
		}
	})

	t.Run("stopped by request", func(t *testing.T) {
		task := &Task{Status: TaskRunning}
		task.MarkStopped(now, false)
		if task.Status != TaskStopped {
			t.Errorf("Status = %q, want %q", task.Status, TaskStopped)
		}
	})
}

func TestTask_MarkFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &Task{Status: TaskAwaitingPermission}
	task.MarkFailed(now)
	if task.Status != TaskFailed {
		t.Errorf("Status = %q, want %q", task.Status, TaskFailed)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt not set")
	}
}
