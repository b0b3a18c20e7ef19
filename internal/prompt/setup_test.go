package prompt

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/models"
)

func TestComputeThinkingBudget(t *testing.T) {
	cases := []struct {
		name   string
		cfg    models.ModelConfig
		prompt string
		want   int
	}{
		{"off disables regardless of keywords", models.ModelConfig{ThinkingMode: models.ThinkingOff}, "ultrathink this", 0},
		{"manual uses configured tokens", models.ModelConfig{ThinkingMode: models.ThinkingManual, ManualThinkingTokens: 12345}, "anything", 12345},
		{"manual with no tokens configured is disabled", models.ModelConfig{ThinkingMode: models.ThinkingManual}, "ultrathink", 0},
		{"auto picks ultrathink tier", models.ModelConfig{ThinkingMode: models.ThinkingAuto}, "please Ultrathink about this", 31999},
		{"auto picks think-harder tier", models.ModelConfig{ThinkingMode: models.ThinkingAuto}, "think harder please", 16000},
		{"auto picks think-hard tier", models.ModelConfig{ThinkingMode: models.ThinkingAuto}, "think hard", 8000},
		{"auto picks bare think tier", models.ModelConfig{ThinkingMode: models.ThinkingAuto}, "just think about it", 4000},
		{"auto with no keyword disables", models.ModelConfig{ThinkingMode: models.ThinkingAuto}, "hello there", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeThinkingBudget(tc.cfg, tc.prompt); got != tc.want {
				t.Fatalf("ComputeThinkingBudget() = %d, want %d", got, tc.want)
			}
		})
	}
}

type fakeWorktrees struct {
	path   string
	exists bool
}

func (f fakeWorktrees) WorktreePath(_ context.Context, _ string) (string, bool, error) {
	return f.path, f.exists, nil
}

type fakeCatalog struct {
	added bool
}

func (f fakeCatalog) GlobalServers(context.Context) ([]mcp.ServerConfig, error)  { return nil, nil }
func (f fakeCatalog) RepoServers(context.Context, string) ([]mcp.ServerConfig, error) {
	return nil, nil
}
func (f fakeCatalog) SessionServers(context.Context, string) ([]mcp.ServerConfig, error) {
	return nil, nil
}
func (f fakeCatalog) AddedAfter(context.Context, string, time.Time) (bool, error) {
	return f.added, nil
}

func TestBuildSetupResolvesWorkingDirAndMCP(t *testing.T) {
	dir := t.TempDir()

	session := &models.Session{
		SessionID:   "sess-1",
		WorktreeID:  "wt-1",
		AgenticTool: models.ToolClaudeCode,
		LastUpdated: time.Now().Add(-time.Hour),
	}

	setup, err := BuildSetup(
		context.Background(),
		slog.New(slog.NewTextHandler(os.Stderr, nil)),
		session,
		"hello",
		"",
		"",
		fakeWorktrees{path: dir, exists: true},
		fakeCatalog{added: false},
		"http://127.0.0.1:4000",
		time.Now(),
	)
	if err != nil {
		t.Fatalf("BuildSetup: %v", err)
	}
	if setup.WorkingDir != dir {
		t.Fatalf("expected working dir %s, got %s", dir, setup.WorkingDir)
	}
	if setup.Model != DefaultModel {
		t.Fatalf("expected default model, got %s", setup.Model)
	}
	if setup.PermissionMode != models.PermissionModeDefault {
		t.Fatalf("expected default permission mode, got %s", setup.PermissionMode)
	}
	found := false
	for _, s := range setup.MCP.Servers {
		if s.ID == "agor-loopback" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected loopback MCP server to be present in merged set")
	}
	if setup.Resume.Kind != ResumeFresh {
		t.Fatalf("session with no sdk_session_id and no genealogy should resume fresh, got %s", setup.Resume.Kind)
	}
}
