package gemini

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agor-dev/agor/internal/prompt"
)

// ContextFilePath is where a session's rendered system prompt lives on
// disk. Gemini CLI conventions read context from a markdown file rather
// than a config field, so the rendered prompt is persisted per session
// and removed when the session closes.
func ContextFilePath(sessionID string) string {
	return filepath.Join(os.TempDir(), "agor-gemini-"+sessionID+".md")
}

// writeContextFile renders the session's system prompt and persists it at
// the session's context path, mode 0600 since the prompt may reference
// worktree paths and server endpoints.
func writeContextFile(setup prompt.Setup) (string, error) {
	rendered := renderSystemPrompt(setup)
	path := ContextFilePath(setup.Session.SessionID)
	if err := os.WriteFile(path, []byte(rendered), 0o600); err != nil {
		return "", fmt.Errorf("write gemini context file: %w", err)
	}
	return rendered, nil
}

// RemoveContextFile deletes a session's context file. Called on session
// close; a file already gone is not an error.
func RemoveContextFile(sessionID string) error {
	err := os.Remove(ContextFilePath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func renderSystemPrompt(setup prompt.Setup) string {
	var b strings.Builder
	b.WriteString("# Agor\n\n")
	b.WriteString("You are an autonomous coding agent running inside an Agor session.\n\n")
	fmt.Fprintf(&b, "- Session: %s\n", setup.Session.SessionID)
	fmt.Fprintf(&b, "- Working directory: %s\n", setup.WorkingDir)
	fmt.Fprintf(&b, "- Permission mode: %s\n", setup.PermissionMode)
	if len(setup.MCP.Servers) > 0 {
		b.WriteString("\nAvailable MCP servers:\n")
		for _, server := range setup.MCP.Servers {
			fmt.Fprintf(&b, "- %s\n", server.ID)
		}
	}
	b.WriteString("\nEvery tool invocation is subject to Agor's permission gate; a denied call should be reported, not retried.\n")
	return b.String()
}
