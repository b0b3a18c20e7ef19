package gemini

import (
	"os"
	"strings"
	"testing"

	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/prompt"
)

func TestWriteAndRemoveContextFile(t *testing.T) {
	setup := prompt.Setup{
		Session:        &models.Session{SessionID: "ctx-test-session"},
		WorkingDir:     "/tmp/wt",
		PermissionMode: models.PermissionModeDefault,
		MCP: mcp.MergedSet{Servers: []mcp.VendorServer{
			{ID: "agor-loopback"},
		}},
	}

	rendered, err := writeContextFile(setup)
	if err != nil {
		t.Fatalf("writeContextFile: %v", err)
	}
	t.Cleanup(func() { RemoveContextFile(setup.Session.SessionID) })

	path := ContextFilePath("ctx-test-session")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != rendered {
		t.Error("file content does not match rendered prompt")
	}
	if !strings.Contains(rendered, "ctx-test-session") || !strings.Contains(rendered, "agor-loopback") {
		t.Errorf("rendered prompt missing expected fields:\n%s", rendered)
	}

	if err := RemoveContextFile("ctx-test-session"); err != nil {
		t.Fatalf("RemoveContextFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("context file still present after removal")
	}
	// Removing again is not an error.
	if err := RemoveContextFile("ctx-test-session"); err != nil {
		t.Errorf("second RemoveContextFile: %v", err)
	}
}
