package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// settingsRelPath is where a worktree's per-project tool permissions live,
// matching the vendor CLI's own settings file location.
const settingsRelPath = ".claude/settings.json"

// claudeSettings is the subset of the worktree settings file this package
// reads and rewrites. Unknown top-level keys are preserved across a
// read-modify-write via rawExtra.
type claudeSettings struct {
	Permissions permissionsBlock `json:"permissions"`
	rawExtra    map[string]json.RawMessage
}

type permissionsBlock struct {
	Allow permissionsAllow `json:"allow"`
	Deny  []string         `json:"deny,omitempty"`
}

type permissionsAllow struct {
	Tools []string `json:"tools,omitempty"`
}

// FileProjectPersister implements the project-scope leg of PolicyPersister
// by atomically merging a tool name into
// "<worktree>/.claude/settings.json":"permissions.allow.tools".
type FileProjectPersister struct {
	mu sync.Mutex
}

// NewFileProjectPersister returns a FileProjectPersister. One instance may
// be shared across worktrees; its mutex only serializes this process's own
// writes (concurrent writers from other processes rely on the O_EXCL-free
// read-modify-write being idempotent and last-writer-wins).
func NewFileProjectPersister() *FileProjectPersister {
	return &FileProjectPersister{}
}

// RememberAtProject merges toolName into the worktree's settings file,
// creating the .claude directory and the file itself if absent.
func (p *FileProjectPersister) RememberAtProject(_ context.Context, worktreePath, toolName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir -p %s: %w", dir, err)
	}

	path := filepath.Join(worktreePath, settingsRelPath)
	settings, err := readSettings(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if containsTool(settings.Permissions.Allow.Tools, toolName) {
		return nil
	}
	settings.Permissions.Allow.Tools = append(settings.Permissions.Allow.Tools, toolName)

	return writeSettings(path, settings)
}

// ReadDeniedTools returns the `permissions.deny` list from a worktree's
// settings file, so a PolicySource can fold project-scoped denials into
// the fast Evaluate path instead of falling through to the
// arbiter for every tool call. A missing file or missing block yields an
// empty, non-error result.
func ReadDeniedTools(worktreePath string) ([]string, error) {
	settings, err := readSettings(filepath.Join(worktreePath, settingsRelPath))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", settingsRelPath, err)
	}
	return settings.Permissions.Deny, nil
}

func readSettings(path string) (*claudeSettings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &claudeSettings{}, nil
	}
	if err != nil {
		return nil, err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse settings json: %w", err)
	}

	settings := &claudeSettings{rawExtra: top}
	if raw, ok := top["permissions"]; ok {
		if err := json.Unmarshal(raw, &settings.Permissions); err != nil {
			return nil, fmt.Errorf("parse permissions block: %w", err)
		}
	}
	delete(settings.rawExtra, "permissions")
	return settings, nil
}

func writeSettings(path string, settings *claudeSettings) error {
	merged := make(map[string]json.RawMessage, len(settings.rawExtra)+1)
	for k, v := range settings.rawExtra {
		merged[k] = v
	}
	permJSON, err := json.Marshal(settings.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions block: %w", err)
	}
	merged["permissions"] = permJSON

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings json: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp settings file into place: %w", err)
	}
	return nil
}

func containsTool(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}
