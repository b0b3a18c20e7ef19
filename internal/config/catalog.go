package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agor-dev/agor/internal/mcp"
)

// StaticMCPCatalog serves the config file's globally-declared MCP
// servers. Repo- and session-scoped servers are store-backed concerns of
// the (out-of-scope) catalog service; the static catalog reports none and
// never signals a staleness-triggering addition. SetGlobal swaps the
// server set on a config reload.
type StaticMCPCatalog struct {
	mu      sync.RWMutex
	servers []mcp.ServerConfig
}

// NewStaticMCPCatalog builds a catalog from the config's global entries.
func NewStaticMCPCatalog(entries []MCPServerEntry) *StaticMCPCatalog {
	c := &StaticMCPCatalog{}
	c.SetGlobal(entries)
	return c
}

// SetGlobal replaces the global server set, e.g. after a config reload.
func (c *StaticMCPCatalog) SetGlobal(entries []MCPServerEntry) {
	servers := make([]mcp.ServerConfig, 0, len(entries))
	for _, e := range entries {
		transport := mcp.TransportType(e.Transport)
		if transport == "" {
			if e.URL != "" {
				transport = mcp.TransportRemote
			} else {
				transport = mcp.TransportStdio
			}
		}
		servers = append(servers, mcp.ServerConfig{
			ID:            e.ID,
			Scope:         mcp.ScopeGlobal,
			Transport:     transport,
			Command:       append([]string(nil), e.Command...),
			Environment:   copyMap(e.Environment),
			URL:           e.URL,
			Headers:       copyMap(e.Headers),
			AuthSecretRef: e.AuthSecretRef,
			Tools:         append([]string(nil), e.Tools...),
		})
	}
	c.mu.Lock()
	c.servers = servers
	c.mu.Unlock()
}

// GlobalServers implements prompt.MCPCatalog.
func (c *StaticMCPCatalog) GlobalServers(_ context.Context) ([]mcp.ServerConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.ServerConfig(nil), c.servers...), nil
}

// RepoServers implements prompt.MCPCatalog.
func (c *StaticMCPCatalog) RepoServers(_ context.Context, _ string) ([]mcp.ServerConfig, error) {
	return nil, nil
}

// SessionServers implements prompt.MCPCatalog.
func (c *StaticMCPCatalog) SessionServers(_ context.Context, _ string) ([]mcp.ServerConfig, error) {
	return nil, nil
}

// AddedAfter implements prompt.MCPCatalog. Config-file servers are fixed
// at daemon start from a session's point of view, so they never trigger
// the sdk_session_id staleness rule.
func (c *StaticMCPCatalog) AddedAfter(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DirWorktreeResolver resolves worktree IDs as directories under a
// configured root. The real worktree provisioner is out of scope; this
// resolver covers single-node deployments where worktrees live in a flat
// directory keyed by ID.
type DirWorktreeResolver struct {
	Root string
}

// WorktreePath implements prompt.WorktreeResolver.
func (r DirWorktreeResolver) WorktreePath(_ context.Context, worktreeID string) (string, bool, error) {
	if r.Root == "" || worktreeID == "" {
		return "", false, nil
	}
	path := filepath.Join(r.Root, worktreeID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return path, info.IsDir(), nil
}
