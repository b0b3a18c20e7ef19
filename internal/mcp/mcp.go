// Package mcp implements Component H: merging the global, repo, and
// session-scoped MCP server catalogs into the single set a prompt driver
// hands to its vendor SDK, plus the loopback Agor MCP server every
// session exposes so the agent can call back into the daemon.
package mcp

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentHeaderResolves bounds how many secret-backed auth headers
// Merge resolves at once, so a catalog with many remote servers doesn't
// open unbounded concurrent dials against the secret store.
const maxConcurrentHeaderResolves = 4

// TransportType names how the daemon reaches an MCP server, mirroring the
// shapes the vendor SDKs themselves accept (stdio subprocess, or a remote
// HTTP/SSE endpoint).
type TransportType string

const (
	TransportStdio  TransportType = "stdio"
	TransportRemote TransportType = "remote"
)

// Scope names where a server definition was declared. Precedence for a
// server id colliding across scopes is session > repo > global.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeRepo    Scope = "repo"
	ScopeSession Scope = "session"
)

// scopeRank orders scopes so a higher rank overrides a lower one when
// merging servers that share an id.
var scopeRank = map[Scope]int{ScopeGlobal: 0, ScopeRepo: 1, ScopeSession: 2}

// ServerConfig is one MCP server definition, whatever scope declared it.
// Command/Environment apply to TransportStdio; URL/Headers apply to
// TransportRemote. AuthSecretRef names a secret the HeaderResolver must
// resolve at merge time rather than carrying a literal header value.
type ServerConfig struct {
	ID            string
	Scope         Scope
	Transport     TransportType
	Command       []string
	Environment   map[string]string
	URL           string
	Headers       map[string]string
	AuthSecretRef string
	Tools         []string // tools this server declares, for the allowedTools union
}

// HeaderResolver looks up a secret-backed auth header value by reference.
// Implementations must never log the resolved value.
type HeaderResolver interface {
	ResolveHeader(ctx context.Context, secretRef string) (string, error)
}

// VendorServer is the shape a prompt driver hands its vendor SDK: plain
// transport fields with any secret reference already resolved into a
// concrete header value.
type VendorServer struct {
	ID          string            `json:"id"`
	Transport   TransportType     `json:"transport"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// MergedSet is the result of merging global/repo/session server catalogs:
// the deduplicated vendor server list plus the union of every included
// server's declared tools, used to seed a session's remembered allow-list
// the first time a tool from that server is seen.
type MergedSet struct {
	Servers      []VendorServer
	AllowedTools []string
}

// LoopbackServerID is the well-known id of Agor's own MCP server, injected
// into every merged set so the agent can call back into the daemon.
const LoopbackServerID = "agor-loopback"

// LoopbackServer builds the loopback Agor MCP server definition for a
// session: an HTTP endpoint carrying the session's per-session bearer
// token, so the agent can call back into the daemon's own API.
func LoopbackServer(baseURL, sessionID, bearerToken string) VendorServer {
	return VendorServer{
		ID:        LoopbackServerID,
		Transport: TransportRemote,
		URL:       fmt.Sprintf("%s/mcp/sessions/%s", baseURL, sessionID),
		Headers:   map[string]string{"Authorization": "Bearer " + bearerToken},
	}
}

// Merge combines global, repo, and session-scoped server catalogs into a
// single deduplicated set, later scopes overriding earlier ones for a
// shared id, and resolves each server's auth header (if any) through
// resolver without ever surfacing the resolved value to the caller's logs.
//
// Servers are returned in a stable order (sorted by id) so two merges of
// the same inputs produce byte-identical vendor configs, which matters
// for the "MCP added after last update" staleness check: a config that
// only reordered is not a real addition.
func Merge(ctx context.Context, resolver HeaderResolver, global, repo, session []ServerConfig) (MergedSet, error) {
	byID := make(map[string]ServerConfig)
	for _, scope := range [][]ServerConfig{global, repo, session} {
		for _, cfg := range scope {
			existing, ok := byID[cfg.ID]
			if !ok || scopeRank[cfg.Scope] >= scopeRank[existing.Scope] {
				byID[cfg.ID] = cfg
			}
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	servers := make([]VendorServer, len(ids))
	group, groupCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrentHeaderResolves)

	for i, id := range ids {
		i, cfg := i, byID[id]
		servers[i] = VendorServer{
			ID:          cfg.ID,
			Transport:   cfg.Transport,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			URL:         cfg.URL,
			Headers:     cloneHeaders(cfg.Headers),
		}
		if cfg.AuthSecretRef == "" {
			continue
		}
		if resolver == nil {
			return MergedSet{}, fmt.Errorf("mcp server %s requires auth but no secret resolver configured", cfg.ID)
		}
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			value, err := resolver.ResolveHeader(groupCtx, cfg.AuthSecretRef)
			if err != nil {
				return fmt.Errorf("resolve auth header for mcp server %s: %w", cfg.ID, err)
			}
			if servers[i].Headers == nil {
				servers[i].Headers = make(map[string]string)
			}
			servers[i].Headers["Authorization"] = value
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return MergedSet{}, err
	}

	out := MergedSet{Servers: servers}
	toolSeen := make(map[string]bool)
	for _, id := range ids {
		for _, tool := range byID[id].Tools {
			if !toolSeen[tool] {
				toolSeen[tool] = true
				out.AllowedTools = append(out.AllowedTools, tool)
			}
		}
	}
	sort.Strings(out.AllowedTools)

	return out, nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// TimestampedServer is a server definition paired with the time it was
// declared. DeclaredAt is tracked by the caller (the catalog store), not
// here.
type TimestampedServer struct {
	ServerConfig
	DeclaredAt int64 // unix nanos
}

// AddedAfter reports whether any of servers was declared after
// sinceUnixNano, e.g. a session's LastUpdated (an MCP addition after the
// session's last update invalidates its sdk_session_id).
func AddedAfter(servers []TimestampedServer, sinceUnixNano int64) bool {
	for _, s := range servers {
		if s.DeclaredAt > sinceUnixNano {
			return true
		}
	}
	return false
}
