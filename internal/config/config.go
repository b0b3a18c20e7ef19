// Package config loads and watches the daemon's YAML configuration:
// server addresses, store backend, vendor API keys, permission policy
// knobs, sweep schedules, and the globally-declared MCP servers.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15m" or "24h" parse
// directly into config fields.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or a bare integer
// (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the daemon's listeners and token issuance.
type ServerConfig struct {
	// ListenAddr is the address the HTTP API and websocket hub bind to.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr is the address the Prometheus /metrics endpoint binds
	// to. Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
	// PublicBaseURL is the URL agents reach the daemon at; it seeds the
	// loopback MCP server's endpoint.
	PublicBaseURL string `yaml:"public_base_url"`
	// AuthSecret signs session and mcp bearer tokens. Required.
	AuthSecret string `yaml:"auth_secret"`
	// TokenTTL bounds the lifetime of minted session tokens. Zero means
	// tokens do not expire.
	TokenTTL Duration `yaml:"token_ttl"`
}

// StoreBackend names a persistence backend.
type StoreBackend string

const (
	BackendMemory   StoreBackend = "memory"
	BackendSQLite   StoreBackend = "sqlite"
	BackendPostgres StoreBackend = "postgres"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
	// DSN is the postgres connection string (backend: postgres).
	DSN string `yaml:"dsn"`
	// Path is the database file path (backend: sqlite).
	Path string `yaml:"path"`
}

// ProvidersConfig carries vendor SDK credentials. Empty keys fall back to
// the conventional environment variables at provider construction.
type ProvidersConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	// DefaultModels overrides the per-tool default model, keyed by
	// agentic tool name.
	DefaultModels map[string]string `yaml:"default_models"`
}

// ExecutorConfig controls how the daemon runs a prompt's executor.
type ExecutorConfig struct {
	// Spawn runs each prompt in a separate agor-executor process instead
	// of an in-process goroutine.
	Spawn bool `yaml:"spawn"`
	// Binary is the executor binary path when Spawn is true.
	Binary string `yaml:"binary"`
	// WorkingDirOverride replaces the worktree path for container
	// execution with bind-mounted worktrees at an alternate path.
	WorkingDirOverride string `yaml:"working_dir_override"`
}

// PermissionsConfig tunes the arbiter and the request sweep.
type PermissionsConfig struct {
	// DecisionTimeout is the server-side timeout policy for a pending
	// permission request. Zero disables it (the default).
	DecisionTimeout Duration `yaml:"decision_timeout"`
	// RequestTTL bounds how long a persisted awaiting_permission task may
	// sit without a live pending request before the sweep fails it.
	RequestTTL Duration `yaml:"request_ttl"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables
	// trace export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// SamplingRate is the fraction of traces recorded, 0 meaning 1.0.
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// SweepConfig holds the cron specs for the background sweeps.
type SweepConfig struct {
	StaleSessions      string `yaml:"stale_sessions"`
	PermissionRequests string `yaml:"permission_requests"`
}

// WorktreesConfig locates worktrees on disk for the directory-backed
// resolver.
type WorktreesConfig struct {
	// Root is the directory worktree IDs resolve under. Empty means no
	// worktree resolution (sessions fall back to the process cwd).
	Root string `yaml:"root"`
}

// MCPServerEntry is one globally-declared MCP server in the config file.
type MCPServerEntry struct {
	ID            string            `yaml:"id"`
	Transport     string            `yaml:"transport"`
	Command       []string          `yaml:"command"`
	Environment   map[string]string `yaml:"environment"`
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	AuthSecretRef string            `yaml:"auth_secret_ref"`
	Tools         []string          `yaml:"tools"`
}

// MCPConfig lists the global-scope MCP servers. Repo- and session-scoped
// servers come from the store, not the config file.
type MCPConfig struct {
	Global []MCPServerEntry `yaml:"global"`
}

// Config is the daemon's complete configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Worktrees   WorktreesConfig   `yaml:"worktrees"`
	MCP         MCPConfig         `yaml:"mcp"`
	// Env is the per-user environment map forwarded to executor
	// subprocesses; entries here take precedence over the system env.
	Env map[string]string `yaml:"env"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:7337"
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = "http://" + c.Server.ListenAddr
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Backend == BackendSQLite && c.Store.Path == "" {
		c.Store.Path = "agor.db"
	}
	if c.Executor.Binary == "" {
		c.Executor.Binary = "agor-executor"
	}
	if c.Permissions.RequestTTL == 0 {
		c.Permissions.RequestTTL = Duration(15 * time.Minute)
	}
	if c.Sweep.StaleSessions == "" {
		c.Sweep.StaleSessions = "@every 15m"
	}
	if c.Sweep.PermissionRequests == "" {
		c.Sweep.PermissionRequests = "@every 1m"
	}
}

// Validate reports configuration errors that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	if c.Server.AuthSecret == "" {
		return fmt.Errorf("server.auth_secret is required")
	}
	if c.Executor.Spawn && c.Store.Backend == BackendMemory {
		return fmt.Errorf("executor.spawn requires a shared store backend (sqlite or postgres)")
	}
	for _, entry := range c.MCP.Global {
		if entry.ID == "" {
			return fmt.Errorf("mcp.global entries require an id")
		}
	}
	return nil
}
