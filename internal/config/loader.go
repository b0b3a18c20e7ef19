package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, and strictly decodes the config file at path.
// ${VAR} references in the file body are expanded from the environment
// before parsing, so secrets never need to live in the file itself.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes config bytes with unknown fields rejected, applies
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveEnv builds the environment for an executor subprocess: the
// system environment as the base, the config's per-user env map layered
// on top (user-config wins), plus the explicitly-forwarded credentials.
// The result is sorted for stable spawn behavior.
func (c *Config) ResolveEnv() []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	// ANTHROPIC_API_KEY, GEMINI_API_KEY, and HOME are always forwarded
	// even when the parent filters its environment; config keys win.
	for _, name := range []string{"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "HOME"} {
		if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}
	if c.Providers.AnthropicAPIKey != "" {
		merged["ANTHROPIC_API_KEY"] = c.Providers.AnthropicAPIKey
	}
	if c.Providers.GeminiAPIKey != "" {
		merged["GEMINI_API_KEY"] = c.Providers.GeminiAPIKey
	}
	if c.Providers.OpenAIAPIKey != "" {
		merged["OPENAI_API_KEY"] = c.Providers.OpenAIAPIKey
	}
	for k, v := range c.Env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
