// Package normalizer implements the per-tool raw-to-normalized SDK
// response conversion and the cumulative context-window computation
// that rides on top of it.
package normalizer

import (
	"context"
	"fmt"

	"github.com/agor-dev/agor/internal/models"
)

// Normalizer converts one vendor's raw turn-completion payload into the
// common NormalizedSdkData shape. Implementations must be pure functions
// of (raw, NormalizeContext) per property R1: re-running Normalize on the
// same raw payload must yield an identical result.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, nctx NormalizeContext) (*models.NormalizedSdkData, error)
}

// PriorTaskLookup resolves the most recent completed task in a session
// prior to the current one, used by vendor-cumulative normalizers (Codex)
// to compute a per-turn delta. It must skip incomplete tasks — see Open
// Question in DESIGN.md.
type PriorTaskLookup func(ctx context.Context, sessionID string) (*models.Task, error)

// NormalizeContext carries the information a Normalizer needs beyond the
// raw payload itself: the session and task identifying the turn, and a
// way to look up the prior completed task for cumulative-usage vendors.
type NormalizeContext struct {
	SessionID   string
	TaskID      string
	PriorTask   PriorTaskLookup
}

// Registry dispatches Normalize calls to the per-tool implementation.
type Registry struct {
	normalizers map[models.AgenticTool]Normalizer
}

// NewRegistry builds a registry with the four vendor normalizers wired in.
func NewRegistry() *Registry {
	return &Registry{
		normalizers: map[models.AgenticTool]Normalizer{
			models.ToolClaudeCode: ClaudeNormalizer{},
			models.ToolCodex:      CodexNormalizer{},
			models.ToolGemini:     GeminiNormalizer{},
			models.ToolOpenCode:   OpenCodeNormalizer{},
		},
	}
}

// Register installs or overrides the normalizer for a tool. Exposed for
// tests and for swapping a vendor normalizer without changing the
// registry's construction signature.
func (r *Registry) Register(tool models.AgenticTool, n Normalizer) {
	r.normalizers[tool] = n
}

// Normalize dispatches to the registered normalizer for tool. An unknown
// tool returns (nil, nil): no usage data, not an error.
func (r *Registry) Normalize(ctx context.Context, tool models.AgenticTool, raw []byte, nctx NormalizeContext) (*models.NormalizedSdkData, error) {
	n, ok := r.normalizers[tool]
	if !ok {
		return nil, nil
	}
	data, err := n.Normalize(ctx, raw, nctx)
	if err != nil {
		return nil, fmt.Errorf("normalize %s response: %w", tool, err)
	}
	return data, nil
}
