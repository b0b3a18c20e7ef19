package normalizer

import (
	"context"
	"encoding/json"

	"github.com/agor-dev/agor/internal/models"
)

// OpenCodeRawResult mirrors the rawResult shape the opencode prompt driver
// marshals from its JSONL turnState (input_tokens/output_tokens/
// cache_read_tokens), itself chosen to match OpenCode's own
// types.TokenUsage field names rather than another vendor's convention.
type OpenCodeRawResult struct {
	SessionID     string   `json:"session_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	InputTokens   int64    `json:"input_tokens"`
	OutputTokens  int64    `json:"output_tokens"`
	CacheRead     int64    `json:"cache_read_tokens,omitempty"`
	ContextWindow int64    `json:"context_window,omitempty"`
	CostUSD       *float64 `json:"cost_usd,omitempty"`
	DurationMs    int64    `json:"duration_ms,omitempty"`
}

const defaultOpenCodeContextWindow = 200000

// OpenCodeNormalizer implements the OpenCode normalization rule:
// like Claude and Gemini, OpenCode's own session.status
// "idle" snapshot reports per-turn counts, not a cumulative total, so no
// prior-task delta is needed here.
type OpenCodeNormalizer struct{}

// Normalize converts an OpenCode raw result into NormalizedSdkData.
func (OpenCodeNormalizer) Normalize(_ context.Context, raw []byte, _ NormalizeContext) (*models.NormalizedSdkData, error) {
	var result OpenCodeRawResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
	}

	usage := models.TokenUsage{
		InputTokens:     result.InputTokens,
		OutputTokens:    result.OutputTokens,
		CacheReadTokens: result.CacheRead,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	contextWindow := int64(defaultOpenCodeContextWindow)
	if result.ContextWindow > 0 {
		contextWindow = result.ContextWindow
	}

	return &models.NormalizedSdkData{
		TokenUsage:         usage,
		ContextWindowLimit: contextWindow,
		CostUSD:            result.CostUSD,
		PrimaryModel:       result.Model,
		DurationMs:         result.DurationMs,
	}, nil
}

// OpenCodeTaskTokens returns the per-turn tokens (input+output) for a raw
// OpenCode result, for use by the context-window computation.
func OpenCodeTaskTokens(raw []byte) (int64, error) {
	var result OpenCodeRawResult
	if len(raw) == 0 {
		return 0, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, err
	}
	return result.InputTokens + result.OutputTokens, nil
}
