package normalizer

import (
	"context"
	"encoding/json"

	"github.com/agor-dev/agor/internal/models"
)

// GeminiRawResult is the shape of the Gemini SDK's usageMetadata for a
// single turn. Gemini reports per-turn counts only, with no separate
// cache-creation figure.
type GeminiRawResult struct {
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Model         string   `json:"model,omitempty"`
	ContextWindow int64    `json:"context_window,omitempty"`
	CostUSD       *float64 `json:"cost_usd,omitempty"`
	DurationMs    int64    `json:"duration_ms,omitempty"`
}

const defaultGeminiContextWindow = 1000000

// GeminiNormalizer implements the Gemini normalization rule:
// per-turn counts only; cacheReadTokens defaults to 0 when absent;
// there is no cacheCreationTokens concept for this vendor.
type GeminiNormalizer struct{}

// Normalize converts a Gemini raw result into NormalizedSdkData.
func (GeminiNormalizer) Normalize(_ context.Context, raw []byte, _ NormalizeContext) (*models.NormalizedSdkData, error) {
	var result GeminiRawResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
	}

	usage := models.TokenUsage{
		InputTokens:     result.UsageMetadata.PromptTokenCount,
		OutputTokens:    result.UsageMetadata.CandidatesTokenCount,
		CacheReadTokens: result.UsageMetadata.CachedContentTokenCount,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	contextWindow := int64(defaultGeminiContextWindow)
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

// GeminiTaskTokens returns the per-turn tokens (input+output) for a raw
// Gemini result, for use by the context-window computation.
func GeminiTaskTokens(raw []byte) (int64, error) {
	var result GeminiRawResult
	if len(raw) == 0 {
		return 0, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, err
	}
	return result.UsageMetadata.PromptTokenCount + result.UsageMetadata.CandidatesTokenCount, nil
}
