package normalizer

import (
	"context"
	"encoding/json"

	"github.com/agor-dev/agor/internal/models"
)

// ClaudeModelUsage is one entry of the Claude Code SDK's per-model usage
// breakdown, keyed by model ID in ClaudeRawResult.ModelUsage.
type ClaudeModelUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
	ContextWindow            int64 `json:"contextWindow"`
}

// ClaudeTopLevelUsage is the fallback shape used when the SDK result does
// not break usage down per model.
type ClaudeTopLevelUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// ClaudeRawResult is the shape of the Claude Code SDK's final turn result,
// as persisted verbatim into Task.RawSdkResponse.
type ClaudeRawResult struct {
	ModelUsage   map[string]ClaudeModelUsage `json:"modelUsage,omitempty"`
	Usage        *ClaudeTopLevelUsage        `json:"usage,omitempty"`
	Model        string                      `json:"model,omitempty"`
	CostUSD      *float64                    `json:"total_cost_usd,omitempty"`
	DurationMs   int64                       `json:"duration_ms,omitempty"`
}

// defaultClaudeContextWindow is used when no modelUsage entry reports a
// context window, matching Claude Sonnet's limit.
const defaultClaudeContextWindow = 200000

// ClaudeNormalizer implements the Claude Code normalization rule:
// sum token fields across all models in modelUsage when
// present, falling back to the top-level usage block; contextWindowLimit
// is the max contextWindow reported across models.
type ClaudeNormalizer struct{}

// Normalize converts a Claude Code raw result into NormalizedSdkData.
func (ClaudeNormalizer) Normalize(_ context.Context, raw []byte, _ NormalizeContext) (*models.NormalizedSdkData, error) {
	var result ClaudeRawResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
	}

	var usage models.TokenUsage
	contextWindow := int64(defaultClaudeContextWindow)

	if len(result.ModelUsage) > 0 {
		maxWindow := int64(0)
		for _, mu := range result.ModelUsage {
			usage.InputTokens += mu.InputTokens
			usage.OutputTokens += mu.OutputTokens
			usage.CacheReadTokens += mu.CacheReadInputTokens
			usage.CacheCreationTokens += mu.CacheCreationInputTokens
			if mu.ContextWindow > maxWindow {
				maxWindow = mu.ContextWindow
			}
		}
		if maxWindow > 0 {
			contextWindow = maxWindow
		}
	} else if result.Usage != nil {
		usage.InputTokens = result.Usage.InputTokens
		usage.OutputTokens = result.Usage.OutputTokens
		usage.CacheReadTokens = result.Usage.CacheReadInputTokens
		usage.CacheCreationTokens = result.Usage.CacheCreationInputTokens
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &models.NormalizedSdkData{
		TokenUsage:         usage,
		ContextWindowLimit: contextWindow,
		CostUSD:            result.CostUSD,
		PrimaryModel:       result.Model,
		DurationMs:         result.DurationMs,
	}, nil
}

// ClaudeTaskTokens sums input+output tokens across all models for a raw
// Claude result, for use by the context-window computation in
// context_window.go step 5 (the current task's own contribution).
func ClaudeTaskTokens(raw []byte) (int64, error) {
	var result ClaudeRawResult
	if len(raw) == 0 {
		return 0, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, err
	}
	var total int64
	if len(result.ModelUsage) > 0 {
		for _, mu := range result.ModelUsage {
			total += mu.InputTokens + mu.OutputTokens
		}
		return total, nil
	}
	if result.Usage != nil {
		return result.Usage.InputTokens + result.Usage.OutputTokens, nil
	}
	return 0, nil
}
