package normalizer

import (
	"context"
	"encoding/json"

	"github.com/agor-dev/agor/internal/models"
)

// CodexRawResult is the shape of the Codex (OpenAI) SDK's final turn
// result. Unlike Claude/Gemini, the vendor reports *cumulative* totals for
// the whole conversation rather than per-turn counts.
type CodexRawResult struct {
	CumulativeInputTokens  int64    `json:"cumulative_input_tokens"`
	CumulativeOutputTokens int64    `json:"cumulative_output_tokens"`
	CumulativeCacheTokens  int64    `json:"cumulative_cache_read_tokens"`
	Model                  string   `json:"model,omitempty"`
	ContextWindow          int64    `json:"context_window,omitempty"`
	CostUSD                *float64 `json:"cost_usd,omitempty"`
	DurationMs             int64    `json:"duration_ms,omitempty"`
}

const defaultCodexContextWindow = 128000

// CodexNormalizer implements the Codex normalization rule: the vendor
// reports cumulative totals, so the per-turn delta is computed against
// the previous completed task in the same session.
//
// A prior task can itself be incomplete; this implementation skips
// incomplete tasks and walks back to the most recent *completed* one.
// If none exists (first task in the session), the cumulative totals are
// taken as-is (delta from zero).
type CodexNormalizer struct{}

// Normalize converts a Codex raw result into NormalizedSdkData.
func (CodexNormalizer) Normalize(ctx context.Context, raw []byte, nctx NormalizeContext) (*models.NormalizedSdkData, error) {
	var result CodexRawResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
	}

	priorInput, priorOutput, err := codexPriorCumulative(ctx, nctx)
	if err != nil {
		return nil, err
	}

	deltaInput := result.CumulativeInputTokens - priorInput
	deltaOutput := result.CumulativeOutputTokens - priorOutput
	if deltaInput < 0 {
		deltaInput = result.CumulativeInputTokens
	}
	if deltaOutput < 0 {
		deltaOutput = result.CumulativeOutputTokens
	}

	contextWindow := int64(defaultCodexContextWindow)
	if result.ContextWindow > 0 {
		contextWindow = result.ContextWindow
	}

	usage := models.TokenUsage{
		InputTokens:     deltaInput,
		OutputTokens:    deltaOutput,
		CacheReadTokens: result.CumulativeCacheTokens,
		TotalTokens:     deltaInput + deltaOutput,
	}

	return &models.NormalizedSdkData{
		TokenUsage:         usage,
		ContextWindowLimit: contextWindow,
		CostUSD:            result.CostUSD,
		PrimaryModel:       result.Model,
		DurationMs:         result.DurationMs,
	}, nil
}

// codexPriorCumulative makes one nctx.PriorTask lookup (the lookup itself
// skips incomplete tasks) and reuses that task's raw cumulative counters
// as the baseline for this turn's delta. A nil or non-completed task, or
// a missing or unparseable raw response, yields a zero baseline.
func codexPriorCumulative(ctx context.Context, nctx NormalizeContext) (input, output int64, err error) {
	if nctx.PriorTask == nil {
		return 0, 0, nil
	}

	task, err := nctx.PriorTask(ctx, nctx.SessionID)
	if err != nil {
		return 0, 0, err
	}
	if task == nil || task.Status != models.TaskCompleted || len(task.RawSdkResponse) == 0 {
		return 0, 0, nil
	}

	var prior CodexRawResult
	if err := json.Unmarshal(task.RawSdkResponse, &prior); err != nil {
		return 0, 0, nil
	}
	return prior.CumulativeInputTokens, prior.CumulativeOutputTokens, nil
}

// CodexTaskTokens returns the per-turn delta tokens (input+output) for a
// raw Codex result given the prior cumulative baseline, for use by the
// context-window computation's "current task's own contribution" step.
func CodexTaskTokens(raw []byte, priorInput, priorOutput int64) (int64, error) {
	var result CodexRawResult
	if len(raw) == 0 {
		return 0, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, err
	}
	deltaInput := result.CumulativeInputTokens - priorInput
	deltaOutput := result.CumulativeOutputTokens - priorOutput
	if deltaInput < 0 {
		deltaInput = result.CumulativeInputTokens
	}
	if deltaOutput < 0 {
		deltaOutput = result.CumulativeOutputTokens
	}
	return deltaInput + deltaOutput, nil
}
