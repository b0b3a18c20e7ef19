package normalizer

import (
	"fmt"
	"math"

	"github.com/agor-dev/agor/internal/models"
)

// FormatTokenCount formats a token count for compact display, e.g. in
// executor logs or a service-layer response surfaced to a thin client.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display, hiding noise values.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatUsage renders a NormalizedSdkData's token usage and cost as a
// single human-readable string.
func FormatUsage(data *models.NormalizedSdkData) string {
	if data == nil {
		return "0 tokens"
	}
	s := FormatTokenCount(data.TokenUsage.TotalTokens) + " tokens"
	if data.CostUSD != nil {
		if cost := FormatUSD(*data.CostUSD); cost != "" {
			s += " (" + cost + ")"
		}
	}
	return s
}
