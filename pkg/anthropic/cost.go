package anthropic

import (
	"strings"

	"go.uber.org/zap"
)

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// modelPricing holds per-million-token pricing for known model families,
// matched by prefix so dated snapshots resolve.
var modelPricing = []struct {
	prefix string
	input  float64
	output float64
}{
	{"claude-haiku-4-5", 1.00, 5.00},
	{"claude-3-5-haiku", 0.80, 4.00},
	{"claude-sonnet-4", 3.00, 15.00},
	{"claude-opus-4-5", 5.00, 25.00},
	{"claude-opus-4", 15.00, 75.00},
}

// EstimateCost computes an estimated cost in USD. Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	for _, p := range modelPricing {
		if !strings.HasPrefix(model, p.prefix) {
			continue
		}
		in := float64(u.InputTokens) / 1e6 * p.input
		out := float64(u.OutputTokens) / 1e6 * p.output
		cacheWrite := float64(u.CacheCreationInputTokens) / 1e6 * p.input * 1.25
		cacheRead := float64(u.CacheReadInputTokens) / 1e6 * p.input * 0.1
		return in + out + cacheWrite + cacheRead
	}
	return 0
}

// LogCost logs token usage and estimated cost for one dimension call.
func (u TokenUsage) LogCost(model, dimension string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("dimension", dimension),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
