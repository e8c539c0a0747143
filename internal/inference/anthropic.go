package inference

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/resilience"
	"github.com/sells-group/lead-analyzer/pkg/anthropic"
)

// ProviderAnthropic identifies the Anthropic adapter in ModelInfo.
const ProviderAnthropic = "anthropic"

// AnthropicClient adapts pkg/anthropic to the Client contract.
type AnthropicClient struct {
	client   anthropic.Client
	model    string
	cacheTTL string
}

// NewAnthropicClient creates an adapter for the given model. An empty
// cacheTTL disables prompt caching.
func NewAnthropicClient(client anthropic.Client, modelName, cacheTTL string) *AnthropicClient {
	return &AnthropicClient{client: client, model: modelName, cacheTTL: cacheTTL}
}

// Complete sends the request as a single user message.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := req.Temperature
	msgReq := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: req.UserContent}},
		Temperature: &temp,
	}
	if c.cacheTTL != "" {
		msgReq.System = anthropic.BuildCachedSystemBlocks(req.SystemPrompt, c.cacheTTL)
	} else if req.SystemPrompt != "" {
		msgReq.System = []anthropic.SystemBlock{{Text: req.SystemPrompt}}
	}

	start := time.Now()
	resp, err := c.client.CreateMessage(ctx, msgReq)
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "inference: anthropic complete")
	}

	resp.Usage.LogCost(c.model, req.Label)
	return &Response{
		Text: resp.Text(),
		ModelInfo: model.ModelInfo{
			Provider:         ProviderAnthropic,
			Model:            c.model,
			InputTokens:      resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.CacheCreationInputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			LatencyMS:        time.Since(start).Milliseconds(),
			StopReason:       resp.StopReason,
			EstimatedCostUSD: resp.Usage.EstimateCost(c.model),
		},
	}, nil
}
