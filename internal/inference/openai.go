package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/resilience"
)

// ProviderOpenAI identifies OpenAI-compatible endpoints in ModelInfo.
const ProviderOpenAI = "openai"

// OpenAIConfig configures an OpenAI-compatible endpoint (OpenAI, vLLM,
// Ollama, LM Studio).
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// DisableThinking sends enable_thinking=false through chat_template_kwargs
	// for reasoning models served by vLLM.
	DisableThinking bool
}

// OpenAIClient adapts go-openai to the Client contract.
type OpenAIClient struct {
	client          *openai.Client
	model           string
	disableThinking bool
}

// NewOpenAIClient builds a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, eris.New("inference: openai model is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &OpenAIClient{
		client:          openai.NewClientWithConfig(clientCfg),
		model:           cfg.Model,
		disableThinking: cfg.DisableThinking,
	}, nil
}

// Complete sends a system + user chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserContent},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if c.disableThinking {
		chatReq.ChatTemplateKwargs = map[string]any{"enable_thinking": false}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if code := openAIStatus(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "inference: openai complete")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("inference: openai returned no choices")
	}

	return &Response{
		Text: resp.Choices[0].Message.Content,
		ModelInfo: model.ModelInfo{
			Provider:     ProviderOpenAI,
			Model:        c.model,
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			LatencyMS:    time.Since(start).Milliseconds(),
			StopReason:   string(resp.Choices[0].FinishReason),
		},
	}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
