// Package inference is the single chat-completion contract the agent harness
// talks to, with adapters for the Anthropic Messages API and OpenAI-compatible
// endpoints.
package inference

import (
	"context"

	"github.com/sells-group/lead-analyzer/internal/model"
)

// Request is one chat completion: a system prompt and a single user turn.
type Request struct {
	SystemPrompt string
	UserContent  string
	Temperature  float64
	MaxTokens    int
	// Label names the caller (usually the dimension) for logs and breakers.
	Label string
}

// Response is the raw model text plus usage metadata.
type Response struct {
	Text      string
	ModelInfo model.ModelInfo
}

// Client completes a chat request.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
