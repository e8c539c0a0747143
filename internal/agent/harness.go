// Package agent runs one dimension prompt against the inference boundary and
// turns the raw reply into schema-checked JSON.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/inference"
	"github.com/sells-group/lead-analyzer/internal/model"
)

// DefaultTimeout bounds a single inference call.
const DefaultTimeout = 90 * time.Second

// Result is the outcome of one harness run.
type Result struct {
	Output    json.RawMessage
	Raw       string
	ModelInfo model.ModelInfo
}

// Harness executes dimension prompts.
type Harness struct {
	client   inference.Client
	timeout  time.Duration
	template Template
	schemas  *schemaCache
}

// Option configures a Harness.
type Option func(*Harness)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithTemplate sets which reasoning markers are stripped from replies.
func WithTemplate(t Template) Option {
	return func(h *Harness) { h.template = t }
}

// New creates a Harness over client.
func New(client inference.Client, opts ...Option) *Harness {
	h := &Harness{
		client:   client,
		timeout:  DefaultTimeout,
		template: TemplateAuto,
		schemas:  newSchemaCache(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// UserContent renders the input payload the way every agent receives it.
func UserContent(input any) (json.RawMessage, error) {
	b, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "agent: marshal input")
	}
	return b, nil
}

// Run makes one inference call for prompt over input and validates the reply
// against the prompt's output schema. Transport failures come back as
// *model.InferenceError; schema failures as *model.OutputValidationError,
// in which case the Result is still returned with Raw and ModelInfo set.
func (h *Harness) Run(ctx context.Context, prompt *model.AgentPrompt, input any, voice *VoiceConfig) (*Result, error) {
	log := zap.L().With(
		zap.String("dimension", prompt.Dimension),
		zap.Int("prompt_version", prompt.Version),
	)

	sch, err := h.schemas.get(prompt.OutputSchema)
	if err != nil {
		return nil, eris.Wrapf(err, "agent: schema for %s v%d", prompt.Dimension, prompt.Version)
	}
	user, err := UserContent(input)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.client.Complete(callCtx, inference.Request{
		SystemPrompt: SystemPrompt(prompt.SystemPrompt, voice),
		UserContent:  string(user),
		Temperature:  prompt.Temperature,
		MaxTokens:    prompt.MaxTokens,
		Label:        prompt.Dimension,
	})
	if err != nil {
		log.Warn("agent: inference failed", zap.Error(err))
		return nil, asInferenceError(callCtx, err)
	}

	res := &Result{Raw: resp.Text, ModelInfo: resp.ModelInfo}

	doc, err := ExtractJSON(resp.Text, h.template)
	if err != nil {
		return res, &model.OutputValidationError{Dimension: prompt.Dimension, Reason: err.Error(), Raw: resp.Text}
	}
	if reason, ok := validate(sch, doc); !ok {
		log.Warn("agent: output failed schema", zap.String("reason", reason))
		return res, &model.OutputValidationError{Dimension: prompt.Dimension, Reason: reason, Raw: resp.Text}
	}

	res.Output = json.RawMessage(doc)
	log.Debug("agent: run complete",
		zap.String("model", resp.ModelInfo.Model),
		zap.Int64("latency_ms", resp.ModelInfo.LatencyMS),
	)
	return res, nil
}

func asInferenceError(ctx context.Context, err error) error {
	var ie *model.InferenceError
	if errors.As(err, &ie) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &model.InferenceError{Op: "complete", Timeout: timeout, Cause: err}
}
