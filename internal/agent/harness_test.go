package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/inference"
	"github.com/sells-group/lead-analyzer/internal/inference/mocks"
	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/resilience"
)

const demographicsSchema = `{
  "type": "object",
  "required": ["age_range", "confidence"],
  "properties": {
    "age_range": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

func demographicsPrompt() *model.AgentPrompt {
	return &model.AgentPrompt{
		ID:           "p-1",
		Dimension:    "demographics",
		Version:      2,
		SystemPrompt: "Assess demographics.",
		OutputSchema: json.RawMessage(demographicsSchema),
		Temperature:  0.2,
		MaxTokens:    800,
		Active:       true,
	}
}

func TestHarness_Run_Success(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.MatchedBy(func(r inference.Request) bool {
		return r.Label == "demographics" &&
			r.MaxTokens == 800 &&
			r.Temperature == 0.2 &&
			strings.HasPrefix(r.SystemPrompt, "## Voice") &&
			strings.HasSuffix(r.SystemPrompt, "Assess demographics.") &&
			strings.Contains(r.UserContent, `"id": 42`)
	})).Return(&inference.Response{
		Text:      "<think>hmm</think>\n```json\n{\"age_range\":\"25-34\",\"confidence\":0.7}\n```",
		ModelInfo: model.ModelInfo{Provider: "anthropic", Model: "claude-sonnet-4-5", LatencyMS: 12},
	}, nil).Once()

	h := New(client, WithTimeout(time.Second))
	res, err := h.Run(context.Background(), demographicsPrompt(),
		model.AnalysisInput{Lead: model.Lead{ID: 42}}, &VoiceConfig{Tone: "neutral"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"age_range":"25-34","confidence":0.7}`, string(res.Output))
	assert.Contains(t, res.Raw, "<think>")
	assert.Equal(t, "claude-sonnet-4-5", res.ModelInfo.Model)
}

func TestHarness_Run_SchemaViolation(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).Return(&inference.Response{
		Text:      `{"age_range":"25-34","confidence":1.5}`,
		ModelInfo: model.ModelInfo{Model: "m"},
	}, nil).Once()

	h := New(client)
	res, err := h.Run(context.Background(), demographicsPrompt(), map[string]any{}, nil)

	var ve *model.OutputValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "demographics", ve.Dimension)
	assert.Equal(t, `{"age_range":"25-34","confidence":1.5}`, ve.Raw)
	assert.False(t, resilience.Retryable(err))
	require.NotNil(t, res)
	assert.Nil(t, res.Output)
	assert.Equal(t, "m", res.ModelInfo.Model)
}

func TestHarness_Run_NoJSON(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(&inference.Response{Text: "I cannot help with that."}, nil).Once()

	_, err := New(client).Run(context.Background(), demographicsPrompt(), map[string]any{}, nil)
	var ve *model.OutputValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, model.ErrorKindValidation, model.ClassifyError(err))
}

func TestHarness_Run_Timeout(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ inference.Request) (*inference.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Once()

	_, err := New(client, WithTimeout(10*time.Millisecond)).
		Run(context.Background(), demographicsPrompt(), map[string]any{}, nil)

	var ie *model.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Timeout)
	assert.True(t, resilience.Retryable(err))
}

func TestHarness_Run_TransportError(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset by peer")).Once()

	_, err := New(client).Run(context.Background(), demographicsPrompt(), map[string]any{}, nil)
	var ie *model.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.False(t, ie.Timeout)
}

func TestHarness_Run_BadSchema(t *testing.T) {
	client := mocks.NewMockClient(t)
	p := demographicsPrompt()
	p.OutputSchema = json.RawMessage(`{"type": 12}`)

	_, err := New(client).Run(context.Background(), p, map[string]any{}, nil)
	require.Error(t, err)
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestCompileSchema(t *testing.T) {
	_, err := CompileSchema(json.RawMessage(demographicsSchema))
	require.NoError(t, err)

	sch, err := CompileSchema(nil)
	require.NoError(t, err)
	_, ok := validate(sch, `{"anything":true}`)
	assert.True(t, ok)
	reason, ok := validate(sch, `[1,2]`)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	_, err = CompileSchema(json.RawMessage(`{not json`))
	require.Error(t, err)
}

func TestSchemaCache_Reuses(t *testing.T) {
	c := newSchemaCache()
	a, err := c.get(json.RawMessage(demographicsSchema))
	require.NoError(t, err)
	b, err := c.get(json.RawMessage(demographicsSchema))
	require.NoError(t, err)
	assert.Same(t, a, b)
}
