package inference_test

import (
	"context"
	"errors"
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

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: attempts,
		Backoff:     resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func TestGuarded_PassesThrough(t *testing.T) {
	client := mocks.NewMockClient(t)
	want := &inference.Response{Text: `{"ok":true}`, ModelInfo: model.ModelInfo{Model: "m"}}
	client.On("Complete", mock.Anything, mock.MatchedBy(func(r inference.Request) bool {
		return r.Label == "interests"
	})).Return(want, nil).Once()

	g := inference.NewGuarded(client, inference.GuardConfig{Name: "test", Retry: fastRetry(3)})
	got, err := g.Complete(context.Background(), inference.Request{Label: "interests"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGuarded_RetriesTransient(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()
	client.On("Complete", mock.Anything, mock.Anything).
		Return(&inference.Response{Text: "{}"}, nil).Once()

	g := inference.NewGuarded(client, inference.GuardConfig{Retry: fastRetry(3)})
	got, err := g.Complete(context.Background(), inference.Request{})
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Text)
}

func TestGuarded_NonTransientIsNotRetried(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(nil, errors.New("invalid api key")).Once()

	g := inference.NewGuarded(client, inference.GuardConfig{Retry: fastRetry(3)})
	_, err := g.Complete(context.Background(), inference.Request{})
	require.Error(t, err)

	var ie *model.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.False(t, ie.Timeout)
	assert.True(t, resilience.Retryable(err))
}

func TestGuarded_TimeoutIsFlagged(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ inference.Request) (*inference.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	g := inference.NewGuarded(client, inference.GuardConfig{Retry: fastRetry(3)})
	_, err := g.Complete(ctx, inference.Request{})

	var ie *model.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Timeout)
	assert.Equal(t, model.ErrorKindInference, model.ClassifyError(err))
}

func TestGuarded_CancelledIsNotRetryable(t *testing.T) {
	client := mocks.NewMockClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.On("Complete", mock.Anything, mock.Anything).Return(nil, context.Canceled).Once()

	g := inference.NewGuarded(client, inference.GuardConfig{Retry: fastRetry(3)})
	_, err := g.Complete(ctx, inference.Request{})
	require.Error(t, err)
	assert.False(t, resilience.Retryable(err))
	assert.Equal(t, model.ErrorKindCancelled, model.ClassifyError(err))
}

func TestGuarded_BreakerOpens(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("bad gateway"), 502)).Times(2)

	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	g := inference.NewGuarded(client, inference.GuardConfig{Name: "anthropic", Retry: fastRetry(1), Breakers: breakers})

	for i := 0; i < 2; i++ {
		_, err := g.Complete(context.Background(), inference.Request{})
		require.Error(t, err)
	}
	_, err := g.Complete(context.Background(), inference.Request{})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, "open", breakers.States()["anthropic"])
}

func TestGuarded_RateLimited(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Complete", mock.Anything, mock.Anything).Return(&inference.Response{}, nil).Times(3)

	g := inference.NewGuarded(client, inference.GuardConfig{RequestsPerSecond: 50, Burst: 1, Retry: fastRetry(1)})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := g.Complete(context.Background(), inference.Request{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
