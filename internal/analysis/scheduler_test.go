package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/inference"
	"github.com/sells-group/lead-analyzer/internal/model"
)

type scriptedAnalyzer struct {
	results []error
	calls   int
}

func (s *scriptedAnalyzer) AnalyzeLead(_ context.Context, leadID int64) (*AnalyzeResult, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) && s.results[i] != nil {
		return nil, s.results[i]
	}
	return &AnalyzeResult{AnalysisID: "a-1", LeadID: leadID, Status: model.AnalysisStatusCompleted, Attempt: i + 1}, nil
}

func TestScheduler_RetriesUntilSuccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &scriptedAnalyzer{results: []error{
		&AttemptError{LeadID: 5, Attempt: 1, Retrying: true, NextRunAt: now.Add(time.Minute), Err: errors.New("timeout")},
		&AttemptError{LeadID: 5, Attempt: 2, Retrying: true, NextRunAt: now.Add(3 * time.Minute), Err: errors.New("timeout")},
	}}
	s := NewScheduler(a)
	s.now = func() time.Time { return now }
	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	res, err := s.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, []time.Duration{time.Minute, 3 * time.Minute}, waits)
}

func TestScheduler_StopsOnTerminalError(t *testing.T) {
	terminal := &AttemptError{LeadID: 5, Attempt: 3, Err: errors.New("still failing")}
	a := &scriptedAnalyzer{results: []error{terminal}}
	s := NewScheduler(a)

	_, err := s.Run(context.Background(), 5)
	assert.Same(t, terminal, err)
	assert.Equal(t, 1, a.calls)
}

func TestScheduler_StopsOnConflict(t *testing.T) {
	a := &scriptedAnalyzer{results: []error{model.ErrLedgerConflict}}
	_, err := NewScheduler(a).Run(context.Background(), 5)
	assert.ErrorIs(t, err, model.ErrLedgerConflict)
}

func TestScheduler_ContextCancelledWhileWaiting(t *testing.T) {
	a := &scriptedAnalyzer{results: []error{
		&AttemptError{Attempt: 1, Retrying: true, NextRunAt: time.Now().Add(time.Hour), Err: errors.New("timeout")},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScheduler(a).Run(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, a.calls)
}

func TestScheduler_RealRetryAfterBackoff(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.orch.cfg.Backoff.Base = 10 * time.Millisecond
	env.orch.cfg.Backoff.Max = 20 * time.Millisecond

	failures := 0
	env.llm.on("engagement_fit", func(context.Context, inference.Request) (*inference.Response, error) {
		if failures == 0 {
			failures++
			return nil, errors.New("503 upstream")
		}
		return &inference.Response{Text: validOutputs["engagement_fit"]}, nil
	})
	env.orch.cfg.FailureQuorum = 0.1

	res, err := NewScheduler(env.orch).Run(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, model.AnalysisStatusCompleted, res.Status)

	entry, err := env.ledger.Get(ctx, model.AnalyzeLeadKey(42))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
}
