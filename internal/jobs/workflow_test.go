package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/model"
)

type stubAnalyzer struct {
	mu      sync.Mutex
	replies []func() (*analysis.AnalyzeResult, error)
	calls   int
}

func (s *stubAnalyzer) AnalyzeLead(_ context.Context, leadID int64) (*analysis.AnalyzeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.replies) {
		return s.replies[i]()
	}
	return &analysis.AnalyzeResult{AnalysisID: "a-final", LeadID: leadID, Status: model.AnalysisStatusCompleted, Attempt: i + 1}, nil
}

type workflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(workflowSuite))
}

func (s *workflowSuite) TestCompletesFirstAttempt() {
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AnalyzeLeadWorkflow)
	env.RegisterActivity(&Activities{Analyzer: &stubAnalyzer{}})

	env.ExecuteWorkflow(AnalyzeLeadWorkflow, AnalyzeLeadInput{LeadID: 42})
	s.Require().True(env.IsWorkflowCompleted())
	s.Require().NoError(env.GetWorkflowError())

	var res AnalyzeLeadResult
	s.Require().NoError(env.GetWorkflowResult(&res))
	s.Equal(1, res.Rounds)
	s.Equal("a-final", res.Outcome.AnalysisID)
	s.Equal("completed", res.Outcome.Status)
}

func (s *workflowSuite) TestSleepsUntilRetryIsDue() {
	stub := &stubAnalyzer{replies: []func() (*analysis.AnalyzeResult, error){
		func() (*analysis.AnalyzeResult, error) {
			return nil, &analysis.AttemptError{
				LeadID: 42, AnalysisID: "a-1", Attempt: 1, Retrying: true,
				NextRunAt: time.Now().Add(time.Hour), Err: &model.InferenceError{Op: "complete", Timeout: true, Cause: context.DeadlineExceeded},
			}
		},
	}}
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AnalyzeLeadWorkflow)
	env.RegisterActivity(&Activities{Analyzer: stub})

	env.ExecuteWorkflow(AnalyzeLeadWorkflow, AnalyzeLeadInput{LeadID: 42})
	s.Require().True(env.IsWorkflowCompleted())
	s.Require().NoError(env.GetWorkflowError())

	var res AnalyzeLeadResult
	s.Require().NoError(env.GetWorkflowResult(&res))
	s.Equal(2, res.Rounds)
	s.Equal(2, res.Outcome.Attempt)
	s.Equal(2, stub.calls)
}

func (s *workflowSuite) TestStopsOnTerminalFailure() {
	stub := &stubAnalyzer{replies: []func() (*analysis.AnalyzeResult, error){
		func() (*analysis.AnalyzeResult, error) {
			return nil, &analysis.AttemptError{LeadID: 42, Attempt: 3, Err: errors.New("quorum not met")}
		},
	}}
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AnalyzeLeadWorkflow)
	env.RegisterActivity(&Activities{Analyzer: stub})

	env.ExecuteWorkflow(AnalyzeLeadWorkflow, AnalyzeLeadInput{LeadID: 42})
	s.Require().NoError(env.GetWorkflowError())

	var res AnalyzeLeadResult
	s.Require().NoError(env.GetWorkflowResult(&res))
	s.Equal(1, res.Rounds)
	s.Equal("failed", res.Outcome.Status)
	s.Equal("quorum not met", res.Outcome.Error)
}

func (s *workflowSuite) TestUnexpectedErrorFailsWorkflow() {
	stub := &stubAnalyzer{replies: []func() (*analysis.AnalyzeResult, error){
		func() (*analysis.AnalyzeResult, error) { return nil, errors.New("database is locked") },
	}}
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AnalyzeLeadWorkflow)
	env.RegisterActivity(&Activities{Analyzer: stub})

	env.ExecuteWorkflow(AnalyzeLeadWorkflow, AnalyzeLeadInput{LeadID: 42})
	s.Require().True(env.IsWorkflowCompleted())
	s.Error(env.GetWorkflowError())
	s.Equal(1, stub.calls, "temporal retries are disabled")
}

func TestActivities_AnalyzeLead(t *testing.T) {
	ctx := context.Background()

	conflict := &Activities{Analyzer: &stubAnalyzer{replies: []func() (*analysis.AnalyzeResult, error){
		func() (*analysis.AnalyzeResult, error) { return nil, model.ErrLedgerConflict },
	}}}
	out, err := conflict.AnalyzeLead(ctx, 1)
	require.NoError(t, err)
	assert.True(t, out.Conflict)
	assert.False(t, out.Retrying)

	cancelled := &Activities{Analyzer: &stubAnalyzer{replies: []func() (*analysis.AnalyzeResult, error){
		func() (*analysis.AnalyzeResult, error) {
			return nil, &analysis.AttemptError{LeadID: 1, AnalysisID: "a-9", Attempt: 1, Err: model.ErrCancelled}
		},
	}}}
	out, err = cancelled.AnalyzeLead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)
	assert.Equal(t, "a-9", out.AnalysisID)

	cached := &Activities{Analyzer: &stubAnalyzer{replies: []func() (*analysis.AnalyzeResult, error){
		func() (*analysis.AnalyzeResult, error) {
			return &analysis.AnalyzeResult{AnalysisID: "a-1", Status: model.AnalysisStatusCompleted, Cached: true}, nil
		},
	}}}
	out, err = cached.AnalyzeLead(ctx, 1)
	require.NoError(t, err)
	assert.True(t, out.Cached)
}

func TestLogger_WritesThroughZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Info("Analysis attempt will retry", "lead_id", int64(42), "attempt", 1)
	l.Warn("warned")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Analysis attempt will retry", entries[0].Message)
	assert.Equal(t, int64(42), entries[0].ContextMap()["lead_id"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}
