package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to AnalysisStatus
		want     bool
	}{
		{AnalysisStatusPending, AnalysisStatusRunning, true},
		{AnalysisStatusPending, AnalysisStatusCompleted, true},
		{AnalysisStatusPending, AnalysisStatusCancelled, true},
		{AnalysisStatusRunning, AnalysisStatusCompleted, true},
		{AnalysisStatusRunning, AnalysisStatusFailed, true},
		{AnalysisStatusRunning, AnalysisStatusCancelled, true},
		{AnalysisStatusRunning, AnalysisStatusPending, false},
		{AnalysisStatusRunning, AnalysisStatusRunning, false},
		{AnalysisStatusCompleted, AnalysisStatusRunning, false},
		{AnalysisStatusCompleted, AnalysisStatusFailed, false},
		{AnalysisStatusFailed, AnalysisStatusCancelled, false},
		{AnalysisStatusCancelled, AnalysisStatusCompleted, false},
		{AnalysisStatus("bogus"), AnalysisStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestLeadAnalysis_Transition(t *testing.T) {
	a := &LeadAnalysis{Status: AnalysisStatusPending}
	require.NoError(t, a.Transition(AnalysisStatusRunning))
	require.NoError(t, a.Transition(AnalysisStatusCompleted))

	err := a.Transition(AnalysisStatusRunning)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, AnalysisStatusCompleted, a.Status)
}

func TestDimensionRun_Outcome(t *testing.T) {
	ok := &DimensionRun{Dimension: "interests", Status: DimensionStatusCompleted, Output: []byte(`{"a":1}`)}
	out := ok.Outcome()
	assert.True(t, out.OK)
	assert.JSONEq(t, `{"a":1}`, string(out.Output))

	failed := &DimensionRun{Dimension: "risk_flags", Status: DimensionStatusFailed, ErrorKind: ErrorKindValidation, ErrorDetail: "missing field"}
	out = failed.Outcome()
	assert.False(t, out.OK)
	assert.Equal(t, ErrorKindValidation, out.Kind)
	assert.Equal(t, "missing field", out.Detail)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", &OutputValidationError{Dimension: "x", Reason: "bad"}, ErrorKindValidation},
		{"wrapped validation", fmt.Errorf("agent: %w", &OutputValidationError{Dimension: "x"}), ErrorKindValidation},
		{"inference", &InferenceError{Op: "complete", Cause: errors.New("503")}, ErrorKindInference},
		{"deadline", context.DeadlineExceeded, ErrorKindInference},
		{"canceled", context.Canceled, ErrorKindCancelled},
		{"cancelled sentinel", ErrCancelled, ErrorKindCancelled},
		{"not found", fmt.Errorf("lead 1: %w", ErrNotFound), ErrorKindNotFound},
		{"other", errors.New("boom"), ErrorKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestInferenceError_Unwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &InferenceError{Op: "complete", Timeout: true, Cause: cause}
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timeout")
}

func TestJobStatus_CanTransition(t *testing.T) {
	assert.True(t, JobStatusQueued.CanTransition(JobStatusRunning))
	assert.True(t, JobStatusRunning.CanTransition(JobStatusRetrying))
	assert.True(t, JobStatusRetrying.CanTransition(JobStatusRunning))
	assert.True(t, JobStatusFailed.CanTransition(JobStatusRunning))
	assert.False(t, JobStatusDone.CanTransition(JobStatusRunning))
	assert.False(t, JobStatusQueued.CanTransition(JobStatusDone))
}

func TestAnalyzeLeadKey(t *testing.T) {
	assert.Equal(t, "analyze:lead:42", AnalyzeLeadKey(42))
	assert.Equal(t, AnalyzeLeadKey(42), AnalyzeLeadKey(42))
	assert.NotEqual(t, AnalyzeLeadKey(42), AnalyzeLeadKey(43))
}
