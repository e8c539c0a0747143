package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/store"
)

// fakeLister implements AnalysisLister for testing.
type fakeLister struct {
	analyses []model.LeadAnalysis
	err      error
	filter   store.AnalysisFilter
}

func (f *fakeLister) ListAnalyses(_ context.Context, filter store.AnalysisFilter) ([]model.LeadAnalysis, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []model.LeadAnalysis
	for _, a := range f.analyses {
		if !filter.StartedAfter.IsZero() && a.StartedAt.Before(filter.StartedAfter) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func TestCollector_Collect(t *testing.T) {
	now := time.Now().UTC()
	lister := &fakeLister{analyses: []model.LeadAnalysis{
		{
			ID: "a1", Status: model.AnalysisStatusCompleted, StartedAt: now.Add(-time.Hour),
			FinalRecommendation: strPtr("Suitable"), ConfidenceScore: floatPtr(0.8),
			ModelInfo: map[string]model.ModelInfo{
				"demographics": {EstimatedCostUSD: 0.01},
				"meta":         {EstimatedCostUSD: 0.02},
			},
		},
		{
			ID: "a2", Status: model.AnalysisStatusCompleted, StartedAt: now.Add(-2 * time.Hour),
			FinalRecommendation: strPtr("Suitable"), ConfidenceScore: floatPtr(0.6),
		},
		{ID: "a3", Status: model.AnalysisStatusFailed, StartedAt: now.Add(-3 * time.Hour)},
		{ID: "a4", Status: model.AnalysisStatusCancelled, StartedAt: now.Add(-3 * time.Hour)},
		{ID: "a5", Status: model.AnalysisStatusRunning, StartedAt: now.Add(-time.Minute)},
		// Outside the lookback window.
		{ID: "old", Status: model.AnalysisStatusFailed, StartedAt: now.Add(-48 * time.Hour)},
	}}

	c := NewCollector(lister, func() map[string]string {
		return map[string]string{"anthropic": "closed", "openai": "open", "backup": "half-open"}
	})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.AnalysisTotal)
	assert.Equal(t, 2, snap.AnalysisCompleted)
	assert.Equal(t, 1, snap.AnalysisFailed)
	assert.Equal(t, 1, snap.AnalysisCancelled)
	assert.Equal(t, 1, snap.AnalysisRunning)
	assert.InDelta(t, 1.0/3.0, snap.AnalysisFailRate, 0.0001)
	assert.InDelta(t, 0.03, snap.CostUSD, 0.0001)
	assert.InDelta(t, 0.7, snap.AvgConfidence, 0.0001)
	assert.Equal(t, 2, snap.Recommendations["Suitable"])
	assert.Equal(t, []string{"backup", "openai"}, snap.OpenCircuits)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, maxSnapshotAnalyses, lister.filter.Limit)
	assert.False(t, lister.filter.StartedAfter.IsZero())
}

func TestCollector_Collect_Empty(t *testing.T) {
	c := NewCollector(&fakeLister{}, nil)

	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.AnalysisTotal)
	assert.Zero(t, snap.AnalysisFailRate)
	assert.Zero(t, snap.AvgConfidence)
	assert.Empty(t, snap.OpenCircuits)
}

func TestCollector_Collect_StoreError(t *testing.T) {
	c := NewCollector(&fakeLister{err: errors.New("connection refused")}, nil)

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list analyses")
}
