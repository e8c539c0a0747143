package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/store"
)

// maxSnapshotAnalyses caps how many analyses a single snapshot reads.
const maxSnapshotAnalyses = 10000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Analysis metrics (within lookback window).
	AnalysisTotal     int            `json:"analysis_total"`
	AnalysisCompleted int            `json:"analysis_completed"`
	AnalysisFailed    int            `json:"analysis_failed"`
	AnalysisCancelled int            `json:"analysis_cancelled"`
	AnalysisRunning   int            `json:"analysis_running"`
	AnalysisFailRate  float64        `json:"analysis_fail_rate"`
	CostUSD           float64        `json:"cost_usd"`
	AvgConfidence     float64        `json:"avg_confidence"`
	Recommendations   map[string]int `json:"recommendations,omitempty"`

	// Inference circuit breakers that are not closed.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// AnalysisLister is the store surface the collector reads.
type AnalysisLister interface {
	ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]model.LeadAnalysis, error)
}

// Collector gathers metrics from the store and the inference breakers.
type Collector struct {
	store    AnalysisLister
	breakers func() map[string]string
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st AnalysisLister, breakers func() map[string]string) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours:   lookbackHours,
		CollectedAt:     time.Now().UTC(),
		Recommendations: make(map[string]int),
	}

	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	analyses, err := c.store.ListAnalyses(ctx, store.AnalysisFilter{
		StartedAfter: cutoff,
		Limit:        maxSnapshotAnalyses,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list analyses")
	}

	snap.AnalysisTotal = len(analyses)
	var totalConfidence float64
	var scored int

	for _, a := range analyses {
		switch a.Status {
		case model.AnalysisStatusCompleted:
			snap.AnalysisCompleted++
		case model.AnalysisStatusFailed:
			snap.AnalysisFailed++
		case model.AnalysisStatusCancelled:
			snap.AnalysisCancelled++
		case model.AnalysisStatusPending, model.AnalysisStatusRunning:
			snap.AnalysisRunning++
		}
		for _, mi := range a.ModelInfo {
			snap.CostUSD += mi.EstimatedCostUSD
		}
		if a.FinalRecommendation != nil {
			snap.Recommendations[*a.FinalRecommendation]++
		}
		if a.ConfidenceScore != nil {
			totalConfidence += *a.ConfidenceScore
			scored++
		}
	}

	finished := snap.AnalysisCompleted + snap.AnalysisFailed
	if finished > 0 {
		snap.AnalysisFailRate = float64(snap.AnalysisFailed) / float64(finished)
	}
	if scored > 0 {
		snap.AvgConfidence = totalConfidence / float64(scored)
	}

	if c.breakers != nil {
		for name, state := range c.breakers() {
			if state != "closed" {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}
