package jobs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/model"
)

// Activities exposes orchestrator operations to Temporal.
type Activities struct {
	Analyzer analysis.Analyzer
}

// AnalyzeLead runs one attempt. Attempt failures are reported in the
// outcome; only unexpected errors fail the activity.
func (a *Activities) AnalyzeLead(ctx context.Context, leadID int64) (AttemptOutcome, error) {
	res, err := a.Analyzer.AnalyzeLead(ctx, leadID)
	if err == nil {
		return AttemptOutcome{
			AnalysisID: res.AnalysisID,
			Status:     string(res.Status),
			Attempt:    res.Attempt,
			Cached:     res.Cached,
		}, nil
	}

	if errors.Is(err, model.ErrLedgerConflict) {
		zap.L().Info("jobs: lead held by another attempt", zap.Int64("lead_id", leadID), zap.Error(err))
		return AttemptOutcome{Conflict: true, Error: err.Error()}, nil
	}

	var ae *analysis.AttemptError
	if errors.As(err, &ae) {
		status := string(model.AnalysisStatusFailed)
		if errors.Is(err, model.ErrCancelled) {
			status = string(model.AnalysisStatusCancelled)
		}
		return AttemptOutcome{
			AnalysisID: ae.AnalysisID,
			Status:     status,
			Attempt:    ae.Attempt,
			Retrying:   ae.Retrying,
			NextRunAt:  ae.NextRunAt,
			Error:      ae.Err.Error(),
		}, nil
	}
	return AttemptOutcome{}, err
}
