package analysis

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Analyzer runs one analysis attempt for a lead.
type Analyzer interface {
	AnalyzeLead(ctx context.Context, leadID int64) (*AnalyzeResult, error)
}

// Scheduler repeats attempts for a lead until the ledger stops asking for
// retries. The retry decision and its due time come from the ledger entry,
// so a restarted process picks up where the last one stopped.
type Scheduler struct {
	analyzer Analyzer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a Scheduler.
func NewScheduler(a Analyzer) *Scheduler {
	return &Scheduler{analyzer: a, now: time.Now, sleep: sleepCtx}
}

// Run analyzes leadID, sleeping between attempts as scheduled.
func (s *Scheduler) Run(ctx context.Context, leadID int64) (*AnalyzeResult, error) {
	for {
		res, err := s.analyzer.AnalyzeLead(ctx, leadID)
		if err == nil {
			return res, nil
		}

		var ae *AttemptError
		if !errors.As(err, &ae) || !ae.Retrying {
			return nil, err
		}

		wait := ae.NextRunAt.Sub(s.now())
		zap.L().Info("analysis: waiting for retry",
			zap.Int64("lead_id", leadID),
			zap.Int("attempt", ae.Attempt),
			zap.Duration("wait", wait),
		)
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
