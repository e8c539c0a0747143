// Package jobs runs lead analyses as durable Temporal workflows. The job
// ledger stays the source of truth for idempotency and retry timing; the
// workflow only sleeps on a durable timer between attempts.
package jobs

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DefaultTaskQueue is the task queue workers poll when none is configured.
const DefaultTaskQueue = "lead-analysis"

// maxRounds caps attempt loops in case the ledger keeps reporting retries.
const maxRounds = 20

// AnalyzeLeadInput starts an AnalyzeLeadWorkflow.
type AnalyzeLeadInput struct {
	LeadID int64 `json:"lead_id"`
	// AttemptTimeout bounds a single attempt activity.
	AttemptTimeout time.Duration `json:"attempt_timeout"`
}

// AttemptOutcome is what one attempt activity reports back.
type AttemptOutcome struct {
	AnalysisID string    `json:"analysis_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Conflict   bool      `json:"conflict,omitempty"`
	Retrying   bool      `json:"retrying,omitempty"`
	NextRunAt  time.Time `json:"next_run_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AnalyzeLeadResult is the final workflow result.
type AnalyzeLeadResult struct {
	LeadID   int64          `json:"lead_id"`
	Rounds   int            `json:"rounds"`
	Outcome  AttemptOutcome `json:"outcome"`
	Finished time.Time      `json:"finished"`
}

// AnalyzeLeadWorkflow runs attempts until the ledger reports a terminal
// outcome. Temporal's own activity retries are disabled so attempts are
// counted once, by the ledger.
func AnalyzeLeadWorkflow(ctx workflow.Context, in AnalyzeLeadInput) (AnalyzeLeadResult, error) {
	logger := workflow.GetLogger(ctx)

	timeout := in.AttemptTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var acts *Activities
	res := AnalyzeLeadResult{LeadID: in.LeadID}
	for res.Rounds < maxRounds {
		res.Rounds++
		var out AttemptOutcome
		if err := workflow.ExecuteActivity(ctx, acts.AnalyzeLead, in.LeadID).Get(ctx, &out); err != nil {
			logger.Error("Analyze attempt activity failed", "lead_id", in.LeadID, "error", err)
			return res, err
		}
		res.Outcome = out
		if !out.Retrying {
			break
		}

		wait := out.NextRunAt.Sub(workflow.Now(ctx))
		logger.Info("Analysis attempt will retry", "lead_id", in.LeadID, "attempt", out.Attempt, "wait", wait)
		if wait > 0 {
			if err := workflow.Sleep(ctx, wait); err != nil {
				return res, err
			}
		}
	}
	res.Finished = workflow.Now(ctx)
	return res, nil
}
