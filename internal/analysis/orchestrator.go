package analysis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/collab"
	"github.com/sells-group/lead-analyzer/internal/ledger"
	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/resilience"
	"github.com/sells-group/lead-analyzer/internal/store"
)

// Config holds orchestrator policy.
type Config struct {
	// Dimensions are run in this order for reporting; execution order is unspecified.
	Dimensions []string
	// FailureQuorum fails the analysis without synthesis when the failed
	// fraction of dimensions exceeds it. Zero disables the check.
	FailureQuorum float64
	// MaxAttempts is the retry ceiling across scheduled attempts.
	MaxAttempts int
	Backoff     resilience.Backoff
}

// AnalyzeResult is the outcome of a successful or short-circuited attempt.
type AnalyzeResult struct {
	AnalysisID string               `json:"analysis_id"`
	LeadID     int64                `json:"lead_id"`
	Status     model.AnalysisStatus `json:"status"`
	// Cached is true when a previous run had already completed.
	Cached  bool `json:"cached"`
	Attempt int  `json:"attempt,omitempty"`
}

// AttemptError describes a failed attempt and what the ledger will do next.
type AttemptError struct {
	LeadID     int64
	AnalysisID string
	Attempt    int
	Retrying   bool
	NextRunAt  time.Time
	Err        error
}

func (e *AttemptError) Error() string {
	if e.Retrying {
		return fmt.Sprintf("analyze lead %d attempt %d: %v (retry at %s)", e.LeadID, e.Attempt, e.Err, e.NextRunAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("analyze lead %d attempt %d: %v", e.LeadID, e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Orchestrator drives one analysis attempt: ledger claim, lead load, fan-out,
// synthesis, persistence.
type Orchestrator struct {
	store   store.AnalysisStore
	ledger  *ledger.Ledger
	leads   collab.LeadSource
	fanout  *FanOut
	synth   *Synthesizer
	audit   collab.Auditor
	metrics collab.Metrics
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Store       store.AnalysisStore
	Ledger      *ledger.Ledger
	Leads       collab.LeadSource
	FanOut      *FanOut
	Synthesizer *Synthesizer
	Audit       collab.Auditor
	Metrics     collab.Metrics
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if d.Audit == nil {
		d.Audit = collab.NopAuditor{}
	}
	if d.Metrics == nil {
		d.Metrics = collab.NopMetrics{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		store:    d.Store,
		ledger:   d.Ledger,
		leads:    d.Leads,
		fanout:   d.FanOut,
		synth:    d.Synthesizer,
		audit:    d.Audit,
		metrics:  d.Metrics,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[int64]context.CancelFunc),
	}
}

// AnalyzeLead runs a single attempt for leadID. It is safe to call
// repeatedly: a completed lead returns its cached analysis, and a lead held
// by another attempt returns model.ErrLedgerConflict. Failures after the
// ledger claim are returned as *AttemptError.
func (o *Orchestrator) AnalyzeLead(ctx context.Context, leadID int64) (*AnalyzeResult, error) {
	log := zap.L().With(zap.Int64("lead_id", leadID))

	claim, err := o.ledger.Acquire(ctx, model.TaskAnalyzeLead, leadID)
	if err != nil {
		if errors.Is(err, model.ErrLedgerConflict) {
			o.metrics.EmitMetric("ledger.conflict", 1, nil)
		}
		return nil, err
	}
	if claim.Done() {
		log.Info("analysis already completed", zap.String("analysis_id", claim.Entry.AnalysisID))
		return o.cachedResult(ctx, leadID, claim.Entry), nil
	}

	key := claim.Entry.DedupeKey
	attempt := claim.Entry.Attempts
	log = log.With(zap.Int("attempt", attempt))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(leadID, cancel)
	defer o.untrack(leadID)

	a := &attemptRun{o: o, log: log, key: key, leadID: leadID, attempt: attempt, started: o.now()}
	return a.run(ctx, runCtx)
}

// attemptRun carries the state of one claimed attempt.
type attemptRun struct {
	o        *Orchestrator
	log      *zap.Logger
	key      string
	leadID   int64
	attempt  int
	started  time.Time
	analysis *model.LeadAnalysis
}

func (a *attemptRun) run(ctx, runCtx context.Context) (*AnalyzeResult, error) {
	o := a.o
	lead, err := o.leads.FetchLead(runCtx, a.leadID)
	if err != nil {
		return nil, a.abort(ctx, runCtx, err)
	}
	profile, err := o.leads.FetchProfileContext(runCtx, lead.AccountID)
	if err != nil {
		return nil, a.abort(ctx, runCtx, err)
	}

	a.analysis = &model.LeadAnalysis{
		LeadID:    a.leadID,
		AccountID: lead.AccountID,
		Status:    model.AnalysisStatusRunning,
		StartedAt: a.started.UTC(),
	}
	if err := o.store.CreateAnalysis(runCtx, a.analysis); err != nil {
		a.analysis = nil
		return nil, a.abort(ctx, runCtx, err)
	}
	a.log = a.log.With(zap.String("analysis_id", a.analysis.ID))
	a.log.Info("analysis started")
	o.audit.EmitAuditEntry(ctx, "orchestrator", "analysis.start", "running", analysisRef(a.analysis.ID))

	dims := o.cfg.Dimensions
	runs := o.fanout.RunAll(runCtx, dims, model.AnalysisInput{Lead: *lead, Profile: profile})
	list := orderedRuns(dims, runs)
	a.recordRuns(runs)

	if err := o.store.PersistAnalysis(context.WithoutCancel(ctx), a.analysis, list); err != nil {
		return nil, a.abort(ctx, runCtx, err)
	}
	if runCtx.Err() != nil {
		return nil, a.cancelled(ctx, list)
	}

	failed := countFailed(list)
	for _, r := range list {
		if r.Status == model.DimensionStatusFailed {
			o.metrics.EmitMetric("dimension.failed", 1, map[string]string{"dimension": r.Dimension, "error_kind": string(r.ErrorKind)})
		}
	}

	if q := o.cfg.FailureQuorum; q > 0 && len(list) > 0 && float64(failed)/float64(len(list)) > q {
		err := eris.Errorf("analysis: %d of %d dimensions failed, quorum %.2f", failed, len(list), q)
		return nil, a.fail(ctx, list, err, quorumRetryable(list))
	}

	input, err := BuildInput(a.leadID, dims, runs)
	if err != nil {
		return nil, a.fail(ctx, list, err, false)
	}
	syn, err := o.synth.Synthesize(runCtx, input)
	if syn != nil {
		a.recordSynthesisCall(syn)
	}
	if err != nil {
		if runCtx.Err() != nil {
			return nil, a.cancelled(ctx, list)
		}
		return nil, a.fail(ctx, list, eris.Wrap(err, "analysis: synthesis"), resilience.Retryable(err))
	}

	return a.complete(ctx, runCtx, list, syn)
}

func (a *attemptRun) recordRuns(runs map[string]*model.DimensionRun) {
	a.analysis.Results = resultsOf(runs)
	a.analysis.PromptVersions = make(map[string]int, len(runs)+1)
	a.analysis.ModelInfo = make(map[string]model.ModelInfo, len(runs)+1)
	for dim, r := range runs {
		if r.PromptVersion > 0 {
			a.analysis.PromptVersions[dim] = r.PromptVersion
		}
		if r.ModelInfo != nil {
			a.analysis.ModelInfo[dim] = *r.ModelInfo
		}
	}
}

func (a *attemptRun) recordSynthesisCall(syn *Synthesis) {
	if syn.Prompt != nil {
		a.analysis.PromptVersions[model.MetaAnalysisDimension] = syn.Prompt.Version
	}
	if syn.Result != nil {
		a.analysis.ModelInfo[model.MetaAnalysisDimension] = syn.Result.ModelInfo
		if syn.Result.Output != nil {
			a.analysis.MetaAnalysis = syn.Result.Output
		}
	}
}

// complete records a successful attempt. A Cancel that lands before this
// point wins; one that lands after it is superseded by the ledger.
func (a *attemptRun) complete(ctx, runCtx context.Context, runs []*model.DimensionRun, syn *Synthesis) (*AnalyzeResult, error) {
	o := a.o
	if runCtx.Err() != nil {
		return nil, a.cancelled(ctx, runs)
	}
	persistCtx := context.WithoutCancel(ctx)

	rec := syn.Recommendation
	conf := syn.Confidence
	an := a.analysis
	an.FinalRecommendation = &rec
	an.ConfidenceScore = &conf
	an.RecommendationReasoning = syn.Reasoning
	an.MetaAnalysis = syn.Raw
	if err := a.finishAnalysis(model.AnalysisStatusCompleted, ""); err != nil {
		return nil, err
	}
	if err := o.store.PersistAnalysis(persistCtx, an, runs); err != nil {
		return nil, a.release(persistCtx, err, resilience.Retryable(err))
	}

	if err := o.ledger.Complete(persistCtx, a.key, an.ID); err != nil {
		a.log.Warn("analysis completed but ledger entry was not running", zap.Error(err))
	}

	cost := totalCost(an.ModelInfo)
	elapsed := o.now().Sub(a.started)
	a.log.Info("analysis completed",
		zap.String("recommendation", rec),
		zap.Float64("confidence", conf),
		zap.Int("failed_dimensions", countFailed(runs)),
		zap.Duration("elapsed", elapsed),
		zap.Float64("cost_usd", cost),
	)
	o.metrics.EmitMetric("analysis.completed", 1, map[string]string{"recommendation": rec})
	o.metrics.EmitMetric("analysis.duration_ms", float64(elapsed.Milliseconds()), map[string]string{"status": string(an.Status)})
	o.metrics.EmitMetric("analysis.cost_usd", cost, nil)
	o.audit.EmitAuditEntry(persistCtx, "orchestrator", "analysis.complete", rec, analysisRef(an.ID))

	return &AnalyzeResult{AnalysisID: an.ID, LeadID: a.leadID, Status: an.Status, Attempt: a.attempt}, nil
}

// fail marks the analysis failed, keeps every dimension run, and releases the
// ledger entry as retrying or failed.
func (a *attemptRun) fail(ctx context.Context, runs []*model.DimensionRun, cause error, retryable bool) error {
	persistCtx := context.WithoutCancel(ctx)
	if err := a.finishAnalysis(model.AnalysisStatusFailed, cause.Error()); err == nil {
		if err := a.o.store.PersistAnalysis(persistCtx, a.analysis, runs); err != nil {
			a.log.Error("persist failed analysis", zap.Error(err))
		}
	}
	a.o.metrics.EmitMetric("analysis.failed", 1, map[string]string{"error_kind": string(model.ClassifyError(cause))})
	a.o.audit.EmitAuditEntry(persistCtx, "orchestrator", "analysis.fail", string(model.ClassifyError(cause)), analysisRef(a.analysis.ID))
	return a.release(persistCtx, cause, retryable)
}

// abort handles infrastructure failures outside the dimension and synthesis
// boundary.
func (a *attemptRun) abort(ctx, runCtx context.Context, cause error) error {
	if runCtx.Err() != nil && !errors.Is(cause, model.ErrNotFound) {
		return a.cancelled(ctx, nil)
	}
	persistCtx := context.WithoutCancel(ctx)
	if a.analysis != nil {
		if err := a.finishAnalysis(model.AnalysisStatusFailed, cause.Error()); err == nil {
			if err := a.o.store.PersistAnalysis(persistCtx, a.analysis, nil); err != nil {
				a.log.Error("mark analysis failed", zap.Error(err))
			}
		}
	}
	if errors.Is(cause, model.ErrNotFound) {
		a.log.Warn("lead not found")
	}
	a.o.audit.EmitAuditEntry(persistCtx, "orchestrator", "analysis.fail", string(model.ClassifyError(cause)), a.ref())
	return a.release(persistCtx, cause, resilience.Retryable(cause))
}

// cancelled records a cancelled attempt. Completed dimensions keep their results.
func (a *attemptRun) cancelled(ctx context.Context, runs []*model.DimensionRun) error {
	persistCtx := context.WithoutCancel(ctx)
	if a.analysis != nil {
		if err := a.finishAnalysis(model.AnalysisStatusCancelled, model.ErrCancelled.Error()); err == nil {
			if err := a.o.store.PersistAnalysis(persistCtx, a.analysis, runs); err != nil {
				a.log.Error("persist cancelled analysis", zap.Error(err))
			}
		}
	}
	// After Cancel the entry is already cancelled and Abandon conflicts.
	if err := a.o.ledger.Abandon(persistCtx, a.key, a.analysisID()); err != nil &&
		!errors.Is(err, model.ErrLedgerConflict) {
		a.log.Error("release cancelled ledger entry", zap.Error(err))
	}
	a.log.Info("analysis cancelled")
	a.o.audit.EmitAuditEntry(persistCtx, "orchestrator", "analysis.cancel", "cancelled", a.ref())
	return &AttemptError{LeadID: a.leadID, AnalysisID: a.analysisID(), Attempt: a.attempt, Err: model.ErrCancelled}
}

// release writes the ledger outcome for a failed attempt.
func (a *attemptRun) release(ctx context.Context, cause error, retryable bool) error {
	o := a.o
	ae := &AttemptError{LeadID: a.leadID, AnalysisID: a.analysisID(), Attempt: a.attempt, Err: cause}

	var err error
	if retryable && a.attempt < o.cfg.MaxAttempts {
		ae.Retrying = true
		ae.NextRunAt = o.now().Add(o.cfg.Backoff.Delay(a.attempt))
		err = o.ledger.Retry(ctx, a.key, ae.AnalysisID, cause, ae.NextRunAt)
		a.log.Warn("analysis attempt failed, will retry", zap.Time("next_run_at", ae.NextRunAt), zap.Error(cause))
	} else {
		err = o.ledger.Fail(ctx, a.key, ae.AnalysisID, cause)
		a.log.Error("analysis failed", zap.Bool("retryable", retryable), zap.Error(cause))
	}
	if err != nil {
		a.log.Warn("ledger release failed", zap.Error(err))
		if errors.Is(err, model.ErrLedgerConflict) {
			ae.Retrying = false
		}
	}
	return ae
}

func (a *attemptRun) finishAnalysis(status model.AnalysisStatus, errText string) error {
	if err := a.analysis.Transition(status); err != nil {
		a.log.Error("analysis transition rejected", zap.Error(err))
		return err
	}
	done := a.o.now().UTC()
	a.analysis.CompletedAt = &done
	a.analysis.Error = errText
	return nil
}

func (a *attemptRun) ref() string {
	if a.analysis == nil {
		return LeadRef(a.leadID)
	}
	return analysisRef(a.analysis.ID)
}

func (a *attemptRun) analysisID() string {
	if a.analysis == nil {
		return ""
	}
	return a.analysis.ID
}

// Cancel cancels the ledger entry for leadID and any in-process run for it.
func (o *Orchestrator) Cancel(ctx context.Context, leadID int64) (bool, error) {
	ok, err := o.ledger.Cancel(ctx, model.AnalyzeLeadKey(leadID))
	if err != nil {
		return false, err
	}
	o.mu.Lock()
	cancel, running := o.inflight[leadID]
	o.mu.Unlock()
	if running {
		cancel()
	}
	return ok || running, nil
}

// GetAnalysisStatus summarizes an analysis and its dimensions.
func (o *Orchestrator) GetAnalysisStatus(ctx context.Context, analysisID string) (*model.AnalysisSummary, error) {
	an, err := o.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: status %s", analysisID)
	}
	runs, err := o.store.ListDimensionRuns(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: runs %s", analysisID)
	}
	sum := &model.AnalysisSummary{
		AnalysisID:     an.ID,
		LeadID:         an.LeadID,
		Status:         an.Status,
		Recommendation: an.FinalRecommendation,
		Confidence:     an.ConfidenceScore,
		Reasoning:      an.RecommendationReasoning,
		StartedAt:      an.StartedAt,
		CompletedAt:    an.CompletedAt,
		Dimensions:     make(map[string]string, len(runs)),
	}
	for _, r := range runs {
		sum.Dimensions[r.Dimension] = string(r.Status)
	}
	return sum, nil
}

func (o *Orchestrator) cachedResult(ctx context.Context, leadID int64, entry *model.JobLedgerEntry) *AnalyzeResult {
	res := &AnalyzeResult{AnalysisID: entry.AnalysisID, LeadID: leadID, Status: model.AnalysisStatusCompleted, Cached: true, Attempt: entry.Attempts}
	if entry.AnalysisID == "" {
		return res
	}
	if an, err := o.store.GetAnalysis(ctx, entry.AnalysisID); err == nil {
		res.Status = an.Status
	}
	return res
}

func (o *Orchestrator) track(leadID int64, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inflight[leadID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(leadID int64) {
	o.mu.Lock()
	delete(o.inflight, leadID)
	o.mu.Unlock()
}

func orderedRuns(dims []string, runs map[string]*model.DimensionRun) []*model.DimensionRun {
	out := make([]*model.DimensionRun, 0, len(runs))
	for _, d := range dims {
		if r, ok := runs[d]; ok {
			out = append(out, r)
		}
	}
	return out
}

func countFailed(runs []*model.DimensionRun) int {
	n := 0
	for _, r := range runs {
		if r.Status == model.DimensionStatusFailed {
			n++
		}
	}
	return n
}

// quorumRetryable reports whether a quorum failure is worth another attempt:
// only when some dimension failed on inference rather than bad output.
func quorumRetryable(runs []*model.DimensionRun) bool {
	for _, r := range runs {
		if r.Status == model.DimensionStatusFailed && r.ErrorKind == model.ErrorKindInference {
			return true
		}
	}
	return false
}

func totalCost(info map[string]model.ModelInfo) float64 {
	var sum float64
	for _, mi := range info {
		sum += mi.EstimatedCostUSD
	}
	return sum
}

func analysisRef(id string) string {
	return "analysis:" + id
}

// LeadRef formats a lead id for audit entries.
func LeadRef(leadID int64) string {
	return "lead:" + strconv.FormatInt(leadID, 10)
}
