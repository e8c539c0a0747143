package analysis

import (
	"context"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/lead-analyzer/internal/ledger"
	"github.com/sells-group/lead-analyzer/internal/model"
)

// DefaultMaxConcurrentLeads bounds leads analysed at once by a LocalDispatcher.
const DefaultMaxConcurrentLeads = 3

// Dispatcher hands a queued lead to whatever executes analyses and returns
// a handle for tracking it.
type Dispatcher interface {
	Dispatch(ctx context.Context, leadID int64) (string, error)
}

// BatchLead is the per-lead result of BatchAnalyze.
type BatchLead struct {
	LeadID int64           `json:"lead_id"`
	Handle string          `json:"handle,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BatchResult summarizes a BatchAnalyze call.
type BatchResult struct {
	Queued  int         `json:"queued"`
	PerLead []BatchLead `json:"per_lead"`
}

// Batch queues many leads and hands each to a Dispatcher.
type Batch struct {
	ledger     *ledger.Ledger
	dispatcher Dispatcher
}

// NewBatch creates a Batch.
func NewBatch(l *ledger.Ledger, d Dispatcher) *Batch {
	return &Batch{ledger: l, dispatcher: d}
}

// BatchAnalyze queues each distinct lead in the ledger and dispatches it.
// Leads whose entry is already running, retrying or done are reported with
// their current status and not dispatched again. It returns without waiting
// for any analysis to finish.
func (b *Batch) BatchAnalyze(ctx context.Context, leadIDs []int64) (*BatchResult, error) {
	res := &BatchResult{PerLead: make([]BatchLead, 0, len(leadIDs))}
	seen := make(map[int64]bool, len(leadIDs))
	for _, id := range leadIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			return res, err
		}

		item := BatchLead{LeadID: id, Handle: model.AnalyzeLeadKey(id)}
		entry, _, err := b.ledger.Enqueue(ctx, model.TaskAnalyzeLead, id)
		if err != nil {
			item.Error = err.Error()
			res.PerLead = append(res.PerLead, item)
			continue
		}
		item.Status = entry.Status
		if entry.Status != model.JobStatusQueued {
			res.PerLead = append(res.PerLead, item)
			continue
		}

		handle, err := b.dispatcher.Dispatch(ctx, id)
		if err != nil {
			item.Error = err.Error()
			res.PerLead = append(res.PerLead, item)
			continue
		}
		if handle != "" {
			item.Handle = handle
		}
		res.Queued++
		res.PerLead = append(res.PerLead, item)
	}

	zap.L().Info("analysis: batch dispatched", zap.Int("requested", len(leadIDs)), zap.Int("queued", res.Queued))
	return res, nil
}

// LocalDispatcher runs scheduled analyses in background goroutines, at most
// maxConcurrent at a time.
type LocalDispatcher struct {
	base  context.Context
	sched *Scheduler
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

// NewLocalDispatcher creates a LocalDispatcher. Runs outlive the Dispatch
// call and stop when base is cancelled.
func NewLocalDispatcher(base context.Context, sched *Scheduler, maxConcurrent int) *LocalDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentLeads
	}
	return &LocalDispatcher{base: base, sched: sched, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Dispatch starts a background run for leadID.
func (d *LocalDispatcher) Dispatch(_ context.Context, leadID int64) (string, error) {
	if err := d.base.Err(); err != nil {
		return "", eris.Wrap(err, "analysis: dispatcher stopped")
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.base, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		log := zap.L().With(zap.Int64("lead_id", leadID))
		res, err := d.sched.Run(d.base, leadID)
		if err != nil {
			log.Warn("analysis: batch lead finished with error", zap.Error(err))
			return
		}
		log.Info("analysis: batch lead finished", zap.String("analysis_id", res.AnalysisID), zap.String("status", string(res.Status)))
	}()
	return "local:" + strconv.FormatInt(leadID, 10), nil
}

// Wait blocks until every dispatched run has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
