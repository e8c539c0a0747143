// Package ledger is the idempotency and retry record for analysis jobs. An
// entry keyed by dedupe key doubles as a mutual-exclusion lock: only the
// caller that moved it to running may finish it.
package ledger

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/store"
)

// DefaultStaleAfter is how long a running entry may go untouched before its
// holder is presumed dead.
const DefaultStaleAfter = 30 * time.Minute

// Ledger wraps the ledger store with stale-lock policy and logging.
type Ledger struct {
	store      store.LedgerStore
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a Ledger. A non-positive staleAfter uses DefaultStaleAfter.
func New(st store.LedgerStore, staleAfter time.Duration) *Ledger {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Ledger{store: st, staleAfter: staleAfter, now: time.Now}
}

// Claim is the result of an Acquire call.
type Claim struct {
	Entry *model.JobLedgerEntry
	// Acquired is true when this caller now holds the entry.
	Acquired bool
}

// Done reports whether the unit of work already completed.
func (c Claim) Done() bool {
	return !c.Acquired && c.Entry != nil && c.Entry.Status == model.JobStatusDone
}

// Acquire moves the entry for key to running. A completed entry is returned
// unacquired so the caller can short-circuit; an entry held by someone else
// or scheduled for a later retry yields model.ErrLedgerConflict.
func (l *Ledger) Acquire(ctx context.Context, taskType string, subjectID int64) (Claim, error) {
	key := model.DedupeKey(taskType, subjectID)
	now := l.now().UTC()
	entry, acquired, err := l.store.AcquireJob(ctx, store.AcquireRequest{
		DedupeKey:   key,
		TaskType:    taskType,
		SubjectID:   subjectID,
		Now:         now,
		StaleBefore: now.Add(-l.staleAfter),
	})
	if err != nil {
		return Claim{}, eris.Wrapf(err, "ledger: acquire %s", key)
	}
	claim := Claim{Entry: entry, Acquired: acquired}
	if acquired || claim.Done() {
		if acquired {
			zap.L().Debug("ledger: acquired", zap.String("key", key), zap.Int("attempt", entry.Attempts))
		}
		return claim, nil
	}
	if entry.Status == model.JobStatusRetrying {
		return claim, eris.Wrapf(model.ErrLedgerConflict, "ledger: %s retry not due until %s", key, entry.NextRunAt.Format(time.RFC3339))
	}
	return claim, eris.Wrapf(model.ErrLedgerConflict, "ledger: %s is %s", key, entry.Status)
}

// Enqueue records a queued entry for later pickup. It is a no-op for entries
// that are already queued, running, retrying or done.
func (l *Ledger) Enqueue(ctx context.Context, taskType string, subjectID int64) (*model.JobLedgerEntry, bool, error) {
	key := model.DedupeKey(taskType, subjectID)
	entry, queued, err := l.store.EnqueueJob(ctx, store.AcquireRequest{
		DedupeKey: key,
		TaskType:  taskType,
		SubjectID: subjectID,
		Now:       l.now().UTC(),
	})
	if err != nil {
		return nil, false, eris.Wrapf(err, "ledger: enqueue %s", key)
	}
	return entry, queued, nil
}

// Complete marks the held entry done and records the analysis it produced.
// A cancellation that arrived after the analysis was persisted is
// overridden, so the ledger never points away from a completed analysis.
func (l *Ledger) Complete(ctx context.Context, key, analysisID string) error {
	return l.finish(ctx, key, store.JobUpdate{Status: model.JobStatusDone, AnalysisID: analysisID, SupersedeCancelled: true})
}

// Retry releases the held entry as retrying; it becomes acquirable at nextRunAt.
func (l *Ledger) Retry(ctx context.Context, key, analysisID string, cause error, nextRunAt time.Time) error {
	return l.finish(ctx, key, store.JobUpdate{
		Status:     model.JobStatusRetrying,
		AnalysisID: analysisID,
		LastError:  errorText(cause),
		NextRunAt:  nextRunAt.UTC(),
	})
}

// Fail marks the held entry failed terminally.
func (l *Ledger) Fail(ctx context.Context, key, analysisID string, cause error) error {
	return l.finish(ctx, key, store.JobUpdate{
		Status:     model.JobStatusFailed,
		AnalysisID: analysisID,
		LastError:  errorText(cause),
	})
}

// Abandon releases the held entry as cancelled, for a holder whose caller
// gave up mid-run.
func (l *Ledger) Abandon(ctx context.Context, key, analysisID string) error {
	return l.finish(ctx, key, store.JobUpdate{
		Status:     model.JobStatusCancelled,
		AnalysisID: analysisID,
		LastError:  model.ErrCancelled.Error(),
	})
}

// Cancel marks a queued, running or retrying entry cancelled. The holder
// finds out when its next Complete/Retry/Fail returns a conflict.
func (l *Ledger) Cancel(ctx context.Context, key string) (bool, error) {
	ok, err := l.store.CancelJob(ctx, key)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: cancel %s", key)
	}
	return ok, nil
}

// Get returns the entry for key, or model.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, key string) (*model.JobLedgerEntry, error) {
	e, err := l.store.GetJob(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get %s", key)
	}
	return e, nil
}

func (l *Ledger) finish(ctx context.Context, key string, update store.JobUpdate) error {
	if err := l.store.FinishJob(ctx, key, update); err != nil {
		return eris.Wrapf(err, "ledger: mark %s %s", key, update.Status)
	}
	zap.L().Debug("ledger: released", zap.String("key", key), zap.String("status", string(update.Status)))
	return nil
}

const maxErrorText = 2000

// errorText bounds an error message to maxErrorText bytes without splitting
// a UTF-8 sequence.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) <= maxErrorText {
		return s
	}
	cut := maxErrorText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
