package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-analyzer/internal/model"
)

// AnalysisFilter specifies criteria for listing analyses.
type AnalysisFilter struct {
	LeadID int64                `json:"lead_id,omitempty"`
	Status model.AnalysisStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`

	// StartedAfter keeps analyses started at or after this instant.
	StartedAfter time.Time `json:"started_after,omitempty"`
}

// AcquireRequest describes an attempt to take the ledger entry for a unit of work.
type AcquireRequest struct {
	DedupeKey string
	TaskType  string
	SubjectID int64
	Now       time.Time
	// StaleBefore lets a running entry last touched before this instant be
	// taken over; its holder is assumed dead.
	StaleBefore time.Time
}

// JobUpdate is the terminal or retry state written by the holder of a ledger entry.
type JobUpdate struct {
	Status     model.JobStatus
	AnalysisID string
	LastError  string
	NextRunAt  time.Time
	// SupersedeCancelled also applies the update to a cancelled entry.
	SupersedeCancelled bool
}

// PromptStore persists the append-only prompt history.
type PromptStore interface {
	GetActivePrompt(ctx context.Context, dimension string) (*model.AgentPrompt, error)
	GetPromptVersion(ctx context.Context, dimension string, version int) (*model.AgentPrompt, error)
	ListPromptVersions(ctx context.Context, dimension string) ([]model.AgentPrompt, error)
	ListPromptDimensions(ctx context.Context) ([]string, error)
	// InsertPromptVersion assigns the next version number for p.Dimension and
	// inserts p. When activate is true the previously active version is
	// deactivated in the same transaction.
	InsertPromptVersion(ctx context.Context, p *model.AgentPrompt, activate bool) (*model.AgentPrompt, error)
}

// AnalysisStore persists analyses and their dimension runs.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a *model.LeadAnalysis) error
	UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error
	// PersistAnalysis writes the analysis row and all of its dimension runs
	// in a single transaction.
	PersistAnalysis(ctx context.Context, a *model.LeadAnalysis, runs []*model.DimensionRun) error
	GetAnalysis(ctx context.Context, id string) (*model.LeadAnalysis, error)
	ListDimensionRuns(ctx context.Context, analysisID string) ([]model.DimensionRun, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.LeadAnalysis, error)
	DeleteAnalysis(ctx context.Context, id string) error
}

// LedgerStore persists idempotency and retry bookkeeping.
type LedgerStore interface {
	// AcquireJob atomically moves the entry to running. The bool reports
	// whether this caller now holds it; when false the returned entry is the
	// current holder's state.
	AcquireJob(ctx context.Context, req AcquireRequest) (*model.JobLedgerEntry, bool, error)
	// EnqueueJob records a queued entry when none exists, or re-queues a
	// failed or cancelled one. The bool reports whether anything changed.
	EnqueueJob(ctx context.Context, req AcquireRequest) (*model.JobLedgerEntry, bool, error)
	// FinishJob updates an entry that is currently running. It returns
	// model.ErrLedgerConflict if the entry is no longer running.
	FinishJob(ctx context.Context, dedupeKey string, update JobUpdate) error
	CancelJob(ctx context.Context, dedupeKey string) (bool, error)
	GetJob(ctx context.Context, dedupeKey string) (*model.JobLedgerEntry, error)
}

// LeadStore reads leads and profile context written by the ingestion service.
type LeadStore interface {
	GetLead(ctx context.Context, id int64) (*model.Lead, error)
	GetProfileContext(ctx context.Context, accountID string) (*model.ProfileContext, error)
	SaveLead(ctx context.Context, lead model.Lead) error
	// SaveLeads upserts many leads at once and returns the rows written.
	SaveLeads(ctx context.Context, leads []model.Lead) (int64, error)
	SaveProfileSummary(ctx context.Context, accountID, summary string) error
	SaveProfileItem(ctx context.Context, accountID, kind string, item model.ProfileItem) error
}

// AuditStore persists the audit trail.
type AuditStore interface {
	InsertAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, entityRef string, limit int) ([]model.AuditEntry, error)
}

// Store defines the persistence interface for the analysis engine.
type Store interface {
	PromptStore
	AnalysisStore
	LedgerStore
	LeadStore
	AuditStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Profile item kinds.
const (
	ProfileItemPost    = "post"
	ProfileItemComment = "comment"
)

// Limits applied when loading profile context.
const (
	maxProfileSummaries = 5
	maxProfileItems     = 20
)

// analysisSources lists the statuses an analysis may be in for an update to
// target to be accepted. Non-terminal targets also accept themselves so a
// running analysis can be checkpointed.
func analysisSources(target model.AnalysisStatus) []string {
	all := []model.AnalysisStatus{
		model.AnalysisStatusPending,
		model.AnalysisStatusRunning,
		model.AnalysisStatusCompleted,
		model.AnalysisStatusFailed,
		model.AnalysisStatusCancelled,
	}
	var out []string
	for _, s := range all {
		if s.CanTransition(target) || (s == target && !target.IsTerminal()) {
			out = append(out, string(s))
		}
	}
	return out
}

// transitionError explains why a guarded status update matched no rows:
// either the analysis is gone or its current status forbids the move.
func transitionError(lookupErr error, id, current string, target model.AnalysisStatus) error {
	if errors.Is(lookupErr, sql.ErrNoRows) || errors.Is(lookupErr, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "analysis %s", id)
	}
	if lookupErr != nil {
		return eris.Wrapf(lookupErr, "read analysis status %s", id)
	}
	return eris.Wrapf(&model.TransitionError{From: current, To: string(target)}, "analysis %s", id)
}

// marshalNullable encodes v as a JSON string, or returns nil for a nil value
// so the column is stored as NULL.
func marshalNullable(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}
