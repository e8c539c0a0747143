package model

import (
	"fmt"
	"time"
)

// JobStatus represents the state of a ledger entry.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDone      JobStatus = "done"
	JobStatusCancelled JobStatus = "cancelled"
)

// TaskAnalyzeLead is the ledger task type for lead analyses.
const TaskAnalyzeLead = "analyze"

// ValidJobTransitions lists the allowed ledger status changes. Failed and
// cancelled entries may be re-queued by an explicit new request. A cancelled
// entry moves to done when its analysis had already been persisted.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:   {JobStatusDone, JobStatusRetrying, JobStatusFailed, JobStatusCancelled},
	JobStatusRetrying:  {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:    {JobStatusRunning},
	JobStatusCancelled: {JobStatusRunning, JobStatusDone},
	JobStatusDone:      {},
}

// CanTransition reports whether a ledger entry may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobLedgerEntry is the idempotency and retry record for one logical unit of work.
type JobLedgerEntry struct {
	DedupeKey  string    `json:"dedupe_key"`
	TaskType   string    `json:"task_type"`
	SubjectID  int64     `json:"subject_id"`
	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	AnalysisID string    `json:"analysis_id,omitempty"`
	NextRunAt  time.Time `json:"next_run_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DedupeKey derives the deterministic ledger key for a task on a subject.
func DedupeKey(taskType string, subjectID int64) string {
	return fmt.Sprintf("%s:lead:%d", taskType, subjectID)
}

// AnalyzeLeadKey returns the dedupe key for analyzing leadID.
func AnalyzeLeadKey(leadID int64) string {
	return DedupeKey(TaskAnalyzeLead, leadID)
}
