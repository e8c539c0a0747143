package model

import (
	"encoding/json"
	"time"
)

// AnalysisStatus represents the lifecycle state of a lead analysis.
type AnalysisStatus string

const (
	AnalysisStatusPending   AnalysisStatus = "pending"
	AnalysisStatusRunning   AnalysisStatus = "running"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
	AnalysisStatusCancelled AnalysisStatus = "cancelled"
)

// rank orders statuses so transitions can be checked for monotonicity.
// Terminal states share the highest rank.
func (s AnalysisStatus) rank() int {
	switch s {
	case AnalysisStatusPending:
		return 0
	case AnalysisStatusRunning:
		return 1
	case AnalysisStatusCompleted, AnalysisStatusFailed, AnalysisStatusCancelled:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s AnalysisStatus) IsTerminal() bool {
	return s.rank() == 2
}

// Valid reports whether s is a known status.
func (s AnalysisStatus) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether an analysis may move from s to next.
// Status only moves forward; terminal states never change.
func (s AnalysisStatus) CanTransition(next AnalysisStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	if next == AnalysisStatusCancelled {
		return true
	}
	return next.rank() > s.rank()
}

// DimensionStatus represents the state of a single dimension run.
type DimensionStatus string

const (
	DimensionStatusPending   DimensionStatus = "pending"
	DimensionStatusRunning   DimensionStatus = "running"
	DimensionStatusCompleted DimensionStatus = "completed"
	DimensionStatusFailed    DimensionStatus = "failed"
)

// Preferred recommendation values. FinalRecommendation is an open set;
// models occasionally emit other short labels and those are kept as-is.
const (
	RecommendationSuitable       = "suitable"
	RecommendationNotRecommended = "not_recommended"
	RecommendationNeedsReview    = "needs_review"
)

// MetaAnalysisDimension is the distinguished prompt dimension used for synthesis.
const MetaAnalysisDimension = "meta_analysis"

// ModelInfo records which model produced an output and what it cost.
type ModelInfo struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	LatencyMS        int64   `json:"latency_ms"`
	StopReason       string  `json:"stop_reason,omitempty"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
}

// LeadAnalysis is one analysis attempt for a lead.
type LeadAnalysis struct {
	ID                      string                     `json:"id"`
	LeadID                  int64                      `json:"lead_id"`
	AccountID               string                     `json:"account_id,omitempty"`
	Status                  AnalysisStatus             `json:"status"`
	StartedAt               time.Time                  `json:"started_at"`
	CompletedAt             *time.Time                 `json:"completed_at,omitempty"`
	Results                 map[string]json.RawMessage `json:"results,omitempty"`
	MetaAnalysis            json.RawMessage            `json:"meta_analysis,omitempty"`
	FinalRecommendation     *string                    `json:"final_recommendation,omitempty"`
	RecommendationReasoning string                     `json:"recommendation_reasoning,omitempty"`
	ConfidenceScore         *float64                   `json:"confidence_score,omitempty"`
	PromptVersions          map[string]int             `json:"prompt_versions,omitempty"`
	ModelInfo               map[string]ModelInfo       `json:"model_info,omitempty"`
	Error                   string                     `json:"error,omitempty"`
}

// Transition moves the analysis to next, enforcing forward-only status changes.
func (a *LeadAnalysis) Transition(next AnalysisStatus) error {
	if !a.Status.CanTransition(next) {
		return &TransitionError{From: string(a.Status), To: string(next)}
	}
	a.Status = next
	return nil
}

// DimensionRun is the execution record of one dimension agent within an analysis.
type DimensionRun struct {
	ID            string          `json:"id"`
	AnalysisID    string          `json:"analysis_id"`
	Dimension     string          `json:"dimension"`
	Status        DimensionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	InputSnapshot json.RawMessage `json:"input_snapshot,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	RawResponse   string          `json:"raw_response,omitempty"`
	ModelInfo     *ModelInfo      `json:"model_info,omitempty"`
	PromptID      string          `json:"prompt_id,omitempty"`
	PromptVersion int             `json:"prompt_version,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
}

// Outcome returns the tagged result of the run.
func (r *DimensionRun) Outcome() Outcome {
	if r.Status == DimensionStatusCompleted {
		return Outcome{Dimension: r.Dimension, OK: true, Output: r.Output}
	}
	return Outcome{Dimension: r.Dimension, Kind: r.ErrorKind, Detail: r.ErrorDetail}
}

// Outcome is the per-dimension tagged result: either OK with an output or
// failed with an error kind and detail.
type Outcome struct {
	Dimension string          `json:"dimension"`
	OK        bool            `json:"ok"`
	Output    json.RawMessage `json:"output,omitempty"`
	Kind      ErrorKind       `json:"error_kind,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// Synthesis is the parsed meta-analysis verdict.
type Synthesis struct {
	Recommendation string          `json:"recommendation"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	Raw            json.RawMessage `json:"-"`
}

// AnalysisSummary is the caller-facing view returned by status lookups.
type AnalysisSummary struct {
	AnalysisID     string            `json:"analysis_id"`
	LeadID         int64             `json:"lead_id"`
	Status         AnalysisStatus    `json:"status"`
	Recommendation *string           `json:"recommendation,omitempty"`
	Confidence     *float64          `json:"confidence,omitempty"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Dimensions     map[string]string `json:"dimensions,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}
