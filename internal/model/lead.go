package model

import "time"

// Lead is a candidate record produced by the ingestion collaborator.
type Lead struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"account_id"`
	Username  string    `json:"username"`
	Source    string    `json:"source"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileContext is prior context about the lead's account: stored summaries
// and a sample of recent activity.
type ProfileContext struct {
	AccountID string        `json:"account_id"`
	Summaries []string      `json:"summaries,omitempty"`
	Posts     []ProfileItem `json:"posts,omitempty"`
	Comments  []ProfileItem `json:"comments,omitempty"`
}

// ProfileItem is a single post or comment.
type ProfileItem struct {
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Community string    `json:"community,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisInput is the payload every dimension agent receives.
type AnalysisInput struct {
	Lead    Lead            `json:"lead"`
	Profile *ProfileContext `json:"profile,omitempty"`
}

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	ActionType string    `json:"action_type"`
	Result     string    `json:"result"`
	EntityRef  string    `json:"entity_ref"`
	CreatedAt  time.Time `json:"created_at"`
}
