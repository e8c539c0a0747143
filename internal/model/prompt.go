package model

import (
	"encoding/json"
	"time"
)

// AgentPrompt is one version of a dimension's system prompt, output schema,
// and inference parameters. Rows are append-only; only Active ever changes.
type AgentPrompt struct {
	ID           string          `json:"id"`
	Dimension    string          `json:"dimension"`
	Version      int             `json:"version"`
	SystemPrompt string          `json:"system_prompt"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Temperature  float64         `json:"temperature"`
	MaxTokens    int             `json:"max_tokens"`
	Active       bool            `json:"active"`
	CreatedBy    string          `json:"created_by"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
