// Package registry manages the versioned prompt history for every analysis
// dimension: exactly one active version per dimension, append-only rows.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/agent"
	"github.com/sells-group/lead-analyzer/internal/collab"
	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/store"
)

// ErrInvalidPrompt is returned when prompt parameters fail validation.
var ErrInvalidPrompt = eris.New("invalid prompt")

// CreateParams describes a new prompt version.
type CreateParams struct {
	Dimension    string
	SystemPrompt string
	OutputSchema json.RawMessage
	Temperature  float64
	MaxTokens    int
	Notes        string
	Author       string
}

// UpdateParams describes a change to the active prompt. Nil fields inherit
// from the current active version.
type UpdateParams struct {
	SystemPrompt *string
	OutputSchema json.RawMessage
	Temperature  *float64
	MaxTokens    *int
	Notes        string
	Author       string
}

// Registry is the prompt registry.
type Registry struct {
	store store.PromptStore
	audit collab.Auditor
}

// New creates a Registry. A nil auditor discards audit entries.
func New(st store.PromptStore, audit collab.Auditor) *Registry {
	if audit == nil {
		audit = collab.NopAuditor{}
	}
	return &Registry{store: st, audit: audit}
}

// GetActive returns the active prompt for dimension, or model.ErrNotFound.
func (r *Registry) GetActive(ctx context.Context, dimension string) (*model.AgentPrompt, error) {
	p, err := r.store.GetActivePrompt(ctx, dimension)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: active prompt %s", dimension)
	}
	return p, nil
}

// Create adds an inactive version numbered one past the highest existing one.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*model.AgentPrompt, error) {
	return r.insert(ctx, params, false, "prompt.create")
}

// Update writes a new version from the active one plus params and activates
// it, deactivating the old version in the same transaction.
func (r *Registry) Update(ctx context.Context, dimension string, params UpdateParams) (*model.AgentPrompt, error) {
	current, err := r.GetActive(ctx, dimension)
	if err != nil {
		return nil, err
	}

	next := CreateParams{
		Dimension:    dimension,
		SystemPrompt: current.SystemPrompt,
		OutputSchema: current.OutputSchema,
		Temperature:  current.Temperature,
		MaxTokens:    current.MaxTokens,
		Notes:        params.Notes,
		Author:       params.Author,
	}
	if params.SystemPrompt != nil {
		next.SystemPrompt = *params.SystemPrompt
	}
	if len(params.OutputSchema) > 0 {
		next.OutputSchema = params.OutputSchema
	}
	if params.Temperature != nil {
		next.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		next.MaxTokens = *params.MaxTokens
	}
	return r.insert(ctx, next, true, "prompt.update")
}

// Rollback copies targetVersion into a new version and activates it. The old
// row is never reactivated.
func (r *Registry) Rollback(ctx context.Context, dimension string, targetVersion int, author string) (*model.AgentPrompt, error) {
	target, err := r.store.GetPromptVersion(ctx, dimension, targetVersion)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: rollback %s to v%d", dimension, targetVersion)
	}
	return r.insert(ctx, CreateParams{
		Dimension:    dimension,
		SystemPrompt: target.SystemPrompt,
		OutputSchema: target.OutputSchema,
		Temperature:  target.Temperature,
		MaxTokens:    target.MaxTokens,
		Notes:        fmt.Sprintf("rollback to v%d", targetVersion),
		Author:       author,
	}, true, "prompt.rollback")
}

// ListVersions returns every version of dimension, newest first.
func (r *Registry) ListVersions(ctx context.Context, dimension string) ([]model.AgentPrompt, error) {
	versions, err := r.store.ListPromptVersions(ctx, dimension)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: list versions %s", dimension)
	}
	return versions, nil
}

// Dimensions lists every dimension with at least one prompt version.
func (r *Registry) Dimensions(ctx context.Context) ([]string, error) {
	dims, err := r.store.ListPromptDimensions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "registry: list dimensions")
	}
	return dims, nil
}

func (r *Registry) insert(ctx context.Context, params CreateParams, activate bool, action string) (*model.AgentPrompt, error) {
	if err := Validate(params); err != nil {
		r.audit.EmitAuditEntry(ctx, params.Author, action, "rejected", promptRef(params.Dimension, 0))
		return nil, err
	}
	p, err := r.store.InsertPromptVersion(ctx, &model.AgentPrompt{
		Dimension:    params.Dimension,
		SystemPrompt: params.SystemPrompt,
		OutputSchema: params.OutputSchema,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		CreatedBy:    params.Author,
		Notes:        params.Notes,
	}, activate)
	if err != nil {
		r.audit.EmitAuditEntry(ctx, params.Author, action, "error", promptRef(params.Dimension, 0))
		return nil, eris.Wrapf(err, "registry: %s %s", action, params.Dimension)
	}

	zap.L().Info("registry: prompt version written",
		zap.String("action", action),
		zap.String("dimension", p.Dimension),
		zap.Int("version", p.Version),
		zap.Bool("active", p.Active),
		zap.String("author", p.CreatedBy),
	)
	r.audit.EmitAuditEntry(ctx, params.Author, action, "ok", promptRef(p.Dimension, p.Version))
	return p, nil
}

// Validate checks prompt parameters before anything is written.
func Validate(p CreateParams) error {
	switch {
	case strings.TrimSpace(p.Dimension) == "":
		return eris.Wrap(ErrInvalidPrompt, "dimension is required")
	case strings.TrimSpace(p.SystemPrompt) == "":
		return eris.Wrapf(ErrInvalidPrompt, "%s: system prompt is required", p.Dimension)
	case p.Temperature < 0 || p.Temperature > 2:
		return eris.Wrapf(ErrInvalidPrompt, "%s: temperature %.2f outside [0,2]", p.Dimension, p.Temperature)
	case p.MaxTokens <= 0:
		return eris.Wrapf(ErrInvalidPrompt, "%s: max tokens must be positive", p.Dimension)
	}
	if _, err := agent.CompileSchema(p.OutputSchema); err != nil {
		return eris.Wrapf(ErrInvalidPrompt, "%s: %v", p.Dimension, err)
	}
	return nil
}

func promptRef(dimension string, version int) string {
	if version == 0 {
		return "prompt:" + dimension
	}
	return fmt.Sprintf("prompt:%s:v%d", dimension, version)
}
