package registry

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/collab"
	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/store"
	"github.com/sells-group/lead-analyzer/prompts"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return New(s, collab.NewStoreAuditor(s)), s
}

func seedOne(t *testing.T, r *Registry, dimension, text string) *model.AgentPrompt {
	t.Helper()
	created, err := r.Seed(context.Background(), []SeedPrompt{{
		Dimension:    dimension,
		SystemPrompt: text,
		OutputSchema: map[string]any{"type": "object"},
		Temperature:  0.2,
		MaxTokens:    800,
	}}, "test")
	require.NoError(t, err)
	require.Equal(t, []string{dimension}, created)
	p, err := r.GetActive(context.Background(), dimension)
	require.NoError(t, err)
	return p
}

func activeCount(t *testing.T, r *Registry, dimension string) int {
	t.Helper()
	versions, err := r.ListVersions(context.Background(), dimension)
	require.NoError(t, err)
	n := 0
	for _, v := range versions {
		if v.Active {
			n++
		}
	}
	return n
}

func versionNumbers(ps []model.AgentPrompt) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = p.Version
	}
	return out
}

func TestRegistry_UpdateThenRollback(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	v1 := seedOne(t, r, "demographics", "original text")
	assert.Equal(t, 1, v1.Version)

	newText := "revised text"
	v2, err := r.Update(ctx, "demographics", UpdateParams{SystemPrompt: &newText, Author: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.Active)
	assert.Equal(t, 0.2, v2.Temperature, "unspecified fields inherit from the active version")
	assert.Equal(t, 800, v2.MaxTokens)

	versions, err := r.ListVersions(ctx, "demographics")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[0].Active)
	assert.False(t, versions[1].Active, "version 1 is deactivated")

	v3, err := r.Rollback(ctx, "demographics", 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
	assert.True(t, v3.Active)
	assert.Equal(t, "original text", v3.SystemPrompt)
	assert.Equal(t, "rollback to v1", v3.Notes)

	versions, err = r.ListVersions(ctx, "demographics")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, versionNumbers(versions))
	assert.Equal(t, 1, activeCount(t, r, "demographics"))

	active, err := r.GetActive(ctx, "demographics")
	require.NoError(t, err)
	assert.Equal(t, 3, active.Version)
}

func TestRegistry_RollbackMissingVersion(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	seedOne(t, r, "interests", "text")

	_, err := r.Rollback(ctx, "interests", 9, "bob")
	assert.ErrorIs(t, err, model.ErrNotFound)

	active, err := r.GetActive(ctx, "interests")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version, "failed rollback leaves the active version alone")
}

func TestRegistry_GetActiveNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.GetActive(context.Background(), "lifestyle")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRegistry_UpdateWithoutActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	text := "x"
	_, err := r.Update(context.Background(), "lifestyle", UpdateParams{SystemPrompt: &text})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRegistry_CreateIsInactive(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	seedOne(t, r, "risk_flags", "v1")

	p, err := r.Create(ctx, CreateParams{
		Dimension:    "risk_flags",
		SystemPrompt: "draft",
		Temperature:  0,
		MaxTokens:    100,
		Author:       "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.False(t, p.Active)

	active, err := r.GetActive(ctx, "risk_flags")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestValidate(t *testing.T) {
	valid := CreateParams{Dimension: "d", SystemPrompt: "p", Temperature: 1, MaxTokens: 10}
	require.NoError(t, Validate(valid))

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"empty dimension", func(p *CreateParams) { p.Dimension = " " }},
		{"empty prompt", func(p *CreateParams) { p.SystemPrompt = "" }},
		{"negative temperature", func(p *CreateParams) { p.Temperature = -0.1 }},
		{"temperature above two", func(p *CreateParams) { p.Temperature = 2.5 }},
		{"zero max tokens", func(p *CreateParams) { p.MaxTokens = 0 }},
		{"bad schema", func(p *CreateParams) { p.OutputSchema = json.RawMessage(`{"type":"nope"}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.ErrorIs(t, Validate(p), ErrInvalidPrompt)
		})
	}
}

func TestRegistry_InvalidUpdateKeepsActive(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	seedOne(t, r, "engagement_fit", "v1")

	temp := 3.0
	_, err := r.Update(ctx, "engagement_fit", UpdateParams{Temperature: &temp})
	require.ErrorIs(t, err, ErrInvalidPrompt)

	versions, err := r.ListVersions(ctx, "engagement_fit")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

// Any interleaving of Create, Update and Rollback leaves exactly one active
// version and strictly increasing version numbers.
func TestRegistry_RandomSequencesKeepOneActive(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	seedOne(t, r, "communication_style", "v1")

	rng := rand.New(rand.NewPCG(42, 7))
	highest := 1
	for i := 0; i < 60; i++ {
		var (
			p   *model.AgentPrompt
			err error
		)
		switch rng.IntN(3) {
		case 0:
			p, err = r.Create(ctx, CreateParams{Dimension: "communication_style", SystemPrompt: "draft", MaxTokens: 50})
		case 1:
			text := "update"
			p, err = r.Update(ctx, "communication_style", UpdateParams{SystemPrompt: &text})
		case 2:
			p, err = r.Rollback(ctx, "communication_style", 1+rng.IntN(highest), "fuzz")
		}
		require.NoError(t, err)
		assert.Greater(t, p.Version, highest, "versions are never reused")
		highest = p.Version

		require.Equal(t, 1, activeCount(t, r, "communication_style"), "step %d", i)
	}
}

func TestRegistry_AuditTrail(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRegistry(t)
	seedOne(t, r, "demographics", "v1")
	text := "v2"
	_, err := r.Update(ctx, "demographics", UpdateParams{SystemPrompt: &text, Author: "alice"})
	require.NoError(t, err)

	entries, err := s.ListAudit(ctx, "prompt:demographics:v2", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, "prompt.update", entries[0].ActionType)
	assert.Equal(t, "ok", entries[0].Result)
}

func TestSeed_DefaultsAreValidAndIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	seeds, err := LoadSeed("")
	require.NoError(t, err)
	require.Len(t, seeds, len(prompts.Dimensions)+1)

	created, err := r.Seed(ctx, seeds, "system")
	require.NoError(t, err)
	assert.ElementsMatch(t, append(append([]string{}, prompts.Dimensions...), model.MetaAnalysisDimension), created)

	again, err := r.Seed(ctx, seeds, "system")
	require.NoError(t, err)
	assert.Empty(t, again)

	for _, dim := range prompts.Dimensions {
		p, err := r.GetActive(ctx, dim)
		require.NoError(t, err, dim)
		assert.Equal(t, 1, p.Version)
		assert.Equal(t, "seeded default", p.Notes)
	}
}

func TestParseSeed_RejectsDuplicates(t *testing.T) {
	_, err := ParseSeed([]byte("prompts:\n  - dimension: a\n  - dimension: a\n"))
	require.Error(t, err)
}

func TestLoadSeed_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompts:\n  - dimension: custom\n    system_prompt: hi\n    max_tokens: 10\n"), 0o600))
	seeds, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "custom", seeds[0].Dimension)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
