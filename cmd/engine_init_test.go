package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/config"
	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/prompts"
)

// useTestConfig points the global config at a fresh SQLite file.
func useTestConfig(t *testing.T) {
	t.Helper()
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "leads.db")
	c.Inference.Provider = "anthropic"
	c.Anthropic.Key = "sk-ant-test"
	c.Anthropic.Model = "claude-sonnet-4-5-20250929"
	c.Agent.TimeoutSecs = 5
	c.Agent.Template = "auto"
	c.Analysis.Concurrency = 3
	c.Analysis.MaxAttempts = 2
	c.Analysis.BackoffBaseSec = 1
	c.Analysis.BackoffMaxSec = 10
	c.Batch.MaxConcurrentLeads = 2
	c.Batch.Dispatcher = "local"
	c.Prompts.SeedOnStart = true
	cfg = c
}

func TestInitEngine_SeedsAndWires(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	env, err := initEngine(ctx, "analyze")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Orchestrator)
	require.NotNil(t, env.Scheduler)
	for _, d := range prompts.Dimensions {
		p, err := env.Registry.GetActive(ctx, d)
		require.NoError(t, err, d)
		assert.Equal(t, 1, p.Version)
		assert.Equal(t, seedAuthor, p.CreatedBy)
	}
	assert.Equal(t, map[string]string{"anthropic": "closed"}, env.Breakers.States())
}

func TestInitEngine_InvalidConfig(t *testing.T) {
	useTestConfig(t)
	cfg.Anthropic.Key = ""

	_, err := initEngine(context.Background(), "analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitEngine_OpenAIProvider(t *testing.T) {
	useTestConfig(t)
	cfg.Inference.Provider = "openai"
	cfg.OpenAI.BaseURL = "http://localhost:8000/v1"
	cfg.OpenAI.Model = "qwen3-32b"

	env, err := initEngine(context.Background(), "analyze")
	require.NoError(t, err)
	env.Close()
}

func TestInitStore_UnknownDriver(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initStore(context.Background())
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestOpenStore_SeedIsIdempotent(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	st, reg, err := openStore(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, reg, err = openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	versions, err := reg.ListVersions(ctx, "demographics")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestNewDispatcher_Local(t *testing.T) {
	useTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := initEngine(ctx, "batch")
	require.NoError(t, err)
	defer env.Close()

	d, wait, err := env.newDispatcher(ctx)
	require.NoError(t, err)
	assert.IsType(t, &analysis.LocalDispatcher{}, d)

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait blocked with nothing dispatched")
	}
}

func TestStatusFormatting(t *testing.T) {
	rec := "Suitable"
	conf := 0.82
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)

	var buf bytes.Buffer
	formatSummary(&buf, &model.AnalysisSummary{
		AnalysisID:     "a-1",
		LeadID:         42,
		Status:         model.AnalysisStatusCompleted,
		Recommendation: &rec,
		Confidence:     &conf,
		Reasoning:      "Fits the commuter segment.",
		StartedAt:      start,
		CompletedAt:    &end,
		Dimensions:     map[string]string{"risk_flags": "failed", "demographics": "completed"},
	})
	out := buf.String()
	assert.Contains(t, out, "Suitable")
	assert.Contains(t, out, "0.82")
	assert.Contains(t, out, "1m35s")
	assert.Contains(t, out, "Fits the commuter segment.")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("demographics")), bytes.Index(buf.Bytes(), []byte("risk_flags")))

	buf.Reset()
	formatJob(&buf, &model.JobLedgerEntry{
		DedupeKey: model.AnalyzeLeadKey(42),
		Status:    model.JobStatusRetrying,
		Attempts:  1,
		LastError: "synthesis timed out",
		NextRunAt: end,
		UpdatedAt: start,
	})
	out = buf.String()
	assert.Contains(t, out, "analyze:lead:42")
	assert.Contains(t, out, "Next run:   2026-03-01T12:01:35Z")
	assert.Contains(t, out, "synthesis timed out")
}
