package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/agent"
	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/collab"
	"github.com/sells-group/lead-analyzer/internal/inference"
	"github.com/sells-group/lead-analyzer/internal/jobs"
	"github.com/sells-group/lead-analyzer/internal/ledger"
	"github.com/sells-group/lead-analyzer/internal/registry"
	"github.com/sells-group/lead-analyzer/internal/resilience"
	"github.com/sells-group/lead-analyzer/internal/store"
	anthropicpkg "github.com/sells-group/lead-analyzer/pkg/anthropic"
	"github.com/sells-group/lead-analyzer/prompts"
)

// seedAuthor is recorded as created_by on prompts written by seeding.
const seedAuthor = "system"

// engineEnv holds the store, registry and analysis engine needed by the
// analyze/batch/serve/worker commands.
type engineEnv struct {
	Store        store.Store
	Registry     *registry.Registry
	Breakers     *resilience.Breakers
	Ledger       *ledger.Ledger
	Orchestrator *analysis.Orchestrator
	Scheduler    *analysis.Scheduler

	temporal client.Client
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leads.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store, seeding default prompts when
// configured. Callers close the returned store.
func openStore(ctx context.Context) (store.Store, *registry.Registry, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}

	reg := registry.New(st, collab.NewStoreAuditor(st))
	if cfg.Prompts.SeedOnStart {
		seeds, err := registry.LoadSeed(cfg.Prompts.SeedFile)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		if _, err := reg.Seed(ctx, seeds, seedAuthor); err != nil {
			_ = st.Close()
			return nil, nil, eris.Wrap(err, "seed prompts")
		}
	}
	return st, reg, nil
}

// initEngine validates config for mode and wires the analysis engine.
// Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, reg, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(
		cfg.Inference.BreakerThreshold,
		time.Duration(cfg.Inference.BreakerResetSecs)*time.Second,
	))
	llm, err := newInferenceClient(breakers)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	harness := agent.New(llm,
		agent.WithTimeout(time.Duration(cfg.Agent.TimeoutSecs)*time.Second),
		agent.WithTemplate(agent.ParseTemplate(cfg.Agent.Template)),
	)
	var voice *agent.VoiceConfig
	if !cfg.Agent.Voice.IsZero() {
		voice = &cfg.Agent.Voice
	}

	dims := cfg.Analysis.Dimensions
	if len(dims) == 0 {
		dims = prompts.Dimensions
	}

	l := ledger.New(st, time.Duration(cfg.Ledger.StaleAfterMins)*time.Minute)
	orch := analysis.NewOrchestrator(analysis.Deps{
		Store:       st,
		Ledger:      l,
		Leads:       collab.NewStoreLeadSource(st),
		FanOut:      analysis.NewFanOut(reg, harness, voice, cfg.Analysis.Concurrency),
		Synthesizer: analysis.NewSynthesizer(reg, harness, voice),
		Audit:       collab.NewStoreAuditor(st),
		Metrics:     collab.NewLogMetrics(),
	}, analysis.Config{
		Dimensions:    dims,
		FailureQuorum: cfg.Analysis.FailureQuorum,
		MaxAttempts:   cfg.Analysis.MaxAttempts,
		Backoff: resilience.Backoff{
			Base:       time.Duration(cfg.Analysis.BackoffBaseSec) * time.Second,
			Max:        time.Duration(cfg.Analysis.BackoffMaxSec) * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
	})

	zap.L().Info("analysis engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", cfg.Inference.Provider),
		zap.Strings("dimensions", dims),
	)

	return &engineEnv{
		Store:        st,
		Registry:     reg,
		Breakers:     breakers,
		Ledger:       l,
		Orchestrator: orch,
		Scheduler:    analysis.NewScheduler(orch),
	}, nil
}

// newInferenceClient builds the configured provider behind the shared
// throttle, breaker and transient retry.
func newInferenceClient(breakers *resilience.Breakers) (inference.Client, error) {
	var base inference.Client
	switch cfg.Inference.Provider {
	case inference.ProviderOpenAI:
		c, err := inference.NewOpenAIClient(inference.OpenAIConfig{
			BaseURL:         cfg.OpenAI.BaseURL,
			APIKey:          cfg.OpenAI.Key,
			Model:           cfg.OpenAI.Model,
			DisableThinking: cfg.OpenAI.DisableThinking,
		})
		if err != nil {
			return nil, err
		}
		base = c
	case inference.ProviderAnthropic:
		var opts []anthropicpkg.ClientOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		base = inference.NewAnthropicClient(anthropicpkg.NewClient(cfg.Anthropic.Key, opts...), cfg.Anthropic.Model, cfg.Anthropic.CacheTTL)
	default:
		return nil, eris.Errorf("unsupported inference provider: %s", cfg.Inference.Provider)
	}

	return inference.NewGuarded(base, inference.GuardConfig{
		Name:              cfg.Inference.Provider,
		RequestsPerSecond: cfg.Inference.RequestsPerSecond,
		Burst:             cfg.Inference.Burst,
		Retry: resilience.FromRetryConfig(
			cfg.Inference.RetryAttempts,
			time.Duration(cfg.Inference.RetryBaseMS)*time.Millisecond,
			time.Duration(cfg.Inference.RetryMaxMS)*time.Millisecond,
			0, 0.2,
		),
		Breakers: breakers,
	}), nil
}

// temporalClient dials Temporal once per environment.
func (e *engineEnv) temporalClient() (client.Client, error) {
	if e.temporal != nil {
		return e.temporal, nil
	}
	c, err := jobs.Dial(jobs.ClientConfig{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, err
	}
	e.temporal = c
	return c, nil
}

// newDispatcher returns the configured batch dispatcher and a function that
// blocks until locally dispatched work is done.
func (e *engineEnv) newDispatcher(ctx context.Context) (analysis.Dispatcher, func(), error) {
	switch cfg.Batch.Dispatcher {
	case "temporal":
		c, err := e.temporalClient()
		if err != nil {
			return nil, nil, err
		}
		timeout := time.Duration(cfg.Temporal.AttemptTimeoutMins) * time.Minute
		return jobs.NewDispatcher(c, cfg.Temporal.TaskQueue, timeout), func() {}, nil
	default:
		d := analysis.NewLocalDispatcher(ctx, e.Scheduler, cfg.Batch.MaxConcurrentLeads)
		return d, d.Wait, nil
	}
}
