package inference

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/resilience"
)

// GuardConfig controls throttling and transient retry around a Client.
type GuardConfig struct {
	// Name labels the circuit breaker, usually the provider.
	Name string
	// RequestsPerSecond caps call rate across all agents; 0 disables throttling.
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.RetryConfig
	Breakers          *resilience.Breakers
}

// Guarded wraps a Client with a shared rate limiter, a circuit breaker and
// retry of transient transport errors. Every error it returns is an
// *model.InferenceError.
type Guarded struct {
	next    Client
	name    string
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewGuarded wraps next.
func NewGuarded(next Client, cfg GuardConfig) *Guarded {
	g := &Guarded{next: next, name: cfg.Name, retry: cfg.Retry}
	if g.name == "" {
		g.name = "inference"
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.Breakers != nil {
		g.breaker = cfg.Breakers.Get(g.name)
	}
	if g.retry.ShouldRetry == nil {
		g.retry.ShouldRetry = resilience.IsTransient
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger("inference", g.name)
	}
	return g
}

// Complete runs req through the limiter, breaker and retry loop.
func (g *Guarded) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*Response, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if g.breaker == nil {
			return g.next.Complete(ctx, req)
		}
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Response, error) {
			return g.next.Complete(ctx, req)
		})
	})
	if err != nil {
		zap.L().Warn("inference call failed",
			zap.String("provider", g.name),
			zap.String("label", req.Label),
			zap.Error(err),
		)
		return nil, asInferenceError(ctx, err)
	}
	return resp, nil
}

func asInferenceError(ctx context.Context, err error) error {
	var ie *model.InferenceError
	if errors.As(err, &ie) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &model.InferenceError{Op: "complete", Timeout: timeout, Cause: err}
}
