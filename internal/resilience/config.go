package resilience

import (
	"time"
)

// FromRetryConfig builds a RetryConfig from config values. Zero values keep
// the defaults.
func FromRetryConfig(maxAttempts int, base, maxDelay time.Duration, multiplier, jitter float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if base > 0 {
		cfg.Backoff.Base = base
	}
	if maxDelay > 0 {
		cfg.Backoff.Max = maxDelay
	}
	if multiplier > 0 {
		cfg.Backoff.Multiplier = multiplier
	}
	if jitter >= 0 {
		cfg.Backoff.Jitter = jitter
	}
	return cfg
}

// FromCircuitConfig builds a CircuitBreakerConfig from config values.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
