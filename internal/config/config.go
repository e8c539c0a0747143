package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-analyzer/internal/agent"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Prompts    PromptsConfig    `yaml:"prompts" mapstructure:"prompts"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Model    string `yaml:"model" mapstructure:"model"`
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// OpenAIConfig holds settings for an OpenAI-compatible endpoint, typically a
// self-hosted reasoning model.
type OpenAIConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	Model           string `yaml:"model" mapstructure:"model"`
	DisableThinking bool   `yaml:"disable_thinking" mapstructure:"disable_thinking"`
}

// InferenceConfig selects the provider and sets client-side protection.
type InferenceConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	RetryAttempts     int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseMS       int     `yaml:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryMaxMS        int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// AgentConfig configures the agent harness.
type AgentConfig struct {
	TimeoutSecs int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Template    string            `yaml:"template" mapstructure:"template"`
	Voice       agent.VoiceConfig `yaml:"voice" mapstructure:"voice"`
}

// AnalysisConfig configures fan-out and synthesis.
type AnalysisConfig struct {
	Dimensions     []string `yaml:"dimensions" mapstructure:"dimensions"`
	Concurrency    int      `yaml:"concurrency" mapstructure:"concurrency"`
	FailureQuorum  float64  `yaml:"failure_quorum" mapstructure:"failure_quorum"`
	MaxAttempts    int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSec int      `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffMaxSec  int      `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
}

// LedgerConfig configures the job ledger.
type LedgerConfig struct {
	StaleAfterMins int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentLeads int    `yaml:"max_concurrent_leads" mapstructure:"max_concurrent_leads"`
	Dispatcher         string `yaml:"dispatcher" mapstructure:"dispatcher"`
}

// TemporalConfig configures the durable job runner.
type TemporalConfig struct {
	HostPort           string `yaml:"host_port" mapstructure:"host_port"`
	Namespace          string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue          string `yaml:"task_queue" mapstructure:"task_queue"`
	AttemptTimeoutMins int    `yaml:"attempt_timeout_mins" mapstructure:"attempt_timeout_mins"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PromptsConfig configures default prompt seeding.
type PromptsConfig struct {
	SeedFile    string `yaml:"seed_file" mapstructure:"seed_file"`
	SeedOnStart bool   `yaml:"seed_on_start" mapstructure:"seed_on_start"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("inference.provider", "anthropic")
	v.SetDefault("inference.requests_per_second", 5.0)
	v.SetDefault("inference.burst", 5)
	v.SetDefault("inference.retry_attempts", 3)
	v.SetDefault("inference.retry_base_ms", 500)
	v.SetDefault("inference.retry_max_ms", 10000)
	v.SetDefault("inference.breaker_threshold", 5)
	v.SetDefault("inference.breaker_reset_secs", 30)
	v.SetDefault("agent.timeout_secs", 90)
	v.SetDefault("agent.template", "auto")
	v.SetDefault("analysis.concurrency", 5)
	v.SetDefault("analysis.failure_quorum", 0.0)
	v.SetDefault("analysis.max_attempts", 3)
	v.SetDefault("analysis.backoff_base_secs", 30)
	v.SetDefault("analysis.backoff_max_secs", 900)
	v.SetDefault("ledger.stale_after_mins", 30)
	v.SetDefault("batch.max_concurrent_leads", 3)
	v.SetDefault("batch.dispatcher", "local")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "lead-analysis")
	v.SetDefault("temporal.attempt_timeout_mins", 15)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present and sane.
// mode is one of analyze, batch, serve, worker, prompts, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}
	needInference := func() {
		switch c.Inference.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required")
			}
		case "openai":
			if c.OpenAI.Model == "" {
				errs = append(errs, "openai.model is required")
			}
		default:
			errs = append(errs, "inference.provider must be anthropic or openai")
		}
		if c.Inference.RequestsPerSecond < 0 {
			errs = append(errs, "inference.requests_per_second must be >= 0")
		}
		if c.Analysis.Concurrency < 1 || c.Analysis.Concurrency > 20 {
			errs = append(errs, "analysis.concurrency must be between 1 and 20")
		}
		if c.Analysis.FailureQuorum < 0 || c.Analysis.FailureQuorum > 1 {
			errs = append(errs, "analysis.failure_quorum must be between 0 and 1")
		}
		if c.Analysis.MaxAttempts < 1 {
			errs = append(errs, "analysis.max_attempts must be >= 1")
		}
	}
	needBatch := func() {
		if c.Batch.MaxConcurrentLeads < 1 || c.Batch.MaxConcurrentLeads > 50 {
			errs = append(errs, "batch.max_concurrent_leads must be between 1 and 50")
		}
		if c.Batch.Dispatcher != "local" && c.Batch.Dispatcher != "temporal" {
			errs = append(errs, "batch.dispatcher must be local or temporal")
		}
	}

	switch mode {
	case "analyze":
		needStore()
		needInference()
	case "batch":
		needStore()
		needInference()
		needBatch()
	case "serve":
		needStore()
		needInference()
		needBatch()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		needStore()
		needInference()
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
	case "prompts", "migrate":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
