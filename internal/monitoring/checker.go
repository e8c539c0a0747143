package monitoring

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/config"
)

// MetricsSink receives the snapshot gauges on every check.
type MetricsSink interface {
	EmitMetric(name string, value float64, labels map[string]string)
}

// alertCooldown is how long an alert that stays triggered is held back
// before it is sent again.
const alertCooldown = time.Hour

// Checker periodically snapshots analysis health, emits gauges, and sends
// alerts. An alert type is sent once when it triggers and then at most once
// per cooldown while it stays triggered.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   MetricsSink
	cfg       config.MonitoringConfig

	lastSent map[AlertType]time.Time
	now      func() time.Time
}

// NewChecker creates a background alert checker. metrics may be nil.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, metrics MetricsSink) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
		lastSent:  make(map[AlertType]time.Time),
		now:       time.Now,
	}
}

// Run checks on every tick until ctx is cancelled. Not safe to call
// concurrently with Check.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one collection and returns the alerts that were due to be sent.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, err
	}
	c.emit(snap)

	triggered := c.alerter.Evaluate(snap)
	active := make(map[AlertType]bool, len(triggered))
	var due []Alert
	now := c.now()
	for _, a := range triggered {
		active[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < alertCooldown {
			continue
		}
		due = append(due, a)
	}
	// A cleared alert fires immediately the next time it triggers.
	for t := range c.lastSent {
		if !active[t] {
			delete(c.lastSent, t)
		}
	}

	if len(due) == 0 {
		zap.L().Debug("monitoring: no alerts due",
			zap.Int("triggered", len(triggered)),
			zap.Int("analyses", snap.AnalysisTotal),
		)
		return nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, due)
	if sent > 0 || c.cfg.WebhookURL == "" {
		for _, a := range due {
			c.lastSent[a.Type] = now
		}
	}
	zap.L().Info("monitoring: alerts raised",
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
		zap.Float64("fail_rate", snap.AnalysisFailRate),
		zap.Strings("open_circuits", snap.OpenCircuits),
	)
	return due, nil
}

func (c *Checker) emit(snap *MetricsSnapshot) {
	if c.metrics == nil {
		return
	}
	window := map[string]string{"lookback_hours": strconv.Itoa(snap.LookbackHours)}
	c.metrics.EmitMetric("monitoring.analyses_total", float64(snap.AnalysisTotal), window)
	c.metrics.EmitMetric("monitoring.analyses_running", float64(snap.AnalysisRunning), window)
	c.metrics.EmitMetric("monitoring.fail_rate", snap.AnalysisFailRate, window)
	c.metrics.EmitMetric("monitoring.cost_usd", snap.CostUSD, window)
	c.metrics.EmitMetric("monitoring.open_circuits", float64(len(snap.OpenCircuits)), nil)
}
