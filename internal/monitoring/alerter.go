package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAnalysisFailureRate AlertType = "analysis_failure_rate"
	AlertCircuitOpen         AlertType = "circuit_open"
	AlertCostOverrun         AlertType = "cost_overrun"
)

// Severity levels carried on the webhook payload.
const (
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is one webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a MetricsSnapshot into alerts and delivers them.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	rules  []rule
}

// rule inspects a snapshot and returns an alert, or nil when healthy.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert

// NewAlerter creates an Alerter for cfg's thresholds and webhook.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		rules:  []rule{failureRateRule, circuitRule, costRule},
	}
}

// minFinishedForRate is the number of finished analyses needed before the
// failure rate is trusted.
const minFinishedForRate = 5

// Evaluate runs every rule against snap.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	for _, r := range a.rules {
		if alert := r(a.cfg, snap); alert != nil {
			alert.Timestamp = now
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	finished := snap.AnalysisCompleted + snap.AnalysisFailed
	if finished < minFinishedForRate || snap.AnalysisFailRate <= cfg.FailureRateThreshold {
		return nil
	}
	severity := SeverityHigh
	if snap.AnalysisFailRate >= 2*cfg.FailureRateThreshold || snap.AnalysisCompleted == 0 {
		severity = SeverityCritical
	}
	return &Alert{
		Type:     AlertAnalysisFailureRate,
		Severity: severity,
		Message: fmt.Sprintf(
			"Analysis failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.AnalysisFailRate*100, cfg.FailureRateThreshold*100,
			snap.AnalysisFailed, finished, snap.LookbackHours,
		),
		Details: map[string]any{
			"failure_rate": snap.AnalysisFailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.AnalysisFailed,
			"finished":     finished,
		},
	}
}

func circuitRule(_ config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if len(snap.OpenCircuits) == 0 {
		return nil
	}
	return &Alert{
		Type:     AlertCircuitOpen,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("%d inference circuit(s) not closed: %s", len(snap.OpenCircuits), strings.Join(snap.OpenCircuits, ", ")),
		Details:  map[string]any{"circuits": snap.OpenCircuits},
	}
}

func costRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.CostThresholdUSD <= 0 || snap.CostUSD <= cfg.CostThresholdUSD {
		return nil
	}
	return &Alert{
		Type:     AlertCostOverrun,
		Severity: SeverityWarning,
		Message: fmt.Sprintf(
			"Inference cost $%.2f exceeds threshold $%.2f in last %dh",
			snap.CostUSD, cfg.CostThresholdUSD, snap.LookbackHours,
		),
		Details: map[string]any{
			"cost_usd":       snap.CostUSD,
			"threshold_usd":  cfg.CostThresholdUSD,
			"analysis_total": snap.AnalysisTotal,
		},
	}
}

// SendAlerts delivers alerts to the configured webhook URL and returns the
// number delivered. Without a webhook the alerts are only logged.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
