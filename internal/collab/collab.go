// Package collab adapts the collaborators the analysis engine consumes (lead
// source, audit trail, metrics sink) onto the store and the logger.
package collab

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/model"
	"github.com/sells-group/lead-analyzer/internal/store"
)

// LeadSource loads leads and their account context.
type LeadSource interface {
	FetchLead(ctx context.Context, leadID int64) (*model.Lead, error)
	FetchProfileContext(ctx context.Context, accountID string) (*model.ProfileContext, error)
}

// Auditor records who did what to which entity. Failures are logged, never
// returned: the audit trail must not fail the operation it describes.
type Auditor interface {
	EmitAuditEntry(ctx context.Context, actor, actionType, result, entityRef string)
}

// Metrics receives numeric observations.
type Metrics interface {
	EmitMetric(name string, value float64, labels map[string]string)
}

// StoreLeadSource reads leads written by the ingestion service.
type StoreLeadSource struct {
	store store.LeadStore
}

// NewStoreLeadSource creates a LeadSource backed by st.
func NewStoreLeadSource(st store.LeadStore) *StoreLeadSource {
	return &StoreLeadSource{store: st}
}

// FetchLead returns model.ErrNotFound for unknown leads.
func (s *StoreLeadSource) FetchLead(ctx context.Context, leadID int64) (*model.Lead, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, eris.Wrapf(err, "collab: fetch lead %d", leadID)
	}
	return lead, nil
}

// FetchProfileContext returns an empty context for accounts with no history.
func (s *StoreLeadSource) FetchProfileContext(ctx context.Context, accountID string) (*model.ProfileContext, error) {
	if accountID == "" {
		return nil, nil
	}
	pc, err := s.store.GetProfileContext(ctx, accountID)
	if err != nil {
		return nil, eris.Wrapf(err, "collab: fetch profile context %s", accountID)
	}
	return pc, nil
}

// StoreAuditor appends audit entries to the audit_log table.
type StoreAuditor struct {
	store store.AuditStore
	now   func() time.Time
}

// NewStoreAuditor creates an Auditor backed by st.
func NewStoreAuditor(st store.AuditStore) *StoreAuditor {
	return &StoreAuditor{store: st, now: time.Now}
}

func (a *StoreAuditor) EmitAuditEntry(ctx context.Context, actor, actionType, result, entityRef string) {
	err := a.store.InsertAudit(ctx, model.AuditEntry{
		Actor:      actor,
		ActionType: actionType,
		Result:     result,
		EntityRef:  entityRef,
		CreatedAt:  a.now().UTC(),
	})
	if err != nil {
		zap.L().Warn("collab: audit write failed",
			zap.String("action", actionType),
			zap.String("entity", entityRef),
			zap.Error(err),
		)
	}
}

// LogMetrics emits each observation as a structured log record.
type LogMetrics struct {
	log *zap.Logger
}

// NewLogMetrics creates a Metrics sink on the global logger.
func NewLogMetrics() *LogMetrics {
	return &LogMetrics{log: zap.L().Named("metrics")}
}

func (m *LogMetrics) EmitMetric(name string, value float64, labels map[string]string) {
	fields := make([]zap.Field, 0, len(labels)+2)
	fields = append(fields, zap.String("name", name), zap.Float64("value", value))
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, labels[k]))
	}
	m.log.Info("metric", fields...)
}

// NopAuditor discards audit entries.
type NopAuditor struct{}

func (NopAuditor) EmitAuditEntry(context.Context, string, string, string, string) {}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) EmitMetric(string, float64, map[string]string) {}
