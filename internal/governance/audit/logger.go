// Package audit implements the audit logging service.
//
// Audit logs are append-only records. Rows are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// Actions recorded by the pipeline.
const (
	ActionRateLimitExceeded     = "ratelimit.exceeded"
	ActionRateLimitLockout      = "ratelimit.lockout"
	ActionReconciliationTrigger = "reconciliation.triggered"
	ActionReconciliationDone    = "reconciliation.completed"
	ActionReconciliationFailed  = "reconciliation.failed"
	ActionDiscrepancyResolved   = "discrepancy.resolved"
	ActionAnomalyResolved       = "anomaly.resolved"
)

// Recorder writes audit records.
type Recorder interface {
	LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error
}

// Logger writes audit records to the audit_logs table.
type Logger struct {
	db infrastructure.DBTX
}

// NewLogger creates a new audit Logger.
func NewLogger(db infrastructure.DBTX) *Logger {
	return &Logger{db: db}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	var raw []byte
	if details != nil {
		var err error
		if raw, err = json.Marshal(details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO audit_logs (action, actor, resource_type, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		action, actor, resourceType, resourceID, raw, time.Now().UTC(),
	)
	if err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// Record is one captured audit entry.
type Record struct {
	Action       string
	ResourceType string
	ResourceID   string
	Actor        string
	Details      map[string]interface{}
}

// MemoryRecorder keeps records in memory and mirrors them to the log.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) LogAction(_ context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	m.mu.Lock()
	m.records = append(m.records, Record{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
	})
	m.mu.Unlock()

	logger.Info("Audit",
		zap.String("action", action),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID),
		zap.String("actor", actor),
	)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *MemoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// ByAction returns the records with the given action.
func (m *MemoryRecorder) ByAction(action string) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// Safe records an action and only logs a failure. Audit writes never fail
// the operation being audited.
func Safe(ctx context.Context, r Recorder, action, resourceType, resourceID, actor string, details map[string]interface{}) {
	if r == nil {
		return
	}
	if err := r.LogAction(ctx, action, resourceType, resourceID, actor, details); err != nil {
		logger.Warn("Audit record dropped", zap.String("action", action), zap.Error(err))
	}
}
