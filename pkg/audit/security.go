// Package audit logs security-relevant events in a structured form that a
// SIEM can filter on.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// SecurityEventType categorizes events for filtering and alerting.
type SecurityEventType string

const (
	// EventAccessDenied is logged when an actor is refused a project or connection.
	EventAccessDenied SecurityEventType = "access_denied"
	// EventUnsavedSettingsTest is logged when settings that were never saved
	// are used to reach a data source.
	EventUnsavedSettingsTest SecurityEventType = "unsaved_settings_test"
	// EventStatementRejected is logged when a SQL statement is refused
	// before reaching the data source.
	EventStatementRejected SecurityEventType = "statement_rejected"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    SecurityEventType `json:"event_type"`
	ActorID      uuid.UUID         `json:"actor_id"`
	ProjectID    uuid.UUID         `json:"project_id,omitempty"`
	ConnectionID uuid.UUID         `json:"connection_id,omitempty"`
	Details      any               `json:"details"`
	Severity     string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor writes security events to a dedicated logger.
type SecurityAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewSecurityAuditor creates an auditor logging under the "security_audit" name.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit"), now: time.Now}
}

// LogAccessDenied records a refused request. connectionID may be nil.
func (a *SecurityAuditor) LogAccessDenied(actor models.Actor, projectID uuid.UUID, connectionID *uuid.UUID, reason string) {
	event := a.event(EventAccessDenied, "warning", actor, projectID, connectionID, map[string]string{"reason": reason})
	a.logger.Warn("Access denied",
		zap.String("event_json", encode(event)),
		zap.String("actor_id", actor.UserID.String()),
		zap.String("project_id", projectID.String()),
		zap.String("reason", reason),
		zap.String("severity", event.Severity),
	)
}

// LogUnsavedSettingsTest records a test against settings that were never
// saved. Secret-looking params are redacted.
func (a *SecurityAuditor) LogUnsavedSettingsTest(actor models.Actor, connType string, params map[string]any, withSpec bool) {
	details := map[string]any{
		"type":      connType,
		"params":    logging.RedactParams(params),
		"with_spec": withSpec,
	}
	event := a.event(EventUnsavedSettingsTest, "info", actor, uuid.Nil, nil, details)
	a.logger.Info("Unsaved settings tested",
		zap.String("event_json", encode(event)),
		zap.String("actor_id", actor.UserID.String()),
		zap.String("type", connType),
		zap.String("severity", event.Severity),
	)
}

// LogStatementRejected records a SQL statement refused by the read-only guard.
func (a *SecurityAuditor) LogStatementRejected(actor models.Actor, projectID, connectionID uuid.UUID, reason string) {
	event := a.event(EventStatementRejected, "critical", actor, projectID, &connectionID, map[string]string{"reason": reason})
	a.logger.Error("SQL statement rejected",
		zap.String("event_json", encode(event)),
		zap.String("actor_id", actor.UserID.String()),
		zap.String("project_id", projectID.String()),
		zap.String("connection_id", connectionID.String()),
		zap.String("reason", reason),
		zap.String("severity", event.Severity),
	)
}

func (a *SecurityAuditor) event(t SecurityEventType, severity string, actor models.Actor, projectID uuid.UUID, connectionID *uuid.UUID, details any) SecurityEvent {
	e := SecurityEvent{
		Timestamp: a.now().UTC(),
		EventType: t,
		ActorID:   actor.UserID,
		ProjectID: projectID,
		Details:   details,
		Severity:  severity,
	}
	if connectionID != nil {
		e.ConnectionID = *connectionID
	}
	return e
}

// encode never fails for the value types above.
func encode(e SecurityEvent) string {
	b, _ := json.Marshal(e)
	return string(b)
}
