package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// setupTestAuditor creates an auditor whose entries are captured by an observer.
func setupTestAuditor(t *testing.T) (*SecurityAuditor, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	auditor := NewSecurityAuditor(zap.New(core))
	auditor.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return auditor, recorded
}

func decodeEvent(t *testing.T, entry observer.LoggedEntry) SecurityEvent {
	t.Helper()
	raw, ok := entry.ContextMap()["event_json"].(string)
	require.True(t, ok, "event_json field missing")
	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	return event
}

func TestLogAccessDenied(t *testing.T) {
	auditor, recorded := setupTestAuditor(t)
	actor := models.Actor{UserID: uuid.New()}
	projectID, connectionID := uuid.New(), uuid.New()

	auditor.LogAccessDenied(actor, projectID, &connectionID, "role viewer may not update connection")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "security_audit", entries[0].LoggerName)

	event := decodeEvent(t, entries[0])
	assert.Equal(t, EventAccessDenied, event.EventType)
	assert.Equal(t, actor.UserID, event.ActorID)
	assert.Equal(t, projectID, event.ProjectID)
	assert.Equal(t, connectionID, event.ConnectionID)
	assert.Equal(t, "warning", event.Severity)
	assert.Equal(t, 2026, event.Timestamp.Year())
}

func TestLogAccessDenied_NoConnection(t *testing.T) {
	auditor, recorded := setupTestAuditor(t)

	auditor.LogAccessDenied(models.Actor{UserID: uuid.New()}, uuid.New(), nil, "not a member")

	event := decodeEvent(t, recorded.All()[0])
	assert.Equal(t, uuid.Nil, event.ConnectionID)
}

func TestLogUnsavedSettingsTest_RedactsSecrets(t *testing.T) {
	auditor, recorded := setupTestAuditor(t)

	auditor.LogUnsavedSettingsTest(models.Actor{UserID: uuid.New()}, "postgres",
		map[string]any{"host": "db.internal", "password": "hunter2"}, true)

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.NotContains(t, entries[0].ContextMap()["event_json"], "hunter2")

	event := decodeEvent(t, entries[0])
	assert.Equal(t, EventUnsavedSettingsTest, event.EventType)
	details, ok := event.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "postgres", details["type"])
	assert.Equal(t, true, details["with_spec"])
	params := details["params"].(map[string]any)
	assert.Equal(t, "db.internal", params["host"])
}

func TestLogStatementRejected(t *testing.T) {
	auditor, recorded := setupTestAuditor(t)
	connectionID := uuid.New()

	auditor.LogStatementRejected(models.Actor{UserID: uuid.New()}, uuid.New(), connectionID, "only read-only statements are allowed")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "critical", entries[0].ContextMap()["severity"])

	event := decodeEvent(t, entries[0])
	assert.Equal(t, EventStatementRejected, event.EventType)
	assert.Equal(t, connectionID, event.ConnectionID)
}
