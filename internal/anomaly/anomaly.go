// Package anomaly records diagnostic events: anomalies detected by the call
// core, control-plane actions, and service lifecycle. Reporting never affects
// control flow.
package anomaly

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/clock"
)

// EventType represents the type of diagnostic event.
type EventType string

const (
	// Anomalies
	EventAnomaly EventType = "call.anomaly"

	// Control plane
	EventUserAction     EventType = "control.user_action"
	EventAuthFailure    EventType = "control.auth.failure"
	EventLogLevelChange EventType = "control.log_level.changed"

	// System events
	EventServiceStarted  EventType = "system.started"
	EventServiceStopping EventType = "system.stopping"
)

// Severity represents the severity level of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one diagnostic record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`

	// AnomalyID groups reports of the same kind of anomaly.
	AnomalyID string `json:"anomaly_id,omitempty"`

	ActorType string `json:"actor_type,omitempty"` // "system", "api", "watchdog"
	SourceIP  string `json:"source_ip,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Reporter is the sink for anomalies detected by the call core.
type Reporter interface {
	ReportAnomaly(id uuid.UUID, message string)
}

// Counter counts reported anomalies, typically a metrics adapter.
type Counter interface {
	AnomalyReported(id string)
}

// Logger writes events to a zap logger and keeps the most recent ones in
// memory for the control API.
type Logger struct {
	logger  *zap.Logger
	clock   clock.Clock
	counter Counter

	mu     sync.Mutex
	recent []Event
	keep   int
}

// DefaultKeep is how many recent events are retained.
const DefaultKeep = 100

// NewLogger creates a new event logger. counter may be nil.
func NewLogger(baseLogger *zap.Logger, clk clock.Clock, counter Counter) *Logger {
	if clk == nil {
		clk = clock.New()
	}
	return &Logger{
		logger:  baseLogger.Named("anomaly"),
		clock:   clk,
		counter: counter,
		keep:    DefaultKeep,
	}
}

// Log records an event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.NowUTC()
	}

	level := zap.InfoLevel
	switch event.Severity {
	case SeverityWarning:
		level = zap.WarnLevel
	case SeverityError, SeverityCritical:
		level = zap.ErrorLevel
	}

	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			metadataJSON = []byte(`{"error":"failed to marshal metadata"}`)
		}
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.Time("event_timestamp", event.Timestamp),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("action", event.Action),
		zap.String("outcome", event.Outcome),
	}
	if event.AnomalyID != "" {
		fields = append(fields, zap.String("anomaly_id", event.AnomalyID))
	}
	if event.ActorType != "" {
		fields = append(fields, zap.String("actor_type", event.ActorType))
	}
	if event.SourceIP != "" {
		fields = append(fields, zap.String("source_ip", event.SourceIP))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.CallID != "" {
		fields = append(fields, zap.String("call_id", event.CallID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if len(metadataJSON) > 0 {
		fields = append(fields, zap.ByteString("metadata", metadataJSON))
	}

	if ce := l.logger.Check(level, "diagnostic event"); ce != nil {
		ce.Write(fields...)
	}

	l.mu.Lock()
	l.recent = append(l.recent, *event)
	if len(l.recent) > l.keep {
		l.recent = l.recent[len(l.recent)-l.keep:]
	}
	l.mu.Unlock()
}

// Recent returns the retained events, oldest first.
func (l *Logger) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.recent))
	copy(out, l.recent)
	return out
}

// ReportAnomaly implements Reporter.
func (l *Logger) ReportAnomaly(id uuid.UUID, message string) {
	l.Log(context.Background(), &Event{
		Type:      EventAnomaly,
		Severity:  SeverityError,
		AnomalyID: id.String(),
		ActorType: "system",
		Action:    "anomaly detected",
		Outcome:   "reported",
		Reason:    message,
	})
	if l.counter != nil {
		l.counter.AnomalyReported(id.String())
	}
}

// UserAction logs a call action requested through the control API.
func (l *Logger) UserAction(ctx context.Context, action, callID, ip, requestID string, ok bool) {
	outcome := "success"
	severity := SeverityInfo
	if !ok {
		outcome = "failure"
		severity = SeverityWarning
	}
	l.Log(ctx, &Event{
		Type:      EventUserAction,
		Severity:  severity,
		ActorType: "api",
		SourceIP:  ip,
		RequestID: requestID,
		CallID:    callID,
		Action:    action,
		Outcome:   outcome,
	})
}

// AuthFailure logs a rejected control API request.
func (l *Logger) AuthFailure(ctx context.Context, ip, requestID, reason string) {
	l.Log(ctx, &Event{
		Type:      EventAuthFailure,
		Severity:  SeverityWarning,
		ActorType: "api",
		SourceIP:  ip,
		RequestID: requestID,
		Action:    "authenticate",
		Outcome:   "denied",
		Reason:    reason,
	})
}

// LogLevelChanged logs a runtime log level change.
func (l *Logger) LogLevelChanged(ctx context.Context, ip, requestID, oldLevel, newLevel string) {
	l.Log(ctx, &Event{
		Type:      EventLogLevelChange,
		Severity:  SeverityWarning,
		ActorType: "api",
		SourceIP:  ip,
		RequestID: requestID,
		Action:    "log level changed",
		Outcome:   "success",
		Metadata: map[string]interface{}{
			"old_level": oldLevel,
			"new_level": newLevel,
		},
	})
}

// ServiceStarted logs service startup.
func (l *Logger) ServiceStarted(ctx context.Context, version, environment string) {
	l.Log(ctx, &Event{
		Type:      EventServiceStarted,
		Severity:  SeverityInfo,
		ActorType: "system",
		Action:    "service started",
		Outcome:   "success",
		Metadata: map[string]interface{}{
			"version":     version,
			"environment": environment,
		},
	})
}

// ServiceStopping logs service shutdown initiation.
func (l *Logger) ServiceStopping(ctx context.Context, reason string) {
	l.Log(ctx, &Event{
		Type:      EventServiceStopping,
		Severity:  SeverityInfo,
		ActorType: "system",
		Action:    "service stopping",
		Outcome:   "success",
		Reason:    reason,
	})
}
