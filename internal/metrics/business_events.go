package metrics

import (
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/sanitize"
)

// CallEventLogger writes one structured log line per call lifecycle event.
// It complements the Prometheus metrics with searchable, per-call records.
// Addresses are masked. Register it with callsmanager.Manager.AddListener.
type CallEventLogger struct {
	callsmanager.BaseListener
	logger *zap.Logger
	clock  clock.Clock
}

// NewCallEventLogger creates a new call event logger.
func NewCallEventLogger(logger *zap.Logger, clk clock.Clock) *CallEventLogger {
	return &CallEventLogger{
		logger: logger.Named("call_events"),
		clock:  clk,
	}
}

func (l *CallEventLogger) callFields(eventType string, c *call.Call) []zap.Field {
	fields := []zap.Field{
		zap.String("event_type", eventType),
		zap.String("call_id", c.ID()),
		zap.String("direction", c.Direction().String()),
		zap.String("address", sanitize.Address(c.Address())),
		zap.Stringer("state", c.State()),
		zap.Time("timestamp", l.clock.NowUTC()),
	}
	if h := c.TargetAccount(); h != nil {
		fields = append(fields, zap.String("account", h.String()))
	}
	if c.IsEmergency() {
		fields = append(fields, zap.Bool("emergency", true))
	}
	if c.IsSelfManaged() {
		fields = append(fields, zap.Bool("self_managed", true))
	}
	return fields
}

// OnCallAdded logs a call entering the registry.
func (l *CallEventLogger) OnCallAdded(c *call.Call) {
	l.logger.Info("call_added", l.callFields("call.added", c)...)
}

// OnCallRemoved logs a call leaving the registry with its outcome.
func (l *CallEventLogger) OnCallRemoved(c *call.Call) {
	fields := l.callFields("call.removed", c)
	fields = append(fields,
		zap.Stringer("disconnect_cause", c.DisconnectCause()),
		zap.Bool("was_active", c.HasGoneActiveBefore()),
	)
	if at := c.ConnectedAt(); !at.IsZero() {
		fields = append(fields, zap.Duration("connected_duration", l.clock.Since(at)))
	}
	if r := c.MissedReason(); r != call.MissedReasonNone {
		fields = append(fields, zap.Stringer("missed_reason", r))
	}
	l.logger.Info("call_removed", fields...)
}

// OnIncomingCallAnswered logs an answer request.
func (l *CallEventLogger) OnIncomingCallAnswered(c *call.Call) {
	l.logger.Info("call_answered", l.callFields("call.answered", c)...)
}

// OnIncomingCallRejected logs a user rejection.
func (l *CallEventLogger) OnIncomingCallRejected(c *call.Call, message string) {
	fields := l.callFields("call.rejected", c)
	fields = append(fields, zap.Bool("with_message", message != ""))
	l.logger.Info("call_rejected", fields...)
}

// OnCreateConnectionFailed logs a call whose connection could not be made.
func (l *CallEventLogger) OnCreateConnectionFailed(c *call.Call, cause call.DisconnectCause) {
	fields := l.callFields("call.create_failed", c)
	fields = append(fields, zap.Stringer("cause", cause))
	l.logger.Warn("call_create_failed", fields...)
}

// OnHandoverComplete logs a finished handover.
func (l *CallEventLogger) OnHandoverComplete(src, dst *call.Call) {
	fields := l.callFields("handover.complete", src)
	fields = append(fields, zap.String("destination_id", dst.ID()))
	l.logger.Info("handover_complete", fields...)
}

// OnHandoverFailed logs a failed handover.
func (l *CallEventLogger) OnHandoverFailed(c *call.Call, reason call.HandoverFailure) {
	fields := l.callFields("handover.failed", c)
	fields = append(fields, zap.Stringer("reason", reason))
	l.logger.Warn("handover_failed", fields...)
}

// OnCallEndpointChanged logs an audio endpoint switch.
func (l *CallEventLogger) OnCallEndpointChanged(c *call.Call, endpoint call.Endpoint) {
	fields := l.callFields("call.endpoint_changed", c)
	fields = append(fields, zap.String("endpoint", endpoint.Name), zap.Stringer("endpoint_type", endpoint.Type))
	l.logger.Info("call_endpoint_changed", fields...)
}

// OnCallStreamingStateChanged logs a streaming session starting or stopping.
func (l *CallEventLogger) OnCallStreamingStateChanged(c *call.Call, streaming bool) {
	fields := l.callFields("call.streaming_changed", c)
	fields = append(fields, zap.Bool("streaming", streaming))
	l.logger.Info("call_streaming_changed", fields...)
}
