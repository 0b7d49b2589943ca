package metrics

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core), logs
}

func TestCallEventLogger_CallAdded(t *testing.T) {
	logger, logs := newTestLogger()
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cel := NewCallEventLogger(logger, clk)

	acct := phoneaccount.Handle{Package: "com.callcore.telephony", Service: "TelephonyService", ID: "sim1"}
	c := call.New(call.Options{
		ID:        "call-1",
		Direction: call.DirectionIncoming,
		Address:   "tel:+15551234567",
		Account:   &acct,
	}, clk, zap.NewNop())
	cel.OnCallAdded(c)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "call_added" {
		t.Errorf("expected message 'call_added', got '%s'", entry.Message)
	}

	fields := entry.ContextMap()
	if fields["event_type"] != "call.added" {
		t.Errorf("expected event_type 'call.added', got '%v'", fields["event_type"])
	}
	if fields["call_id"] != "call-1" {
		t.Errorf("expected call_id 'call-1', got '%v'", fields["call_id"])
	}
	if fields["direction"] != "incoming" {
		t.Errorf("expected direction 'incoming', got '%v'", fields["direction"])
	}
	if fields["address"] != "tel:+1****67" {
		t.Errorf("expected masked address 'tel:+1****67', got '%v'", fields["address"])
	}
	if fields["account"] != acct.String() {
		t.Errorf("expected account %q, got '%v'", acct.String(), fields["account"])
	}
}

func TestCallEventLogger_CallRemoved(t *testing.T) {
	logger, logs := newTestLogger()
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cel := NewCallEventLogger(logger, clk)

	c := call.New(call.Options{ID: "call-2", Direction: call.DirectionIncoming, Address: "tel:5550001"}, clk, zap.NewNop())
	c.SetMissedReason(call.AutoMissedMaximumRinging)
	c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectMissed, "auto missed"))
	cel.OnCallRemoved(c)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["missed_reason"] != "AUTO_MISSED_MAXIMUM_RINGING" {
		t.Errorf("expected missed_reason, got '%v'", fields["missed_reason"])
	}
	if fields["was_active"] != false {
		t.Errorf("expected was_active false, got '%v'", fields["was_active"])
	}
	if _, ok := fields["connected_duration"]; ok {
		t.Error("did not expect connected_duration for a call that never connected")
	}
}

func TestCallEventLogger_FailuresLogAtWarn(t *testing.T) {
	logger, logs := newTestLogger()
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cel := NewCallEventLogger(logger, clk)

	c := call.New(call.Options{ID: "call-3", Direction: call.DirectionOutgoing, Address: "sip:alice@example.com"}, clk, zap.NewNop())
	cel.OnCreateConnectionFailed(c, call.NewDisconnectCause(call.DisconnectError, "no service"))
	cel.OnHandoverFailed(c, call.HandoverFailureNotSupported)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Level != zapcore.WarnLevel {
			t.Errorf("expected warn level for %s, got %v", e.Message, e.Level)
		}
	}
	if entries[1].ContextMap()["reason"] != call.HandoverFailureNotSupported.String() {
		t.Errorf("unexpected reason %v", entries[1].ContextMap()["reason"])
	}
}
