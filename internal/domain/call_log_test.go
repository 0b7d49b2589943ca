package domain

import (
	"testing"
	"time"

	apperrors "github.com/jkindrix/callcore/internal/errors"
)

func TestNewCallLogEntry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := NewCallLogEntry("call-1", CallLogMissed, now)

	if e.ID.String() == "" {
		t.Error("expected entry ID to be generated")
	}
	if e.CallID != "call-1" {
		t.Errorf("expected CallID call-1, got %s", e.CallID)
	}
	if e.Kind != CallLogMissed {
		t.Errorf("expected kind missed, got %s", e.Kind)
	}
	if !e.LoggedAt.Equal(now) {
		t.Errorf("expected LoggedAt %v, got %v", now, e.LoggedAt)
	}
}

func TestCallLogKind_IsValid(t *testing.T) {
	for _, k := range CallLogKinds {
		if !k.IsValid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if CallLogKind("voicemail").IsValid() {
		t.Error("voicemail should not be valid")
	}
}

func TestCallLogEntry_Validate(t *testing.T) {
	tests := []struct {
		name     string
		entry    CallLogEntry
		wantCode apperrors.Code
	}{
		{"valid", CallLogEntry{CallID: "c1", Kind: CallLogOutgoing}, ""},
		{"missing call id", CallLogEntry{Kind: CallLogOutgoing}, apperrors.CodeMissingField},
		{"unknown kind", CallLogEntry{CallID: "c1", Kind: "voicemail"}, apperrors.CodeInvalidInput},
		{"negative duration", CallLogEntry{CallID: "c1", Kind: CallLogIncoming, Duration: -time.Second}, apperrors.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := apperrors.GetCode(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}
