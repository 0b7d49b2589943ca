package repository

import (
	"testing"

	"github.com/jkindrix/callcore/internal/domain"
	apperrors "github.com/jkindrix/callcore/internal/errors"
)

func TestGuard_RequireString(t *testing.T) {
	g := NewGuard()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", "call-1", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.RequireString(tt.value, "call_id")
			if (err != nil) != tt.wantErr {
				t.Errorf("RequireString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && apperrors.GetCode(err) != apperrors.CodeMissingField {
				t.Errorf("code = %s", apperrors.GetCode(err))
			}
		})
	}
}

func TestGuard_RequireNonNegative(t *testing.T) {
	g := NewGuard()
	if err := g.RequireNonNegative(0, "offset"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := g.RequireNonNegative(-1, "offset"); apperrors.GetCode(err) != apperrors.CodeInvalidInput {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestGuard_RequireKind(t *testing.T) {
	g := NewGuard()
	if err := g.RequireKind(domain.CallLogMissed); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := g.RequireKind("voicemail"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestGuard_NormalizePagination(t *testing.T) {
	g := NewGuard()

	tests := []struct {
		name                  string
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{"defaults", 0, 0, DefaultListLimit, 0},
		{"negative", -5, -3, DefaultListLimit, 0},
		{"clamped", MaxListLimit + 1, 10, MaxListLimit, 10},
		{"kept", 20, 40, 20, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, offset := g.NormalizePagination(tt.limit, tt.offset)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("NormalizePagination() = (%d, %d), want (%d, %d)", limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
