package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"tel:+15551234567", "tel:+1****67"},
		{"tel:911", "tel:****"},
		{"sip:alice@example.com", "sip:al****om"},
		{"5551234567", "55****67"},
		{"", "****"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Address(tt.input); got != tt.expected {
				t.Errorf("Address(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		hidden   string
	}{
		{"tel uri", "dialing tel:5550100 failed", "tel:55****00", "5550100"},
		{"international number", "caller +447700900123 blocked", "+4****23", "447700900123"},
		{"sip uri", "route sip:bob@carrier.example;transport=tcp", "sip:bo****le", "bob@carrier"},
		{"bearer token", "header Bearer abc.def.ghi", "Bearer [REDACTED]", "abc.def.ghi"},
		{"secret value", "password=hunter2hunter2", "password=[REDACTED]", "hunter2hunter2"},
		{"call id untouched", "call 550e8400-e29b-41d4-a716-446655440000 not found", "446655440000", "****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Text(tt.input)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Text(%q) = %q, expected it to contain %q", tt.input, got, tt.contains)
			}
			if strings.Contains(got, tt.hidden) {
				t.Errorf("Text(%q) = %q, expected %q to be hidden", tt.input, got, tt.hidden)
			}
		})
	}
}

func TestSanitizer_Config(t *testing.T) {
	s := New(Config{MaskSecrets: true})
	got := s.String("tel:5550100 token=abcdefghijkl")
	if !strings.Contains(got, "tel:5550100") {
		t.Errorf("addresses masked with MaskAddresses off: %q", got)
	}
	if strings.Contains(got, "abcdefghijkl") {
		t.Errorf("secret not masked: %q", got)
	}
}

func TestError(t *testing.T) {
	if got := Error(nil); got != "" {
		t.Errorf("Error(nil) = %q", got)
	}
	got := Error(errors.New("insert tel:+15551234567: duplicate key"))
	if strings.Contains(got, "15551234567") {
		t.Errorf("Error() leaked address: %q", got)
	}
}
