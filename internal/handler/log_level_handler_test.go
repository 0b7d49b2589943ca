package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/logging"
)

type levelAudit struct {
	from, to string
}

type recordingLevelAuditor struct {
	changes []levelAudit
}

func (a *recordingLevelAuditor) LogLevelChanged(_ context.Context, _, _, oldLevel, newLevel string) {
	a.changes = append(a.changes, levelAudit{oldLevel, newLevel})
}

func newLevelHandler(t *testing.T) (*LogLevelHandler, *logging.Logger, *recordingLevelAuditor) {
	t.Helper()
	logger, err := logging.New(&logging.Config{Level: "info", Output: io.Discard})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	auditor := &recordingLevelAuditor{}
	return NewLogLevelHandler(logger, auditor, zap.NewNop()), logger, auditor
}

func TestLogLevelHandler_GetLevel(t *testing.T) {
	h, _, _ := newLevelHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/log-level", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp LogLevelResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Level != "info" {
		t.Errorf("level = %s, want info", resp.Level)
	}
	if len(resp.AvailableLevels) != len(logging.Levels) {
		t.Errorf("available levels = %v", resp.AvailableLevels)
	}
}

func TestLogLevelHandler_SetLevel(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		target    string
		body      string
		wantCode  int
		wantLevel string
	}{
		{"query param", http.MethodPut, "/debug/log-level?level=debug", "", http.StatusOK, "debug"},
		{"json body", http.MethodPost, "/debug/log-level", `{"level":"warn"}`, http.StatusOK, "warn"},
		{"missing level", http.MethodPut, "/debug/log-level", "", http.StatusBadRequest, "info"},
		{"unknown level", http.MethodPut, "/debug/log-level?level=fatal", "", http.StatusBadRequest, "info"},
		{"unknown field", http.MethodPost, "/debug/log-level", `{"lvl":"debug"}`, http.StatusBadRequest, "info"},
		{"method not allowed", http.MethodDelete, "/debug/log-level", "", http.StatusMethodNotAllowed, "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, logger, auditor := newLevelHandler(t)

			req := httptest.NewRequest(tt.method, tt.target, bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := logger.GetLevel(); got != tt.wantLevel {
				t.Errorf("level = %s, want %s", got, tt.wantLevel)
			}
			changed := tt.wantCode == http.StatusOK
			if changed != (len(auditor.changes) == 1) {
				t.Errorf("audited changes = %v", auditor.changes)
			}
			if changed && auditor.changes[0] != (levelAudit{"info", tt.wantLevel}) {
				t.Errorf("audit = %+v", auditor.changes[0])
			}
		})
	}
}
