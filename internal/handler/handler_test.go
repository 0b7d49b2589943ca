package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/circuitbreaker"
	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
)

type mockHealthChecker struct {
	pingErr error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockLoopChecker struct {
	canAdd bool
	err    error
}

func (m *mockLoopChecker) CanAddCall(ctx context.Context) (bool, error) {
	return m.canAdd, m.err
}

type breakerList []*circuitbreaker.CircuitBreaker

func (b breakerList) Breakers() []*circuitbreaker.CircuitBreaker { return b }

func openBreaker(t *testing.T, name string) *circuitbreaker.CircuitBreaker {
	t.Helper()
	cb := circuitbreaker.New(name, &circuitbreaker.Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		OpenTimeout:         time.Hour,
		HalfOpenMaxRequests: 1,
	}, clock.NewMock(time.Now()), zap.NewNop())
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("unreachable") })
	if !cb.IsOpen() {
		t.Fatalf("breaker %s should be open", name)
	}
	return cb
}

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestHealthHandler_HandleLiveness(t *testing.T) {
	h := NewHealthHandler(HealthHandlerConfig{Logger: zap.NewNop()})

	rr := httptest.NewRecorder()
	h.HandleLiveness(rr, httptest.NewRequest(http.MethodGet, "/live", http.NoBody))

	if rr.Code != http.StatusOK || rr.Body.String() != "alive" {
		t.Errorf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestHealthHandler_HandleReadiness(t *testing.T) {
	tests := []struct {
		name     string
		db       HealthChecker
		loop     LoopChecker
		draining bool
		want     int
	}{
		{"no checkers", nil, nil, false, http.StatusOK},
		{"all healthy", &mockHealthChecker{}, &mockLoopChecker{canAdd: true}, false, http.StatusOK},
		{"database down", &mockHealthChecker{pingErr: errors.New("connection refused")}, nil, false, http.StatusServiceUnavailable},
		{"loop stopped", nil, &mockLoopChecker{err: eventloop.ErrStopped}, false, http.StatusServiceUnavailable},
		{"call limit reached is still ready", nil, &mockLoopChecker{canAdd: false}, false, http.StatusOK},
		{"draining", &mockHealthChecker{}, &mockLoopChecker{canAdd: true}, true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(HealthHandlerConfig{HealthChecker: tt.db, Loop: tt.loop, Logger: zap.NewNop()})
			h.SetDraining(tt.draining)

			rr := httptest.NewRecorder()
			h.HandleReadiness(rr, httptest.NewRequest(http.MethodGet, "/ready", http.NoBody))

			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHealthHandler_HandleHealth_AllHealthy(t *testing.T) {
	h := NewHealthHandler(HealthHandlerConfig{
		HealthChecker: &mockHealthChecker{},
		Loop:          &mockLoopChecker{canAdd: true},
		Version:       "test",
		Logger:        zap.NewNop(),
	})

	rr := httptest.NewRecorder()
	h.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeHealth(t, rr)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("status = %q version = %q", resp.Status, resp.Version)
	}
	if resp.Checks["database"].Status != "healthy" || resp.Checks["event_loop"].Status != "healthy" {
		t.Errorf("checks = %+v", resp.Checks)
	}
}

func TestHealthHandler_HandleHealth_LoopStoppedIsCritical(t *testing.T) {
	h := NewHealthHandler(HealthHandlerConfig{
		Loop:   &mockLoopChecker{err: eventloop.ErrStopped},
		Logger: zap.NewNop(),
	})

	rr := httptest.NewRecorder()
	h.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if resp := decodeHealth(t, rr); resp.Status != "unhealthy" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestHealthHandler_HandleHealth_OpenCircuitDegrades(t *testing.T) {
	h := NewHealthHandler(HealthHandlerConfig{
		Breakers: breakerList{openBreaker(t, "suggestions")},
		Logger:   zap.NewNop(),
	})

	rr := httptest.NewRecorder()
	h.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, degraded should still be 200", rr.Code)
	}
	resp := decodeHealth(t, rr)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["suggestions"].Status != "degraded" {
		t.Errorf("suggestions check = %+v", resp.Checks["suggestions"])
	}
}

func TestBaseHandler_WriteAppError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    apperrors.Code
		message string
	}{
		{"not found", apperrors.ErrCallNotFound, http.StatusNotFound, apperrors.CodeNotFound, "call not found"},
		{"policy", apperrors.PolicyRejected("too many ringing calls"), http.StatusConflict, apperrors.CodePolicyRejected, ""},
		{"loop stopped", eventloop.ErrStopped, http.StatusServiceUnavailable, apperrors.CodeShuttingDown, "shutting down"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, apperrors.CodeTimeout, "timed out"},
		{"internal detail withheld", errors.New("pq: secret detail"), http.StatusInternalServerError, apperrors.CodeInternal, "internal error"},
	}

	b := NewBaseHandler(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			b.WriteAppError(rr, httptest.NewRequest(http.MethodGet, "/api/v1/calls/x", nil), tt.err)

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			var body ErrorBody
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != tt.code {
				t.Errorf("code = %s, want %s", body.Error.Code, tt.code)
			}
			if tt.message != "" && body.Error.Message != tt.message {
				t.Errorf("message = %q, want %q", body.Error.Message, tt.message)
			}
		})
	}
}
