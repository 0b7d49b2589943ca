package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/circuitbreaker"
)

// HealthChecker checks a hard dependency such as the database.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// LoopChecker answers only when the call event loop is running and not
// wedged.
type LoopChecker interface {
	CanAddCall(ctx context.Context) (bool, error)
}

// BreakerSource lists the circuit breakers guarding external services.
type BreakerSource interface {
	Breakers() []*circuitbreaker.CircuitBreaker
}

// HealthHandler handles health check HTTP requests.
type HealthHandler struct {
	healthChecker HealthChecker
	loop          LoopChecker
	breakers      BreakerSource
	version       string
	draining      atomic.Bool
	logger        *zap.Logger
}

// HealthHandlerConfig holds configuration for HealthHandler.
type HealthHandlerConfig struct {
	HealthChecker HealthChecker
	Loop          LoopChecker
	Breakers      BreakerSource
	Version       string
	Logger        *zap.Logger
}

// NewHealthHandler creates a new HealthHandler with all required dependencies.
func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	if cfg.Logger == nil {
		panic("logger is required")
	}
	return &HealthHandler{
		healthChecker: cfg.HealthChecker,
		loop:          cfg.Loop,
		breakers:      cfg.Breakers,
		version:       cfg.Version,
		logger:        cfg.Logger,
	}
}

// RegisterRoutes registers health routes on the router.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReadiness)
	r.Get("/live", h.HandleLiveness)
}

// SetDraining marks the service as shutting down so readiness fails and
// load balancers stop sending new calls.
func (h *HealthHandler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                     `json:"status"`
	Version string                     `json:"version,omitempty"`
	Checks  map[string]ComponentHealth `json:"checks,omitempty"`
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HandleHealth reports every dependency. The database and the event loop
// are critical; an open circuit only degrades.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:  "ok",
		Version: h.version,
		Checks:  make(map[string]ComponentHealth),
	}
	critical, degraded := false, false

	if h.healthChecker != nil {
		if err := h.healthChecker.Ping(ctx); err != nil {
			critical = true
			response.Checks["database"] = ComponentHealth{Status: "unhealthy", Message: err.Error()}
			h.logger.Error("database health check failed", zap.Error(err))
		} else {
			response.Checks["database"] = ComponentHealth{Status: "healthy"}
		}
	}

	if h.loop != nil {
		if canAdd, err := h.loop.CanAddCall(ctx); err != nil {
			critical = true
			response.Checks["event_loop"] = ComponentHealth{Status: "unhealthy", Message: err.Error()}
			h.logger.Error("event loop health check failed", zap.Error(err))
		} else if !canAdd {
			response.Checks["event_loop"] = ComponentHealth{Status: "healthy", Message: "call limit reached"}
		} else {
			response.Checks["event_loop"] = ComponentHealth{Status: "healthy"}
		}
	}

	if h.breakers != nil {
		for _, cb := range h.breakers.Breakers() {
			if cb.IsOpen() {
				degraded = true
				response.Checks[cb.Name()] = ComponentHealth{
					Status:  "degraded",
					Message: "circuit breaker open",
				}
				continue
			}
			response.Checks[cb.Name()] = ComponentHealth{Status: "healthy", Message: cb.State().String()}
		}
	}

	if h.draining.Load() {
		degraded = true
		response.Checks["shutdown"] = ComponentHealth{Status: "degraded", Message: "draining"}
	}

	statusCode := http.StatusOK
	switch {
	case critical:
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case degraded:
		response.Status = "degraded"
	}
	writeJSON(w, h.logger, statusCode, response)
}

// HandleReadiness fails while draining or when a critical dependency is
// down.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.healthChecker != nil {
		if err := h.healthChecker.Ping(ctx); err != nil {
			h.logger.Error("readiness check failed", zap.String("check", "database"), zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if h.loop != nil {
		if _, err := h.loop.CanAddCall(ctx); err != nil {
			h.logger.Error("readiness check failed", zap.String("check", "event_loop"), zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// HandleLiveness returns a simple liveness check response.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}
