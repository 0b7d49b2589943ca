package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/middleware"
)

// APIPrefix is where the call API is mounted.
const APIPrefix = "/api/v1"

// RouterConfig holds everything the router serves.
type RouterConfig struct {
	Calls    *CallsHandler
	CallLog  *CallLogHandler
	Simulate *SimulateHandler
	Devices  *PeripheralHandler
	Health   *HealthHandler
	LogLevel *LogLevelHandler

	// Metrics serves /metrics; MetricsMiddleware records every request.
	Metrics           http.Handler
	MetricsMiddleware func(http.Handler) http.Handler

	Auth         *middleware.TokenAuth
	RateLimiter  *middleware.RateLimiter
	MaxBodyBytes int64
	Tracer       trace.Tracer
	Logger       *zap.Logger
}

// NewRouter assembles the control API. Health checks and metrics stay outside
// authentication and rate limiting; everything under APIPrefix and /debug
// goes through both.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.NewRequestCorrelation(cfg.Tracer, cfg.Logger).Middleware)
	if cfg.MetricsMiddleware != nil {
		r.Use(cfg.MetricsMiddleware)
	}
	r.Use(middleware.RequestLogger(cfg.Logger))

	if cfg.Health != nil {
		cfg.Health.RegisterRoutes(r)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(middleware.RateLimit(cfg.RateLimiter))
		}
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Middleware)
		}
		r.Use(middleware.BodySizeLimiter(cfg.MaxBodyBytes))

		r.Route(APIPrefix, func(r chi.Router) {
			if cfg.Calls != nil {
				cfg.Calls.RegisterRoutes(r)
			}
			if cfg.CallLog != nil {
				cfg.CallLog.RegisterRoutes(r)
			}
			if cfg.Simulate != nil {
				cfg.Simulate.RegisterRoutes(r)
			}
			if cfg.Devices != nil {
				cfg.Devices.RegisterRoutes(r)
			}
		})
		if cfg.LogLevel != nil {
			r.Handle("/debug/log-level", cfg.LogLevel)
		}
	})

	return r
}

