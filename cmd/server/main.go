// Package main is the entry point for the callcore server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/anomaly"
	"github.com/jkindrix/callcore/internal/calllog"
	"github.com/jkindrix/callcore/internal/callsmanager"
	"github.com/jkindrix/callcore/internal/circuitbreaker"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/config"
	"github.com/jkindrix/callcore/internal/connsvc"
	"github.com/jkindrix/callcore/internal/database"
	"github.com/jkindrix/callcore/internal/endpoint"
	"github.com/jkindrix/callcore/internal/eventloop"
	"github.com/jkindrix/callcore/internal/focus"
	"github.com/jkindrix/callcore/internal/handler"
	"github.com/jkindrix/callcore/internal/logging"
	"github.com/jkindrix/callcore/internal/metrics"
	"github.com/jkindrix/callcore/internal/middleware"
	"github.com/jkindrix/callcore/internal/phoneaccount"
	"github.com/jkindrix/callcore/internal/repository"
	"github.com/jkindrix/callcore/internal/shutdown"
	"github.com/jkindrix/callcore/internal/streaming"
	"github.com/jkindrix/callcore/internal/transactional"
	"github.com/jkindrix/callcore/internal/watchdog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	telephonyPackage = "com.callcore.telephony"
	telephonyService = "TelephonyService"
	poolStatsEvery   = 15 * time.Second
	audioRouteDelay  = 50 * time.Millisecond
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newLogger builds the process logger from the log and server sections.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Environment: cfg.Server.Environment,
		Service:     "callcore",
		Sample:      cfg.IsProduction(),
	})
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting callcore server",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Environment),
	)

	srv, err := newServer(ctx, cfg, logger, serverOptions{})
	if err != nil {
		return err
	}
	if err := srv.start(); err != nil {
		return err
	}
	srv.audit.ServiceStarted(ctx, version, cfg.Server.Environment)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.http.Addr))
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	srv.audit.ServiceStopping(context.Background(), "signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout+time.Second)
	defer cancel()
	return srv.shutdown.Shutdown(shutdownCtx)
}

// server is the wired call core.
type server struct {
	cfg    *config.Config
	logger *logging.Logger

	loop      *eventloop.Loop
	manager   *callsmanager.Manager
	network   *connsvc.Loopback
	audio     *connsvc.AudioRouter
	endpoints *endpoint.Controller
	streams   *streaming.Controller
	wrapper   *transactional.Wrapper
	writer    *calllog.Writer
	db        *database.DB
	metrics   *metrics.Metrics
	audit     *anomaly.Logger
	health    *handler.HealthHandler

	flushTraces func(context.Context) error

	router   http.Handler
	http     *http.Server
	shutdown *shutdown.Coordinator
}

// serverOptions overrides process-wide defaults, for tests.
type serverOptions struct {
	Clock    clock.Clock
	Registry *prometheus.Registry
}

func newServer(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts serverOptions) (*server, error) {
	s := &server{cfg: cfg, logger: logger}
	zl := logger.Zap()
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	if opts.Registry != nil {
		s.metrics = metrics.NewMetricsWithRegistry(opts.Registry)
	} else {
		s.metrics = metrics.NewMetrics()
	}
	s.metrics.TrackErrorRates(metrics.NewErrorRateTracker(metrics.ErrorRateConfig{
		Clock: clk,
		AlertCallback: func(category metrics.ErrorCategory, rate float64) {
			zl.Warn("call error rate above threshold", zap.String("category", string(category)), zap.Float64("rate", rate))
		},
	}))
	s.audit = anomaly.NewLogger(zl, clk, s.metrics)

	traces, flushTraces, err := newTracerProvider(ctx, cfg.Tracing, zl)
	if err != nil {
		return nil, err
	}
	s.flushTraces = flushTraces

	var callLog callsmanager.CallLogger
	var logReader handler.CallLogReader
	var healthChecker handler.HealthChecker
	if cfg.Database.Enabled {
		db, err := database.New(ctx, &cfg.Database, s.metrics, clk, logger.Component("database"))
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := database.NewMigrator(db.Pool, zl).Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		repo := repository.NewCallLogRepository(db.TxManager)
		s.db = db
		s.writer = calllog.NewWriter(calllog.DefaultConfig(), repo, db.TxManager, s.metrics, clk, zl)
		callLog, logReader, healthChecker = s.writer, repo, db
	} else {
		zl.Warn("database disabled, call log is not persisted")
	}

	s.loop = eventloop.New("callsmanager", clk, logger.Component("eventloop"))

	accounts := phoneaccount.NewMemoryRegistrar(zl)
	sims := registerAccounts(cfg, accounts)

	loopCfg := connsvc.DefaultConfig("telephony")
	loopCfg.ConnectDelay = cfg.Loopback.ConnectDelay
	loopCfg.AnswerDelay = cfg.Loopback.AnswerDelay
	s.network = connsvc.New(loopCfg, clk, zl)
	services := connsvc.NewResolver(nil)
	for _, h := range sims {
		services.Add(h, s.network)
	}

	if h, ok := transactionalAccount(cfg); ok {
		s.wrapper = transactional.NewWrapper(transactional.Config{
			Account: h,
			Timeout: cfg.Accounts.TransactionTimeout,
		}, connsvc.NewTransactionalApp(zl), clk, s.metrics, zl)
		services.Add(h, s.wrapper)
	}

	s.manager = callsmanager.New(managerConfig(cfg), callsmanager.Deps{
		Loop:      s.loop,
		Accounts:  accounts,
		Services:  services,
		CallLog:   callLog,
		Anomalies: s.audit,
		Observer:  s.metrics,
		Breakers:  s.metrics,
		Tracer:    traces.Tracer("github.com/jkindrix/callcore"),
		Logger:    logger.Component("callsmanager"),
	})
	s.network.Bind(s.manager)
	if s.wrapper != nil {
		s.wrapper.Bind(s.manager)
	}

	s.audio = connsvc.NewAudioRouter(connsvc.DefaultEndpoints, audioRouteDelay, clk, zl)
	s.endpoints = endpoint.NewController(s.manager, s.audio, s.metrics, endpoint.DefaultRequestTimeout, zl)
	s.streams = streaming.NewController(s.manager, connsvc.NewStreamingApp(zl), s.metrics, streaming.DefaultStartTimeout, zl)

	s.manager.AddListener(metrics.NewCallsListener(s.metrics))
	s.manager.AddListener(metrics.NewCallEventLogger(zl, clk))
	s.manager.AddListener(s.streams)

	s.health = handler.NewHealthHandler(handler.HealthHandlerConfig{
		HealthChecker: healthChecker,
		Loop:          s.manager,
		Breakers:      s.manager,
		Version:       version,
		Logger:        zl,
	})
	routes := handler.RouterConfig{
		Calls: handler.NewCallsHandler(handler.CallsHandlerConfig{
			Calls:   s.manager,
			Auditor: s.audit,
			Logger:  zl,
		}),
		Simulate:          handler.NewSimulateHandler(s.network, zl),
		Devices:           handler.NewPeripheralHandler(s.endpoints, s.streams, s.audit, zl),
		Health:            s.health,
		LogLevel:          handler.NewLogLevelHandler(logger, s.audit, zl),
		Metrics:           s.metrics.Handler(),
		MetricsMiddleware: s.metrics.Middleware,
		RateLimiter:       middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, clk, zl),
		MaxBodyBytes:      cfg.API.MaxBodyBytes,
		Tracer:            traces.Tracer("github.com/jkindrix/callcore/http"),
		Logger:            zl,
	}
	if logReader != nil {
		routes.CallLog = handler.NewCallLogHandler(logReader, zl)
	}
	if cfg.API.TokenHash != "" {
		routes.Auth = middleware.NewTokenAuth(cfg.API.TokenHash, s.audit, zl)
	} else {
		zl.Warn("API token not configured, control API is unauthenticated")
	}
	s.router = handler.NewRouter(routes)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.shutdown = shutdown.NewCoordinator(&shutdown.Config{Timeout: cfg.Shutdown.Timeout}, zl)
	s.registerShutdown()
	return s, nil
}

// start runs the event loop and the background reporters.
func (s *server) start() error {
	if err := s.loop.Start(); err != nil {
		return fmt.Errorf("start event loop: %w", err)
	}
	s.audio.Bind(s.endpoints)
	if s.db != nil {
		statsCtx, cancel := context.WithCancel(context.Background())
		go s.db.ReportPoolStats(statsCtx, poolStatsEvery, s.metrics)
		s.shutdown.RegisterFunc(shutdown.PhaseStop, "pool-stats", func(context.Context) error {
			cancel()
			return nil
		})
	}
	return nil
}

// registerShutdown orders teardown: refuse new calls and fail readiness,
// end live calls, stop the workers, then release the pool.
func (s *server) registerShutdown() {
	c := s.shutdown
	c.Watch(s.health)

	c.RegisterFunc(shutdown.PhaseStopIntake, "callsmanager", func(ctx context.Context) error {
		s.manager.Close()
		return sleepCtx(ctx, s.cfg.Shutdown.DrainDelay)
	})
	c.RegisterFunc(shutdown.PhaseDisconnect, "calls", func(ctx context.Context) error {
		return s.manager.DisconnectAll(ctx, "service shutting down")
	})

	c.RegisterFunc(shutdown.PhaseStop, "http-server", s.http.Shutdown)
	if s.wrapper != nil {
		c.RegisterFunc(shutdown.PhaseStop, "transactional", s.wrapper.Stop)
	}
	if s.writer != nil {
		c.RegisterFunc(shutdown.PhaseStop, "calllog", s.writer.Stop)
	}
	c.RegisterFunc(shutdown.PhaseStop, "eventloop", s.loop.Stop)

	if s.db != nil {
		c.RegisterFunc(shutdown.PhaseRelease, "database", func(context.Context) error {
			s.db.Close()
			return nil
		})
	}
	if s.flushTraces != nil {
		c.RegisterFunc(shutdown.PhaseRelease, "tracing", s.flushTraces)
	}
	c.RegisterFunc(shutdown.PhaseRelease, "logger", func(context.Context) error {
		_ = s.logger.Sync()
		return nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// managerConfig maps configuration onto the calls manager.
func managerConfig(cfg *config.Config) callsmanager.Config {
	mc := callsmanager.DefaultConfig()
	mc.Limits = callsmanager.Limits{
		Live:        cfg.Limits.Live,
		Hold:        cfg.Limits.Hold,
		Ringing:     cfg.Limits.Ringing,
		Dialing:     cfg.Limits.Dialing,
		Outgoing:    cfg.Limits.Outgoing,
		TopLevel:    cfg.Limits.TopLevel,
		SelfManaged: cfg.Limits.SelfManaged,
	}
	mc.Focus = focus.Config{ReleaseTimeout: cfg.Focus.ReleaseTimeout}
	w := cfg.Watchdog
	mc.Watchdog = watchdog.Timeouts{
		Transitory:                w.Transitory,
		TransitoryVoIP:            w.TransitoryVoIP,
		TransitoryEmergency:       w.TransitoryEmergency,
		TransitoryVoIPEmergency:   w.TransitoryVoIPEmergency,
		Intermediate:              w.Intermediate,
		IntermediateVoIP:          w.IntermediateVoIP,
		IntermediateEmergency:     w.IntermediateEmergency,
		IntermediateVoIPEmergency: w.IntermediateVoIPEmergency,
	}
	p := cfg.Pipeline
	mc.SuggestionTimeout = p.SuggestionTimeout
	mc.ContactLookupTimeout = p.ContactTimeout
	mc.FilterTimeout = p.FilterTimeout
	mc.ConfirmationTimeout = p.ConfirmationTimeout
	mc.ReuseWindow = p.ReuseWindow
	mc.ReuseBufferSize = p.ReuseBufferSize
	mc.SilenceInsteadOfReject = p.SilenceInsteadOfReject
	mc.SingleActiveSIM = p.SingleActiveSIM
	mc.EmergencyNumbers = cfg.Emergency.Numbers
	mc.EmergencyCallbackWindow = cfg.Emergency.CallbackWindow
	mc.Breaker = circuitbreaker.DefaultConfig()
	return mc
}

// registerAccounts registers the SIM accounts and the transactional account
// and returns the SIM handles.
func registerAccounts(cfg *config.Config, reg *phoneaccount.MemoryRegistrar) []phoneaccount.Handle {
	sims := make([]phoneaccount.Handle, 0, len(cfg.Accounts.SIMs))
	for _, id := range cfg.Accounts.SIMs {
		h := phoneaccount.Handle{Package: telephonyPackage, Service: telephonyService, ID: id}
		reg.Register(phoneaccount.Account{
			Handle: h,
			Label:  id,
			Capabilities: phoneaccount.CapCallProvider | phoneaccount.CapSimSubscription |
				phoneaccount.CapPlaceEmergencyCalls | phoneaccount.CapVideoCalling,
			SupportedSchemes: []string{"tel", "voicemail"},
			Enabled:          true,
		})
		sims = append(sims, h)
	}
	if h, ok := transactionalAccount(cfg); ok {
		reg.Register(phoneaccount.Account{
			Handle:           h,
			Label:            cfg.Accounts.TransactionalPackage,
			Capabilities:     phoneaccount.CapCallProvider | phoneaccount.CapSupportsTransactionalOperations,
			SupportedSchemes: []string{"tel", "sip"},
			Enabled:          true,
		})
	}
	return sims
}

func transactionalAccount(cfg *config.Config) (phoneaccount.Handle, bool) {
	pkg := cfg.Accounts.TransactionalPackage
	if pkg == "" {
		return phoneaccount.Handle{}, false
	}
	return phoneaccount.Handle{Package: pkg, Service: "TransactionalService", ID: pkg}, true
}
