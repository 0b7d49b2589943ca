package connsvc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// Resolver maps phone accounts to the connection service that places their
// calls. It satisfies callsmanager.ServiceResolver.
type Resolver struct {
	mu       sync.RWMutex
	services map[phoneaccount.Handle]call.ConnectionService
	fallback call.ConnectionService
}

// NewResolver returns a resolver that answers fallback for accounts it has
// no entry for. fallback may be nil.
func NewResolver(fallback call.ConnectionService) *Resolver {
	return &Resolver{services: make(map[phoneaccount.Handle]call.ConnectionService), fallback: fallback}
}

// Add binds h to svc.
func (r *Resolver) Add(h phoneaccount.Handle, svc call.ConnectionService) {
	r.mu.Lock()
	r.services[h] = svc
	r.mu.Unlock()
}

func (r *Resolver) Resolve(h phoneaccount.Handle) (call.ConnectionService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if svc, ok := r.services[h]; ok {
		return svc, true
	}
	return r.fallback, r.fallback != nil
}

// AudioReporter receives routing results. endpoint.Controller is one.
type AudioReporter interface {
	ReportAudioState(s call.AudioState)
}

// DefaultEndpoints are the routes of the simulated device.
var DefaultEndpoints = []call.Endpoint{
	{Type: call.EndpointEarpiece, Name: "Earpiece", ID: "earpiece"},
	{Type: call.EndpointSpeaker, Name: "Speaker", ID: "speaker"},
	{Type: call.EndpointWiredHeadset, Name: "Headset", ID: "headset"},
}

// AudioRouter is a simulated audio router. Routes to a known endpoint take
// effect after RouteDelay; routes to anything else leave the state as is,
// which the endpoint controller reports as unavailable.
type AudioRouter struct {
	delay  time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	reporter AudioReporter
	state    call.AudioState
}

// NewAudioRouter creates a router over endpoints, starting on the first.
func NewAudioRouter(endpoints []call.Endpoint, delay time.Duration, clk clock.Clock, logger *zap.Logger) *AudioRouter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	state := call.AudioState{Available: append([]call.Endpoint(nil), endpoints...)}
	if len(endpoints) > 0 {
		state.Active = endpoints[0]
	}
	return &AudioRouter{delay: delay, clock: clk, logger: logger.Named("audio"), state: state}
}

// Bind attaches the reporter and reports the initial route.
func (a *AudioRouter) Bind(r AudioReporter) {
	a.mu.Lock()
	a.reporter = r
	s := a.state
	a.mu.Unlock()
	r.ReportAudioState(s)
}

func (a *AudioRouter) RouteTo(e call.Endpoint) {
	a.mu.Lock()
	known := false
	for _, av := range a.state.Available {
		if av.ID == e.ID {
			known = true
			break
		}
	}
	a.mu.Unlock()

	if !known {
		a.logger.Warn("route to unknown endpoint", zap.String("endpoint_id", e.ID))
		a.report()
		return
	}
	apply := func() {
		a.mu.Lock()
		a.state.Active = e
		a.mu.Unlock()
		a.logger.Debug("audio routed", zap.String("endpoint_id", e.ID))
		a.report()
	}
	if a.delay <= 0 {
		apply()
		return
	}
	a.clock.AfterFunc(a.delay, apply)
}

func (a *AudioRouter) report() {
	a.mu.Lock()
	r, s := a.reporter, a.state
	a.mu.Unlock()
	if r != nil {
		r.ReportAudioState(s)
	}
}

// StreamingApp accepts every streaming session. It satisfies
// streaming.App.
type StreamingApp struct {
	logger *zap.Logger
}

// NewStreamingApp creates a StreamingApp.
func NewStreamingApp(logger *zap.Logger) *StreamingApp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingApp{logger: logger.Named("streaming_app")}
}

func (s *StreamingApp) StartSession(ctx context.Context, info call.Info) error {
	s.logger.Info("streaming session started", zap.String("call_id", info.ID))
	return ctx.Err()
}

func (s *StreamingApp) EndSession(ctx context.Context, callID string) error {
	s.logger.Info("streaming session ended", zap.String("call_id", callID))
	return nil
}

// TransactionalApp is an app that agrees to every transaction. It
// satisfies transactional.App.
type TransactionalApp struct {
	logger *zap.Logger
}

// NewTransactionalApp creates a TransactionalApp.
func NewTransactionalApp(logger *zap.Logger) *TransactionalApp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionalApp{logger: logger.Named("transactional_app")}
}

func (a *TransactionalApp) ok(ctx context.Context, op, id string) error {
	a.logger.Debug("transaction accepted", zap.String("op", op), zap.String("call_id", id))
	return ctx.Err()
}

func (a *TransactionalApp) OnCreateCall(ctx context.Context, info call.Info) error {
	return a.ok(ctx, "create", info.ID)
}

func (a *TransactionalApp) OnSetActive(ctx context.Context, id string) error {
	return a.ok(ctx, "set_active", id)
}

func (a *TransactionalApp) OnSetInactive(ctx context.Context, id string) error {
	return a.ok(ctx, "set_inactive", id)
}

func (a *TransactionalApp) OnAnswer(ctx context.Context, id string) error {
	return a.ok(ctx, "answer", id)
}

func (a *TransactionalApp) OnDisconnect(ctx context.Context, id string, cause call.DisconnectCause) error {
	a.logger.Debug("transaction accepted", zap.String("op", "disconnect"), zap.String("call_id", id),
		zap.Stringer("cause", cause.Code))
	return ctx.Err()
}

func (a *TransactionalApp) OnCallEvent(ctx context.Context, id, event string) error {
	return a.ok(ctx, "event:"+event, id)
}
