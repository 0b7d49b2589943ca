// Package connsvc provides an in-process connection service that answers
// every request by reporting straight back to the calls manager. It stands
// in for a telephony stack in the demo server and in tests.
package connsvc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// Reporter is the part of the calls manager a connection service reports to.
type Reporter interface {
	ProcessIncomingCall(req callsmanager.IncomingRequest) string
	HandleCreateConnectionSuccess(id string, state call.State)
	SetCallCapabilities(id string, caps call.Capabilities)
	MarkCallAsActive(id string)
	MarkCallAsOnHold(id string)
	MarkCallAsDisconnected(id string, cause call.DisconnectCause)
	MarkCallAsRemoved(id string)
}

// Config tunes the simulated network.
type Config struct {
	Name string
	// ConnectDelay is how long connection creation takes.
	ConnectDelay time.Duration
	// AnswerDelay is how long the remote party takes to answer an outgoing
	// call. Zero leaves outgoing calls dialing until Connect is called.
	AnswerDelay  time.Duration
	Capabilities call.Capabilities
}

// DefaultConfig returns a service that connects at once and never answers
// on its own.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Capabilities: call.CapabilityHold | call.CapabilitySupportHold | call.CapabilityMute,
	}
}

// Loopback implements call.ConnectionService.
type Loopback struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	reporter Reporter
	listener call.FocusListener
	timers   map[string]clock.Timer
}

// New creates a loopback service. Bind must be called before use.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Loopback {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{
		cfg:    cfg,
		clock:  clk,
		logger: logger.Named("connsvc").With(zap.String("service", cfg.Name)),
		timers: make(map[string]clock.Timer),
	}
}

// Bind attaches the calls manager.
func (l *Loopback) Bind(r Reporter) {
	l.mu.Lock()
	l.reporter = r
	l.mu.Unlock()
}

func (l *Loopback) rep() Reporter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reporter
}

// Ring delivers an incoming call from address on acct and returns its id.
func (l *Loopback) Ring(acct phoneaccount.Handle, address string) string {
	return l.rep().ProcessIncomingCall(callsmanager.IncomingRequest{Address: address, Account: acct})
}

// Connect reports that the remote party answered outgoing call id.
func (l *Loopback) Connect(id string) {
	l.cancel(id)
	l.rep().MarkCallAsActive(id)
}

// Hangup reports that the remote party ended call id.
func (l *Loopback) Hangup(id string) {
	l.end(id, call.NewDisconnectCause(call.DisconnectRemote, "remote hangup"))
}

func (l *Loopback) after(id string, d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
	}
	l.timers[id] = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()
		fn()
	})
}

func (l *Loopback) cancel(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Loopback) end(id string, cause call.DisconnectCause) {
	l.cancel(id)
	r := l.rep()
	r.MarkCallAsDisconnected(id, cause)
	r.MarkCallAsRemoved(id)
}

func (l *Loopback) ComponentName() string { return l.cfg.Name }

func (l *Loopback) SetConnectionServiceFocusListener(fl call.FocusListener) {
	l.mu.Lock()
	l.listener = fl
	l.mu.Unlock()
}

func (l *Loopback) ConnectionServiceFocusGained() {
	l.logger.Debug("focus gained")
}

// ConnectionServiceFocusLost releases the resource at once.
func (l *Loopback) ConnectionServiceFocusLost() {
	l.mu.Lock()
	fl := l.listener
	l.mu.Unlock()
	if fl != nil {
		fl.OnConnectionServiceReleased(l)
	}
}

func (l *Loopback) CreateConnection(info call.Info) {
	l.logger.Debug("creating connection", zap.String("call_id", info.ID), zap.String("direction", info.Direction))
	l.after(info.ID, l.cfg.ConnectDelay, func() {
		r := l.rep()
		r.SetCallCapabilities(info.ID, l.cfg.Capabilities)
		if info.Direction == call.DirectionIncoming.String() {
			r.HandleCreateConnectionSuccess(info.ID, call.StateNew)
			return
		}
		r.HandleCreateConnectionSuccess(info.ID, call.StateDialing)
		if l.cfg.AnswerDelay > 0 {
			l.after(info.ID, l.cfg.AnswerDelay, func() { l.rep().MarkCallAsActive(info.ID) })
		}
	})
}

func (l *Loopback) CreateConnectionFailed(info call.Info) {
	l.logger.Debug("connection refused", zap.String("call_id", info.ID))
}

func (l *Loopback) Abort(id string) { l.cancel(id) }

func (l *Loopback) Answer(id string) { l.rep().MarkCallAsActive(id) }

func (l *Loopback) Reject(id, message string) {
	l.end(id, call.NewDisconnectCause(call.DisconnectRejected, message))
}

func (l *Loopback) Disconnect(id string) {
	l.end(id, call.NewDisconnectCause(call.DisconnectLocal, "local hangup"))
}

func (l *Loopback) Hold(id string)   { l.rep().MarkCallAsOnHold(id) }
func (l *Loopback) Unhold(id string) { l.rep().MarkCallAsActive(id) }

func (l *Loopback) Silence(id string) {
	l.logger.Debug("silenced", zap.String("call_id", id))
}

func (l *Loopback) SendCallEvent(id, event string) {
	l.logger.Debug("call event", zap.String("call_id", id), zap.String("event", event))
}

func (l *Loopback) HandoverFailed(id string, reason call.HandoverFailure) {
	l.logger.Info("handover failed", zap.String("call_id", id), zap.Stringer("reason", reason))
}

func (l *Loopback) HandoverComplete(id string) {
	l.logger.Info("handover complete", zap.String("call_id", id))
}
