// Package callsmanager is the call registry and the policy engine around it.
// It admits incoming calls, runs the outgoing call pipeline, makes room for
// new calls under the count limits, and applies connection service reports.
//
// Every piece of manager state belongs to the event loop. Exported methods
// either post their work to the loop or run it there with Loop.Do; methods
// documented "loop only" must be called from loop closures.
package callsmanager

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/anomaly"
	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/circuitbreaker"
	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
	"github.com/jkindrix/callcore/internal/focus"
	"github.com/jkindrix/callcore/internal/future"
	"github.com/jkindrix/callcore/internal/phoneaccount"
	"github.com/jkindrix/callcore/internal/watchdog"
)

// Limits are the call count maxima.
type Limits struct {
	Live        int `mapstructure:"live"`
	Hold        int `mapstructure:"hold"`
	Ringing     int `mapstructure:"ringing"`
	Dialing     int `mapstructure:"dialing"`
	Outgoing    int `mapstructure:"outgoing"`
	TopLevel    int `mapstructure:"top_level"`
	SelfManaged int `mapstructure:"self_managed"`
}

// DefaultLimits returns the standard single-line limits.
func DefaultLimits() Limits {
	return Limits{
		Live:        1,
		Hold:        1,
		Ringing:     1,
		Dialing:     1,
		Outgoing:    1,
		TopLevel:    2,
		SelfManaged: 10,
	}
}

// Config tunes the manager.
type Config struct {
	Limits   Limits
	Focus    focus.Config
	Watchdog watchdog.Timeouts

	// SuggestionTimeout bounds the account suggestion service.
	SuggestionTimeout time.Duration
	// ContactLookupTimeout bounds the contact preference lookup. Zero waits
	// for the lookup to finish.
	ContactLookupTimeout time.Duration
	// FilterTimeout bounds incoming call filtering.
	FilterTimeout time.Duration
	// ConfirmationTimeout cancels an unanswered confirmation or account
	// selection prompt. Zero waits indefinitely.
	ConfirmationTimeout time.Duration

	// ReuseWindow is how long a cancelled, never-connected outgoing call can
	// be picked up again by a redial of the same address.
	ReuseWindow     time.Duration
	ReuseBufferSize int

	// EmergencyCallbackWindow is how long after an emergency call incoming
	// calls on the same account bypass screening.
	EmergencyCallbackWindow time.Duration
	EmergencyNumbers        []string

	// SilenceInsteadOfReject silences, rather than auto-misses, an incoming
	// call over the ringing or dialing limit when no top-level call comes
	// from the same connection service.
	SilenceInsteadOfReject bool
	// SingleActiveSIM restricts outgoing calls to the SIM already in use.
	SingleActiveSIM bool

	Breaker *circuitbreaker.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Limits:                  DefaultLimits(),
		Focus:                   focus.Config{ReleaseTimeout: focus.DefaultReleaseTimeout},
		Watchdog:                watchdog.DefaultTimeouts(),
		SuggestionTimeout:       5 * time.Second,
		FilterTimeout:           5 * time.Second,
		ConfirmationTimeout:     time.Minute,
		ReuseWindow:             5 * time.Second,
		ReuseBufferSize:         8,
		EmergencyCallbackWindow: 5 * time.Minute,
		EmergencyNumbers:        []string{"911", "112"},
		SingleActiveSIM:         true,
		Breaker:                 circuitbreaker.DefaultConfig(),
	}
}

// Deps are the collaborators of the manager. Loop, Accounts and Services are
// required; the rest fall back to permissive defaults when nil.
type Deps struct {
	Loop        *eventloop.Loop
	Accounts    AccountRegistrar
	Services    ServiceResolver
	Filter      CallFilter
	Suggestions SuggestionService
	Contacts    ContactPreferenceLookup
	CallLog     CallLogger
	Profiles    ProfilePolicy
	Anomalies   anomaly.Reporter
	Observer    Observer
	Breakers    circuitbreaker.StateObserver
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Manager owns the call registry.
type Manager struct {
	cfg    Config
	loop   *eventloop.Loop
	clock  clock.Clock
	logger *zap.Logger
	tracer trace.Tracer

	accounts    AccountRegistrar
	services    ServiceResolver
	filter      CallFilter
	suggestions SuggestionService
	contacts    ContactPreferenceLookup
	callLog     CallLogger
	profiles    ProfilePolicy
	anomalies   anomaly.Reporter
	observer    Observer

	focus    *focus.Manager
	watchdog *watchdog.Watchdog

	suggestBreaker *circuitbreaker.CircuitBreaker
	filterBreaker  *circuitbreaker.CircuitBreaker

	listener  *callListener
	listeners []Listener

	// calls is the registry, in admission order.
	calls []*call.Call
	byID  map[string]*call.Call
	// setup holds calls the manager tracks before admission: outgoing calls
	// in the pipeline and incoming calls being created or filtered.
	setup map[string]*call.Call

	locallyDisconnecting map[*call.Call]struct{}
	logged               map[*call.Call]struct{}

	reuse       *lru.Cache[string, *call.Call]
	reuseTimers map[*call.Call]clock.Timer

	// pipelines maps a call to the outgoing pipeline run that owns it.
	pipelines map[*call.Call]*outgoing

	pendingConfirm future.Pending[bool]
	pendingSelect  future.Pending[*Selection]
	promptTimers   map[string]clock.Timer

	canAddCall            bool
	hasActiveRTTCall      bool
	externalPullSupported bool

	lastEmergencyAccount *phoneaccount.Handle
	lastEmergencyAt      time.Time

	closed bool
}

// Selection is the user's answer to an account selection prompt.
type Selection struct {
	Account    phoneaccount.Handle
	SetDefault bool
}

// New builds a manager together with its focus manager and watchdog. The
// loop must be started by the caller.
func New(cfg Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/jkindrix/callcore/internal/callsmanager")
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.ReuseBufferSize <= 0 {
		cfg.ReuseBufferSize = 8
	}

	m := &Manager{
		cfg:                  cfg,
		loop:                 deps.Loop,
		clock:                deps.Loop.Clock(),
		logger:               logger.Named("callsmanager"),
		tracer:               tracer,
		accounts:             deps.Accounts,
		services:             deps.Services,
		filter:               deps.Filter,
		suggestions:          deps.Suggestions,
		contacts:             deps.Contacts,
		callLog:              deps.CallLog,
		profiles:             deps.Profiles,
		anomalies:            deps.Anomalies,
		observer:             observer,
		byID:                 make(map[string]*call.Call),
		setup:                make(map[string]*call.Call),
		locallyDisconnecting: make(map[*call.Call]struct{}),
		logged:               make(map[*call.Call]struct{}),
		reuseTimers:          make(map[*call.Call]clock.Timer),
		pipelines:            make(map[*call.Call]*outgoing),
		promptTimers:         make(map[string]clock.Timer),
		canAddCall:           true,
	}
	m.listener = &callListener{m: m}

	// Evicted calls lose their chance of reuse and are torn down.
	m.reuse, _ = lru.NewWithEvict[string, *call.Call](cfg.ReuseBufferSize, func(_ string, c *call.Call) {
		m.loop.Post(func() { m.expireReusable(c) })
	})

	h := hooks{m: m}
	m.focus = focus.NewManager(cfg.Focus, m.loop, h, observer, logger)
	m.watchdog = watchdog.New(cfg.Watchdog, m.loop, h, deps.Anomalies, observer, logger)

	m.suggestBreaker = circuitbreaker.New("account_suggestions", cfg.Breaker, m.clock, logger)
	m.filterBreaker = circuitbreaker.New("call_filter", cfg.Breaker, m.clock, logger)
	if deps.Breakers != nil {
		m.suggestBreaker.SetObserver(deps.Breakers)
		m.filterBreaker.SetObserver(deps.Breakers)
	}
	return m
}

// hooks implements the focus Requester and watchdog Terminator contracts
// without exposing them on Manager.
type hooks struct{ m *Manager }

func (h hooks) ReleaseConnectionService(cs call.ConnectionServiceFocus) {
	h.m.releaseConnectionService(cs)
}

func (h hooks) ForceDisconnect(c *call.Call, cause call.DisconnectCause) {
	h.m.forceDisconnect(c, cause)
}

// Loop returns the event loop that owns the manager.
func (m *Manager) Loop() *eventloop.Loop { return m.loop }

// Breakers returns the circuit breakers guarding external collaborators.
func (m *Manager) Breakers() []*circuitbreaker.CircuitBreaker {
	return []*circuitbreaker.CircuitBreaker{m.suggestBreaker, m.filterBreaker}
}

// RequestFocus asks for connection service focus on behalf of c.
func (m *Manager) RequestFocus(c *call.Call, callback func()) {
	m.focus.RequestFocus(c, callback)
}

// Call returns the call with id, admitted or still being set up. Loop only.
func (m *Manager) Call(id string) *call.Call {
	if c, ok := m.byID[id]; ok {
		return c
	}
	return m.setup[id]
}

// Calls returns the registry in admission order. Loop only.
func (m *Manager) Calls() []*call.Call {
	out := make([]*call.Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// IsRegistered reports whether c is in the registry. Loop only.
func (m *Manager) IsRegistered(c *call.Call) bool {
	x, ok := m.byID[c.ID()]
	return ok && x == c
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Calls                     []call.Info `json:"calls"`
	CanAddCall                bool        `json:"can_add_call"`
	HasActiveRTTCall          bool        `json:"has_active_rtt_call"`
	ExternalCallPullSupported bool        `json:"external_call_pull_supported"`
	FocusCallID               string      `json:"focus_call_id,omitempty"`
	FocusHolder               string      `json:"focus_holder,omitempty"`
	PendingConfirmation       string      `json:"pending_confirmation,omitempty"`
	PendingAccountSelection   string      `json:"pending_account_selection,omitempty"`
}

// Snapshot captures the registry. It must not be called from the loop.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := m.loop.Do(ctx, func() {
		s.Calls = make([]call.Info, 0, len(m.calls))
		for _, c := range m.calls {
			s.Calls = append(s.Calls, c.Info())
		}
		s.CanAddCall = m.canAddCall
		s.HasActiveRTTCall = m.hasActiveRTTCall
		s.ExternalCallPullSupported = m.externalPullSupported
		if fc := m.focus.FocusCall(); fc != nil {
			s.FocusCallID = fc.ID()
		}
		if h := m.focus.Holder(); h != nil {
			s.FocusHolder = h.ComponentName()
		}
		s.PendingConfirmation, _ = m.pendingConfirm.Key()
		s.PendingAccountSelection, _ = m.pendingSelect.Key()
	})
	return s, err
}

// CallInfo returns a snapshot of one call. It must not be called from the loop.
func (m *Manager) CallInfo(ctx context.Context, id string) (call.Info, error) {
	var (
		info  call.Info
		found bool
	)
	err := m.loop.Do(ctx, func() {
		if c := m.Call(id); c != nil {
			info, found = c.Info(), true
		}
	})
	if err != nil {
		return call.Info{}, err
	}
	if !found {
		return call.Info{}, apperrors.ErrCallNotFound
	}
	return info, nil
}

// track starts listening to a call the manager has not admitted yet.
func (m *Manager) track(c *call.Call) {
	c.AddListener(m.listener)
	m.setup[c.ID()] = c
}

// forget drops a call that was never admitted.
func (m *Manager) forget(c *call.Call) {
	if x, ok := m.setup[c.ID()]; ok && x == c {
		delete(m.setup, c.ID())
	}
	c.RemoveListener(m.listener)
	delete(m.logged, c)
}

// addCall admits c to the registry. Adding a registered call is a no-op.
func (m *Manager) addCall(c *call.Call) {
	if m.IsRegistered(c) {
		return
	}
	delete(m.setup, c.ID())
	c.AddListener(m.listener)
	m.calls = append(m.calls, c)
	m.byID[c.ID()] = c
	c.Logger().Info("call added",
		zap.Stringer("state", c.State()),
		zap.Stringer("direction", c.Direction()),
		zap.Int("calls", len(m.calls)),
	)

	m.watchdog.OnCallAdded(c)
	m.focus.OnCallAdded(c)
	m.updateDerived()
	m.notify(func(l Listener) { l.OnCallAdded(c) })
}

// removeCall drops c from the registry.
func (m *Manager) removeCall(c *call.Call) {
	if !m.IsRegistered(c) {
		m.forget(c)
		return
	}
	delete(m.byID, c.ID())
	for i, x := range m.calls {
		if x == c {
			m.calls = append(m.calls[:i:i], m.calls[i+1:]...)
			break
		}
	}
	c.RemoveListener(m.listener)
	m.dropReusable(c)
	delete(m.locallyDisconnecting, c)
	delete(m.logged, c)
	c.Logger().Info("call removed", zap.Int("calls", len(m.calls)))

	m.watchdog.OnCallRemoved(c)
	m.focus.OnCallRemoved(c)
	m.updateDerived()
	m.notify(func(l Listener) { l.OnCallRemoved(c) })
}

// updateDerived recomputes the aggregate flags after any registry change.
func (m *Manager) updateDerived() {
	rtt, pull := false, false
	for _, c := range m.calls {
		if c.State() == call.StateActive && c.IsRTT() {
			rtt = true
		}
		if c.IsExternal() && c.Can(call.CapabilityCanPull) {
			pull = true
		}
	}
	m.hasActiveRTTCall = rtt
	m.externalPullSupported = pull

	if canAdd := m.computeCanAddCall(); canAdd != m.canAddCall {
		m.canAddCall = canAdd
		m.logger.Debug("can add call changed", zap.Bool("can_add_call", canAdd))
		m.notify(func(l Listener) { l.OnCanAddCallChanged(canAdd) })
	}
}

// computeCanAddCall counts calls regardless of state: a DISCONNECTED call
// still holds its slot until it is removed.
func (m *Manager) computeCanAddCall() bool {
	if m.closed {
		return false
	}
	count := 0
	for _, c := range m.calls {
		if c.IsEmergency() {
			return false
		}
		if c.IsExternal() {
			continue
		}
		if c.Properties().Has(call.PropertyDisableAddCall) {
			return false
		}
		if c.Parent() == nil {
			count++
		}
		if count >= m.cfg.Limits.TopLevel {
			return false
		}
	}
	return true
}

// CanAddCall reports whether the user may start another call. It must not
// be called from the loop.
func (m *Manager) CanAddCall(ctx context.Context) (bool, error) {
	var v bool
	err := m.loop.Do(ctx, func() { v = m.canAddCall })
	return v, err
}

// Close stops admitting new calls. Calls already in the registry continue.
func (m *Manager) Close() {
	m.loop.Post(func() {
		m.closed = true
		m.updateDerived()
	})
}

// DisconnectAll asks every call to disconnect and waits until the registry
// is empty or ctx is done.
func (m *Manager) DisconnectAll(ctx context.Context, reason string) error {
	if err := m.loop.Do(ctx, func() {
		for _, c := range m.Calls() {
			m.disconnectCall(c, reason)
		}
		for _, c := range m.setupCalls() {
			m.cancelPrompts(c.ID())
			m.failCall(c, call.NewDisconnectCause(call.DisconnectLocal, reason))
		}
	}); err != nil {
		return err
	}

	for {
		var n int
		if err := m.loop.Do(ctx, func() { n = len(m.calls) }); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		t := m.clock.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}
}

func (m *Manager) setupCalls() []*call.Call {
	out := make([]*call.Call, 0, len(m.setup))
	for _, c := range m.setup {
		out = append(out, c)
	}
	return out
}
