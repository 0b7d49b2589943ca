// Package focus arbitrates which connection service owns the single live call
// resource, and which of its calls is the focus call.
//
// All state lives on the shared event loop. Public methods post to the loop
// and return immediately; accessors marked "loop only" must be called from a
// closure already running there.
package focus

import (
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/eventloop"
)

// DefaultReleaseTimeout bounds how long a holder may take to release focus.
const DefaultReleaseTimeout = 5 * time.Second

// CallFocus is the view of a call the manager needs.
type CallFocus interface {
	ID() string
	FocusOwner() call.ConnectionServiceFocus
	State() call.State
	IsFocusable() bool
}

// Requester is told to tear down the calls of a holder that did not release
// focus in time.
type Requester interface {
	ReleaseConnectionService(cs call.ConnectionServiceFocus)
}

// Observer receives focus events for metrics.
type Observer interface {
	FocusGranted(component string)
	FocusReleaseTimedOut(component string)
}

// State is the focus holder state.
type State int

const (
	Unfocused State = iota
	Focused
	ReleasePending
)

func (s State) String() string {
	switch s {
	case Focused:
		return "FOCUSED"
	case ReleasePending:
		return "RELEASE_PENDING"
	default:
		return "UNFOCUSED"
	}
}

// focusPriority orders the states a focus call may be in.
var focusPriority = []call.State{call.StateActive, call.StateConnecting, call.StateDialing}

type request struct {
	call     CallFocus
	callback func()
}

// Config holds the manager's tunables.
type Config struct {
	ReleaseTimeout time.Duration
}

// Manager is the connection service focus manager.
type Manager struct {
	loop      *eventloop.Loop
	requester Requester
	observer  Observer
	logger    *zap.Logger
	timeout   time.Duration

	calls     []CallFocus
	holder    call.ConnectionServiceFocus
	focusCall CallFocus

	queue        []request
	releasing    bool
	releaseTimer clock.Timer
	releaseGen   uint64

	listener *holderListener
}

// NewManager creates a manager running on loop. A nil observer is allowed.
func NewManager(cfg Config, loop *eventloop.Loop, requester Requester, observer Observer, logger *zap.Logger) *Manager {
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		loop:      loop,
		requester: requester,
		observer:  observer,
		logger:    logger.Named("focus"),
		timeout:   cfg.ReleaseTimeout,
	}
	m.listener = &holderListener{m: m}
	return m
}

// RequestFocus asks for focus on behalf of c. callback runs on the loop once
// c's connection service holds focus, either right away or after the current
// holder releases or times out.
func (m *Manager) RequestFocus(c CallFocus, callback func()) {
	m.loop.Post(func() {
		m.logger.Debug("focus requested", zap.String("call_id", c.ID()))
		m.queue = append(m.queue, request{call: c, callback: callback})
		m.processQueue()
	})
}

// OnCallAdded starts tracking c.
func (m *Manager) OnCallAdded(c CallFocus) {
	m.loop.Post(func() {
		m.track(c)
	})
}

// OnCallRemoved stops tracking c.
func (m *Manager) OnCallRemoved(c CallFocus) {
	m.loop.Post(func() {
		m.untrack(c)
	})
}

// OnCallStateChanged recomputes the focus call.
func (m *Manager) OnCallStateChanged(c CallFocus, oldState, newState call.State) {
	m.loop.Post(func() {
		if c.FocusOwner() != nil && c.FocusOwner() == m.holder {
			m.updateFocusCall()
		}
	})
}

// OnExternalCallChanged tracks calls that move between this device and
// another one. External calls never hold focus.
func (m *Manager) OnExternalCallChanged(c CallFocus, external bool) {
	m.loop.Post(func() {
		if external {
			m.untrack(c)
			return
		}
		m.track(c)
	})
}

// Holder returns the current focus holder. Loop only.
func (m *Manager) Holder() call.ConnectionServiceFocus { return m.holder }

// FocusCall returns the current focus call, or nil. Loop only.
func (m *Manager) FocusCall() CallFocus { return m.focusCall }

// State returns the holder state. Loop only.
func (m *Manager) State() State {
	switch {
	case m.holder == nil:
		return Unfocused
	case m.releasing:
		return ReleasePending
	default:
		return Focused
	}
}

// Pending returns the number of requests waiting for focus. Loop only.
func (m *Manager) Pending() int { return len(m.queue) }

func (m *Manager) track(c CallFocus) {
	for _, x := range m.calls {
		if x == c {
			return
		}
	}
	m.calls = append(m.calls, c)
	if c.FocusOwner() != nil && c.FocusOwner() == m.holder {
		m.updateFocusCall()
	}
}

func (m *Manager) untrack(c CallFocus) {
	for i, x := range m.calls {
		if x == c {
			m.calls = append(m.calls[:i:i], m.calls[i+1:]...)
			break
		}
	}
	if m.focusCall == c || (c.FocusOwner() != nil && c.FocusOwner() == m.holder) {
		m.updateFocusCall()
	}
}

// processQueue grants queued requests in order until one needs the current
// holder to release first.
func (m *Manager) processQueue() {
	for len(m.queue) > 0 && !m.releasing {
		req := m.queue[0]
		owner := req.call.FocusOwner()
		if m.holder != nil && owner != nil && owner != m.holder {
			m.requestRelease()
			return
		}
		m.queue = m.queue[1:]
		m.grant(req)
	}
}

func (m *Manager) grant(req request) {
	if owner := req.call.FocusOwner(); owner != nil {
		m.updateHolder(owner)
	}
	m.updateFocusCall()
	if req.callback != nil {
		req.callback()
	}
}

func (m *Manager) requestRelease() {
	m.releasing = true
	m.releaseGen++
	gen := m.releaseGen
	holder := m.holder
	m.logger.Info("asking focus holder to release", zap.String("holder", holder.ComponentName()))
	m.releaseTimer = m.loop.PostDelayed(m.timeout, func() { m.onReleaseTimeout(gen) })
	holder.ConnectionServiceFocusLost()
}

func (m *Manager) onReleased(cs call.ConnectionServiceFocus) {
	if cs != m.holder {
		m.logger.Debug("release from a service that is not the holder", zap.String("service", cs.ComponentName()))
		return
	}
	if !m.releasing {
		m.logger.Debug("unsolicited focus release ignored", zap.String("holder", cs.ComponentName()))
		return
	}
	m.logger.Info("focus released", zap.String("holder", cs.ComponentName()))
	m.promote()
}

func (m *Manager) onReleaseTimeout(gen uint64) {
	if !m.releasing || gen != m.releaseGen {
		return
	}
	stuck := m.holder
	m.logger.Warn("focus release timed out",
		zap.String("holder", stuck.ComponentName()),
		zap.Duration("timeout", m.timeout),
	)
	if m.observer != nil {
		m.observer.FocusReleaseTimedOut(stuck.ComponentName())
	}
	if m.requester != nil {
		m.requester.ReleaseConnectionService(stuck)
	}
	m.promote()
}

func (m *Manager) onDeath(cs call.ConnectionServiceFocus) {
	if cs != m.holder {
		return
	}
	m.logger.Warn("focus holder died", zap.String("holder", cs.ComponentName()))
	m.stopReleaseTimer()
	m.holder = nil
	m.updateFocusCall()
	m.processQueue()
}

// promote drops the current holder and grants the head of the queue.
func (m *Manager) promote() {
	m.stopReleaseTimer()
	m.holder = nil
	m.processQueue()
	if m.holder == nil {
		m.updateFocusCall()
	}
}

func (m *Manager) stopReleaseTimer() {
	m.releasing = false
	m.releaseGen++
	if m.releaseTimer != nil {
		m.releaseTimer.Stop()
		m.releaseTimer = nil
	}
}

func (m *Manager) updateHolder(cs call.ConnectionServiceFocus) {
	if cs == m.holder {
		return
	}
	m.holder = cs
	cs.SetConnectionServiceFocusListener(m.listener)
	cs.ConnectionServiceFocusGained()
	m.logger.Info("focus granted", zap.String("holder", cs.ComponentName()))
	if m.observer != nil {
		m.observer.FocusGranted(cs.ComponentName())
	}
}

func (m *Manager) updateFocusCall() {
	var next CallFocus
	if m.holder != nil {
	pick:
		for _, s := range focusPriority {
			for _, c := range m.calls {
				if c.FocusOwner() == m.holder && c.IsFocusable() && c.State() == s {
					next = c
					break pick
				}
			}
		}
	}
	if next == m.focusCall {
		return
	}
	m.focusCall = next
	if next == nil {
		m.logger.Debug("focus call cleared")
		return
	}
	m.logger.Debug("focus call changed", zap.String("call_id", next.ID()), zap.Stringer("state", next.State()))
}

// holderListener moves holder callbacks onto the loop.
type holderListener struct {
	m *Manager
}

func (h *holderListener) OnConnectionServiceReleased(cs call.ConnectionServiceFocus) {
	h.m.loop.Post(func() { h.m.onReleased(cs) })
}

func (h *holderListener) OnConnectionServiceDeath(cs call.ConnectionServiceFocus) {
	h.m.loop.Post(func() { h.m.onDeath(cs) })
}
