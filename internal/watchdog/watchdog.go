// Package watchdog force-disconnects calls that sit too long in a transitory
// or intermediate state.
package watchdog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/anomaly"
	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/eventloop"
)

// Anomaly ids reported when a call is disconnected for being stuck.
var (
	StuckCallID          = uuid.MustParse("4b093985-c78f-45e3-a9fe-5319f397b022")
	StuckEmergencyCallID = uuid.MustParse("d57d8aab-d723-485e-a0dd-d1abb0f346c8")
)

// Timeouts is the 2x2x2 timeout matrix.
type Timeouts struct {
	Transitory                time.Duration `mapstructure:"transitory"`
	TransitoryVoIP            time.Duration `mapstructure:"transitory_voip"`
	TransitoryEmergency       time.Duration `mapstructure:"transitory_emergency"`
	TransitoryVoIPEmergency   time.Duration `mapstructure:"transitory_voip_emergency"`
	Intermediate              time.Duration `mapstructure:"intermediate"`
	IntermediateVoIP          time.Duration `mapstructure:"intermediate_voip"`
	IntermediateEmergency     time.Duration `mapstructure:"intermediate_emergency"`
	IntermediateVoIPEmergency time.Duration `mapstructure:"intermediate_voip_emergency"`
}

// DefaultTimeouts returns the production timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Transitory:                10 * time.Second,
		TransitoryVoIP:            5 * time.Second,
		TransitoryEmergency:       10 * time.Second,
		TransitoryVoIPEmergency:   5 * time.Second,
		Intermediate:              120 * time.Second,
		IntermediateVoIP:          60 * time.Second,
		IntermediateEmergency:     180 * time.Second,
		IntermediateVoIPEmergency: 60 * time.Second,
	}
}

// For picks the timeout for a call class.
func (t Timeouts) For(voip, emergency, transitory bool) time.Duration {
	switch {
	case transitory && voip && emergency:
		return t.TransitoryVoIPEmergency
	case transitory && voip:
		return t.TransitoryVoIP
	case transitory && emergency:
		return t.TransitoryEmergency
	case transitory:
		return t.Transitory
	case voip && emergency:
		return t.IntermediateVoIPEmergency
	case voip:
		return t.IntermediateVoIP
	case emergency:
		return t.IntermediateEmergency
	default:
		return t.Intermediate
	}
}

// Terminator tears down a call the watchdog judged stuck.
type Terminator interface {
	ForceDisconnect(c *call.Call, cause call.DisconnectCause)
}

// Observer receives watchdog events for metrics.
type Observer interface {
	WatchdogDisconnected(state call.State, emergency bool)
}

type snapshot struct {
	state          call.State
	createComplete bool
	since          time.Time
}

func (s snapshot) same(o snapshot) bool {
	return s.state == o.state && s.createComplete == o.createComplete
}

func (s snapshot) transitory() bool {
	return call.IsTransitorySnapshot(s.state, s.createComplete)
}

func (s snapshot) intermediate() bool {
	return call.IsIntermediateSnapshot(s.state, s.createComplete)
}

type entry struct {
	snap    snapshot
	timeout time.Duration
	timer   clock.Timer
	gen     uint64
}

// Watchdog tracks every registered call. It runs on the event loop.
type Watchdog struct {
	call.BaseListener

	loop       *eventloop.Loop
	clock      clock.Clock
	timeouts   Timeouts
	terminator Terminator
	reporter   anomaly.Reporter
	observer   Observer
	logger     *zap.Logger

	entries            map[*call.Call]*entry
	pendingDestruction map[*call.Call]struct{}
	gen                uint64
}

// New creates a watchdog. reporter and observer may be nil.
func New(timeouts Timeouts, loop *eventloop.Loop, terminator Terminator, reporter anomaly.Reporter, observer Observer, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		loop:               loop,
		clock:              loop.Clock(),
		timeouts:           timeouts,
		terminator:         terminator,
		reporter:           reporter,
		observer:           observer,
		logger:             logger.Named("watchdog"),
		entries:            make(map[*call.Call]*entry),
		pendingDestruction: make(map[*call.Call]struct{}),
	}
}

// OnCallAdded starts watching c. Loop only.
func (w *Watchdog) OnCallAdded(c *call.Call) {
	c.AddListener(w)
	w.update(c)
}

// OnCallRemoved stops watching c. Loop only.
func (w *Watchdog) OnCallRemoved(c *call.Call) {
	c.RemoveListener(w)
	w.cancel(c)
	delete(w.pendingDestruction, c)
}

func (w *Watchdog) OnStateChanged(c *call.Call, _, _ call.State) { w.update(c) }
func (w *Watchdog) OnCreateConnectionSucceeded(c *call.Call)     { w.update(c) }

// Tracked reports whether a timeout is scheduled for c, and its duration.
// Loop only.
func (w *Watchdog) Tracked(c *call.Call) (time.Duration, bool) {
	e, ok := w.entries[c]
	if !ok {
		return 0, false
	}
	return e.timeout, true
}

// PendingDestruction reports whether c was force-disconnected and awaits
// removal. Loop only.
func (w *Watchdog) PendingDestruction(c *call.Call) bool {
	_, ok := w.pendingDestruction[c]
	return ok
}

func (w *Watchdog) snapshotOf(c *call.Call) snapshot {
	return snapshot{
		state:          c.State(),
		createComplete: c.IsCreateConnectionComplete(),
		since:          w.clock.Now(),
	}
}

func (w *Watchdog) update(c *call.Call) {
	// A force-disconnected call is only watched again if it sticks in
	// DISCONNECTING.
	if _, ok := w.pendingDestruction[c]; ok && c.State() != call.StateDisconnecting {
		return
	}
	snap := w.snapshotOf(c)
	if e, ok := w.entries[c]; ok {
		if e.snap.same(snap) {
			return
		}
		w.cancel(c)
	}

	transitory := snap.transitory()
	if !transitory && !snap.intermediate() {
		return
	}
	timeout := w.timeouts.For(c.IsVoIPAudioMode(), c.IsEmergency(), transitory)
	w.schedule(c, snap, timeout, timeout)
}

func (w *Watchdog) schedule(c *call.Call, snap snapshot, timeout, delay time.Duration) {
	w.gen++
	gen := w.gen
	e := &entry{snap: snap, timeout: timeout, gen: gen}
	e.timer = w.loop.PostDelayed(delay, func() { w.onTimeout(c, gen) })
	w.entries[c] = e
	c.Logger().Debug("watchdog scheduled",
		zap.Stringer("state", snap.state),
		zap.Bool("create_complete", snap.createComplete),
		zap.Duration("timeout", timeout),
	)
}

func (w *Watchdog) cancel(c *call.Call) {
	e, ok := w.entries[c]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(w.entries, c)
}

func (w *Watchdog) onTimeout(c *call.Call, gen uint64) {
	e, ok := w.entries[c]
	if !ok || e.gen != gen {
		return
	}
	current := w.snapshotOf(c)
	if !current.same(e.snap) {
		delete(w.entries, c)
		w.update(c)
		return
	}
	if elapsed := w.clock.Since(e.snap.since); elapsed < e.timeout {
		w.schedule(c, e.snap, e.timeout, e.timeout-elapsed)
		return
	}

	delete(w.entries, c)
	_, repeat := w.pendingDestruction[c]
	w.pendingDestruction[c] = struct{}{}

	kind := "intermediate"
	if e.snap.transitory() {
		kind = "transitory"
	}
	msg := fmt.Sprintf("call %s stuck in %s state %s for %s", c.ID(), kind, e.snap.state, e.timeout)
	c.Logger().Error("watchdog disconnecting stuck call",
		zap.Stringer("state", e.snap.state),
		zap.Bool("create_complete", e.snap.createComplete),
		zap.Duration("timeout", e.timeout),
	)

	cause := call.NewDisconnectCause(call.DisconnectError, call.ReasonStateTimeout)
	c.SetOverrideDisconnectCause(cause)
	w.terminator.ForceDisconnect(c, cause)
	if repeat {
		return
	}

	if w.reporter != nil {
		id := StuckCallID
		if c.IsEmergency() {
			id = StuckEmergencyCallID
		}
		w.reporter.ReportAnomaly(id, msg)
	}
	if w.observer != nil {
		w.observer.WatchdogDisconnected(e.snap.state, c.IsEmergency())
	}
}
