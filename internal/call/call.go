// Package call models a single phone call: its state machine, its links to
// other calls, and the commands it forwards to its connection service.
//
// A Call is owned by the event loop. Nothing here locks; callers outside the
// loop read a Call through Info snapshots.
package call

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// Options are the creation-time attributes of a call.
type Options struct {
	ID            string
	Direction     Direction
	Address       string
	Account       *phoneaccount.Handle
	Service       ConnectionService
	SelfManaged   bool
	Emergency     bool
	Transactional bool
	Video         bool
	User          int
}

// Call is one call attempt or session.
type Call struct {
	id            string
	direction     Direction
	address       string
	user          int
	emergency     bool
	transactional bool

	clock  clock.Clock
	logger *zap.Logger

	state          State
	stateReason    string
	stateEnteredAt time.Time
	createdAt      time.Time
	ringStartedAt  time.Time
	connectedAt    time.Time
	wasActive      bool

	account     *phoneaccount.Handle
	service     ConnectionService
	selfManaged bool
	video       bool
	voipAudio   bool
	rtt         bool

	capabilities Capabilities
	properties   Properties

	parent   *Call
	children []*Call

	handoverSource      *Call
	handoverDestination *Call
	handoverState       HandoverState

	createConnectionStarted  bool
	createConnectionComplete bool

	disconnectCause    DisconnectCause
	disconnectCauseSet bool
	overrideCause      *DisconnectCause
	missedReason       MissedReason
	silentRinging      bool

	listeners []Listener
}

// New creates a call in state NEW.
func New(opts Options, clk clock.Clock, logger *zap.Logger) *Call {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := clk.Now()
	c := &Call{
		id:             id,
		direction:      opts.Direction,
		address:        opts.Address,
		user:           opts.User,
		emergency:      opts.Emergency,
		transactional:  opts.Transactional,
		clock:          clk,
		state:          StateNew,
		stateEnteredAt: now,
		createdAt:      now,
		account:        opts.Account,
		service:        opts.Service,
		selfManaged:    opts.SelfManaged,
		video:          opts.Video,
		voipAudio:      opts.SelfManaged,
	}
	c.logger = logger.With(zap.String("call_id", id))
	return c
}

func (c *Call) ID() string           { return c.id }
func (c *Call) Direction() Direction { return c.direction }
func (c *Call) Address() string      { return c.address }
func (c *Call) User() int            { return c.user }
func (c *Call) State() State         { return c.state }
func (c *Call) StateReason() string  { return c.stateReason }

func (c *Call) IsIncoming() bool      { return c.direction == DirectionIncoming }
func (c *Call) IsOutgoing() bool      { return c.direction == DirectionOutgoing }
func (c *Call) IsEmergency() bool     { return c.emergency }
func (c *Call) IsTransactional() bool { return c.transactional }
func (c *Call) IsSelfManaged() bool   { return c.selfManaged }
func (c *Call) IsVideo() bool         { return c.video }
func (c *Call) IsVoIPAudioMode() bool { return c.voipAudio || c.properties.Has(PropertyVoIPAudioMode) }
func (c *Call) IsRTT() bool           { return c.rtt || c.properties.Has(PropertyRTT) }
func (c *Call) IsExternal() bool      { return c.properties.Has(PropertyExternal) }
func (c *Call) IsConference() bool    { return c.properties.Has(PropertyConference) }

// IsNetworkIdentifiedEmergency reports an incoming call the network flagged as emergency.
func (c *Call) IsNetworkIdentifiedEmergency() bool {
	return c.properties.Has(PropertyNetworkIdentifiedEmergency)
}

func (c *Call) SetSelfManaged(v bool) {
	c.selfManaged = v
	if v {
		c.voipAudio = true
	}
}

func (c *Call) SetVideo(v bool)         { c.video = v }
func (c *Call) SetVoIPAudioMode(v bool) { c.voipAudio = v }

// StartRTT marks the call as started with real-time text.
func (c *Call) StartRTT() { c.rtt = true }

func (c *Call) CreatedAt() time.Time      { return c.createdAt }
func (c *Call) StateEnteredAt() time.Time { return c.stateEnteredAt }
func (c *Call) RingStartedAt() time.Time  { return c.ringStartedAt }
func (c *Call) ConnectedAt() time.Time    { return c.connectedAt }

// HasGoneActiveBefore reports whether the call was ever ACTIVE.
func (c *Call) HasGoneActiveBefore() bool { return c.wasActive }

// TargetAccount is nil until the account is resolved.
func (c *Call) TargetAccount() *phoneaccount.Handle { return c.account }

func (c *Call) SetTargetAccount(h *phoneaccount.Handle) {
	if phoneaccount.Equal(c.account, h) {
		return
	}
	c.account = h
	if h != nil {
		c.logger.Debug("target phone account set", zap.String("account", h.String()))
	}
}

func (c *Call) ConnectionService() ConnectionService { return c.service }

func (c *Call) SetConnectionService(cs ConnectionService) {
	c.service = cs
}

// FocusOwner returns the focus capability that owns this call.
func (c *Call) FocusOwner() ConnectionServiceFocus {
	if c.service == nil {
		return nil
	}
	return c.service
}

// IsFocusable reports whether the call may become the focus call.
func (c *Call) IsFocusable() bool { return c.parent == nil }

// SetState moves the call to newState and notifies listeners. Setting the
// current state again is a no-op that returns false.
func (c *Call) SetState(newState State, reason string) bool {
	if c.state == newState {
		return false
	}
	old := c.state
	now := c.clock.Now()

	if !ExpectedTransition(old, newState) {
		c.logger.Warn("unexpected call state transition",
			zap.String("old_state", old.String()),
			zap.String("new_state", newState.String()),
			zap.String("reason", reason),
		)
	}

	c.state = newState
	c.stateReason = reason
	c.stateEnteredAt = now
	switch newState {
	case StateRinging:
		if c.ringStartedAt.IsZero() {
			c.ringStartedAt = now
		}
	case StateActive:
		if !c.wasActive {
			c.wasActive = true
			c.connectedAt = now
		}
	case StateDisconnected, StateAborted:
		if !c.disconnectCauseSet {
			c.logger.Warn("terminal state without disconnect cause", zap.String("new_state", newState.String()))
		}
	}

	c.logger.Info("call state changed",
		zap.String("old_state", old.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
	)
	for _, l := range c.snapshotListeners() {
		l.OnStateChanged(c, old, newState)
	}
	return true
}

// IsCreateConnectionComplete reports whether the connection service has
// answered the create request.
func (c *Call) IsCreateConnectionComplete() bool { return c.createConnectionComplete }

// IsInTransitoryState reports a call still being set up.
func (c *Call) IsInTransitoryState() bool {
	return IsTransitorySnapshot(c.state, c.createConnectionComplete)
}

// IsInIntermediateState reports a settled call waiting on the far end or the user.
func (c *Call) IsInIntermediateState() bool {
	return IsIntermediateSnapshot(c.state, c.createConnectionComplete)
}

// IsTransitorySnapshot classifies a (state, create-complete) pair. A call
// waiting for the user to pick an account is not transitory.
func IsTransitorySnapshot(s State, createComplete bool) bool {
	if s.IsTransitory() {
		return true
	}
	if s == StateSelectPhoneAccount || s.IsTerminal() {
		return false
	}
	return !createComplete
}

// IsIntermediateSnapshot classifies a (state, create-complete) pair.
func IsIntermediateSnapshot(s State, createComplete bool) bool {
	return s.IsIntermediate() && createComplete
}

// Capabilities returns the connection capabilities.
func (c *Call) Capabilities() Capabilities { return c.capabilities }

// Can reports whether the call currently has capability x.
func (c *Call) Can(x Capabilities) bool { return c.capabilities.Has(x) }

func (c *Call) SetCapabilities(caps Capabilities) {
	if caps == c.capabilities {
		return
	}
	old := c.capabilities
	c.capabilities = caps
	for _, l := range c.snapshotListeners() {
		l.OnCapabilitiesChanged(c, old, caps)
	}
}

// Properties returns the connection properties.
func (c *Call) Properties() Properties { return c.properties }

func (c *Call) SetProperties(props Properties) {
	if props == c.properties {
		return
	}
	old := c.properties
	c.properties = props
	for _, l := range c.snapshotListeners() {
		l.OnPropertiesChanged(c, old, props)
	}
}

func (c *Call) Parent() *Call { return c.parent }

// Children returns a copy of the child call list.
func (c *Call) Children() []*Call {
	out := make([]*Call, len(c.children))
	copy(out, c.children)
	return out
}

// IsDisconnectingChild reports a conference member that is leaving or has
// left while still linked to its conference.
func (c *Call) IsDisconnectingChild() bool {
	return c.parent != nil && (c.state == StateDisconnecting || c.state.IsTerminal())
}

// SetParent links the call under parent, or detaches it when parent is nil.
func (c *Call) SetParent(parent *Call) {
	if c.parent == parent {
		return
	}
	if parent == c {
		c.logger.Error("refusing to make a call its own parent")
		return
	}
	old := c.parent
	c.parent = parent
	if old != nil {
		old.removeChild(c)
	}
	if parent != nil {
		parent.addChild(c)
	}
	for _, l := range c.snapshotListeners() {
		l.OnParentChanged(c)
	}
}

func (c *Call) addChild(child *Call) {
	for _, x := range c.children {
		if x == child {
			return
		}
	}
	c.children = append(c.children, child)
	for _, l := range c.snapshotListeners() {
		l.OnChildrenChanged(c)
	}
}

func (c *Call) removeChild(child *Call) {
	for i, x := range c.children {
		if x == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			for _, l := range c.snapshotListeners() {
				l.OnChildrenChanged(c)
			}
			return
		}
	}
}

func (c *Call) HandoverSource() *Call            { return c.handoverSource }
func (c *Call) HandoverDestination() *Call       { return c.handoverDestination }
func (c *Call) HandoverState() HandoverState     { return c.handoverState }
func (c *Call) SetHandoverSource(src *Call)      { c.handoverSource = src }
func (c *Call) SetHandoverDestination(dst *Call) { c.handoverDestination = dst }
func (c *Call) IsHandoverInProgress() bool       { return c.handoverState.IsInProgress() }

func (c *Call) SetHandoverState(s HandoverState) {
	if s == c.handoverState {
		return
	}
	old := c.handoverState
	c.handoverState = s
	c.logger.Info("handover state changed",
		zap.String("old_state", old.String()),
		zap.String("new_state", s.String()),
	)
	for _, l := range c.snapshotListeners() {
		l.OnHandoverStateChanged(c, old, s)
	}
}

// FinishHandover records the final handover state on both sides and unlinks them.
func (c *Call) FinishHandover(final HandoverState) {
	peer := c.handoverDestination
	if peer == nil {
		peer = c.handoverSource
	}
	c.SetHandoverState(final)
	c.handoverSource, c.handoverDestination = nil, nil
	if peer != nil {
		peer.SetHandoverState(final)
		peer.handoverSource, peer.handoverDestination = nil, nil
	}
}

// DetachLinks clears parent, child and handover links ahead of removal.
func (c *Call) DetachLinks() {
	c.SetParent(nil)
	for _, child := range c.Children() {
		child.SetParent(nil)
	}
	if src := c.handoverSource; src != nil && src.handoverDestination == c {
		src.handoverDestination = nil
	}
	if dst := c.handoverDestination; dst != nil && dst.handoverSource == c {
		dst.handoverSource = nil
	}
	c.handoverSource, c.handoverDestination = nil, nil
}

// DisconnectCause returns the cause recorded before the terminal transition.
func (c *Call) DisconnectCause() DisconnectCause { return c.disconnectCause }

// SetDisconnectCause records why the call ended. Only the first cause
// sticks; an override cause replaces its code.
func (c *Call) SetDisconnectCause(cause DisconnectCause) bool {
	if c.disconnectCauseSet {
		c.logger.Debug("disconnect cause already set",
			zap.Stringer("existing", c.disconnectCause),
			zap.Stringer("ignored", cause),
		)
		return false
	}
	if c.overrideCause != nil {
		o := *c.overrideCause
		if o.Reason == "" {
			o.Reason = cause.Reason
		}
		if o.Label == "" {
			o.Label = cause.Label
		}
		cause = o
	}
	c.disconnectCause = cause
	c.disconnectCauseSet = true
	return true
}

// HasDisconnectCause reports whether SetDisconnectCause has been called.
func (c *Call) HasDisconnectCause() bool { return c.disconnectCauseSet }

// SetOverrideDisconnectCause forces the code of the eventual disconnect cause.
func (c *Call) SetOverrideDisconnectCause(cause DisconnectCause) {
	c.overrideCause = &cause
}

func (c *Call) MissedReason() MissedReason       { return c.missedReason }
func (c *Call) SetMissedReason(r MissedReason)   { c.missedReason = r }
func (c *Call) IsSilentRingingRequested() bool   { return c.silentRinging }

// AddListener registers l. Adding the same listener twice is a no-op.
func (c *Call) AddListener(l Listener) {
	for _, x := range c.listeners {
		if x == l {
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

// RemoveListener unregisters l.
func (c *Call) RemoveListener(l Listener) {
	for i, x := range c.listeners {
		if x == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Call) snapshotListeners() []Listener {
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// Logger returns the call-scoped logger.
func (c *Call) Logger() *zap.Logger { return c.logger }
