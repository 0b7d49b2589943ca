package call

import (
	"time"

	"go.uber.org/zap"
)

// StartCreateConnection asks the connection service to create the connection.
// It reports false when there is no service to ask.
func (c *Call) StartCreateConnection() bool {
	if c.service == nil {
		c.logger.Error("create connection requested without a connection service")
		return false
	}
	c.createConnectionStarted = true
	c.logger.Info("creating connection", zap.String("service", c.service.ComponentName()))
	c.service.CreateConnection(c.Info())
	return true
}

// HandleCreateConnectionSuccess records that the connection exists.
func (c *Call) HandleCreateConnectionSuccess() {
	if c.createConnectionComplete {
		return
	}
	c.createConnectionComplete = true
	for _, l := range c.snapshotListeners() {
		l.OnCreateConnectionSucceeded(c)
	}
}

// HandleCreateConnectionFailure records that the connection could not be
// created and hands the call to listeners for teardown.
func (c *Call) HandleCreateConnectionFailure(cause DisconnectCause) {
	c.logger.Info("create connection failed", zap.Stringer("cause", cause))
	c.createConnectionStarted = false
	c.SetDisconnectCause(cause)
	for _, l := range c.snapshotListeners() {
		l.OnCreateConnectionFailed(c, cause)
	}
}

// MarkCreateConnectionComplete is used for calls that never talk to a
// connection service, such as transactional calls.
func (c *Call) MarkCreateConnectionComplete() {
	c.HandleCreateConnectionSuccess()
}

// IsRinging reports whether the call is waiting to be answered.
func (c *Call) IsRinging() bool {
	return c.state.IsRinging() || c.state == StateAudioProcessing
}

// Answer forwards an answer request. The call stays in its state until the
// connection service reports the change.
func (c *Call) Answer() bool {
	if !c.IsRinging() {
		c.logger.Warn("answer ignored; call is not ringing", zap.Stringer("state", c.state))
		return false
	}
	if c.service == nil {
		c.logger.Error("answer requested without a connection service")
		return false
	}
	c.service.Answer(c.id)
	return true
}

// Reject forwards a reject request for a ringing call.
func (c *Call) Reject(message string) bool {
	if !c.IsRinging() {
		c.logger.Warn("reject ignored; call is not ringing", zap.Stringer("state", c.state))
		return false
	}
	if c.service == nil {
		c.logger.Error("reject requested without a connection service")
		return false
	}
	c.service.Reject(c.id, message)
	return true
}

// Hold forwards a hold request for an ACTIVE call.
func (c *Call) Hold(reason string) bool {
	if c.state != StateActive || c.service == nil {
		c.logger.Debug("hold ignored", zap.Stringer("state", c.state), zap.String("reason", reason))
		return false
	}
	c.logger.Info("holding call", zap.String("reason", reason))
	c.service.Hold(c.id)
	return true
}

// Unhold forwards an unhold request for an ON_HOLD call.
func (c *Call) Unhold(reason string) bool {
	if c.state != StateOnHold || c.service == nil {
		c.logger.Debug("unhold ignored", zap.Stringer("state", c.state), zap.String("reason", reason))
		return false
	}
	c.logger.Info("unholding call", zap.String("reason", reason))
	c.service.Unhold(c.id)
	return true
}

// Silence asks the connection service to stop alerting for a ringing call.
func (c *Call) Silence() {
	c.silentRinging = true
	if c.service != nil {
		c.service.Silence(c.id)
	}
}

// SendCallEvent forwards an event to the connection service.
func (c *Call) SendCallEvent(event string) {
	if c.service == nil {
		return
	}
	c.service.SendCallEvent(c.id, event)
}

// Disconnect ends the call. Calls that never connected are aborted and fail
// through HandleCreateConnectionFailure; connected calls ask the connection
// service, which reports DISCONNECTED later.
func (c *Call) Disconnect(reason string) {
	c.disconnect(0, reason)
}

// DisconnectWithReuseWindow aborts a not-yet-connected call but offers it to
// listeners for reuse during window before tearing it down.
func (c *Call) DisconnectWithReuseWindow(window time.Duration, reason string) {
	c.disconnect(window, reason)
}

func (c *Call) disconnect(window time.Duration, reason string) {
	c.logger.Info("disconnect requested",
		zap.Stringer("state", c.state),
		zap.String("reason", reason),
	)
	if c.state == StateNew || c.state == StateSelectPhoneAccount ||
		c.state == StateConnecting && !c.createConnectionComplete {
		c.abort(window)
		return
	}
	switch c.state {
	case StateDisconnected, StateAborted:
		return
	case StateAudioProcessing:
		if !c.wasActive {
			c.SetOverrideDisconnectCause(NewDisconnectCause(DisconnectRejected, reason))
		}
	case StateSimulatedRinging:
		if !c.wasActive {
			c.SetOverrideDisconnectCause(NewDisconnectCause(DisconnectMissed, reason))
		}
	}

	if c.service == nil {
		c.logger.Error("disconnect requested on a call without a connection service")
		return
	}
	c.service.Disconnect(c.id)
}

func (c *Call) abort(window time.Duration) {
	if c.createConnectionStarted && !c.createConnectionComplete && c.service != nil {
		c.service.Abort(c.id)
		c.HandleCreateConnectionFailure(NewDisconnectCause(DisconnectLocal, "aborted"))
		return
	}
	if window > 0 {
		for _, l := range c.snapshotListeners() {
			if l.OnCanceledForReuse(c, window) {
				return
			}
		}
	}
	c.HandleCreateConnectionFailure(NewDisconnectCause(DisconnectCanceled, "aborted"))
}

// Info is a value snapshot of a call, safe to hand to other goroutines.
type Info struct {
	ID              string           `json:"id"`
	Address         string           `json:"address"`
	Direction       string           `json:"direction"`
	State           string           `json:"state"`
	Account         *AccountInfo     `json:"account,omitempty"`
	Service         string           `json:"service,omitempty"`
	SelfManaged     bool             `json:"self_managed"`
	Emergency       bool             `json:"emergency"`
	Transactional   bool             `json:"transactional"`
	Video           bool             `json:"video"`
	RTT             bool             `json:"rtt"`
	Capabilities    Capabilities     `json:"capabilities"`
	Properties      Properties       `json:"properties"`
	ParentID        string           `json:"parent_id,omitempty"`
	ChildIDs        []string         `json:"child_ids,omitempty"`
	HandoverState   string           `json:"handover_state,omitempty"`
	DisconnectCause *DisconnectCause `json:"disconnect_cause,omitempty"`
	MissedReason    string           `json:"missed_reason,omitempty"`
	SilentRinging   bool             `json:"silent_ringing,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StateEnteredAt  time.Time        `json:"state_entered_at"`
	ConnectedAt     *time.Time       `json:"connected_at,omitempty"`
	CreateComplete  bool             `json:"create_connection_complete"`
}

// AccountInfo is the JSON form of a phone account handle.
type AccountInfo struct {
	Package string `json:"package"`
	Service string `json:"service"`
	ID      string `json:"id"`
	User    int    `json:"user"`
}

// Info returns a snapshot of the call.
func (c *Call) Info() Info {
	info := Info{
		ID:             c.id,
		Address:        c.address,
		Direction:      c.direction.String(),
		State:          c.state.String(),
		SelfManaged:    c.selfManaged,
		Emergency:      c.emergency,
		Transactional:  c.transactional,
		Video:          c.video,
		RTT:            c.IsRTT(),
		Capabilities:   c.capabilities,
		Properties:     c.properties,
		CreatedAt:      c.createdAt,
		StateEnteredAt: c.stateEnteredAt,
		CreateComplete: c.createConnectionComplete,
		SilentRinging:  c.IsSilentRingingRequested(),
	}
	if c.account != nil {
		info.Account = &AccountInfo{Package: c.account.Package, Service: c.account.Service, ID: c.account.ID, User: c.account.User}
	}
	if c.service != nil {
		info.Service = c.service.ComponentName()
	}
	if c.parent != nil {
		info.ParentID = c.parent.id
	}
	for _, ch := range c.children {
		info.ChildIDs = append(info.ChildIDs, ch.id)
	}
	if c.handoverState != HandoverNone {
		info.HandoverState = c.handoverState.String()
	}
	if c.disconnectCauseSet {
		cause := c.disconnectCause
		info.DisconnectCause = &cause
	}
	if c.missedReason != MissedReasonNone {
		info.MissedReason = c.missedReason.String()
	}
	if c.wasActive {
		t := c.connectedAt
		info.ConnectedAt = &t
	}
	return info
}

// expected lists the transitions the orchestrator normally drives. Anything
// else is still applied, only logged.
var expected = map[State][]State{
	StateNew:                {StateConnecting, StateSelectPhoneAccount, StateRinging, StateDialing, StateActive, StateAudioProcessing, StatePulling, StateDisconnected, StateAborted},
	StateSelectPhoneAccount: {StateConnecting, StateDisconnected, StateAborted},
	StateConnecting:         {StateDialing, StatePulling, StateActive, StateRinging, StateDisconnecting, StateDisconnected, StateAborted},
	StateDialing:            {StateActive, StateOnHold, StateDisconnecting, StateDisconnected},
	StatePulling:            {StateActive, StateDisconnecting, StateDisconnected},
	StateRinging:            {StateAnswered, StateActive, StateAudioProcessing, StateDisconnecting, StateDisconnected, StateSimulatedRinging},
	StateAnswered:           {StateActive, StateDisconnecting, StateDisconnected},
	StateActive:             {StateOnHold, StateAudioProcessing, StateDisconnecting, StateDisconnected},
	StateOnHold:             {StateActive, StateDisconnecting, StateDisconnected},
	StateAudioProcessing:    {StateSimulatedRinging, StateActive, StateRinging, StateDisconnecting, StateDisconnected},
	StateSimulatedRinging:   {StateActive, StateAudioProcessing, StateDisconnecting, StateDisconnected},
	StateDisconnecting:      {StateDisconnected},
}

// ExpectedTransition reports whether old to next is a transition the
// orchestrator normally drives.
func ExpectedTransition(old, next State) bool {
	return in(next, expected[old])
}
