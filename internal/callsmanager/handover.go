package callsmanager

import (
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

// HandoverRequest moves an ongoing call to another account.
type HandoverRequest struct {
	CallID  string
	Account phoneaccount.Handle
	Video   bool
}

// RequestHandover starts moving a call to req.Account. The destination call
// is placed right away; the source ends once the destination goes active.
func (m *Manager) RequestHandover(req HandoverRequest) {
	m.userAction(req.CallID, "handover", func(src *call.Call) {
		m.requestHandover(src, req)
	})
}

func (m *Manager) requestHandover(src *call.Call, req HandoverRequest) {
	refuse := func(reason call.HandoverFailure) {
		src.Logger().Info("handover refused", zap.Stringer("reason", reason))
		if cs := src.ConnectionService(); cs != nil {
			cs.HandoverFailed(src.ID(), reason)
		}
		m.notify(func(l Listener) { l.OnHandoverFailed(src, reason) })
	}

	if src.IsHandoverInProgress() || src.State().IsTerminal() {
		src.Logger().Warn("handover ignored", zap.Stringer("handover_state", src.HandoverState()))
		return
	}
	if m.isInEmergencyCall() {
		refuse(call.HandoverFailureOngoingEmergencyCall)
		return
	}
	from := src.TargetAccount()
	if from == nil || !m.accountHas(*from, phoneaccount.CapSupportsHandoverFrom) ||
		!m.accountHas(req.Account, phoneaccount.CapSupportsHandoverTo) {
		refuse(call.HandoverFailureNotSupported)
		return
	}
	cs, ok := m.services.Resolve(req.Account)
	if !ok {
		refuse(call.HandoverFailureNotSupported)
		return
	}
	acct, _ := m.accounts.Account(req.Account)

	h := req.Account
	dst := call.New(call.Options{
		Direction:   call.DirectionOutgoing,
		Address:     src.Address(),
		Account:     &h,
		Service:     cs,
		SelfManaged: acct.IsSelfManaged(),
		Video:       req.Video && acct.Has(phoneaccount.CapVideoCalling),
		User:        src.User(),
	}, m.clock, m.logger)
	m.track(dst)

	src.SetHandoverDestination(dst)
	dst.SetHandoverSource(src)
	src.SetHandoverState(call.HandoverFromStarted)
	dst.SetHandoverState(call.HandoverToStarted)
	src.Logger().Info("handover started",
		zap.String("destination_id", dst.ID()),
		zap.Stringer("destination_account", req.Account),
	)

	dst.SetState(call.StateConnecting, "handover destination")
	m.addCall(dst)
	m.focus.RequestFocus(dst, func() {
		if dst.State() == call.StateConnecting && m.IsRegistered(dst) {
			dst.StartCreateConnection()
		}
	})
}

func (m *Manager) accountHas(h phoneaccount.Handle, capability phoneaccount.Capability) bool {
	acct, ok := m.accounts.Account(h)
	return ok && acct.Has(capability)
}

// onHandoverStateChange advances a handover from the state changes of
// either side.
func (m *Manager) onHandoverStateChange(c *call.Call, newState call.State) {
	switch c.HandoverState() {
	case call.HandoverToStarted:
		src := c.HandoverSource()
		if src == nil {
			return
		}
		switch {
		case newState == call.StateActive:
			m.acceptHandover(src, c)
		case newState.IsTerminal():
			m.rejectHandover(src, c)
		}
	case call.HandoverFromStarted:
		dst := c.HandoverDestination()
		if dst == nil || !newState.IsTerminal() {
			return
		}
		c.Logger().Info("handover source ended before the destination connected")
		dst.SendCallEvent(call.EventHandoverSourceDisconnect)
		m.failHandover(c, call.HandoverFailureUnknown)
	case call.HandoverAccepted:
		dst := c.HandoverDestination()
		if dst == nil || !newState.IsTerminal() {
			return
		}
		m.completeHandover(c, dst)
	}
}

func (m *Manager) acceptHandover(src, dst *call.Call) {
	src.Logger().Info("handover accepted", zap.String("destination_id", dst.ID()))
	src.SetHandoverState(call.HandoverAccepted)
	dst.SetHandoverState(call.HandoverAccepted)
	src.SendCallEvent(call.EventHandoverComplete)
	src.Disconnect("handover accepted")
	if dst.IsSelfManaged() {
		m.disconnectOtherCalls(dst.TargetAccount(), "handover to self-managed call", dst, src)
	}
}

func (m *Manager) completeHandover(src, dst *call.Call) {
	if cs := dst.ConnectionService(); cs != nil {
		cs.HandoverComplete(dst.ID())
	}
	if cs := src.ConnectionService(); cs != nil {
		cs.HandoverComplete(src.ID())
	}
	src.FinishHandover(call.HandoverComplete)
	src.Logger().Info("handover complete", zap.String("destination_id", dst.ID()))
	m.notify(func(l Listener) { l.OnHandoverComplete(src, dst) })
}

func (m *Manager) rejectHandover(src, dst *call.Call) {
	src.Logger().Info("handover destination ended before connecting", zap.String("destination_id", dst.ID()))
	src.SendCallEvent(call.EventHandoverFailed)
	dst.SendCallEvent(call.EventHandoverFailed)
	if cs := src.ConnectionService(); cs != nil {
		cs.HandoverFailed(src.ID(), call.HandoverFailureUserRejected)
	}
	src.FinishHandover(call.HandoverFailed)
	m.notify(func(l Listener) { l.OnHandoverFailed(src, call.HandoverFailureUserRejected) })
}

// failHandover abandons whatever handover c takes part in.
func (m *Manager) failHandover(c *call.Call, reason call.HandoverFailure) {
	if !c.IsHandoverInProgress() {
		return
	}
	c.FinishHandover(call.HandoverFailed)
	m.notify(func(l Listener) { l.OnHandoverFailed(c, reason) })
}
