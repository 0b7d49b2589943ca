package callsmanager

import (
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
)

// userAction runs fn on the loop against a registered call.
func (m *Manager) userAction(id, op string, fn func(c *call.Call)) {
	m.loop.Post(func() {
		c, ok := m.byID[id]
		if !ok {
			m.logger.Warn("action on unknown call", zap.String("call_id", id), zap.String("op", op))
			return
		}
		fn(c)
	})
}

// AnswerCall answers a ringing call, holding or ending the active call to
// make way for it.
func (m *Manager) AnswerCall(id string) {
	m.userAction(id, "answer", m.answerCall)
}

func (m *Manager) answerCall(c *call.Call) {
	if !c.IsRinging() {
		c.Logger().Warn("answer ignored; call is not ringing", zap.Stringer("state", c.State()))
		return
	}
	if !m.holdActiveCallForNewCall(c) {
		return
	}
	m.focus.RequestFocus(c, func() {
		if !m.IsRegistered(c) || !c.Answer() {
			return
		}
		if c.State() == call.StateRinging {
			c.SetState(call.StateAnswered, "answered by user")
		}
		m.notify(func(l Listener) { l.OnIncomingCallAnswered(c) })
	})
}

// RejectCall rejects a ringing call with an optional text reply.
func (m *Manager) RejectCall(id, message string) {
	m.userAction(id, "reject", func(c *call.Call) {
		if !c.IsRinging() {
			c.Logger().Warn("reject ignored; call is not ringing", zap.Stringer("state", c.State()))
			return
		}
		c.SetOverrideDisconnectCause(call.NewDisconnectCause(call.DisconnectRejected, "rejected by user"))
		if c.Reject(message) {
			m.notify(func(l Listener) { l.OnIncomingCallRejected(c, message) })
		}
	})
}

// DisconnectCall ends a call at the user's request.
func (m *Manager) DisconnectCall(id string) {
	m.loop.Post(func() {
		c := m.Call(id)
		if c == nil {
			m.logger.Warn("disconnect of unknown call", zap.String("call_id", id))
			return
		}
		m.disconnectCall(c, "user requested")
	})
}

// CancelOutgoingCallForRedial aborts an outgoing call that has not reached
// its connection service, keeping it for the reuse window so an immediate
// redial of the same address picks it up.
func (m *Manager) CancelOutgoingCallForRedial(id string) {
	m.loop.Post(func() {
		c := m.Call(id)
		if c == nil || !c.IsOutgoing() {
			m.logger.Warn("redial cancel of unknown outgoing call", zap.String("call_id", id))
			return
		}
		// The run that placed the call ends here; a redial starts a new one.
		delete(m.pipelines, c)
		m.cancelPrompts(id)
		c.DisconnectWithReuseWindow(m.cfg.ReuseWindow, "cancelled for redial")
	})
}

func (m *Manager) disconnectCall(c *call.Call, reason string) {
	if m.IsRegistered(c) {
		m.locallyDisconnecting[c] = struct{}{}
	}
	m.cancelPrompts(c.ID())
	c.Disconnect(reason)
}

// HoldCall holds an active call.
func (m *Manager) HoldCall(id string) {
	m.userAction(id, "hold", func(c *call.Call) {
		c.Hold("user requested")
	})
}

// UnholdCall resumes a held call, holding the active call first.
func (m *Manager) UnholdCall(id string) {
	m.userAction(id, "unhold", m.unholdCall)
}

func (m *Manager) unholdCall(c *call.Call) {
	if c.State() != call.StateOnHold {
		c.Logger().Warn("unhold ignored; call is not held", zap.Stringer("state", c.State()))
		return
	}
	if active := m.focusCall(); active != nil && active != c {
		if _, ending := m.locallyDisconnecting[active]; !ending && !m.holdActiveCallForNewCall(c) {
			return
		}
	}
	m.focus.RequestFocus(c, func() {
		if m.IsRegistered(c) {
			c.Unhold("user requested")
		}
	})
}

// SilenceCall stops the alert for a ringing call without rejecting it.
func (m *Manager) SilenceCall(id string) {
	m.userAction(id, "silence", func(c *call.Call) {
		if c.IsRinging() {
			c.Silence()
		}
	})
}

// SendCallEvent forwards an app-defined event to the call's service.
func (m *Manager) SendCallEvent(id, event string) {
	m.userAction(id, "call_event", func(c *call.Call) {
		c.SendCallEvent(event)
	})
}
