package callsmanager

import (
	"github.com/jkindrix/callcore/internal/call"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/future"
)

// FocusCall returns the call that currently holds connection service focus,
// or nil. Loop only.
func (m *Manager) FocusCall() *call.Call {
	return m.focusCall()
}

// MarkCallAsRinging records that an incoming call is alerting the user.
func (m *Manager) MarkCallAsRinging(id string) {
	m.withCall(id, "ringing", func(c *call.Call) {
		c.SetState(call.StateRinging, "ringing set explicitly")
	})
}

// AcquireFocus makes way for call id and waits for it to hold connection
// service focus: the active call is held, or ended when it cannot be held,
// before focus moves. The future fails when the call is unknown, is removed
// while waiting, or is refused because an emergency call cannot be held.
func (m *Manager) AcquireFocus(id string) *future.Future[*call.Call] {
	f := future.New[*call.Call]()
	m.loop.Post(func() {
		c := m.Call(id)
		if c == nil {
			f.Fail(apperrors.ErrCallNotFound)
			return
		}
		if c.State().IsTerminal() {
			f.Fail(apperrors.ErrCanceled)
			return
		}
		if !m.holdActiveCallForNewCall(c) {
			m.observer.PolicyRejected(call.ReasonInEmergencyCall)
			f.Fail(apperrors.PolicyRejected(call.ReasonInEmergencyCall))
			return
		}
		m.focus.RequestFocus(c, func() {
			if !m.IsRegistered(c) || c.State().IsTerminal() {
				f.Fail(apperrors.ErrCanceled)
				return
			}
			c.Logger().Debug("focus acquired")
			f.Complete(c)
		})
	})
	return f
}
