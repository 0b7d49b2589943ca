package callsmanager

import (
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
)

// callListener routes per-call events into the manager.
type callListener struct{ m *Manager }

func (l *callListener) OnStateChanged(c *call.Call, oldState, newState call.State) {
	m := l.m
	if m.IsRegistered(c) {
		m.focus.OnCallStateChanged(c, oldState, newState)
		m.notify(func(x Listener) { x.OnCallStateChanged(c, oldState, newState) })
	}
	m.onHandoverStateChange(c, newState)
	m.updateDerived()
}

func (l *callListener) OnCreateConnectionSucceeded(c *call.Call) {
	if c.IsIncoming() {
		l.m.onSuccessfulIncomingCall(c)
	}
}

func (l *callListener) OnCreateConnectionFailed(c *call.Call, cause call.DisconnectCause) {
	m := l.m
	if c.IsOutgoing() {
		m.notify(func(x Listener) { x.OnCreateConnectionFailed(c, cause) })
	} else if !m.IsRegistered(c) {
		m.observer.IncomingCallFinished("create_failed")
	}
	if !c.State().IsTerminal() {
		m.markCallAsDisconnected(c, cause)
	}
	m.markCallAsRemoved(c)
}

func (l *callListener) OnCanceledForReuse(c *call.Call, window time.Duration) bool {
	m := l.m
	if !c.IsOutgoing() || c.IsEmergency() {
		return false
	}
	m.offerForReuse(c, window)
	return true
}

func (l *callListener) OnCapabilitiesChanged(*call.Call, call.Capabilities, call.Capabilities) {
	l.m.updateDerived()
}

func (l *callListener) OnPropertiesChanged(c *call.Call, oldProps, newProps call.Properties) {
	m := l.m
	wasExternal, external := oldProps.Has(call.PropertyExternal), newProps.Has(call.PropertyExternal)
	if wasExternal != external && m.IsRegistered(c) {
		m.focus.OnExternalCallChanged(c, external)
		m.notify(func(x Listener) { x.OnExternalCallChanged(c, external) })
	}
	m.updateDerived()
}

func (l *callListener) OnParentChanged(*call.Call)   { l.m.updateDerived() }
func (l *callListener) OnChildrenChanged(*call.Call) { l.m.updateDerived() }

func (l *callListener) OnHandoverStateChanged(*call.Call, call.HandoverState, call.HandoverState) {}

// offerForReuse buffers an aborted outgoing call so a redial of the same
// address within window picks it up instead of starting over. The call stays
// in the registry, pending disconnection, until it is claimed or expires.
func (m *Manager) offerForReuse(c *call.Call, window time.Duration) {
	if old, ok := m.reuse.Peek(c.Address()); ok && old != c {
		m.expireReusable(old)
	}
	if t, ok := m.reuseTimers[c]; ok {
		t.Stop()
	}
	c.Logger().Info("holding cancelled call for redial", zap.Duration("window", window))
	m.reuseTimers[c] = m.loop.PostDelayed(window, func() { m.expireReusable(c) })
	m.reuse.Add(c.Address(), c)
}

// isPendingDisconnect reports a call held in the reuse buffer. Loop only.
func (m *Manager) isPendingDisconnect(c *call.Call) bool {
	_, ok := m.reuseTimers[c]
	return ok
}

// releasePendingDisconnects tears down every buffered call. A new outgoing
// call that does not reuse one of them ends them all. Loop only.
func (m *Manager) releasePendingDisconnects() {
	for _, c := range m.Calls() {
		if m.isPendingDisconnect(c) {
			m.expireReusable(c)
		}
	}
}

// expireReusable tears down a buffered call whose reuse window ended or
// which was evicted from the buffer.
func (m *Manager) expireReusable(c *call.Call) {
	if !m.dropReusable(c) {
		return
	}
	m.teardownReusable(c)
}

// teardownReusable ends a buffered call that was not redialed.
func (m *Manager) teardownReusable(c *call.Call) {
	m.abandonOutgoing(c, call.NewDisconnectCause(call.DisconnectCanceled, "aborted"))
}

// dropReusable takes c out of the reuse buffer without ending it. It reports
// whether c was buffered.
func (m *Manager) dropReusable(c *call.Call) bool {
	t, ok := m.reuseTimers[c]
	if !ok {
		return false
	}
	// Dropping the timer first turns the eviction callback into a no-op.
	delete(m.reuseTimers, c)
	t.Stop()
	if cur, ok := m.reuse.Peek(c.Address()); ok && cur == c {
		m.reuse.Remove(c.Address())
	}
	return true
}

// takeReusable claims the buffered call for address, if any.
func (m *Manager) takeReusable(address string) *call.Call {
	c, ok := m.reuse.Peek(address)
	if !ok {
		return nil
	}
	m.dropReusable(c)
	return c
}

// withCall runs fn on the loop against call id, logging unknown ids.
func (m *Manager) withCall(id, op string, fn func(c *call.Call)) {
	m.loop.Post(func() {
		c := m.Call(id)
		if c == nil {
			m.logger.Warn("report for unknown call", zap.String("call_id", id), zap.String("op", op))
			return
		}
		fn(c)
	})
}

// HandleCreateConnectionSuccess applies the service's report that the
// connection for id exists. For outgoing calls state is the state the
// connection starts in; StateNew leaves the call where it is.
func (m *Manager) HandleCreateConnectionSuccess(id string, state call.State) {
	m.withCall(id, "create_connection_success", func(c *call.Call) {
		c.HandleCreateConnectionSuccess()
		if c.IsOutgoing() && state != call.StateNew && !c.State().IsTerminal() {
			c.SetState(state, "successful outgoing call")
		}
	})
}

// HandleCreateConnectionFailure applies the service's report that the
// connection for id could not be created.
func (m *Manager) HandleCreateConnectionFailure(id string, cause call.DisconnectCause) {
	m.withCall(id, "create_connection_failure", func(c *call.Call) {
		c.HandleCreateConnectionFailure(cause)
	})
}

// MarkCallAsDialing records that the remote party is being alerted.
func (m *Manager) MarkCallAsDialing(id string) {
	m.withCall(id, "dialing", func(c *call.Call) {
		c.SetState(call.StateDialing, "dialing set explicitly")
	})
}

// MarkCallAsPulling records that an external call is being pulled.
func (m *Manager) MarkCallAsPulling(id string) {
	m.withCall(id, "pulling", func(c *call.Call) {
		c.SetState(call.StatePulling, "pulling set explicitly")
	})
}

// MarkCallAsActive records that the call connected. A self-managed call
// takes focus before it goes active.
func (m *Manager) MarkCallAsActive(id string) {
	m.withCall(id, "active", func(c *call.Call) {
		if !c.IsSelfManaged() {
			c.SetState(call.StateActive, "active set explicitly")
			return
		}
		m.focus.RequestFocus(c, func() {
			if c.State().IsTerminal() {
				return
			}
			c.SetState(call.StateActive, "active set explicitly for self-managed call")
		})
	})
}

// MarkCallAsOnHold records that the call is held.
func (m *Manager) MarkCallAsOnHold(id string) {
	m.withCall(id, "on_hold", func(c *call.Call) {
		c.SetState(call.StateOnHold, "on hold set explicitly")
	})
}

// MarkCallAsDisconnecting records that the service is tearing the call down.
func (m *Manager) MarkCallAsDisconnecting(id string) {
	m.withCall(id, "disconnecting", func(c *call.Call) {
		c.SetState(call.StateDisconnecting, "disconnecting set explicitly")
	})
}

// MarkCallAsDisconnected records that the call ended with cause.
func (m *Manager) MarkCallAsDisconnected(id string, cause call.DisconnectCause) {
	m.withCall(id, "disconnected", func(c *call.Call) {
		m.markCallAsDisconnected(c, cause)
	})
}

// MarkCallAsRemoved drops the call from the registry.
func (m *Manager) MarkCallAsRemoved(id string) {
	m.withCall(id, "removed", func(c *call.Call) {
		m.markCallAsRemoved(c)
	})
}

// SetCallCapabilities applies the capabilities the service reports.
func (m *Manager) SetCallCapabilities(id string, caps call.Capabilities) {
	m.withCall(id, "capabilities", func(c *call.Call) { c.SetCapabilities(caps) })
}

// SetCallProperties applies the properties the service reports.
func (m *Manager) SetCallProperties(id string, props call.Properties) {
	m.withCall(id, "properties", func(c *call.Call) { c.SetProperties(props) })
}

// SetCallParent makes parentID the conference parent of id. An empty
// parentID detaches the call.
func (m *Manager) SetCallParent(id, parentID string) {
	m.withCall(id, "parent", func(c *call.Call) {
		if parentID == "" {
			c.SetParent(nil)
			return
		}
		parent := m.Call(parentID)
		if parent == nil {
			c.Logger().Warn("unknown conference parent", zap.String("parent_id", parentID))
			return
		}
		c.SetParent(parent)
	})
}

func (m *Manager) markCallAsDisconnected(c *call.Call, cause call.DisconnectCause) {
	c.SetDisconnectCause(cause)
	if c.IsEmergency() {
		m.noteEmergencyCall(c.TargetAccount())
	}
	c.SetState(call.StateDisconnected, "disconnected set explicitly")
	m.logFinishedCall(c)
}

func (m *Manager) markCallAsRemoved(c *call.Call) {
	_, local := m.locallyDisconnecting[c]
	child := c.IsDisconnectingChild()
	if c.IsHandoverInProgress() {
		m.failHandover(c, call.HandoverFailureUnknown)
	}
	c.DetachLinks()
	m.cancelPrompts(c.ID())
	m.removeCall(c)

	fg := m.foregroundCall()
	if fg == nil || fg.State() != call.StateOnHold {
		return
	}
	// Ending the foreground call brings back the held call the user was
	// last talking to, unless a conference member merely left.
	if local && !child && areFromSameSource(fg, c) {
		fg.Unhold("call " + c.ID() + " ended locally")
		return
	}
	if !supportsHold(fg) {
		fg.Unhold("held call cannot stay on hold alone")
	}
}

// failCall ends a call the manager gives up on.
func (m *Manager) failCall(c *call.Call, cause call.DisconnectCause) {
	m.markCallAsDisconnected(c, cause)
	m.markCallAsRemoved(c)
}

// abandonOutgoing ends an outgoing call that never reached its connection
// service. Listeners see OnCreateConnectionFailed before the removal.
func (m *Manager) abandonOutgoing(c *call.Call, cause call.DisconnectCause) {
	if c.State().IsTerminal() {
		return
	}
	c.SetDisconnectCause(cause)
	m.notify(func(l Listener) { l.OnCreateConnectionFailed(c, cause) })
	m.failCall(c, cause)
}

// logFinishedCall writes the call log entry once per call.
func (m *Manager) logFinishedCall(c *call.Call) {
	if c.IsExternal() {
		return
	}
	kind := LogOutgoing
	notify := false
	if c.IsIncoming() {
		switch {
		case c.DisconnectCause().Code == call.DisconnectRejected && !c.HasGoneActiveBefore():
			kind = LogRejected
		case c.DisconnectCause().Code == call.DisconnectMissed, !c.HasGoneActiveBefore():
			kind, notify = LogMissed, true
		default:
			kind = LogIncoming
		}
	}
	m.logCall(c, kind, notify)
}

func (m *Manager) logCall(c *call.Call, kind LogKind, showNotification bool) {
	if _, ok := m.logged[c]; ok {
		return
	}
	m.logged[c] = struct{}{}
	if m.callLog != nil {
		m.callLog.LogCall(c.Info(), kind, showNotification)
	}
}

// forceDisconnect ends a call the watchdog found stuck.
func (m *Manager) forceDisconnect(c *call.Call, cause call.DisconnectCause) {
	c.SetOverrideDisconnectCause(cause)
	if c.State() == call.StateDisconnecting {
		m.markCallAsDisconnected(c, cause)
		m.markCallAsRemoved(c)
		return
	}
	c.Disconnect(cause.Reason)
	if m.IsRegistered(c) && !c.State().IsTerminal() && c.IsCreateConnectionComplete() {
		// Disconnect swaps in a rejected or missed cause for screening calls.
		c.SetOverrideDisconnectCause(cause)
		c.SetState(call.StateDisconnecting, "forced by watchdog")
	}
}

// releaseConnectionService disconnects the calls of a service that kept focus
// past its release timeout.
func (m *Manager) releaseConnectionService(cs call.ConnectionServiceFocus) {
	for _, c := range m.Calls() {
		if owner := c.FocusOwner(); owner != nil && owner == cs {
			c.Disconnect("connection service did not release focus")
		}
	}
}
