package callsmanager

import "github.com/jkindrix/callcore/internal/call"

// Listener observes the call registry. Callbacks run on the event loop, in
// registration order, and must not block.
type Listener interface {
	OnCallAdded(c *call.Call)
	OnCallRemoved(c *call.Call)
	OnCallStateChanged(c *call.Call, oldState, newState call.State)
	OnIncomingCallAnswered(c *call.Call)
	OnIncomingCallRejected(c *call.Call, message string)
	OnCreateConnectionFailed(c *call.Call, cause call.DisconnectCause)
	OnCanAddCallChanged(canAdd bool)
	OnExternalCallChanged(c *call.Call, external bool)
	OnHandoverComplete(source, destination *call.Call)
	OnHandoverFailed(c *call.Call, reason call.HandoverFailure)
	OnCallAudioStateChanged(oldState, newState call.AudioState)
	OnCallEndpointChanged(c *call.Call, endpoint call.Endpoint)
	OnMuteStateChanged(muted bool)
	OnCallStreamingStateChanged(c *call.Call, streaming bool)
}

// BaseListener implements Listener with no-ops for embedding.
type BaseListener struct{}

func (BaseListener) OnCallAdded(*call.Call)                                {}
func (BaseListener) OnCallRemoved(*call.Call)                              {}
func (BaseListener) OnCallStateChanged(*call.Call, call.State, call.State) {}
func (BaseListener) OnIncomingCallAnswered(*call.Call)                     {}
func (BaseListener) OnIncomingCallRejected(*call.Call, string)             {}
func (BaseListener) OnCreateConnectionFailed(*call.Call, call.DisconnectCause) {
}
func (BaseListener) OnCanAddCallChanged(bool)                          {}
func (BaseListener) OnExternalCallChanged(*call.Call, bool)            {}
func (BaseListener) OnHandoverComplete(*call.Call, *call.Call)         {}
func (BaseListener) OnHandoverFailed(*call.Call, call.HandoverFailure) {}
func (BaseListener) OnCallAudioStateChanged(call.AudioState, call.AudioState) {
}
func (BaseListener) OnCallEndpointChanged(*call.Call, call.Endpoint) {}
func (BaseListener) OnMuteStateChanged(bool)                         {}
func (BaseListener) OnCallStreamingStateChanged(*call.Call, bool)    {}

// AddListener registers l. Safe from any goroutine; the registration is
// applied on the loop.
func (m *Manager) AddListener(l Listener) {
	m.loop.Post(func() {
		for _, x := range m.listeners {
			if x == l {
				return
			}
		}
		m.listeners = append(m.listeners, l)
	})
}

// RemoveListener unregisters l.
func (m *Manager) RemoveListener(l Listener) {
	m.loop.Post(func() {
		for i, x := range m.listeners {
			if x == l {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	})
}

// notify fans fn out to a snapshot of the listeners, so listeners may
// unregister themselves while being notified.
func (m *Manager) notify(fn func(Listener)) {
	ls := make([]Listener, len(m.listeners))
	copy(ls, m.listeners)
	for _, l := range ls {
		fn(l)
	}
}

// NotifyCallAudioStateChanged fans an audio route change out to listeners.
// Loop only.
func (m *Manager) NotifyCallAudioStateChanged(oldState, newState call.AudioState) {
	m.notify(func(l Listener) { l.OnCallAudioStateChanged(oldState, newState) })
}

// NotifyCallEndpointChanged reports the endpoint a call's audio moved to.
// Loop only.
func (m *Manager) NotifyCallEndpointChanged(c *call.Call, endpoint call.Endpoint) {
	m.notify(func(l Listener) { l.OnCallEndpointChanged(c, endpoint) })
}

// NotifyMuteStateChanged reports a microphone mute change. Loop only.
func (m *Manager) NotifyMuteStateChanged(muted bool) {
	m.notify(func(l Listener) { l.OnMuteStateChanged(muted) })
}

// NotifyCallStreamingStateChanged reports a call starting or stopping
// streaming to another device. Loop only.
func (m *Manager) NotifyCallStreamingStateChanged(c *call.Call, streaming bool) {
	m.notify(func(l Listener) { l.OnCallStreamingStateChanged(c, streaming) })
}
