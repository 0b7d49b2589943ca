package call

import "time"

// Listener observes a single call. Callbacks run synchronously on the event
// loop in registration order.
type Listener interface {
	OnStateChanged(c *Call, oldState, newState State)
	OnCreateConnectionSucceeded(c *Call)
	OnCreateConnectionFailed(c *Call, cause DisconnectCause)
	// OnCanceledForReuse is offered a call aborted with a reuse window. The
	// first listener returning true takes over its disconnection.
	OnCanceledForReuse(c *Call, window time.Duration) bool
	OnCapabilitiesChanged(c *Call, oldCaps, newCaps Capabilities)
	OnPropertiesChanged(c *Call, oldProps, newProps Properties)
	OnParentChanged(c *Call)
	OnChildrenChanged(c *Call)
	OnHandoverStateChanged(c *Call, oldState, newState HandoverState)
}

// BaseListener implements Listener with no-ops for embedding.
type BaseListener struct{}

func (BaseListener) OnStateChanged(*Call, State, State)                      {}
func (BaseListener) OnCreateConnectionSucceeded(*Call)                       {}
func (BaseListener) OnCreateConnectionFailed(*Call, DisconnectCause)         {}
func (BaseListener) OnCanceledForReuse(*Call, time.Duration) bool            { return false }
func (BaseListener) OnCapabilitiesChanged(*Call, Capabilities, Capabilities) {}
func (BaseListener) OnPropertiesChanged(*Call, Properties, Properties)       {}
func (BaseListener) OnParentChanged(*Call)                                   {}
func (BaseListener) OnChildrenChanged(*Call)                                 {}
func (BaseListener) OnHandoverStateChanged(*Call, HandoverState, HandoverState) {
}
