package call

// ConnectionServiceFocus is the focus capability of a connection service: the
// thing that can own the single live call resource.
type ConnectionServiceFocus interface {
	// ConnectionServiceFocusLost asks the service to release the resource.
	// It answers by calling FocusListener.OnConnectionServiceReleased.
	ConnectionServiceFocusLost()
	// ConnectionServiceFocusGained tells the service it now owns the resource.
	ConnectionServiceFocusGained()
	SetConnectionServiceFocusListener(l FocusListener)
	// ComponentName identifies the service in logs.
	ComponentName() string
}

// FocusListener receives release and death signals from a focus holder.
type FocusListener interface {
	OnConnectionServiceReleased(cs ConnectionServiceFocus)
	OnConnectionServiceDeath(cs ConnectionServiceFocus)
}

// ConnectionService is the external owner of real calls. Every method must
// return promptly; results come back asynchronously through the calls manager.
type ConnectionService interface {
	ConnectionServiceFocus

	CreateConnection(info Info)
	CreateConnectionFailed(info Info)
	Abort(callID string)
	Answer(callID string)
	Reject(callID string, message string)
	Disconnect(callID string)
	Hold(callID string)
	Unhold(callID string)
	Silence(callID string)
	SendCallEvent(callID string, event string)
	HandoverFailed(callID string, reason HandoverFailure)
	HandoverComplete(callID string)
}

// HandoverFailure is the reason code reported when a handover fails.
type HandoverFailure int

const (
	HandoverFailureDestAppRejected HandoverFailure = iota + 1
	HandoverFailureNotSupported
	HandoverFailureUserRejected
	HandoverFailureOngoingEmergencyCall
	HandoverFailureUnknown
)

func (h HandoverFailure) String() string {
	switch h {
	case HandoverFailureDestAppRejected:
		return "DEST_APP_REJECTED"
	case HandoverFailureNotSupported:
		return "NOT_SUPPORTED"
	case HandoverFailureUserRejected:
		return "USER_REJECTED"
	case HandoverFailureOngoingEmergencyCall:
		return "ONGOING_EMERGENCY_CALL"
	default:
		return "UNKNOWN"
	}
}

// Call events exchanged during handover.
const (
	EventHandoverComplete         = "callcore.event.HANDOVER_COMPLETE"
	EventHandoverFailed           = "callcore.event.HANDOVER_FAILED"
	EventHandoverSourceDisconnect = "callcore.event.HANDOVER_SOURCE_DISCONNECTED"
)
