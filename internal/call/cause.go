package call

import "fmt"

// DisconnectCode classifies why a call ended.
type DisconnectCode int

const (
	DisconnectUnknown DisconnectCode = iota
	DisconnectError
	DisconnectLocal
	DisconnectRemote
	DisconnectCanceled
	DisconnectMissed
	DisconnectRejected
	DisconnectBusy
	DisconnectRestricted
	DisconnectOther
	DisconnectConnectionManagerNotSupported
	DisconnectAnsweredElsewhere
	DisconnectCallPulled
)

var disconnectNames = map[DisconnectCode]string{
	DisconnectUnknown:                       "UNKNOWN",
	DisconnectError:                         "ERROR",
	DisconnectLocal:                         "LOCAL",
	DisconnectRemote:                        "REMOTE",
	DisconnectCanceled:                      "CANCELED",
	DisconnectMissed:                        "MISSED",
	DisconnectRejected:                      "REJECTED",
	DisconnectBusy:                          "BUSY",
	DisconnectRestricted:                    "RESTRICTED",
	DisconnectOther:                         "OTHER",
	DisconnectConnectionManagerNotSupported: "CONNECTION_MANAGER_NOT_SUPPORTED",
	DisconnectAnsweredElsewhere:             "ANSWERED_ELSEWHERE",
	DisconnectCallPulled:                    "CALL_PULLED",
}

func (c DisconnectCode) String() string {
	if n, ok := disconnectNames[c]; ok {
		return n
	}
	return fmt.Sprintf("DisconnectCode(%d)", int(c))
}

// Reasons attached to disconnect causes set by the orchestrator.
const (
	ReasonEmergencyCallPlaced = "REASON_EMERGENCY_CALL_PLACED"
	ReasonStateTimeout        = "state_timeout"
	ReasonMaxOutgoingCalls    = "max_outgoing_calls"
	ReasonCannotHold          = "cannot_hold_call"
	ReasonInEmergencyCall     = "in_emergency_call"
	ReasonNoAccounts          = "no_phone_accounts"
	ReasonUserCancelled       = "user_cancelled"
)

// DisconnectCause describes why a call ended.
type DisconnectCause struct {
	Code   DisconnectCode `json:"code"`
	Label  string         `json:"label,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// NewDisconnectCause builds a cause with a reason string.
func NewDisconnectCause(code DisconnectCode, reason string) DisconnectCause {
	return DisconnectCause{Code: code, Reason: reason}
}

func (d DisconnectCause) String() string {
	if d.Reason == "" {
		return d.Code.String()
	}
	return d.Code.String() + "(" + d.Reason + ")"
}

// MissedReason records why an incoming call was missed without ringing.
type MissedReason int

const (
	MissedReasonNone MissedReason = iota
	AutoMissedEmergencyCall
	AutoMissedMaximumRinging
	AutoMissedMaximumDialing
)

func (m MissedReason) String() string {
	switch m {
	case AutoMissedEmergencyCall:
		return "AUTO_MISSED_EMERGENCY_CALL"
	case AutoMissedMaximumRinging:
		return "AUTO_MISSED_MAXIMUM_RINGING"
	case AutoMissedMaximumDialing:
		return "AUTO_MISSED_MAXIMUM_DIALING"
	default:
		return "NONE"
	}
}
