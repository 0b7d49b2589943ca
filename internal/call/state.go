package call

// State is the lifecycle state of a call. Any state may follow any other:
// connection services are authoritative over the real call and may report
// transitions that look odd locally.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateSelectPhoneAccount
	StateDialing
	StateRinging
	StateActive
	StateOnHold
	StateDisconnected
	StateAborted
	StateDisconnecting
	StatePulling
	StateAnswered
	StateAudioProcessing
	StateSimulatedRinging
)

var stateNames = map[State]string{
	StateNew:                "NEW",
	StateConnecting:         "CONNECTING",
	StateSelectPhoneAccount: "SELECT_PHONE_ACCOUNT",
	StateDialing:            "DIALING",
	StateRinging:            "RINGING",
	StateActive:             "ACTIVE",
	StateOnHold:             "ON_HOLD",
	StateDisconnected:       "DISCONNECTED",
	StateAborted:            "ABORTED",
	StateDisconnecting:      "DISCONNECTING",
	StatePulling:            "PULLING",
	StateAnswered:           "ANSWERED",
	StateAudioProcessing:    "AUDIO_PROCESSING",
	StateSimulatedRinging:   "SIMULATED_RINGING",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseState maps a state name back to a State.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Policy sets.
var (
	TransitoryStates   = []State{StateNew, StateConnecting, StateDisconnecting, StateAnswered}
	IntermediateStates = []State{StateDialing, StateRinging, StateAudioProcessing}
	LiveStates         = []State{StateConnecting, StateSelectPhoneAccount, StateDialing, StatePulling, StateActive, StateAudioProcessing}
	OutgoingStates     = []State{StateConnecting, StateSelectPhoneAccount, StateDialing, StatePulling}
	RingingStates      = []State{StateRinging, StateAnswered}
	DialingStates      = []State{StateDialing, StatePulling}
	HoldingStates      = []State{StateOnHold}
	AnyState           []State
)

func in(s State, set []State) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// In reports whether s is a member of set. A nil set matches every state.
func (s State) In(set []State) bool {
	if set == nil {
		return true
	}
	return in(s, set)
}

// IsTransitory reports whether s is a mid-setup state.
func (s State) IsTransitory() bool { return in(s, TransitoryStates) }

// IsIntermediate reports whether s is stable but not settled.
func (s State) IsIntermediate() bool { return in(s, IntermediateStates) }

// IsLive reports whether s counts against the live call limit.
func (s State) IsLive() bool { return in(s, LiveStates) }

// IsOutgoing reports whether s is an outgoing setup state.
func (s State) IsOutgoing() bool { return in(s, OutgoingStates) }

// IsTerminal reports whether the call is finished.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateAborted
}

// IsOngoing reports whether s counts as being in a call.
func (s State) IsOngoing() bool {
	switch s {
	case StateNew, StateDisconnected, StateAborted, StateSelectPhoneAccount, StateSimulatedRinging:
		return false
	}
	return true
}

// IsRinging reports whether s is an incoming ringing state.
func (s State) IsRinging() bool {
	return s == StateRinging || s == StateAnswered || s == StateSimulatedRinging
}

// Direction is the direction of a call.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// HandoverState tracks a call taking part in a handover.
type HandoverState int

const (
	HandoverNone HandoverState = iota
	HandoverToStarted
	HandoverFromStarted
	HandoverAccepted
	HandoverComplete
	HandoverFailed
)

func (h HandoverState) String() string {
	switch h {
	case HandoverToStarted:
		return "HANDOVER_TO_STARTED"
	case HandoverFromStarted:
		return "HANDOVER_FROM_STARTED"
	case HandoverAccepted:
		return "HANDOVER_ACCEPTED"
	case HandoverComplete:
		return "HANDOVER_COMPLETE"
	case HandoverFailed:
		return "HANDOVER_FAILED"
	default:
		return "NONE"
	}
}

// IsInProgress reports whether a handover is under way.
func (h HandoverState) IsInProgress() bool {
	return h == HandoverToStarted || h == HandoverFromStarted || h == HandoverAccepted
}

// Capabilities are connection capability bits reported by the connection service.
type Capabilities uint32

const (
	CapabilityHold Capabilities = 1 << iota
	CapabilitySupportHold
	CapabilityMergeConference
	CapabilitySwapConference
	CapabilityMute
	CapabilityManageConference
	CapabilityCanPull
	CapabilityDisconnectFromConference
)

// Has reports whether every bit in c is set.
func (c Capabilities) Has(x Capabilities) bool { return c&x == x }

// Properties are connection property bits.
type Properties uint32

const (
	PropertyExternal Properties = 1 << iota
	PropertyConference
	PropertyEmergencyCallbackMode
	PropertyRTT
	PropertyVoIPAudioMode
	PropertyHighDefAudio
	PropertyNetworkIdentifiedEmergency
	PropertyDisableAddCall
)

// Has reports whether every bit in p is set.
func (p Properties) Has(x Properties) bool { return p&x == x }
