package call

// EndpointType is the kind of audio endpoint a call can be routed to.
type EndpointType int

const (
	EndpointUnknown EndpointType = iota
	EndpointEarpiece
	EndpointBluetooth
	EndpointWiredHeadset
	EndpointSpeaker
	EndpointStreaming
)

func (e EndpointType) String() string {
	switch e {
	case EndpointEarpiece:
		return "EARPIECE"
	case EndpointBluetooth:
		return "BLUETOOTH"
	case EndpointWiredHeadset:
		return "WIRED_HEADSET"
	case EndpointSpeaker:
		return "SPEAKER"
	case EndpointStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is a concrete audio endpoint.
type Endpoint struct {
	Type EndpointType `json:"type"`
	Name string       `json:"name"`
	ID   string       `json:"id"`
}

// AudioState is what the audio router reports after every routing change.
type AudioState struct {
	Muted     bool       `json:"muted"`
	Active    Endpoint   `json:"active"`
	Available []Endpoint `json:"available"`
}
