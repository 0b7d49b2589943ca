// Package phoneaccount contains phone account handles, account metadata and an
// in-memory registrar used to resolve which accounts can place a call.
package phoneaccount

import (
	"fmt"
	"strings"
)

// Handle identifies a phone account: the package that owns the connection
// service, the service within it, and the account id.
type Handle struct {
	Package string `json:"package" mapstructure:"package"`
	Service string `json:"service" mapstructure:"service"`
	ID      string `json:"id" mapstructure:"id"`
	User    int    `json:"user" mapstructure:"user"`
}

// String renders the handle for logs.
func (h Handle) String() string {
	return fmt.Sprintf("%s/%s#%s@%d", h.Package, h.Service, h.ID, h.User)
}

// Equal compares two possibly nil handles.
func Equal(a, b *Handle) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AreFromSamePackage reports whether both handles belong to the same package.
// Two nil handles are considered the same package; one nil handle is not.
func AreFromSamePackage(a, b *Handle) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Package == b.Package
}

// Capability is an account capability bit.
type Capability uint32

const (
	CapCallProvider Capability = 1 << iota
	CapConnectionManager
	CapSimSubscription
	CapVideoCalling
	CapPlaceEmergencyCalls
	CapEmergencyCallsOnly
	CapSelfManaged
	CapRTT
	CapSupportsHandoverTo
	CapSupportsHandoverFrom
	CapSupportsTransactionalOperations
	CapAlwaysUseVoIPAudioMode
)

// Account is the registered description of a phone account.
type Account struct {
	Handle           Handle     `json:"handle"`
	Label            string     `json:"label"`
	Capabilities     Capability `json:"capabilities"`
	SupportedSchemes []string   `json:"supported_schemes"`
	Enabled          bool       `json:"enabled"`
}

// Has reports whether every bit in c is set.
func (a Account) Has(c Capability) bool {
	return a.Capabilities&c == c
}

// IsSelfManaged reports whether the account's app manages its own calls.
func (a Account) IsSelfManaged() bool {
	return a.Has(CapSelfManaged)
}

// SupportsScheme reports whether the account can dial URIs with scheme.
// An empty scheme matches any account.
func (a Account) SupportsScheme(scheme string) bool {
	if scheme == "" {
		return true
	}
	for _, s := range a.SupportedSchemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

// SuggestionReason explains why an account was suggested.
type SuggestionReason int

const (
	SuggestionReasonNone SuggestionReason = iota
	SuggestionReasonIntraCarrier
	SuggestionReasonFrequent
	SuggestionReasonUserSet
	SuggestionReasonOther
)

// Suggestion is a ranked candidate account for an outgoing call.
type Suggestion struct {
	Handle           Handle           `json:"handle"`
	Reason           SuggestionReason `json:"reason"`
	ShouldAutoSelect bool             `json:"should_auto_select"`
}

// DefaultSuggestions wraps handles without ranking information.
func DefaultSuggestions(handles []Handle) []Suggestion {
	out := make([]Suggestion, 0, len(handles))
	for _, h := range handles {
		out = append(out, Suggestion{Handle: h, Reason: SuggestionReasonNone})
	}
	return out
}

// Scheme returns the URI scheme of an address such as "tel:5551234".
func Scheme(address string) string {
	if i := strings.IndexByte(address, ':'); i > 0 {
		return strings.ToLower(address[:i])
	}
	return ""
}

// SchemeSpecificPart returns the part of an address after its scheme.
func SchemeSpecificPart(address string) string {
	if i := strings.IndexByte(address, ':'); i > 0 {
		return address[i+1:]
	}
	return address
}

var capabilityNames = map[string]Capability{
	"call_provider":                     CapCallProvider,
	"connection_manager":                CapConnectionManager,
	"sim_subscription":                  CapSimSubscription,
	"video_calling":                     CapVideoCalling,
	"place_emergency_calls":             CapPlaceEmergencyCalls,
	"emergency_calls_only":              CapEmergencyCallsOnly,
	"self_managed":                      CapSelfManaged,
	"rtt":                               CapRTT,
	"supports_handover_to":              CapSupportsHandoverTo,
	"supports_handover_from":            CapSupportsHandoverFrom,
	"supports_transactional_operations": CapSupportsTransactionalOperations,
	"always_use_voip_audio_mode":        CapAlwaysUseVoIPAudioMode,
}

// ParseCapabilities folds capability names such as "self_managed" into a
// bit set.
func ParseCapabilities(names []string) (Capability, error) {
	var caps Capability
	for _, n := range names {
		c, ok := capabilityNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown phone account capability %q", n)
		}
		caps |= c
	}
	return caps, nil
}
