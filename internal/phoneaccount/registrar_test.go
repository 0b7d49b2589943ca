package phoneaccount

import (
	"testing"
)

func simAccount(id string) Account {
	return Account{
		Handle:           Handle{Package: "com.carrier.telephony", Service: "TelephonyConnectionService", ID: id},
		Label:            "SIM " + id,
		Capabilities:     CapCallProvider | CapSimSubscription | CapPlaceEmergencyCalls,
		SupportedSchemes: []string{"tel", "voicemail"},
		Enabled:          true,
	}
}

func TestAreFromSamePackage(t *testing.T) {
	a := &Handle{Package: "com.a", ID: "1"}
	a2 := &Handle{Package: "com.a", ID: "2"}
	b := &Handle{Package: "com.b", ID: "1"}

	tests := []struct {
		name string
		x, y *Handle
		want bool
	}{
		{"same package different id", a, a2, true},
		{"different package", a, b, false},
		{"both nil", nil, nil, true},
		{"one nil", a, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AreFromSamePackage(tt.x, tt.y); got != tt.want {
				t.Errorf("AreFromSamePackage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"tel:5551234":       "tel",
		"SIP:alice@example": "sip",
		"5551234":           "",
		"voicemail:":        "voicemail",
	}
	for in, want := range tests {
		if got := Scheme(in); got != want {
			t.Errorf("Scheme(%q) = %q, want %q", in, got, want)
		}
	}
	if got := SchemeSpecificPart("tel:911"); got != "911" {
		t.Errorf("SchemeSpecificPart() = %q, want 911", got)
	}
}

func TestMemoryRegistrar_CallCapable(t *testing.T) {
	r := NewMemoryRegistrar(nil)
	sim1, sim2 := simAccount("1"), simAccount("2")
	voip := Account{
		Handle:           Handle{Package: "com.voip", Service: "VoipService", ID: "me"},
		Capabilities:     CapCallProvider | CapSelfManaged,
		SupportedSchemes: []string{"sip"},
		Enabled:          true,
	}
	disabled := simAccount("3")
	disabled.Enabled = false
	emergencyOnly := simAccount("4")
	emergencyOnly.Capabilities |= CapEmergencyCallsOnly

	for _, a := range []Account{sim1, sim2, voip, disabled, emergencyOnly} {
		r.Register(a)
	}

	got := r.CallCapable(Query{Scheme: "tel", Excluded: CapEmergencyCallsOnly})
	if len(got) != 2 || got[0] != sim1.Handle || got[1] != sim2.Handle {
		t.Errorf("CallCapable(tel) = %v, want [sim1 sim2]", got)
	}

	got = r.CallCapable(Query{Scheme: "tel", IncludeDisabled: true})
	if len(got) != 4 {
		t.Errorf("CallCapable(tel, disabled) len = %d, want 4", len(got))
	}

	got = r.CallCapable(Query{Scheme: "sip"})
	if len(got) != 1 || got[0] != voip.Handle {
		t.Errorf("CallCapable(sip) = %v, want [voip]", got)
	}

	if got := r.CallCapable(Query{Scheme: "tel", User: 10}); len(got) != 0 {
		t.Errorf("CallCapable(other user) = %v, want none", got)
	}
}

func TestMemoryRegistrar_Defaults(t *testing.T) {
	r := NewMemoryRegistrar(nil)
	sim1 := simAccount("1")
	r.Register(sim1)

	if _, ok := r.OutgoingDefault("tel", 0); ok {
		t.Fatal("OutgoingDefault() set before SetOutgoingDefault")
	}

	r.SetOutgoingDefault(sim1.Handle)
	h, ok := r.OutgoingDefault("tel", 0)
	if !ok || h != sim1.Handle {
		t.Errorf("OutgoingDefault(tel) = %v, %v; want sim1", h, ok)
	}

	r.Unregister(sim1.Handle)
	if _, ok := r.OutgoingDefault("tel", 0); ok {
		t.Error("OutgoingDefault() survived Unregister")
	}
}

func TestMemoryRegistrar_SimAccounts(t *testing.T) {
	r := NewMemoryRegistrar(nil)
	r.Register(simAccount("1"))
	r.Register(Account{Handle: Handle{Package: "com.voip", ID: "x"}, Capabilities: CapCallProvider})

	if got := r.SimAccounts(0); len(got) != 1 {
		t.Errorf("SimAccounts() = %v, want 1 entry", got)
	}
}
