package callsmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/call/calltest"
	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

var (
	sim1    = phoneaccount.Handle{Package: "com.callcore.telephony", Service: "TelephonyService", ID: "sim1"}
	sim2    = phoneaccount.Handle{Package: "com.callcore.telephony", Service: "TelephonyService", ID: "sim2"}
	carrier = phoneaccount.Handle{Package: "net.carrier.dialer", Service: "CarrierService", ID: "carrier"}
	voip    = phoneaccount.Handle{Package: "app.voip", Service: "VoipService", ID: "voip"}
)

type resolver map[phoneaccount.Handle]*calltest.Service

func (r resolver) Resolve(h phoneaccount.Handle) (call.ConnectionService, bool) {
	s, ok := r[h]
	if !ok {
		return nil, false
	}
	return s, true
}

type logEntry struct {
	info   call.Info
	kind   LogKind
	notify bool
}

type recordingLog struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLog) LogCall(info call.Info, kind LogKind, showNotification bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{info: info, kind: kind, notify: showNotification})
}

func (l *recordingLog) last(t *testing.T) logEntry {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.entries)
	return l.entries[len(l.entries)-1]
}

func (l *recordingLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type events struct {
	BaseListener
	registry         []string
	removed          []string
	answered         []string
	handoverComplete []string
	handoverFailed   []call.HandoverFailure
	canAdd           []bool
}

func (e *events) OnCallAdded(c *call.Call) { e.registry = append(e.registry, "added:"+c.ID()) }

func (e *events) OnCallRemoved(c *call.Call) {
	e.removed = append(e.removed, c.ID())
	e.registry = append(e.registry, "removed:"+c.ID()+"@"+c.State().String())
}

func (e *events) OnIncomingCallAnswered(c *call.Call) { e.answered = append(e.answered, c.ID()) }
func (e *events) OnCanAddCallChanged(v bool)          { e.canAdd = append(e.canAdd, v) }

func (e *events) OnHandoverComplete(src, dst *call.Call) {
	e.handoverComplete = append(e.handoverComplete, src.ID()+"->"+dst.ID())
}

func (e *events) OnHandoverFailed(_ *call.Call, reason call.HandoverFailure) {
	e.handoverFailed = append(e.handoverFailed, reason)
}

// failures records OnCreateConnectionFailed notifications.
type failures struct {
	BaseListener
	ids []string
}

func (f *failures) OnCreateConnectionFailed(c *call.Call, _ call.DisconnectCause) {
	f.ids = append(f.ids, c.ID())
}

type quietProfiles bool

func (q quietProfiles) IsQuietMode(int) bool { return bool(q) }

type fakeFilter struct {
	result FilteringResult
	err    error
}

func (f fakeFilter) Filter(context.Context, call.Info) (FilteringResult, error) {
	return f.result, f.err
}

type harness struct {
	t        *testing.T
	clk      *clock.Mock
	loop     *eventloop.Loop
	m        *Manager
	accounts *phoneaccount.MemoryRegistrar
	log      *recordingLog
	events   *events

	telephony *calltest.Service
	carrier   *calltest.Service
	voip      *calltest.Service
}

func newHarness(t *testing.T, opts ...func(*Config, *Deps)) *harness {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	loop := eventloop.New("callsmanager-test", clk, logger)
	require.NoError(t, loop.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})

	h := &harness{
		t:         t,
		clk:       clk,
		loop:      loop,
		accounts:  phoneaccount.NewMemoryRegistrar(logger),
		log:       &recordingLog{},
		events:    &events{},
		telephony: calltest.New("telephony"),
		carrier:   calltest.New("carrier"),
		voip:      calltest.New("voip"),
	}
	for _, s := range []*calltest.Service{h.telephony, h.carrier, h.voip} {
		s.OnFocusLost = func(s *calltest.Service) { s.Release() }
	}

	sim := phoneaccount.CapCallProvider | phoneaccount.CapSimSubscription |
		phoneaccount.CapPlaceEmergencyCalls | phoneaccount.CapSupportsHandoverFrom
	h.accounts.Register(phoneaccount.Account{Handle: sim1, Label: "SIM 1", Capabilities: sim, SupportedSchemes: []string{"tel"}, Enabled: true})
	h.accounts.Register(phoneaccount.Account{Handle: sim2, Label: "SIM 2", Capabilities: sim, SupportedSchemes: []string{"tel"}, Enabled: true})
	h.accounts.Register(phoneaccount.Account{
		Handle:           carrier,
		Label:            "Carrier",
		Capabilities:     phoneaccount.CapCallProvider | phoneaccount.CapPlaceEmergencyCalls,
		SupportedSchemes: []string{"tel"},
		Enabled:          true,
	})
	h.accounts.Register(phoneaccount.Account{
		Handle:           voip,
		Label:            "VoIP",
		Capabilities:     phoneaccount.CapCallProvider | phoneaccount.CapSelfManaged | phoneaccount.CapSupportsHandoverTo,
		SupportedSchemes: []string{"tel", "sip"},
		Enabled:          true,
	})

	cfg := DefaultConfig()
	deps := Deps{
		Loop:     loop,
		Accounts: h.accounts,
		Services: resolver{sim1: h.telephony, sim2: h.telephony, carrier: h.carrier, voip: h.voip},
		CallLog:  h.log,
		Logger:   logger,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.m = New(cfg, deps)
	h.m.AddListener(h.events)
	loop.Sync()
	return h
}

func (h *harness) on(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), fn))
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.loop.Sync()
}

func (h *harness) dial(req OutgoingRequest) (*call.Call, error) {
	h.t.Helper()
	f := h.m.StartOutgoingCall(context.Background(), req)
	h.loop.Sync()
	require.True(h.t, f.IsDone(), "outgoing call did not settle")
	return f.Result()
}

// dialActive places a call on acct and drives it to ACTIVE with caps.
func (h *harness) dialActive(acct phoneaccount.Handle, address string, caps call.Capabilities) *call.Call {
	h.t.Helper()
	c, err := h.dial(OutgoingRequest{Address: address, Account: &acct})
	require.NoError(h.t, err)
	h.m.HandleCreateConnectionSuccess(c.ID(), call.StateDialing)
	h.m.SetCallCapabilities(c.ID(), caps)
	h.m.MarkCallAsActive(c.ID())
	h.loop.Sync()
	require.Equal(h.t, call.StateActive, h.state(c))
	return c
}

// ring delivers an incoming call and completes its connection.
func (h *harness) ring(acct phoneaccount.Handle, address string) string {
	h.t.Helper()
	id := h.m.ProcessIncomingCall(IncomingRequest{Address: address, Account: acct})
	h.loop.Sync()
	h.m.HandleCreateConnectionSuccess(id, call.StateNew)
	h.loop.Sync()
	return id
}

func (h *harness) state(c *call.Call) call.State {
	var s call.State
	h.on(func() { s = c.State() })
	return s
}

func (h *harness) lookup(id string) *call.Call {
	var c *call.Call
	h.on(func() { c = h.m.Call(id) })
	return c
}

func (h *harness) registered(c *call.Call) bool {
	var ok bool
	h.on(func() { ok = h.m.IsRegistered(c) })
	return ok
}

func (h *harness) cause(c *call.Call) call.DisconnectCause {
	var cause call.DisconnectCause
	h.on(func() { cause = c.DisconnectCause() })
	return cause
}

func TestManager_OutgoingWithSingleAccount(t *testing.T) {
	h := newHarness(t)

	c, err := h.dial(OutgoingRequest{Address: "tel:5551234", Account: &sim1})
	require.NoError(t, err)
	require.Equal(t, call.StateConnecting, h.state(c))
	require.True(t, h.registered(c))
	require.Equal(t, 1, h.telephony.Count("create", c.ID()))
	require.Equal(t, 1, h.telephony.FocusGained())

	canAdd, err := h.m.CanAddCall(context.Background())
	require.NoError(t, err)
	require.True(t, canAdd)
}

func TestManager_OutgoingRequiresAddress(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.StartOutgoingCall(context.Background(), OutgoingRequest{}).Result()
	require.Equal(t, apperrors.CodeMissingField, apperrors.GetCode(err))
}

func TestManager_CancelPendingAccountSelection(t *testing.T) {
	h := newHarness(t)
	failed := &failures{}
	h.m.AddListener(failed)

	c, err := h.dial(OutgoingRequest{Address: "tel:5551234"})
	require.NoError(t, err)
	require.Equal(t, call.StateSelectPhoneAccount, h.state(c))

	snap, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, c.ID(), snap.PendingAccountSelection)

	require.NoError(t, h.m.CancelPendingCall(context.Background(), c.ID()))
	h.loop.Sync()

	require.Equal(t, call.StateDisconnected, h.state(c))
	require.Equal(t, call.DisconnectCanceled, h.cause(c).Code)
	require.False(t, h.registered(c))
	require.Nil(t, h.lookup(c.ID()))
	require.Contains(t, h.events.removed, c.ID())
	require.Equal(t, []string{c.ID()}, failed.ids)
	require.Zero(t, h.telephony.Count("create", ""))

	snap, err = h.m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.PendingAccountSelection)
	require.Empty(t, snap.Calls)

	err = h.m.CancelPendingCall(context.Background(), c.ID())
	require.True(t, apperrors.IsNotFound(err))
}

func TestManager_AccountSelectionCompletesCall(t *testing.T) {
	h := newHarness(t)

	c, err := h.dial(OutgoingRequest{Address: "tel:5551234"})
	require.NoError(t, err)

	err = h.m.PhoneAccountSelected(context.Background(), c.ID(), phoneaccount.Handle{ID: "missing"}, false)
	require.Equal(t, apperrors.CodeInvalidInput, apperrors.GetCode(err))

	require.NoError(t, h.m.PhoneAccountSelected(context.Background(), c.ID(), sim2, true))
	h.loop.Sync()

	require.Equal(t, call.StateConnecting, h.state(c))
	var target *phoneaccount.Handle
	h.on(func() { target = c.TargetAccount() })
	require.Equal(t, sim2, *target)
	require.Equal(t, 1, h.telephony.Count("create", c.ID()))

	def, ok := h.accounts.OutgoingDefault("tel", 0)
	require.True(t, ok)
	require.Equal(t, sim2, def)

	h.m.MarkCallAsDisconnected(c.ID(), call.NewDisconnectCause(call.DisconnectRemote, ""))
	h.m.MarkCallAsRemoved(c.ID())
	h.loop.Sync()

	// The default now skips the prompt.
	next, err := h.dial(OutgoingRequest{Address: "tel:5550000"})
	require.NoError(t, err)
	h.on(func() { target = next.TargetAccount() })
	require.Equal(t, sim2, *target)
}

func TestManager_SelectionPromptTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.ConfirmationTimeout = 30 * time.Second })

	c, err := h.dial(OutgoingRequest{Address: "tel:5551234"})
	require.NoError(t, err)

	h.advance(30 * time.Second)
	require.Equal(t, call.StateDisconnected, h.state(c))
	require.Equal(t, call.DisconnectCanceled, h.cause(c).Code)
	require.False(t, h.registered(c))
}

func TestManager_MakeRoomSkipsSamePackage(t *testing.T) {
	h := newHarness(t)
	live := h.dialActive(sim2, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)

	acct := sim1
	c := call.New(call.Options{ID: "next", Direction: call.DirectionOutgoing, Address: "tel:5550002", Account: &acct}, h.clk, zaptest.NewLogger(t))
	var (
		ok     bool
		reason string
	)
	h.on(func() { ok, reason = h.m.makeRoomForOutgoingCall(c) })

	require.True(t, ok)
	require.Empty(t, reason)
	require.Zero(t, h.telephony.Count("hold", live.ID()))
	require.Zero(t, h.telephony.Count("disconnect", live.ID()))
	require.Equal(t, call.StateActive, h.state(live))
}

func TestManager_MakeRoomForEmergencyCall(t *testing.T) {
	tests := []struct {
		name       string
		account    phoneaccount.Handle
		wantHold   int
		wantDrop   int
		wantReason string
	}{
		{name: "same package is held", account: sim2, wantHold: 1},
		{name: "other package is disconnected", account: carrier, wantDrop: 1, wantReason: call.ReasonEmergencyCallPlaced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			live := h.dialActive(tt.account, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)
			svc := h.telephony
			if tt.account == carrier {
				svc = h.carrier
			}

			acct := sim1
			c := call.New(call.Options{
				ID:        "sos",
				Direction: call.DirectionOutgoing,
				Address:   "tel:911",
				Account:   &acct,
				Emergency: true,
			}, h.clk, zaptest.NewLogger(t))
			var ok bool
			h.on(func() { ok, _ = h.m.makeRoomForOutgoingEmergencyCall(c) })

			require.True(t, ok)
			require.Equal(t, tt.wantHold, svc.Count("hold", live.ID()))
			require.Equal(t, tt.wantDrop, svc.Count("disconnect", live.ID()))

			if tt.wantDrop > 0 {
				h.m.MarkCallAsDisconnected(live.ID(), call.NewDisconnectCause(call.DisconnectRemote, ""))
				h.loop.Sync()
				cause := h.cause(live)
				require.Equal(t, call.DisconnectLocal, cause.Code)
				require.Equal(t, tt.wantReason, cause.Reason)
			}
		})
	}
}

func TestManager_OutgoingHoldsActiveCall(t *testing.T) {
	h := newHarness(t)
	live := h.dialActive(carrier, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)

	c, err := h.dial(OutgoingRequest{Address: "tel:5550002", Account: &sim1})
	require.NoError(t, err)

	require.Equal(t, 1, h.carrier.Count("hold", live.ID()))
	require.Equal(t, call.StateConnecting, h.state(c))
	require.Equal(t, 1, h.telephony.Count("create", c.ID()))
	require.Equal(t, 1, h.carrier.FocusLost())
}

func TestManager_OutgoingRefusedWhenLiveCallCannotHold(t *testing.T) {
	h := newHarness(t)
	live := h.dialActive(carrier, "tel:5550001", 0)

	c, err := h.dial(OutgoingRequest{ID: "refused", Address: "tel:5550002", Account: &sim1})
	require.Nil(t, c)
	require.Equal(t, apperrors.CodePolicyRejected, apperrors.GetCode(err))

	entry := h.log.last(t)
	require.Equal(t, "refused", entry.info.ID)
	require.Equal(t, LogOutgoing, entry.kind)
	require.Equal(t, call.DisconnectRestricted, entry.info.DisconnectCause.Code)
	require.Equal(t, call.ReasonCannotHold, entry.info.DisconnectCause.Reason)
	require.Equal(t, call.StateActive, h.state(live))
	require.Nil(t, h.lookup("refused"))
}

func TestManager_SelfManagedCallNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	app := h.dialActive(voip, "sip:alice@example.com", 0)

	f := h.m.StartOutgoingCall(context.Background(), OutgoingRequest{ID: "out", Address: "tel:5550002", Account: &sim1})
	h.loop.Sync()
	require.False(t, f.IsDone())

	snap, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "out", snap.PendingConfirmation)

	require.NoError(t, h.m.ConfirmPendingCall(context.Background(), "out"))
	h.loop.Sync()

	c, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 1, h.voip.Count("disconnect", app.ID()))
	require.Equal(t, call.StateConnecting, h.state(c))
	require.Equal(t, 1, h.telephony.Count("create", "out"))
}

func TestManager_SelfManagedConfirmationDeclined(t *testing.T) {
	h := newHarness(t)
	app := h.dialActive(voip, "sip:alice@example.com", 0)

	f := h.m.StartOutgoingCall(context.Background(), OutgoingRequest{ID: "out", Address: "tel:5550002", Account: &sim1})
	h.loop.Sync()
	require.NoError(t, h.m.CancelPendingCall(context.Background(), "out"))
	h.loop.Sync()

	_, err := f.Result()
	require.True(t, errors.Is(err, apperrors.ErrCanceled))
	require.Zero(t, h.voip.Count("disconnect", app.ID()))
	require.Zero(t, h.telephony.Count("create", ""))
	require.Equal(t, call.StateActive, h.state(app))
}

func TestManager_MaximumRingingAutoMisses(t *testing.T) {
	h := newHarness(t)

	first := h.ring(sim1, "tel:5550001")
	second := h.ring(sim2, "tel:5550002")

	firstCall := h.lookup(first)
	require.NotNil(t, firstCall)
	require.Equal(t, call.StateRinging, h.state(firstCall))
	require.Nil(t, h.lookup(second))

	require.Equal(t, 1, h.telephony.Count("reject", second))
	for _, op := range h.telephony.Ops() {
		if op.CallID == first {
			require.Equal(t, "create", op.Name)
		}
	}

	entry := h.log.last(t)
	require.Equal(t, second, entry.info.ID)
	require.Equal(t, LogMissed, entry.kind)
	require.Equal(t, call.AutoMissedMaximumRinging.String(), entry.info.MissedReason)
	require.Equal(t, call.DisconnectMissed, entry.info.DisconnectCause.Code)
}

func TestManager_MaximumRingingSilencesOtherService(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.SilenceInsteadOfReject = true })

	h.ring(sim1, "tel:5550001")
	second := h.ring(carrier, "tel:5550002")

	c := h.lookup(second)
	require.NotNil(t, c)
	require.True(t, h.registered(c))
	require.Equal(t, call.StateRinging, h.state(c))
	require.Equal(t, 1, h.carrier.Count("silence", second))
	require.Zero(t, h.carrier.Count("reject", second))
}

func TestManager_IncomingDuringEmergencyCallIsMissed(t *testing.T) {
	h := newHarness(t)

	sos, err := h.dial(OutgoingRequest{Address: "tel:911"})
	require.NoError(t, err)
	var emergency bool
	h.on(func() { emergency = sos.IsEmergency() })
	require.True(t, emergency)
	require.Equal(t, call.StateConnecting, h.state(sos))

	canAdd, err := h.m.CanAddCall(context.Background())
	require.NoError(t, err)
	require.False(t, canAdd)

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim2})
	h.loop.Sync()

	require.Equal(t, 1, h.telephony.Count("create_failed", id))
	entry := h.log.last(t)
	require.Equal(t, id, entry.info.ID)
	require.Equal(t, call.AutoMissedEmergencyCall.String(), entry.info.MissedReason)
}

func TestManager_IncomingDuringNetworkEmergencyCallIsMissed(t *testing.T) {
	h := newHarness(t)

	first := h.ring(sim1, "tel:5550001")
	h.m.SetCallProperties(first, call.PropertyNetworkIdentifiedEmergency)
	h.m.MarkCallAsActive(first)
	h.loop.Sync()

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim2})
	h.loop.Sync()

	require.Nil(t, h.lookup(id))
	entry := h.log.last(t)
	require.Equal(t, id, entry.info.ID)
	require.Equal(t, call.AutoMissedEmergencyCall.String(), entry.info.MissedReason)
}

func TestManager_QuietModeRefusesIncoming(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) { deps.Profiles = quietProfiles(true) })

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim1})
	h.loop.Sync()

	require.Equal(t, 1, h.telephony.Count("create_failed", id))
	require.Zero(t, h.telephony.Count("create", id))
	require.Nil(t, h.lookup(id))
	require.Zero(t, h.log.count())
}

func TestManager_FilterBlocksIncoming(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Filter = fakeFilter{result: FilteringResult{Reject: true, AddToCallLog: true}}
	})

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim1})
	h.loop.Sync()
	h.m.HandleCreateConnectionSuccess(id, call.StateNew)

	require.Eventually(t, func() bool { return h.lookup(id) == nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.telephony.Count("reject", id))
	entry := h.log.last(t)
	require.Equal(t, LogBlocked, entry.kind)
	require.Equal(t, id, entry.info.ID)
}

func TestManager_FilterFailureAllowsCall(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Filter = fakeFilter{err: errors.New("screening unavailable")}
	})

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim1})
	h.loop.Sync()
	h.m.HandleCreateConnectionSuccess(id, call.StateNew)

	require.Eventually(t, func() bool {
		c := h.lookup(id)
		return c != nil && h.registered(c)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, call.StateRinging, h.state(h.lookup(id)))
}

func TestManager_AnswerHoldsActiveCall(t *testing.T) {
	h := newHarness(t)
	active := h.dialActive(sim1, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)
	id := h.ring(sim1, "tel:5550002")

	h.m.AnswerCall(id)
	h.loop.Sync()

	require.Equal(t, 1, h.telephony.Count("hold", active.ID()))
	require.Equal(t, 1, h.telephony.Count("answer", id))
	require.Equal(t, call.StateAnswered, h.state(h.lookup(id)))
	require.Equal(t, []string{id}, h.events.answered)
}

func TestManager_HeldCallResumesAfterLocalDisconnect(t *testing.T) {
	h := newHarness(t)
	held := h.dialActive(sim1, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)
	h.m.HoldCall(held.ID())
	h.m.MarkCallAsOnHold(held.ID())
	h.loop.Sync()
	require.Equal(t, 1, h.telephony.Count("hold", held.ID()))

	active := h.dialActive(sim1, "tel:5550002", call.CapabilityHold|call.CapabilitySupportHold)

	h.m.DisconnectCall(active.ID())
	h.loop.Sync()
	require.Equal(t, 1, h.telephony.Count("disconnect", active.ID()))

	h.m.MarkCallAsDisconnected(active.ID(), call.NewDisconnectCause(call.DisconnectLocal, ""))
	h.m.MarkCallAsRemoved(active.ID())
	h.loop.Sync()

	require.False(t, h.registered(active))
	require.Equal(t, 1, h.telephony.Count("unhold", held.ID()))
}

func TestManager_UnholdSwapsCalls(t *testing.T) {
	h := newHarness(t)
	first := h.dialActive(sim1, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)
	h.m.MarkCallAsOnHold(first.ID())
	h.loop.Sync()
	second := h.dialActive(sim1, "tel:5550002", call.CapabilityHold|call.CapabilitySupportHold)

	h.m.UnholdCall(first.ID())
	h.loop.Sync()

	require.Equal(t, 1, h.telephony.Count("hold", second.ID()))
	require.Equal(t, 1, h.telephony.Count("unhold", first.ID()))
}

func TestManager_RedialReusesCancelledCall(t *testing.T) {
	h := newHarness(t)

	c, err := h.dial(OutgoingRequest{ID: "first", Address: "tel:5551234"})
	require.NoError(t, err)
	require.Equal(t, call.StateSelectPhoneAccount, h.state(c))

	h.m.CancelOutgoingCallForRedial("first")
	h.loop.Sync()
	require.True(t, h.registered(c))
	var pending bool
	h.on(func() { pending = h.m.isPendingDisconnect(c) })
	require.True(t, pending)

	again, err := h.dial(OutgoingRequest{ID: "second", Address: "tel:5551234"})
	require.NoError(t, err)
	require.Same(t, c, again)
	require.True(t, h.registered(c))
	require.Equal(t, call.StateSelectPhoneAccount, h.state(c))
	h.on(func() { pending = h.m.isPendingDisconnect(c) })
	require.False(t, pending)

	// The reused call is no longer on a reuse timer.
	h.advance(DefaultConfig().ReuseWindow)
	require.True(t, h.registered(c))
	require.Equal(t, []string{"added:first"}, h.events.registry)
}

func TestManager_ReuseWindowExpires(t *testing.T) {
	h := newHarness(t)
	failed := &failures{}
	h.m.AddListener(failed)

	c, err := h.dial(OutgoingRequest{ID: "first", Address: "tel:5551234"})
	require.NoError(t, err)
	h.m.CancelOutgoingCallForRedial("first")
	h.loop.Sync()
	require.Equal(t, call.StateSelectPhoneAccount, h.state(c))

	h.advance(DefaultConfig().ReuseWindow)

	require.Equal(t, call.StateDisconnected, h.state(c))
	require.Equal(t, call.DisconnectCanceled, h.cause(c).Code)
	require.Nil(t, h.lookup("first"))
	require.Zero(t, h.telephony.Count("create", ""))
	require.Equal(t, []string{"added:first", "removed:first@DISCONNECTED"}, h.events.registry)
	require.Equal(t, []string{"first"}, failed.ids)
}

func TestManager_NewAddressReleasesPendingDisconnect(t *testing.T) {
	h := newHarness(t)

	c, err := h.dial(OutgoingRequest{ID: "first", Address: "tel:5551234"})
	require.NoError(t, err)
	h.m.CancelOutgoingCallForRedial("first")
	h.loop.Sync()

	other, err := h.dial(OutgoingRequest{Address: "tel:5559999", Account: &sim1})
	require.NoError(t, err)
	require.NotSame(t, c, other)
	require.False(t, h.registered(c))
	require.Equal(t, call.StateDisconnected, h.state(c))
	require.Equal(t, call.StateConnecting, h.state(other))
}

func TestManager_WatchdogForcesStuckConnectingCall(t *testing.T) {
	h := newHarness(t)

	c, err := h.dial(OutgoingRequest{Address: "tel:5551234", Account: &sim1})
	require.NoError(t, err)
	require.Equal(t, 1, h.telephony.Count("create", c.ID()))

	h.advance(watchdogTransitory())

	require.Equal(t, 1, h.telephony.Count("abort", c.ID()))
	require.False(t, h.registered(c))
	require.Equal(t, call.StateDisconnected, h.state(c))
	cause := h.cause(c)
	require.Equal(t, call.DisconnectError, cause.Code)
	require.Equal(t, call.ReasonStateTimeout, cause.Reason)
}

func TestManager_WatchdogEndsStuckAudioProcessingCall(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Filter = fakeFilter{result: FilteringResult{Allow: true, ScreenAudio: true}}
	})

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim1})
	h.loop.Sync()
	h.m.HandleCreateConnectionSuccess(id, call.StateNew)
	require.Eventually(t, func() bool {
		c := h.lookup(id)
		return c != nil && h.registered(c)
	}, time.Second, 5*time.Millisecond)
	c := h.lookup(id)
	require.Equal(t, call.StateAudioProcessing, h.state(c))

	var tracked bool
	h.on(func() { _, tracked = h.m.watchdog.Tracked(c) })
	require.True(t, tracked)

	h.advance(DefaultConfig().Watchdog.Intermediate + time.Second)
	require.Equal(t, 1, h.telephony.Count("disconnect", id))
	require.Equal(t, call.StateDisconnecting, h.state(c))

	// The service never confirms; the watchdog finishes the job.
	h.advance(watchdogTransitory())
	require.False(t, h.registered(c))
	require.Equal(t, call.StateDisconnected, h.state(c))
	require.Equal(t, call.DisconnectError, h.cause(c).Code)
}

func watchdogTransitory() time.Duration {
	return DefaultConfig().Watchdog.Transitory + time.Second
}

func TestManager_StuckFocusHolderIsReleased(t *testing.T) {
	h := newHarness(t)
	held := h.dialActive(carrier, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)
	h.carrier.OnFocusLost = nil

	c, err := h.dial(OutgoingRequest{Address: "tel:5550002", Account: &sim1})
	require.NoError(t, err)
	require.Zero(t, h.telephony.Count("create", c.ID()))

	h.advance(DefaultConfig().Focus.ReleaseTimeout)

	require.Equal(t, 1, h.carrier.Count("disconnect", held.ID()))
	require.Equal(t, 1, h.telephony.Count("create", c.ID()))
}

func TestManager_HandoverCompletes(t *testing.T) {
	h := newHarness(t)
	src := h.dialActive(sim1, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)

	h.m.RequestHandover(HandoverRequest{CallID: src.ID(), Account: voip})
	h.loop.Sync()
	require.Equal(t, 1, h.voip.FocusGained())
	require.GreaterOrEqual(t, h.telephony.FocusLost(), 1)
	created := h.voip.Created()
	require.Len(t, created, 1)
	dstID := created[0].ID

	h.m.HandleCreateConnectionSuccess(dstID, call.StateDialing)
	h.m.MarkCallAsActive(dstID)
	h.loop.Sync()

	require.Equal(t, 1, h.telephony.Count("event", src.ID()))
	require.Equal(t, 1, h.telephony.Count("disconnect", src.ID()))

	h.m.MarkCallAsDisconnected(src.ID(), call.NewDisconnectCause(call.DisconnectLocal, ""))
	h.m.MarkCallAsRemoved(src.ID())
	h.loop.Sync()

	require.Equal(t, 1, h.voip.Count("handover_complete", dstID))
	require.Equal(t, []string{src.ID() + "->" + dstID}, h.events.handoverComplete)
	dst := h.lookup(dstID)
	require.NotNil(t, dst)
	var state call.HandoverState
	h.on(func() { state = dst.HandoverState() })
	require.Equal(t, call.HandoverComplete, state)
	require.Equal(t, call.StateActive, h.state(dst))
}

func TestManager_HandoverDestinationRejected(t *testing.T) {
	h := newHarness(t)
	src := h.dialActive(sim1, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)

	h.m.RequestHandover(HandoverRequest{CallID: src.ID(), Account: voip})
	h.loop.Sync()
	dstID := h.voip.Created()[0].ID

	h.m.MarkCallAsDisconnected(dstID, call.NewDisconnectCause(call.DisconnectRejected, ""))
	h.loop.Sync()

	require.Equal(t, 1, h.telephony.Count("handover_failed", src.ID()))
	require.Equal(t, []call.HandoverFailure{call.HandoverFailureUserRejected}, h.events.handoverFailed)
	require.Equal(t, call.StateActive, h.state(src))
}

func TestManager_HandoverNotSupported(t *testing.T) {
	h := newHarness(t)
	src := h.dialActive(sim1, "tel:5550001", 0)

	h.m.RequestHandover(HandoverRequest{CallID: src.ID(), Account: carrier})
	h.loop.Sync()

	require.Empty(t, h.carrier.Created())
	require.Equal(t, []call.HandoverFailure{call.HandoverFailureNotSupported}, h.events.handoverFailed)
}

func TestManager_CanAddCallTracksTopLevelCalls(t *testing.T) {
	h := newHarness(t)
	first := h.dialActive(sim1, "tel:5550001", call.CapabilityHold|call.CapabilitySupportHold)
	h.m.MarkCallAsOnHold(first.ID())
	h.loop.Sync()
	second := h.dialActive(sim1, "tel:5550002", 0)

	canAdd, err := h.m.CanAddCall(context.Background())
	require.NoError(t, err)
	require.False(t, canAdd)

	h.m.MarkCallAsDisconnected(second.ID(), call.NewDisconnectCause(call.DisconnectRemote, ""))
	h.m.MarkCallAsRemoved(second.ID())
	h.loop.Sync()

	canAdd, err = h.m.CanAddCall(context.Background())
	require.NoError(t, err)
	require.True(t, canAdd)
	require.Equal(t, []bool{false, true}, h.events.canAdd)
}

func TestManager_ClosedRefusesNewCalls(t *testing.T) {
	h := newHarness(t)
	h.m.Close()
	h.loop.Sync()

	_, err := h.dial(OutgoingRequest{Address: "tel:5550001", Account: &sim1})
	require.True(t, errors.Is(err, apperrors.ErrShuttingDown))

	id := h.m.ProcessIncomingCall(IncomingRequest{Address: "tel:5550002", Account: sim1})
	h.loop.Sync()
	require.Equal(t, 1, h.telephony.Count("create_failed", id))
}
