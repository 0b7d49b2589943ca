package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/call/calltest"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/eventloop"
)

type fakeTerminator struct {
	calls  []*call.Call
	causes []call.DisconnectCause
}

func (f *fakeTerminator) ForceDisconnect(c *call.Call, cause call.DisconnectCause) {
	f.calls = append(f.calls, c)
	f.causes = append(f.causes, cause)
	c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectLocal, "forced"))
	c.SetState(call.StateDisconnected, "forced")
}

type fakeReporter struct {
	ids  []uuid.UUID
	msgs []string
}

func (f *fakeReporter) ReportAnomaly(id uuid.UUID, message string) {
	f.ids = append(f.ids, id)
	f.msgs = append(f.msgs, message)
}

type harness struct {
	t    *testing.T
	clk  *clock.Mock
	loop *eventloop.Loop
	term *fakeTerminator
	rep  *fakeReporter
	w    *Watchdog
	cs   *calltest.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	loop := eventloop.New("watchdog-test", clk, zaptest.NewLogger(t))
	require.NoError(t, loop.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})
	h := &harness{
		t:    t,
		clk:  clk,
		loop: loop,
		term: &fakeTerminator{},
		rep:  &fakeReporter{},
		cs:   calltest.New("cs"),
	}
	h.w = New(DefaultTimeouts(), loop, h.term, h.rep, nil, zaptest.NewLogger(t))
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

func (h *harness) newCall(opts call.Options) *call.Call {
	opts.Service = h.cs
	c := call.New(opts, h.clk, zaptest.NewLogger(h.t))
	h.on(func() { h.w.OnCallAdded(c) })
	return c
}

func (h *harness) tracked(c *call.Call) (time.Duration, bool) {
	var d time.Duration
	var ok bool
	h.on(func() { d, ok = h.w.Tracked(c) })
	return d, ok
}

func TestTimeouts_For(t *testing.T) {
	to := DefaultTimeouts()
	tests := []struct {
		voip, emergency, transitory bool
		want                        time.Duration
	}{
		{false, false, true, 10 * time.Second},
		{true, false, true, 5 * time.Second},
		{false, true, true, 10 * time.Second},
		{true, true, true, 5 * time.Second},
		{false, false, false, 120 * time.Second},
		{true, false, false, 60 * time.Second},
		{false, true, false, 180 * time.Second},
		{true, true, false, 60 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, to.For(tt.voip, tt.emergency, tt.transitory))
	}
}

func TestWatchdog_SchedulesTransitory(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	d, ok := h.tracked(c)
	require.True(t, ok)
	require.Equal(t, 10*time.Second, d)

	voip := h.newCall(call.Options{Direction: call.DirectionOutgoing, SelfManaged: true})
	d, ok = h.tracked(voip)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)
}

func TestWatchdog_DisconnectsStuckCall(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { c.SetState(call.StateConnecting, "") })

	h.advance(10 * time.Second)

	h.on(func() {
		require.Equal(t, []*call.Call{c}, h.term.calls)
		require.Equal(t, call.DisconnectError, h.term.causes[0].Code)
		require.Equal(t, call.ReasonStateTimeout, h.term.causes[0].Reason)
		require.Equal(t, call.DisconnectError, c.DisconnectCause().Code)
		require.True(t, h.w.PendingDestruction(c))
		_, ok := h.w.Tracked(c)
		require.False(t, ok)
	})
	require.Equal(t, []uuid.UUID{StuckCallID}, h.rep.ids)
}

func TestWatchdog_EmergencyAnomalyID(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing, Emergency: true})
	h.on(func() { c.SetState(call.StateConnecting, "") })
	h.advance(10 * time.Second)
	require.Equal(t, []uuid.UUID{StuckEmergencyCallID}, h.rep.ids)
}

func TestWatchdog_StateChangeCancelsTimeout(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { c.SetState(call.StateConnecting, "") })

	h.advance(9 * time.Second)
	h.on(func() {
		c.HandleCreateConnectionSuccess()
		c.SetState(call.StateActive, "")
	})
	h.advance(time.Hour)

	require.Empty(t, h.term.calls)
	require.Empty(t, h.rep.ids)
	_, ok := h.tracked(c)
	require.False(t, ok)
}

func TestWatchdog_NewSnapshotRestartsTimer(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { c.SetState(call.StateConnecting, "") })
	h.advance(9 * time.Second)

	h.on(func() {
		c.HandleCreateConnectionSuccess()
		c.SetState(call.StateDialing, "")
	})
	d, ok := h.tracked(c)
	require.True(t, ok)
	require.Equal(t, 120*time.Second, d)

	h.advance(119 * time.Second)
	require.Empty(t, h.term.calls)
	h.advance(time.Second)
	require.Len(t, h.term.calls, 1)
}

func TestWatchdog_SelectPhoneAccountNotTracked(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { c.SetState(call.StateSelectPhoneAccount, "") })
	_, ok := h.tracked(c)
	require.False(t, ok)
	h.advance(time.Hour)
	require.Empty(t, h.term.calls)
}

func TestWatchdog_RemovalClearsEntry(t *testing.T) {
	h := newHarness(t)
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { h.w.OnCallRemoved(c) })
	_, ok := h.tracked(c)
	require.False(t, ok)

	h.on(func() { c.SetState(call.StateConnecting, "") })
	h.advance(time.Hour)
	require.Empty(t, h.term.calls)
}

func TestWatchdog_PendingDestructionSuppressesRescheduling(t *testing.T) {
	h := newHarness(t)
	term := &stallingTerminator{}
	h.w.terminator = term
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { c.SetState(call.StateConnecting, "") })
	h.advance(10 * time.Second)

	h.on(func() { c.SetState(call.StateDialing, "") })
	_, ok := h.tracked(c)
	require.False(t, ok)
	h.advance(time.Hour)
	require.Equal(t, 1, term.n)
	require.Len(t, h.rep.ids, 1)

	h.on(func() {
		h.w.OnCallRemoved(c)
		require.False(t, h.w.PendingDestruction(c))
	})
}

func TestWatchdog_StuckDisconnectingIsForcedAgain(t *testing.T) {
	h := newHarness(t)
	term := &stallingTerminator{}
	h.w.terminator = term
	c := h.newCall(call.Options{Direction: call.DirectionOutgoing})
	h.on(func() { c.SetState(call.StateConnecting, "") })
	h.advance(10 * time.Second)
	require.Equal(t, 1, term.n)

	h.on(func() { c.SetState(call.StateDisconnecting, "") })
	timeout, ok := h.tracked(c)
	require.True(t, ok)
	require.Equal(t, 10*time.Second, timeout)

	h.advance(10 * time.Second)
	require.Equal(t, 2, term.n)
	require.Len(t, h.rep.ids, 1, "a repeated force is not a new anomaly")
}

type stallingTerminator struct{ n int }

func (s *stallingTerminator) ForceDisconnect(*call.Call, call.DisconnectCause) { s.n++ }
