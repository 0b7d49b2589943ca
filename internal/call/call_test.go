package call_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/call/calltest"
	"github.com/jkindrix/callcore/internal/clock"
	"github.com/jkindrix/callcore/internal/phoneaccount"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	call.BaseListener
	states  [][2]call.State
	failed  []call.DisconnectCause
	reuse   bool
	reused  []time.Duration
	parents int
	kids    int
}

func (r *recorder) OnStateChanged(_ *call.Call, oldState, newState call.State) {
	r.states = append(r.states, [2]call.State{oldState, newState})
}

func (r *recorder) OnCreateConnectionFailed(_ *call.Call, cause call.DisconnectCause) {
	r.failed = append(r.failed, cause)
}

func (r *recorder) OnCanceledForReuse(_ *call.Call, window time.Duration) bool {
	r.reused = append(r.reused, window)
	return r.reuse
}

func (r *recorder) OnParentChanged(*call.Call)   { r.parents++ }
func (r *recorder) OnChildrenChanged(*call.Call) { r.kids++ }

func newCall(t *testing.T, clk clock.Clock, cs call.ConnectionService) *call.Call {
	t.Helper()
	return call.New(call.Options{
		Direction: call.DirectionOutgoing,
		Address:   "tel:555",
		Account:   &phoneaccount.Handle{Package: "com.example", ID: "sim1"},
		Service:   cs,
	}, clk, zaptest.NewLogger(t))
}

func TestCall_NewAssignsID(t *testing.T) {
	a := newCall(t, clock.NewMock(epoch), nil)
	b := newCall(t, clock.NewMock(epoch), nil)
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, call.StateNew, a.State())
	require.Equal(t, epoch, a.CreatedAt())
}

func TestCall_SetStateIsIdempotent(t *testing.T) {
	c := newCall(t, clock.NewMock(epoch), nil)
	r := &recorder{}
	c.AddListener(r)

	require.True(t, c.SetState(call.StateConnecting, "dial"))
	require.False(t, c.SetState(call.StateConnecting, "dial again"))
	require.Len(t, r.states, 1)
	require.Equal(t, [2]call.State{call.StateNew, call.StateConnecting}, r.states[0])
	require.Equal(t, "dial", c.StateReason())
}

func TestCall_SetStateAcceptsUnexpectedTransitions(t *testing.T) {
	c := newCall(t, clock.NewMock(epoch), nil)
	c.SetState(call.StateActive, "")
	require.False(t, call.ExpectedTransition(call.StateActive, call.StateRinging))
	require.True(t, c.SetState(call.StateRinging, "network says so"))
	require.Equal(t, call.StateRinging, c.State())
}

func TestCall_Timestamps(t *testing.T) {
	clk := clock.NewMock(epoch)
	c := newCall(t, clk, nil)

	clk.Advance(time.Second)
	c.SetState(call.StateRinging, "")
	require.Equal(t, epoch.Add(time.Second), c.RingStartedAt())

	clk.Advance(time.Second)
	c.SetState(call.StateActive, "")
	require.True(t, c.HasGoneActiveBefore())
	require.Equal(t, epoch.Add(2*time.Second), c.ConnectedAt())

	clk.Advance(time.Second)
	c.SetState(call.StateOnHold, "")
	c.SetState(call.StateActive, "")
	require.Equal(t, epoch.Add(2*time.Second), c.ConnectedAt())
	require.Equal(t, epoch.Add(3*time.Second), c.StateEnteredAt())
}

func TestCall_TransitoryAndIntermediate(t *testing.T) {
	tests := []struct {
		state        call.State
		complete     bool
		transitory   bool
		intermediate bool
	}{
		{call.StateNew, false, true, false},
		{call.StateConnecting, true, true, false},
		{call.StateSelectPhoneAccount, false, false, false},
		{call.StateDialing, false, true, false},
		{call.StateDialing, true, false, true},
		{call.StateRinging, true, false, true},
		{call.StateAnswered, true, true, false},
		{call.StateAudioProcessing, true, false, true},
		{call.StateAudioProcessing, false, true, false},
		{call.StateActive, true, false, false},
		{call.StateActive, false, true, false},
		{call.StateDisconnecting, true, true, false},
		{call.StateDisconnected, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			require.Equal(t, tt.transitory, call.IsTransitorySnapshot(tt.state, tt.complete))
			require.Equal(t, tt.intermediate, call.IsIntermediateSnapshot(tt.state, tt.complete))
		})
	}
}

func TestCall_DisconnectCauseSetOnce(t *testing.T) {
	c := newCall(t, clock.NewMock(epoch), nil)
	require.True(t, c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectLocal, "user")))
	require.False(t, c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectRemote, "far end")))
	require.Equal(t, call.DisconnectLocal, c.DisconnectCause().Code)
}

func TestCall_OverrideCauseReplacesCode(t *testing.T) {
	c := newCall(t, clock.NewMock(epoch), nil)
	c.SetOverrideDisconnectCause(call.DisconnectCause{Code: call.DisconnectError})
	c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectLocal, "timeout"))
	require.Equal(t, call.DisconnectError, c.DisconnectCause().Code)
	require.Equal(t, "timeout", c.DisconnectCause().Reason)
}

func TestCall_DisconnectBeforeCreateCancels(t *testing.T) {
	cs := calltest.New("cs")
	c := newCall(t, clock.NewMock(epoch), cs)
	r := &recorder{}
	c.AddListener(r)

	c.Disconnect("user")
	require.Len(t, r.failed, 1)
	require.Equal(t, call.DisconnectCanceled, r.failed[0].Code)
	require.Zero(t, cs.Count("abort", ""))
	require.Zero(t, cs.Count("disconnect", ""))
}

func TestCall_DisconnectDuringCreateAborts(t *testing.T) {
	cs := calltest.New("cs")
	c := newCall(t, clock.NewMock(epoch), cs)
	r := &recorder{}
	c.AddListener(r)

	c.SetState(call.StateConnecting, "")
	require.True(t, c.StartCreateConnection())
	c.Disconnect("user")

	require.Equal(t, 1, cs.Count("abort", c.ID()))
	require.Len(t, r.failed, 1)
	require.Equal(t, call.DisconnectLocal, r.failed[0].Code)
}

func TestCall_DisconnectWithReuseWindow(t *testing.T) {
	c := newCall(t, clock.NewMock(epoch), nil)
	r := &recorder{reuse: true}
	c.AddListener(r)

	c.DisconnectWithReuseWindow(5*time.Second, "redial")
	require.Equal(t, []time.Duration{5 * time.Second}, r.reused)
	require.Empty(t, r.failed)
	require.False(t, c.HasDisconnectCause())
}

func TestCall_DisconnectConnectedAsksService(t *testing.T) {
	cs := calltest.New("cs")
	c := newCall(t, clock.NewMock(epoch), cs)
	c.SetState(call.StateConnecting, "")
	c.StartCreateConnection()
	c.HandleCreateConnectionSuccess()
	c.SetState(call.StateActive, "")

	c.Disconnect("user")
	require.Equal(t, 1, cs.Count("disconnect", c.ID()))

	c.SetState(call.StateDisconnected, "")
	c.Disconnect("again")
	require.Equal(t, 1, cs.Count("disconnect", c.ID()))
}

func TestCall_DisconnectAudioProcessingIsRejected(t *testing.T) {
	cs := calltest.New("cs")
	c := call.New(call.Options{Direction: call.DirectionIncoming, Service: cs}, clock.NewMock(epoch), zaptest.NewLogger(t))
	c.HandleCreateConnectionSuccess()
	c.SetState(call.StateAudioProcessing, "screening")

	c.Disconnect("user")
	c.SetDisconnectCause(call.NewDisconnectCause(call.DisconnectLocal, ""))
	require.Equal(t, call.DisconnectRejected, c.DisconnectCause().Code)
}

func TestCall_HoldOnlyWhenActive(t *testing.T) {
	cs := calltest.New("cs")
	c := newCall(t, clock.NewMock(epoch), cs)
	require.False(t, c.Hold("test"))
	c.SetState(call.StateActive, "")
	require.True(t, c.Hold("test"))
	require.False(t, c.Unhold("test"))
	c.SetState(call.StateOnHold, "")
	require.True(t, c.Unhold("test"))
	require.Equal(t, 1, cs.Count("hold", c.ID()))
	require.Equal(t, 1, cs.Count("unhold", c.ID()))
}

func TestCall_ParentLinks(t *testing.T) {
	clk := clock.NewMock(epoch)
	conf := newCall(t, clk, nil)
	leg := newCall(t, clk, nil)
	rc, rl := &recorder{}, &recorder{}
	conf.AddListener(rc)
	leg.AddListener(rl)

	leg.SetParent(conf)
	require.Equal(t, conf, leg.Parent())
	require.Equal(t, []*call.Call{leg}, conf.Children())
	require.False(t, leg.IsFocusable())
	require.Equal(t, 1, rl.parents)
	require.Equal(t, 1, rc.kids)

	require.False(t, leg.IsDisconnectingChild())
	leg.SetState(call.StateDisconnecting, "")
	require.True(t, leg.IsDisconnectingChild())
	leg.SetState(call.StateDisconnected, "")
	require.True(t, leg.IsDisconnectingChild())
	require.False(t, conf.IsDisconnectingChild())

	conf.DetachLinks()
	require.Nil(t, leg.Parent())
	require.Empty(t, conf.Children())
	require.True(t, leg.IsFocusable())
}

func TestCall_FinishHandoverUnlinksBothSides(t *testing.T) {
	clk := clock.NewMock(epoch)
	src := newCall(t, clk, nil)
	dst := newCall(t, clk, nil)
	src.SetHandoverDestination(dst)
	src.SetHandoverState(call.HandoverFromStarted)
	dst.SetHandoverSource(src)
	dst.SetHandoverState(call.HandoverToStarted)

	dst.FinishHandover(call.HandoverComplete)
	require.Equal(t, call.HandoverComplete, src.HandoverState())
	require.Equal(t, call.HandoverComplete, dst.HandoverState())
	require.Nil(t, src.HandoverDestination())
	require.Nil(t, dst.HandoverSource())
}

func TestCall_ListenerRemovedDuringDispatch(t *testing.T) {
	c := newCall(t, clock.NewMock(epoch), nil)
	second := &recorder{}
	first := &removingListener{target: second}
	c.AddListener(first)
	c.AddListener(second)

	c.SetState(call.StateConnecting, "")
	require.Len(t, second.states, 1)
	c.SetState(call.StateDialing, "")
	require.Len(t, second.states, 1)
}

type removingListener struct {
	call.BaseListener
	target call.Listener
}

func (r *removingListener) OnStateChanged(c *call.Call, _, _ call.State) {
	c.RemoveListener(r.target)
}

func TestCall_Info(t *testing.T) {
	cs := calltest.New("cs")
	c := newCall(t, clock.NewMock(epoch), cs)
	c.SetState(call.StateActive, "")
	info := c.Info()
	require.Equal(t, c.ID(), info.ID)
	require.Equal(t, "ACTIVE", info.State)
	require.Equal(t, "cs", info.Service)
	require.Equal(t, "sim1", info.Account.ID)
	require.NotNil(t, info.ConnectedAt)
	require.Nil(t, info.DisconnectCause)
	require.False(t, info.SilentRinging)

	c.Silence()
	require.True(t, c.Info().SilentRinging)
	require.Equal(t, 1, cs.Count("silence", c.ID()))
}

func TestParseState(t *testing.T) {
	for s := call.StateNew; s <= call.StateSimulatedRinging; s++ {
		got, ok := call.ParseState(s.String())
		require.True(t, ok, s.String())
		require.Equal(t, s, got)
	}
	_, ok := call.ParseState("RINGING_LOUDLY")
	require.False(t, ok)
}
