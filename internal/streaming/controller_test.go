package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
)

type fakeRegistry struct {
	loop  *eventloop.Loop
	calls map[string]*call.Call

	mu     sync.Mutex
	states []bool
}

func (r *fakeRegistry) Loop() *eventloop.Loop     { return r.loop }
func (r *fakeRegistry) Call(id string) *call.Call { return r.calls[id] }

func (r *fakeRegistry) NotifyCallStreamingStateChanged(_ *call.Call, streaming bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, streaming)
}

func (r *fakeRegistry) notified() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

type fakeApp struct {
	mu      sync.Mutex
	err     error
	started []string
	ended   chan string
}

func (a *fakeApp) StartSession(_ context.Context, info call.Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, info.ID)
	return a.err
}

func (a *fakeApp) EndSession(_ context.Context, id string) error {
	a.ended <- id
	return nil
}

type fixture struct {
	loop     *eventloop.Loop
	registry *fakeRegistry
	app      *fakeApp
	ctrl     *Controller
	active   *call.Call
	held     *call.Call
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	loop := eventloop.New("streaming-test", clk, logger)
	require.NoError(t, loop.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})

	f := &fixture{
		loop:     loop,
		registry: &fakeRegistry{loop: loop, calls: map[string]*call.Call{}},
		app:      &fakeApp{ended: make(chan string, 4)},
	}
	f.active = call.New(call.Options{ID: "active", Direction: call.DirectionOutgoing}, clk, logger)
	f.held = call.New(call.Options{ID: "held", Direction: call.DirectionIncoming}, clk, logger)
	require.NoError(t, loop.Do(context.Background(), func() {
		f.active.SetState(call.StateActive, "test")
		f.held.SetState(call.StateOnHold, "test")
	}))
	f.registry.calls["active"] = f.active
	f.registry.calls["held"] = f.held
	f.ctrl = NewController(f.registry, f.app, nil, 0, logger)
	return f
}

func await(t *testing.T, fn func(ctx context.Context) (*call.Call, error)) (*call.Call, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return fn(ctx)
}

func TestController_StartAndStop(t *testing.T) {
	f := newFixture(t)

	c, err := await(t, f.ctrl.StartStreaming("active").Await)
	require.NoError(t, err)
	require.Equal(t, f.active, c)

	_, err = await(t, f.ctrl.StopStreaming("active").Await)
	require.NoError(t, err)
	require.Equal(t, "active", <-f.app.ended)
	require.Equal(t, []bool{true, false}, f.registry.notified())
}

func TestController_OneSessionAtATime(t *testing.T) {
	f := newFixture(t)
	second := call.New(call.Options{ID: "second", Direction: call.DirectionOutgoing}, f.loop.Clock(), zaptest.NewLogger(t))
	require.NoError(t, f.loop.Do(context.Background(), func() {
		second.SetState(call.StateActive, "test")
		f.registry.calls["second"] = second
	}))

	_, err := await(t, f.ctrl.StartStreaming("active").Await)
	require.NoError(t, err)

	_, err = await(t, f.ctrl.StartStreaming("second").Await)
	require.ErrorIs(t, err, ErrSessionInProgress)
}

func TestController_RequiresActiveCall(t *testing.T) {
	f := newFixture(t)

	_, err := await(t, f.ctrl.StartStreaming("held").Await)
	require.ErrorIs(t, err, ErrNotActive)

	_, err = await(t, f.ctrl.StartStreaming("missing").Await)
	require.Equal(t, apperrors.CodeNotFound, apperrors.GetCode(err))
}

func TestController_AppRefuses(t *testing.T) {
	f := newFixture(t)
	f.app.err = errors.New("no device")

	_, err := await(t, f.ctrl.StartStreaming("active").Await)
	require.Equal(t, apperrors.CodeExternalFailure, apperrors.GetCode(err))
	require.Empty(t, f.registry.notified())

	f.app.err = nil
	_, err = await(t, f.ctrl.StartStreaming("active").Await)
	require.NoError(t, err)
}

func TestController_SessionEndsWithCall(t *testing.T) {
	f := newFixture(t)

	_, err := await(t, f.ctrl.StartStreaming("active").Await)
	require.NoError(t, err)

	require.NoError(t, f.loop.Do(context.Background(), func() {
		f.active.SetState(call.StateOnHold, "test")
		f.ctrl.OnCallStateChanged(f.active, call.StateActive, call.StateOnHold)
		require.Nil(t, f.ctrl.Session())
	}))
	require.Equal(t, "active", <-f.app.ended)

	_, err = await(t, f.ctrl.StopStreaming("active").Await)
	require.ErrorIs(t, err, ErrNotStreaming)
}
