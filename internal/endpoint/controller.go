// Package endpoint tracks the audio endpoint in use and serves requests to
// move call audio to another endpoint.
package endpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/clock"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
	"github.com/jkindrix/callcore/internal/future"
)

// DefaultRequestTimeout bounds how long a route change may take.
const DefaultRequestTimeout = 5 * time.Second

var (
	ErrUnavailable = apperrors.New(apperrors.CodeInvalidInput, "endpoint is not available")
	ErrSuperseded  = apperrors.New(apperrors.CodeCanceled, "superseded by a newer endpoint request")
	ErrTimeout     = apperrors.New(apperrors.CodeTimeout, "endpoint change timed out")
	ErrNoCall      = apperrors.New(apperrors.CodeConflict, "no call holds audio focus")
)

// Router moves audio between endpoints. It reports the result through
// Controller.ReportAudioState.
type Router interface {
	RouteTo(e call.Endpoint)
}

// Notifier is the listener fan-out of the calls manager.
type Notifier interface {
	Loop() *eventloop.Loop
	FocusCall() *call.Call
	NotifyCallAudioStateChanged(oldState, newState call.AudioState)
	NotifyCallEndpointChanged(c *call.Call, endpoint call.Endpoint)
	NotifyMuteStateChanged(muted bool)
}

// Recorder counts request outcomes.
type Recorder interface {
	RecordPeripheralRequest(component string, err error)
}

type request struct {
	endpoint call.Endpoint
	result   *future.Future[call.Endpoint]
	timer    clock.Timer
	started  time.Time
}

// Controller serializes endpoint requests on the calls manager's loop. At
// most one request is outstanding; a new one fails the previous.
type Controller struct {
	loop     *eventloop.Loop
	notifier Notifier
	router   Router
	recorder Recorder
	timeout  time.Duration
	logger   *zap.Logger

	// Loop only.
	state   call.AudioState
	pending *request
}

// NewController creates a Controller. A zero timeout uses
// DefaultRequestTimeout; recorder may be nil.
func NewController(notifier Notifier, router Router, recorder Recorder, timeout time.Duration, logger *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		loop:     notifier.Loop(),
		notifier: notifier,
		router:   router,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger.Named("endpoint"),
	}
}

// RequestEndpointChange asks for the focus call's audio to move to e. The
// future completes with e once the router reports it active.
func (c *Controller) RequestEndpointChange(e call.Endpoint) *future.Future[call.Endpoint] {
	f := future.New[call.Endpoint]()
	c.loop.Post(func() { c.requestEndpointChange(e, f) })
	return f
}

func (c *Controller) requestEndpointChange(e call.Endpoint, f *future.Future[call.Endpoint]) {
	logger := c.logger.With(zap.Stringer("endpoint_type", e.Type), zap.String("endpoint_id", e.ID))
	if c.notifier.FocusCall() == nil {
		c.finish(f, call.Endpoint{}, ErrNoCall)
		return
	}
	if !available(c.state, e) {
		logger.Warn("endpoint change to unavailable endpoint")
		c.finish(f, call.Endpoint{}, ErrUnavailable)
		return
	}
	if c.state.Active.ID == e.ID {
		c.finish(f, c.state.Active, nil)
		return
	}

	if old := c.pending; old != nil {
		logger.Debug("superseding endpoint request", zap.String("previous_id", old.endpoint.ID))
		c.fail(old, ErrSuperseded)
	}
	req := &request{endpoint: e, result: f, started: c.loop.Clock().Now()}
	req.timer = c.loop.PostDelayed(c.timeout, func() {
		if c.pending != req {
			return
		}
		logger.Warn("endpoint change timed out", zap.Duration("timeout", c.timeout))
		c.fail(req, ErrTimeout)
	})
	c.pending = req
	logger.Info("requesting endpoint change")
	c.router.RouteTo(e)
}

// ReportAudioState applies the route reported by the router and fans the
// change out to the calls manager's listeners.
func (c *Controller) ReportAudioState(s call.AudioState) {
	c.loop.Post(func() { c.reportAudioState(s) })
}

func (c *Controller) reportAudioState(s call.AudioState) {
	old := c.state
	c.state = s
	c.notifier.NotifyCallAudioStateChanged(old, s)
	if old.Active != s.Active {
		if fc := c.notifier.FocusCall(); fc != nil {
			c.notifier.NotifyCallEndpointChanged(fc, s.Active)
		}
	}
	if old.Muted != s.Muted {
		c.notifier.NotifyMuteStateChanged(s.Muted)
	}

	req := c.pending
	if req == nil {
		return
	}
	switch {
	case s.Active.ID == req.endpoint.ID:
		c.pending = nil
		req.timer.Stop()
		c.logger.Info("endpoint change complete",
			zap.String("endpoint_id", s.Active.ID),
			zap.Duration("elapsed", c.loop.Clock().Since(req.started)),
		)
		c.finish(req.result, s.Active, nil)
	case !available(s, req.endpoint):
		c.fail(req, ErrUnavailable)
	}
}

// AudioState returns the last reported route. Loop only.
func (c *Controller) AudioState() call.AudioState {
	return c.state
}

// CurrentAudioState reads the last reported route from outside the loop.
func (c *Controller) CurrentAudioState(ctx context.Context) (call.AudioState, error) {
	var s call.AudioState
	err := c.loop.Do(ctx, func() { s = c.state })
	return s, err
}

func (c *Controller) fail(req *request, err error) {
	if c.pending == req {
		c.pending = nil
	}
	req.timer.Stop()
	c.finish(req.result, call.Endpoint{}, err)
}

func (c *Controller) finish(f *future.Future[call.Endpoint], e call.Endpoint, err error) {
	if c.recorder != nil {
		c.recorder.RecordPeripheralRequest("endpoint", err)
	}
	if err != nil {
		f.Fail(err)
		return
	}
	f.Complete(e)
}

func available(s call.AudioState, e call.Endpoint) bool {
	for _, x := range s.Available {
		if x.ID == e.ID {
			return true
		}
	}
	return false
}
