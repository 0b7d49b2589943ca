// Package streaming hands an active call's audio to a streaming app on
// another device. One call streams at a time.
package streaming

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/call"
	"github.com/jkindrix/callcore/internal/callsmanager"
	apperrors "github.com/jkindrix/callcore/internal/errors"
	"github.com/jkindrix/callcore/internal/eventloop"
	"github.com/jkindrix/callcore/internal/future"
)

// DefaultStartTimeout bounds how long the streaming app may take to accept
// a session.
const DefaultStartTimeout = 5 * time.Second

var (
	ErrSessionInProgress = apperrors.New(apperrors.CodeResourceContention, "another call is already streaming")
	ErrNotActive         = apperrors.New(apperrors.CodeConflict, "call is not active")
	ErrNotStreaming      = apperrors.New(apperrors.CodeConflict, "call is not streaming")
	ErrNoStreamingApp    = apperrors.New(apperrors.CodeExternalFailure, "no streaming app configured")
)

// App is the streaming app. Both methods run off the event loop.
type App interface {
	StartSession(ctx context.Context, info call.Info) error
	EndSession(ctx context.Context, callID string) error
}

// Registry is the part of the calls manager the controller needs.
type Registry interface {
	Loop() *eventloop.Loop
	Call(id string) *call.Call
	NotifyCallStreamingStateChanged(c *call.Call, streaming bool)
}

// Recorder counts request outcomes.
type Recorder interface {
	RecordPeripheralRequest(component string, err error)
}

// Controller owns the streaming session. It is a calls manager listener so
// the session ends with its call.
type Controller struct {
	callsmanager.BaseListener

	loop     *eventloop.Loop
	registry Registry
	app      App
	recorder Recorder
	timeout  time.Duration
	logger   *zap.Logger

	// Loop only. starting is set while the app is deciding.
	session  *call.Call
	starting *call.Call
}

// NewController creates a Controller. Register it with the calls manager's
// AddListener so sessions end when their call does.
func NewController(registry Registry, app App, recorder Recorder, timeout time.Duration, logger *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		loop:     registry.Loop(),
		registry: registry,
		app:      app,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger.Named("streaming"),
	}
}

// StartStreaming starts streaming call id. It fails when a session already
// exists or the call is not ACTIVE.
func (s *Controller) StartStreaming(id string) *future.Future[*call.Call] {
	f := future.New[*call.Call]()
	s.loop.Post(func() {
		c := s.registry.Call(id)
		switch {
		case s.app == nil:
			s.finish(f, nil, ErrNoStreamingApp)
			return
		case c == nil:
			s.finish(f, nil, apperrors.ErrCallNotFound)
			return
		case s.session != nil || s.starting != nil:
			s.finish(f, nil, ErrSessionInProgress)
			return
		case c.State() != call.StateActive:
			s.finish(f, nil, ErrNotActive)
			return
		}
		s.starting = c
		info := c.Info()
		started := future.New[struct{}]()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.app.StartSession(ctx, info); err != nil {
				started.Fail(apperrors.ExternalFailure("streaming app", err))
				return
			}
			started.Complete(struct{}{})
		}()
		started.OnComplete(s.loop, func(_ struct{}, err error) {
			if s.starting != c {
				s.finish(f, nil, apperrors.ErrCanceled)
				return
			}
			s.starting = nil
			if err == nil && c.State() != call.StateActive {
				// The call moved on while the app was deciding.
				s.endSession(c.ID())
				err = ErrNotActive
			}
			if err != nil {
				c.Logger().Warn("streaming start failed", zap.Error(err))
				s.finish(f, nil, err)
				return
			}
			s.session = c
			c.Logger().Info("call streaming started")
			s.registry.NotifyCallStreamingStateChanged(c, true)
			s.finish(f, c, nil)
		})
	})
	return f
}

// StopStreaming ends the session for call id.
func (s *Controller) StopStreaming(id string) *future.Future[*call.Call] {
	f := future.New[*call.Call]()
	s.loop.Post(func() {
		if s.session == nil || s.session.ID() != id {
			s.finish(f, nil, ErrNotStreaming)
			return
		}
		c := s.session
		s.stop(c, "stopped by request")
		s.finish(f, c, nil)
	})
	return f
}

// Session returns the streaming call, or nil. Loop only.
func (s *Controller) Session() *call.Call {
	return s.session
}

// SessionID returns the id of the streaming call, empty when there is no
// session. Safe to call from any goroutine.
func (s *Controller) SessionID(ctx context.Context) (string, error) {
	var id string
	err := s.loop.Do(ctx, func() {
		if s.session != nil {
			id = s.session.ID()
		}
	})
	return id, err
}

// OnCallStateChanged ends the session when its call stops being active.
func (s *Controller) OnCallStateChanged(c *call.Call, _, newState call.State) {
	if c == s.session && newState != call.StateActive {
		s.stop(c, "call left active state")
	}
}

// OnCallRemoved ends the session when its call goes away.
func (s *Controller) OnCallRemoved(c *call.Call) {
	if c == s.starting {
		s.starting = nil
	}
	if c == s.session {
		s.stop(c, "call removed")
	}
}

func (s *Controller) stop(c *call.Call, reason string) {
	s.session = nil
	c.Logger().Info("call streaming stopped", zap.String("reason", reason))
	s.endSession(c.ID())
	s.registry.NotifyCallStreamingStateChanged(c, false)
}

func (s *Controller) endSession(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.app.EndSession(ctx, id); err != nil {
			s.logger.Warn("streaming app failed to end session", zap.String("call_id", id), zap.Error(err))
		}
	}()
}

func (s *Controller) finish(f *future.Future[*call.Call], c *call.Call, err error) {
	if s.recorder != nil {
		s.recorder.RecordPeripheralRequest("streaming", err)
	}
	if err != nil {
		f.Fail(err)
		return
	}
	f.Complete(c)
}
