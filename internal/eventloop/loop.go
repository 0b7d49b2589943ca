// Package eventloop provides the single goroutine that owns all call registry
// and focus state. Every mutation is a closure posted to the loop; closures run
// one at a time in submission order.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/clock"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop is a serial executor. The queue is unbounded so Post never blocks,
// which keeps callbacks from external goroutines from stalling on a busy loop.
type Loop struct {
	name   string
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
	wake    chan struct{}

	stopping core.Fuse
	done     core.Fuse
}

// New creates a stopped loop. Call Start before posting work.
func New(name string, clk clock.Clock, logger *zap.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		name:   name,
		clock:  clk,
		logger: logger.With(zap.String("loop", name)),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("event loop %s already running", l.name)
	}
	if l.stopping.IsBroken() {
		return ErrStopped
	}
	l.running = true
	go l.run()
	return nil
}

// Clock returns the clock used for delayed work.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post enqueues fn. Work posted after Stop is dropped.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopping.IsBroken() {
		l.mu.Unlock()
		l.logger.Debug("dropping work posted after stop")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed runs fn on the loop once d has elapsed. Stopping the returned
// timer before it fires prevents fn from being posted; callers that need to
// detect a timer that already fired should guard fn with a generation check.
func (l *Loop) PostDelayed(d time.Duration, fn func()) clock.Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	stopped := l.stopping.IsBroken()
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-l.done.Watch():
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync blocks until the loop has drained every closure queued so far,
// including closures those closures post. Work arriving from other goroutines
// afterwards is not waited for.
func (l *Loop) Sync() {
	for {
		idle := false
		if err := l.Do(context.Background(), func() {
			l.mu.Lock()
			idle = len(l.queue) == 0
			l.mu.Unlock()
		}); err != nil {
			return
		}
		if idle {
			return
		}
	}
}

// Stop stops accepting work, lets already queued closures run, then waits for
// the goroutine to exit or ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	running := l.running
	l.stopping.Break()
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	if !running {
		l.done.Break()
		return nil
	}

	select {
	case <-l.done.Watch():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once the loop goroutine has exited.
func (l *Loop) Stopped() <-chan struct{} {
	return l.done.Watch()
}

func (l *Loop) run() {
	defer l.done.Break()
	l.logger.Debug("event loop started")

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.stopping.IsBroken() {
				l.mu.Unlock()
				l.logger.Debug("event loop stopped")
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic in event loop task",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
