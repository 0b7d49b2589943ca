// Package future provides completable futures used to chain the asynchronous
// stages of call setup, plus a single-slot register for requests that wait on
// external input.
package future

import (
	"context"
	"sync"
)

// Executor runs callbacks. The event loop satisfies it.
type Executor interface {
	Post(fn func())
}

// Future is a value that becomes available later. It completes exactly once,
// either with a value or with an error.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	val       T
	err       error
	callbacks []func()
}

// New returns an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete sets the value. It reports false if the future was already done.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(v, nil)
}

// Fail sets the error. It reports false if the future was already done.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

func (f *Future[T]) finish(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.val = v
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return true
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. The values are meaningful only
// once IsDone reports true.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Await blocks until the future completes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete arranges for fn to run with the outcome. With a nil executor fn
// runs on the completing goroutine, or immediately if already complete.
func (f *Future[T]) OnComplete(exec Executor, fn func(T, error)) {
	run := func() {
		v, err := f.Result()
		if exec == nil {
			fn(v, err)
			return
		}
		exec.Post(func() { fn(v, err) })
	}

	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, run)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	run()
}

// Then composes f with a stage that returns another future. The stage runs on
// exec and sees both the value and the error of f.
func Then[T, U any](f *Future[T], exec Executor, stage func(T, error) *Future[U]) *Future[U] {
	out := New[U]()
	f.OnComplete(exec, func(v T, err error) {
		next := stage(v, err)
		if next == nil {
			var zero U
			out.Complete(zero)
			return
		}
		next.OnComplete(nil, func(u U, err error) {
			if err != nil {
				out.Fail(err)
				return
			}
			out.Complete(u)
		})
	})
	return out
}
