// Package clock provides a time abstraction so timeout-driven call logic can
// be tested deterministically.
//
// Production code receives a Clock and never calls time.Now or time.AfterFunc
// directly. Tests use a Mock and drive time forward with Advance, which fires
// every timer that has come due, in deadline order, on the caller's goroutine.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides time operations that can be mocked for testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowUTC returns the current time in UTC.
	NowUTC() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// AfterFunc calls f in its own goroutine (real clock) or from Advance
	// (mock clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTimer returns a channel-based Timer.
	NewTimer(d time.Duration) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// C is nil for timers created by AfterFunc.
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

// New returns a Clock that uses the real system time.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) NowUTC() time.Time               { return time.Now().UTC() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time        { return t.timer.C }
func (t *realTimer) Stop() bool                 { return t.timer.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

// Mock implements Clock with controllable time for testing.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	timers  []*mockTimer
}

// NewMock creates a new Mock clock set to the given time.
func NewMock(t time.Time) *Mock {
	return &Mock{current: t}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// NowUTC returns the mock's current time in UTC.
func (m *Mock) NowUTC() time.Time {
	return m.Now().UTC()
}

// Since returns the duration since t.
func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// AfterFunc registers f to be called by Advance once d has elapsed.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{mock: m, fn: f}
	m.schedule(t, d)
	return t
}

// NewTimer returns a timer whose channel receives when Advance passes its deadline.
func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{mock: m, ch: make(chan time.Time, 1)}
	m.schedule(t, d)
	return t
}

// Set moves the mock clock to t and fires any timers that came due.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	d := t.Sub(m.current)
	m.mu.Unlock()
	m.Advance(d)
}

// Advance moves the mock clock forward by d, firing due timers in deadline
// order. Timers scheduled by fired callbacks are honoured within the same
// Advance when their deadline falls inside the window.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.current.Add(d)
	for {
		t := m.nextDue(end)
		if t == nil {
			break
		}
		m.current = t.deadline
		m.remove(t)
		m.mu.Unlock()
		t.fire()
		m.mu.Lock()
	}
	if end.After(m.current) {
		m.current = end
	}
	m.mu.Unlock()
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Mock) schedule(t *mockTimer, d time.Duration) {
	m.seq++
	t.seq = m.seq
	t.deadline = m.current.Add(d)
	m.timers = append(m.timers, t)
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].deadline.Equal(m.timers[j].deadline) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
}

func (m *Mock) nextDue(end time.Time) *mockTimer {
	if len(m.timers) == 0 {
		return nil
	}
	if t := m.timers[0]; !t.deadline.After(end) {
		return t
	}
	return nil
}

func (m *Mock) remove(t *mockTimer) bool {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

type mockTimer struct {
	mock     *Mock
	fn       func()
	ch       chan time.Time
	deadline time.Time
	seq      uint64
}

func (t *mockTimer) fire() {
	if t.fn != nil {
		t.fn()
		return
	}
	select {
	case t.ch <- t.deadline:
	default:
	}
}

func (t *mockTimer) C() <-chan time.Time {
	return t.ch
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	return t.mock.remove(t)
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	active := t.mock.remove(t)
	t.mock.schedule(t, d)
	return active
}
