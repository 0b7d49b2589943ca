package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkindrix/callcore/internal/clock"
)

// ErrorCategory groups call failures for rate tracking.
type ErrorCategory string

const (
	ErrorCategoryCreateConnection ErrorCategory = "create_connection"
	ErrorCategoryPolicy           ErrorCategory = "policy"
	ErrorCategoryWatchdog         ErrorCategory = "watchdog"
	ErrorCategoryHandover         ErrorCategory = "handover"
	ErrorCategoryFocus            ErrorCategory = "focus"
	ErrorCategoryCallLog          ErrorCategory = "call_log"
	ErrorCategoryExternal         ErrorCategory = "external"
)

// ErrorRateConfig configures the error rate tracker.
type ErrorRateConfig struct {
	// WindowDuration is the time window for rate calculation (default: 1 minute)
	WindowDuration time.Duration

	// BucketCount is the number of buckets within the window (default: 60)
	BucketCount int

	// AlertThreshold is the error rate (errors/second) that triggers alerts (default: 1)
	AlertThreshold float64

	// AlertCallback is called when the rate of a category exceeds the
	// threshold, at most once per category per window.
	AlertCallback func(category ErrorCategory, rate float64)

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultErrorRateConfig returns sensible defaults.
func DefaultErrorRateConfig() ErrorRateConfig {
	return ErrorRateConfig{
		WindowDuration: time.Minute,
		BucketCount:    60,
		AlertThreshold: 1.0,
	}
}

// ErrorRateTracker tracks call failure rates across categories.
type ErrorRateTracker struct {
	config   ErrorRateConfig
	counters map[ErrorCategory]*slidingWindow
	alerted  map[ErrorCategory]time.Time
	mu       sync.RWMutex

	// Aggregate counters: failures against call attempts.
	totalErrors atomic.Int64
	totalCalls  atomic.Int64
}

// NewErrorRateTracker creates a new error rate tracker.
func NewErrorRateTracker(config ErrorRateConfig) *ErrorRateTracker {
	if config.WindowDuration == 0 {
		config.WindowDuration = time.Minute
	}
	if config.BucketCount == 0 {
		config.BucketCount = 60
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &ErrorRateTracker{
		config:   config,
		counters: make(map[ErrorCategory]*slidingWindow),
		alerted:  make(map[ErrorCategory]time.Time),
	}
}

// RecordError records a failure in the specified category.
func (t *ErrorRateTracker) RecordError(category ErrorCategory) {
	t.totalErrors.Add(1)
	t.getOrCreateWindow(category).increment()

	if t.config.AlertCallback == nil {
		return
	}
	if rate := t.Rate(category); rate > t.config.AlertThreshold && t.claimAlert(category) {
		t.config.AlertCallback(category, rate)
	}
}

// claimAlert reports whether category may alert now: once per window.
func (t *ErrorRateTracker) claimAlert(category ErrorCategory) bool {
	now := t.config.Clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.alerted[category]; ok && now.Sub(last) < t.config.WindowDuration {
		return false
	}
	t.alerted[category] = now
	return true
}

// RecordCall records a call attempt (for calculating the failure percentage).
func (t *ErrorRateTracker) RecordCall() {
	t.totalCalls.Add(1)
}

// Rate returns the current error rate (errors per second) for a category.
func (t *ErrorRateTracker) Rate(category ErrorCategory) float64 {
	return float64(t.Count(category)) / t.config.WindowDuration.Seconds()
}

// Count returns the error count in the current window for a category.
func (t *ErrorRateTracker) Count(category ErrorCategory) int64 {
	t.mu.RLock()
	window, ok := t.counters[category]
	t.mu.RUnlock()

	if !ok {
		return 0
	}
	return window.count()
}

// TotalRate returns the aggregate error rate across all categories.
func (t *ErrorRateTracker) TotalRate() float64 {
	var total int64
	t.mu.RLock()
	for _, window := range t.counters {
		total += window.count()
	}
	t.mu.RUnlock()

	return float64(total) / t.config.WindowDuration.Seconds()
}

// FailurePercentage returns the share of call attempts that recorded a
// failure. Returns 0 if no calls have been recorded.
func (t *ErrorRateTracker) FailurePercentage() float64 {
	calls := t.totalCalls.Load()
	if calls == 0 {
		return 0
	}
	return (float64(t.totalErrors.Load()) / float64(calls)) * 100
}

// Snapshot returns a point-in-time snapshot of all error rates.
func (t *ErrorRateTracker) Snapshot() map[ErrorCategory]ErrorRateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[ErrorCategory]ErrorRateSnapshot, len(t.counters))
	for category, window := range t.counters {
		count := window.count()
		result[category] = ErrorRateSnapshot{
			Category: category,
			Count:    count,
			Rate:     float64(count) / t.config.WindowDuration.Seconds(),
		}
	}
	return result
}

// Reset clears all error counters.
func (t *ErrorRateTracker) Reset() {
	t.mu.Lock()
	t.counters = make(map[ErrorCategory]*slidingWindow)
	t.alerted = make(map[ErrorCategory]time.Time)
	t.mu.Unlock()

	t.totalErrors.Store(0)
	t.totalCalls.Store(0)
}

// ErrorRateSnapshot represents a point-in-time error rate for a category.
type ErrorRateSnapshot struct {
	Category ErrorCategory `json:"category"`
	Count    int64         `json:"count"`
	Rate     float64       `json:"rate"`
}

func (t *ErrorRateTracker) getOrCreateWindow(category ErrorCategory) *slidingWindow {
	t.mu.RLock()
	window, ok := t.counters[category]
	t.mu.RUnlock()

	if ok {
		return window
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if window, ok = t.counters[category]; ok {
		return window
	}

	window = newSlidingWindow(t.config.Clock, t.config.WindowDuration, t.config.BucketCount)
	t.counters[category] = window
	return window
}

// slidingWindow implements a time-based sliding window counter.
type slidingWindow struct {
	mu           sync.Mutex
	clock        clock.Clock
	buckets      []int64
	bucketDur    time.Duration
	currentIndex int
	lastUpdate   time.Time
}

func newSlidingWindow(clk clock.Clock, windowDur time.Duration, bucketCount int) *slidingWindow {
	return &slidingWindow{
		clock:      clk,
		buckets:    make([]int64, bucketCount),
		bucketDur:  windowDur / time.Duration(bucketCount),
		lastUpdate: clk.Now(),
	}
}

func (w *slidingWindow) increment() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rotate()
	w.buckets[w.currentIndex]++
}

func (w *slidingWindow) count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rotate()

	var total int64
	for _, count := range w.buckets {
		total += count
	}
	return total
}

// rotate advances the window if needed, clearing old buckets.
func (w *slidingWindow) rotate() {
	now := w.clock.Now()
	bucketsPassed := int(now.Sub(w.lastUpdate) / w.bucketDur)
	if bucketsPassed == 0 {
		return
	}
	if bucketsPassed > len(w.buckets) {
		bucketsPassed = len(w.buckets)
	}
	for i := 0; i < bucketsPassed; i++ {
		w.currentIndex = (w.currentIndex + 1) % len(w.buckets)
		w.buckets[w.currentIndex] = 0
	}
	// Keep the bucket phase instead of snapping to now.
	w.lastUpdate = w.lastUpdate.Add(time.Duration(bucketsPassed) * w.bucketDur)
	if now.Sub(w.lastUpdate) >= w.bucketDur {
		w.lastUpdate = now
	}
}
