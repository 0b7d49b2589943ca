package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkindrix/callcore/internal/clock"
)

var errTest = errors.New("write failed")

func newTestTracker(window time.Duration, buckets int) (*ErrorRateTracker, *clock.Mock) {
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewErrorRateTracker(ErrorRateConfig{
		WindowDuration: window,
		BucketCount:    buckets,
		Clock:          clk,
	}), clk
}

func TestNewErrorRateTracker(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		tracker := NewErrorRateTracker(DefaultErrorRateConfig())

		if tracker.config.WindowDuration != time.Minute {
			t.Errorf("expected 1 minute window, got %v", tracker.config.WindowDuration)
		}
		if tracker.config.BucketCount != 60 {
			t.Errorf("expected 60 buckets, got %d", tracker.config.BucketCount)
		}
		if tracker.config.Clock == nil {
			t.Error("expected a default clock")
		}
	})

	t.Run("with zero values uses defaults", func(t *testing.T) {
		tracker := NewErrorRateTracker(ErrorRateConfig{})

		if tracker.config.WindowDuration != time.Minute {
			t.Errorf("expected default 1 minute window, got %v", tracker.config.WindowDuration)
		}
		if tracker.config.BucketCount != 60 {
			t.Errorf("expected default 60 buckets, got %d", tracker.config.BucketCount)
		}
	})
}

func TestErrorRateTracker_RecordError(t *testing.T) {
	tracker, _ := newTestTracker(time.Second, 10)

	tracker.RecordError(ErrorCategoryPolicy)
	tracker.RecordError(ErrorCategoryPolicy)
	tracker.RecordError(ErrorCategoryWatchdog)

	if count := tracker.Count(ErrorCategoryPolicy); count != 2 {
		t.Errorf("expected 2 policy errors, got %d", count)
	}
	if count := tracker.Count(ErrorCategoryWatchdog); count != 1 {
		t.Errorf("expected 1 watchdog error, got %d", count)
	}
	if count := tracker.Count(ErrorCategoryHandover); count != 0 {
		t.Errorf("expected 0 handover errors, got %d", count)
	}
}

func TestErrorRateTracker_Rate(t *testing.T) {
	tracker, _ := newTestTracker(10*time.Second, 10)

	for i := 0; i < 5; i++ {
		tracker.RecordError(ErrorCategoryCreateConnection)
	}

	if rate := tracker.Rate(ErrorCategoryCreateConnection); rate != 0.5 {
		t.Errorf("expected rate 0.5, got %f", rate)
	}
	if rate := tracker.Rate(ErrorCategoryFocus); rate != 0 {
		t.Errorf("expected rate 0 for unknown category, got %f", rate)
	}
	tracker.RecordError(ErrorCategoryFocus)
	if rate := tracker.TotalRate(); rate != 0.6 {
		t.Errorf("expected total rate 0.6, got %f", rate)
	}
}

func TestErrorRateTracker_WindowExpires(t *testing.T) {
	tracker, clk := newTestTracker(time.Second, 10)

	tracker.RecordError(ErrorCategoryPolicy)
	clk.Advance(500 * time.Millisecond)
	tracker.RecordError(ErrorCategoryPolicy)

	if count := tracker.Count(ErrorCategoryPolicy); count != 2 {
		t.Fatalf("expected 2 errors inside the window, got %d", count)
	}

	clk.Advance(600 * time.Millisecond)
	if count := tracker.Count(ErrorCategoryPolicy); count != 1 {
		t.Errorf("expected the first error to expire, got %d", count)
	}

	clk.Advance(2 * time.Second)
	if count := tracker.Count(ErrorCategoryPolicy); count != 0 {
		t.Errorf("expected all errors to expire, got %d", count)
	}
}

func TestErrorRateTracker_FailurePercentage(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute, 60)

	if pct := tracker.FailurePercentage(); pct != 0 {
		t.Errorf("expected 0%% with no calls, got %f", pct)
	}

	for i := 0; i < 10; i++ {
		tracker.RecordCall()
	}
	tracker.RecordError(ErrorCategoryPolicy)
	tracker.RecordError(ErrorCategoryCreateConnection)

	if pct := tracker.FailurePercentage(); pct != 20 {
		t.Errorf("expected 20%%, got %f", pct)
	}
}

func TestErrorRateTracker_Snapshot(t *testing.T) {
	tracker, _ := newTestTracker(10*time.Second, 10)

	tracker.RecordError(ErrorCategoryHandover)
	tracker.RecordError(ErrorCategoryHandover)
	tracker.RecordError(ErrorCategoryCallLog)

	snapshot := tracker.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(snapshot))
	}
	if s := snapshot[ErrorCategoryHandover]; s.Count != 2 || s.Rate != 0.2 {
		t.Errorf("unexpected handover snapshot %+v", s)
	}
}

func TestErrorRateTracker_Reset(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute, 60)

	tracker.RecordCall()
	tracker.RecordError(ErrorCategoryPolicy)
	tracker.Reset()

	if count := tracker.Count(ErrorCategoryPolicy); count != 0 {
		t.Errorf("expected 0 after reset, got %d", count)
	}
	if pct := tracker.FailurePercentage(); pct != 0 {
		t.Errorf("expected 0%% after reset, got %f", pct)
	}
}

func TestErrorRateTracker_AlertCallback(t *testing.T) {
	var (
		alerted  ErrorCategory
		alertCnt int
	)
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := NewErrorRateTracker(ErrorRateConfig{
		WindowDuration: time.Second,
		BucketCount:    10,
		AlertThreshold: 2,
		Clock:          clk,
		AlertCallback: func(category ErrorCategory, rate float64) {
			alerted = category
			alertCnt++
		},
	})

	tracker.RecordError(ErrorCategoryWatchdog)
	tracker.RecordError(ErrorCategoryWatchdog)
	if alertCnt != 0 {
		t.Fatalf("expected no alert at the threshold, got %d", alertCnt)
	}

	tracker.RecordError(ErrorCategoryWatchdog)
	if alertCnt != 1 {
		t.Errorf("expected 1 alert, got %d", alertCnt)
	}
	if alerted != ErrorCategoryWatchdog {
		t.Errorf("expected watchdog alert, got %q", alerted)
	}

	tracker.RecordError(ErrorCategoryWatchdog)
	if alertCnt != 1 {
		t.Errorf("expected one alert per window, got %d", alertCnt)
	}

	clk.Advance(time.Second)
	for i := 0; i < 3; i++ {
		tracker.RecordError(ErrorCategoryWatchdog)
	}
	if alertCnt != 2 {
		t.Errorf("expected a second alert in the next window, got %d", alertCnt)
	}
}

func TestErrorRateTracker_Concurrent(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute, 60)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.RecordCall()
				tracker.RecordError(ErrorCategoryExternal)
			}
		}()
	}
	wg.Wait()

	if count := tracker.Count(ErrorCategoryExternal); count != 1000 {
		t.Errorf("expected 1000 errors, got %d", count)
	}
}
