// Package timeseries provides time-windowed rate tracking for test runs.
//
// It tracks the cumulative number of completed tests and computes rolling
// completion rates over 10s, 60s and 300s windows.
//
// Thread-safe: AddCompleted() uses atomic int64, GetStats() acquires read lock.
// Memory: 300 samples (5 minute window at 1 sample/sec).
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize is the number of samples to retain (5 minutes at 1 sample/sec)
	ringBufferSize = 300

	// Window durations for rolling rates
	window10s  = 10 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

// realClock uses time.Now() for production.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample represents a point-in-time snapshot of the completed count.
type sample struct {
	timestamp time.Time
	completed int64
}

// CompletionTracker tracks completed tests and computes rolling rates.
//
// Usage:
//
//	tracker := NewCompletionTracker()
//	tracker.AddCompleted(1) // Called per reported test (lock-free)
//	// ... periodic sampling (e.g., every 1s via ticker)
//	tracker.RecordSample()
//	stats := tracker.GetStats()
type CompletionTracker struct {
	completed atomic.Int64

	// Ring buffer of samples for rolling rate calculation
	samples  []sample
	writeIdx int // Next write position once the buffer is full
	mu       sync.RWMutex

	startTime time.Time
	clock     Clock
}

// CompletionStats contains computed rolling rates at a point in time.
type CompletionStats struct {
	// Completed is the number of tests completed since start
	Completed int64

	// Rolling rates (tests per second)
	Rate10s  float64
	Rate60s  float64
	Rate300s float64

	// RateOverall is the rate since tracking started
	RateOverall float64
}

// NewCompletionTracker creates a new tracker with the real clock.
func NewCompletionTracker() *CompletionTracker {
	return NewCompletionTrackerWithClock(realClock{})
}

// NewCompletionTrackerWithClock creates a tracker with a custom clock for testing.
func NewCompletionTrackerWithClock(clock Clock) *CompletionTracker {
	now := clock.Now()
	t := &CompletionTracker{
		samples:   make([]sample, 0, ringBufferSize),
		startTime: now,
		clock:     clock,
	}
	// Initial sample at t=0 with nothing completed
	t.samples = append(t.samples, sample{timestamp: now})
	return t
}

// AddCompleted adds n completed tests. Non-positive n is ignored.
func (t *CompletionTracker) AddCompleted(n int64) {
	if n > 0 {
		t.completed.Add(n)
	}
}

// RecordSample records the current count with a timestamp.
// Call this periodically (e.g., every 1 second via ticker).
func (t *CompletionTracker) RecordSample() {
	now := t.clock.Now()
	current := t.completed.Load()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := sample{timestamp: now, completed: current}
	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringBufferSize
}

// GetStats computes the current rates. With less history than a window,
// the oldest sample is used.
func (t *CompletionTracker) GetStats() CompletionStats {
	now := t.clock.Now()
	current := t.completed.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := CompletionStats{Completed: current}

	if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
		stats.RateOverall = float64(current) / elapsed
	}
	stats.Rate10s = t.rateOverWindow(now, current, window10s)
	stats.Rate60s = t.rateOverWindow(now, current, window60s)
	stats.Rate300s = t.rateOverWindow(now, current, window300s)
	return stats
}

// ETA estimates the time to complete remaining tests from the 60s rate,
// falling back to the overall rate. It returns 0 when no rate is known.
func (t *CompletionTracker) ETA(remaining int) time.Duration {
	if remaining <= 0 {
		return 0
	}
	stats := t.GetStats()
	rate := stats.Rate60s
	if rate <= 0 {
		rate = stats.RateOverall
	}
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// rateOverWindow calculates completions/sec over window.
// Must be called with mu held (at least RLock).
func (t *CompletionTracker) rateOverWindow(now time.Time, current int64, window time.Duration) float64 {
	target := now.Add(-window)

	// Sample closest to (but not after) the window start
	var best *sample
	var bestDiff time.Duration = -1
	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		diff := target.Sub(s.timestamp)
		if bestDiff < 0 || diff < bestDiff {
			best = s
			bestDiff = diff
		}
	}
	if best == nil {
		best = t.oldestSample()
	}
	if best == nil {
		return 0
	}

	elapsed := now.Sub(best.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-best.completed) / elapsed
}

// oldestSample returns the oldest sample in the ring buffer.
// Must be called with mu held.
func (t *CompletionTracker) oldestSample() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringBufferSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Reset clears all data and restarts tracking.
func (t *CompletionTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed.Store(0)
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{timestamp: now})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of samples in the ring buffer.
// Useful for testing.
func (t *CompletionTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
