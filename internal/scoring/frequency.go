package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrequencyTracker counts occurrences per key inside a sliding window.
// The legacy tier keys it by signature and source to detect bursts.
type FrequencyTracker struct {
	window  time.Duration
	buckets map[string][]time.Time
	mu      sync.Mutex
	now     func() time.Time
	logger  zerolog.Logger
}

// NewFrequencyTracker creates a tracker with a fixed window.
func NewFrequencyTracker(window time.Duration, logger zerolog.Logger) *FrequencyTracker {
	return &FrequencyTracker{
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
		logger:  logger.With().Str("component", "frequency_tracker").Logger(),
	}
}

// Increment records an occurrence of key and returns the count within the window.
func (f *FrequencyTracker) Increment(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	entries := prune(append(f.buckets[key], now), now.Add(-f.window))
	f.buckets[key] = entries
	return len(entries)
}

// Count returns the current count for key without recording anything.
func (f *FrequencyTracker) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.now().Add(-f.window)
	n := 0
	for _, t := range f.buckets[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset forgets key.
func (f *FrequencyTracker) Reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets, key)
}

// Len returns the number of tracked keys.
func (f *FrequencyTracker) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets)
}

// Start periodically drops expired keys until ctx ends.
func (f *FrequencyTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Cleanup()
		}
	}
}

// Cleanup removes expired entries and empty keys.
func (f *FrequencyTracker) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.now().Add(-f.window)
	for key, entries := range f.buckets {
		entries = prune(entries, cutoff)
		if len(entries) == 0 {
			delete(f.buckets, key)
			continue
		}
		f.buckets[key] = entries
	}
}

func prune(entries []time.Time, cutoff time.Time) []time.Time {
	valid := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
