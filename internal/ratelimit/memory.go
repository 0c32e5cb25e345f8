package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a per-process sliding-window limiter. Timestamps are kept
// per key and pruned on every check; a sweep once per window drops
// keys that went silent, so the map stays proportional to the live
// request rate rather than every bearer ever seen.
type Memory struct {
	max    int
	window time.Duration

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

func NewMemory(maxRequests int, window time.Duration) *Memory {
	return &Memory{
		max:    maxRequests,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, key string) Decision {
	now := time.Now()
	windowStart := now.Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= m.window {
		m.sweep(windowStart)
		m.lastSweep = now
	}

	ts := m.hits[key]
	pruned := 0
	for pruned < len(ts) && ts[pruned].Before(windowStart) {
		pruned++
	}
	ts = ts[pruned:]

	if len(ts) >= m.max {
		m.hits[key] = ts
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter(ts[0], windowStart),
			Remaining:  0,
			Limit:      m.max,
		}
	}

	ts = append(ts, now)
	m.hits[key] = ts
	return Decision{Allowed: true, Remaining: m.max - len(ts), Limit: m.max}
}

// sweep deletes keys whose newest hit has already left the window.
// Caller holds the mutex.
func (m *Memory) sweep(windowStart time.Time) {
	for key, ts := range m.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(windowStart) {
			delete(m.hits, key)
		}
	}
}

// retryAfter is the whole-second wait until the oldest hit slides out
// of the window, always at least 1 so clients never busy-loop.
func retryAfter(oldest, windowStart time.Time) int {
	wait := int(oldest.Sub(windowStart).Seconds()) + 1
	if wait < 1 {
		wait = 1
	}
	return wait
}
