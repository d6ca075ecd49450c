package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is an in-process limiter with the same
// fixed-window-with-reset semantics as the Redis implementation: the first
// action for a key opens a window, the counter resets when the window
// elapses. Mutations per key are serialized under the mutex.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	// now is overridable in tests.
	now func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow admits the action if fewer than rule.Limit actions have been counted
// in the current window, opening a new window when the previous one elapsed.
func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return Decision{Allowed: true}, nil
	}

	w.count++
	if w.count > rule.Limit {
		return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Sweep discards expired windows. Callers run it periodically to bound
// memory on long-lived processes.
func (l *MemoryLimiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
	l.mu.Unlock()
}
