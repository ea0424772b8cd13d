package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter tracks withdrawal attempts per user in process memory.
// Suitable for a single instance; multi-instance deployments use the
// Redis limiter so the cap holds across the fleet.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*attemptWindow
	swept   time.Time
}

type attemptWindow struct {
	attempts int
	resetsAt time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		windows: map[string]*attemptWindow{},
		swept:   time.Now(),
	}
}

// Allow counts one withdrawal attempt for the user against the current
// window. Denials report how long the user must wait, measured against
// the supplied clock so callers can surface an exact Retry-After.
func (l *MemoryLimiter) Allow(_ context.Context, userID string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.windows[userID]
	if !ok || !now.Before(w.resetsAt) {
		l.windows[userID] = &attemptWindow{attempts: 1, resetsAt: now.Add(l.window)}
		return true, 0, nil
	}

	if w.attempts >= l.limit {
		return false, w.resetsAt.Sub(now), nil
	}

	w.attempts++
	return true, 0, nil
}

// sweep drops windows that have lapsed. Runs at most once per window so
// a burst of distinct users does not turn every Allow into a full scan.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.window {
		return
	}
	for userID, w := range l.windows {
		if !now.Before(w.resetsAt) {
			delete(l.windows, userID)
		}
	}
	l.swept = now
}
