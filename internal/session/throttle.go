package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle limits explicit start requests to one per interval per user.
// Automatic reconnects do not pass through it.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*throttleEntry
}

// NewThrottle creates a throttle. An interval <= 0 disables it.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		now:      time.Now,
		entries:  make(map[string]*throttleEntry),
	}
}

// Reserve consumes the user's start slot, or returns a *RateLimitError
// carrying the remaining wait.
func (t *Throttle) Reserve(userID string) error {
	if t.interval <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[userID]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.entries[userID] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitError{RetryAfter: t.interval}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &RateLimitError{RetryAfter: delay}
	}
	return nil
}

// Prune forgets users idle for longer than idle and returns how many were
// dropped. Entries younger than the interval are always kept.
func (t *Throttle) Prune(idle time.Duration) int {
	if idle < t.interval {
		idle = t.interval
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, e := range t.entries {
		if now.Sub(e.lastSeen) > idle {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked users.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
