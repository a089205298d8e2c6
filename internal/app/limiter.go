package app

import (
	"sync"
	"time"

	"github.com/dkeye/Callbox/internal/core"
)

// WriteLimiter is a sliding-window limiter for document writes, per client.
type WriteLimiter struct {
	mu       sync.Mutex
	history  map[core.ClientID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewWriteLimiter(limit int, interval time.Duration) *WriteLimiter {
	return &WriteLimiter{
		history:  make(map[core.ClientID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *WriteLimiter) Allow(cid core.ClientID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[cid]

	// Drop attempts that left the window.
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[cid] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[cid] = fresh
	return true
}

// Sweep forgets clients with no attempt inside the window.
func (rl *WriteLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.now().Add(-rl.interval)
	for cid, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, cid)
		}
	}
}
