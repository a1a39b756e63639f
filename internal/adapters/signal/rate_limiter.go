package signal

import (
	"sync"
	"time"

	"github.com/dkeye/studyhall/internal/core"
)

// AppendRateLimiter is a sliding window limit on candidate appends per
// client.
type AppendRateLimiter struct {
	mu       sync.Mutex
	history  map[core.ClientID][]time.Time
	limit    int
	interval time.Duration
}

func NewAppendRateLimiter(limit int, interval time.Duration) *AppendRateLimiter {
	return &AppendRateLimiter{
		history:  make(map[core.ClientID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *AppendRateLimiter) Allow(cid core.ClientID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[cid]

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

// Forget drops the history of a client.
func (rl *AppendRateLimiter) Forget(cid core.ClientID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, cid)
}
