package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per user and action.
type RateLimiter struct {
	buckets   map[string]*entry
	perSecond float64
	mutex     sync.Mutex
	now       func() time.Time
}

func NewRateLimiter(perSecond float64) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*entry),
		perSecond: perSecond,
		now:       time.Now,
	}
}

func (rl *RateLimiter) limitFor(action string) (rate.Limit, int) {
	switch action {
	case "join_room":
		// Joins are rare; a burst of 3 absorbs reconnects.
		return rate.Limit(rl.perSecond / 5), 3
	case "set_trigger_keyword", "set_profile":
		return rate.Limit(rl.perSecond / 2), 5
	default:
		return rate.Limit(rl.perSecond), int(rl.perSecond*2) + 1
	}
}

// Allow reports whether the action is allowed now and consumes a token if so.
func (rl *RateLimiter) Allow(userID, action string) bool {
	if rl.perSecond <= 0 {
		return true
	}
	key := userID + ":" + action

	rl.mutex.Lock()
	e, exists := rl.buckets[key]
	if !exists {
		limit, burst := rl.limitFor(action)
		e = &entry{limiter: rate.NewLimiter(limit, burst)}
		rl.buckets[key] = e
	}
	now := rl.now()
	e.lastSeen = now
	rl.mutex.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Cleanup removes buckets that haven't been used for idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	now := rl.now()
	for key, e := range rl.buckets {
		if now.Sub(e.lastSeen) > idle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine prunes idle buckets until stop is closed.
func (rl *RateLimiter) StartCleanupRoutine(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.Cleanup(time.Hour)
			case <-stop:
				return
			}
		}
	}()
}
