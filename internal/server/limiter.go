package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter holds one token bucket per user for session creation.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	users       map[string]*limiterEntry
	lastCleanup time.Time
}

// newUserLimiter returns a limiter allowing perMinute creations per user.
// A non-positive perMinute disables limiting.
func newUserLimiter(perMinute float64, burst int) *userLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		limit:       limit,
		burst:       burst,
		users:       make(map[string]*limiterEntry),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether user may create a session now.
func (l *userLimiter) Allow(user string) bool {
	if l.limit == rate.Inf {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > limiterIdleTTL {
		for u, e := range l.users {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.users, u)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.users[user]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[user] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
