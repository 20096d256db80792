package proxy

import (
	"sync"
	"time"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

const rateLimitWindow = 60 * time.Second

// RateLimiter enforces a sliding per-key requests-per-minute window. Keys
// with no configured rpm get the historical default of 60.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: map[string][]time.Time{}}
}

// Allow records a request against key if the window has room.
func (l *RateLimiter) Allow(key string, rpm int) bool {
	if rpm <= 0 {
		rpm = 60
	}
	now := nowUTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if now.Sub(t) < rateLimitWindow {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rpm {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}
