package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps inbound frames per connection: limit events per window,
// with the whole budget available as burst.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter falls back to the package defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	every := window / time.Duration(limit)
	if every <= 0 {
		every = time.Nanosecond
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(every), limit)}
}

// Allow reports whether an event at now is permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}
