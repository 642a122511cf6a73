package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// NewRateLimiter returns a per-connection token bucket that admits limit events per window,
// with bursts up to limit. Invalid inputs fall back to the package defaults.
func NewRateLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}
