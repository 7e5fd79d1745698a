// Package server throttles inbound frames per connection with a token bucket.
// Frames over the limit are delayed, never discarded.
package server

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	lim *rate.Limiter
}

// newRateLimiter admits burst frames at once and refills the bucket to full
// over interval.
func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		lim: rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst),
	}
}

// throttled reports whether the next frame will have to wait for a token.
func (rl *rateLimiter) throttled() bool {
	return rl.lim.Tokens() < 1
}

// wait blocks until the next frame may be processed or ctx is done.
func (rl *rateLimiter) wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}
