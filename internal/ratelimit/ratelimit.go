// Package ratelimit bounds outbound calls to the market data APIs using a
// token bucket. The bucket holds at most maxRequests tokens and refills at
// maxRequests per window, so a burst can never exceed the configured budget
// within a window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/stock-poller/internal/models"
)

// Limiter wraps a token bucket and is safe for concurrent use by multiple
// poll cycles.
type Limiter struct {
	bucket *rate.Limiter
}

// New constructs a limiter allowing maxRequests acquisitions per window.
// Misconfiguration is the only failure mode.
func New(maxRequests int, window time.Duration) (*Limiter, error) {
	if maxRequests <= 0 {
		return nil, models.WrapConfig(fmt.Errorf("rate limit max requests must be positive, got %d", maxRequests))
	}
	if window <= 0 {
		return nil, models.WrapConfig(fmt.Errorf("rate limit window must be positive, got %s", window))
	}
	refill := rate.Limit(float64(maxRequests) / window.Seconds())
	return &Limiter{bucket: rate.NewLimiter(refill, maxRequests)}, nil
}

// Acquire blocks until one unit of budget is available or the context is
// cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// TryAcquire reports immediately whether one unit of budget was available,
// consuming it when true.
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}
