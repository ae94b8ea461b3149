package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests with one token bucket per host
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	log      *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. rps <= 0 disables pacing.
func NewRateLimiter(rps float64, burst int, log *logrus.Entry) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		log:      log,
	}
}

// Wait blocks until the host of rawURL may receive another request
func (rl *RateLimiter) Wait(ctx context.Context, rawURL string) error {
	if rl == nil || rl.limit == rate.Inf {
		return nil
	}
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	rl.mu.Lock()
	limiter, ok := rl.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[host] = limiter
	}
	rl.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		rl.log.WithField("host", host).Debugf("Rate limit wait aborted: %v", err)
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
