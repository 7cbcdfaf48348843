package awsapi

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles upstream calls with one token bucket per account and region.
type Limiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter creates a limiter. A limit of zero disables throttling.
func NewLimiter(limit rate.Limit, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a call for accountID in region may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, accountID, region string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	return l.bucket(clientKey(accountID, region)).Wait(ctx)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}
