package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"marketfetch/internal/clock"
)

// API represents the different external APIs we interact with
type API string

const (
	// APIDefiLlama represents the DefiLlama API
	APIDefiLlama API = "defillama"
	// APICoinGecko represents the CoinGecko API
	APICoinGecko API = "coingecko"
	// APIDune represents the Dune Analytics API
	APIDune API = "dune"
)

// Limiter manages one token bucket per API. A single Limiter is shared by all
// workers of a batch so that concurrent fetches draw from the same budget.
type Limiter struct {
	limiters map[API]*rate.Limiter
	clock    clock.Clock
	mu       sync.RWMutex
}

// New creates a limiter driven by the given clock. A nil clock means the
// real runtime clock.
func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	return &Limiter{
		limiters: make(map[API]*rate.Limiter),
		clock:    c,
	}
}

// SetRate configures the budget for an API in requests per minute with a
// burst of one. A non-positive rate removes the limit for that API.
func (l *Limiter) SetRate(api API, requestsPerMinute float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if requestsPerMinute <= 0 {
		delete(l.limiters, api)
		return
	}

	l.limiters[api] = rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), 1)
}

// Wait blocks until the rate limiter permits an event for the given API.
// It returns an error if the context is canceled before the event can proceed.
func (l *Limiter) Wait(ctx context.Context, api API) error {
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		// If no limiter exists for this API, allow the request without limiting
		return nil
	}

	now := l.clock.Now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// Allow reports whether an event for the given API may happen now
func (l *Limiter) Allow(api API) bool {
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		// If no limiter exists for this API, allow the request
		return true
	}

	return limiter.AllowN(l.clock.Now(), 1)
}
