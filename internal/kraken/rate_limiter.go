package kraken

import (
	"context"
	"sync"
	"time"
)

// ==================== RATE LIMITER ====================

// Kraken meters REST usage with a per-account counter: each call adds its
// cost, the counter decays at a fixed rate per second, and calls that would
// push the counter over the ceiling are rejected by the venue. The limiter
// models the same counter locally and waits for decay instead of burning a
// rejection.
type rateLimiter struct {
	mu          sync.Mutex
	counter     float64
	max         float64
	decayPerSec float64
	lastDecay   time.Time
}

// Costs for private endpoints. History endpoints are double-weighted by the
// venue; everything else counts one.
var endpointCosts = map[string]float64{
	"TradesHistory": 2,
	"Ledgers":       2,
	"QueryLedgers":  2,
	"ClosedOrders":  1,
	"QueryOrders":   1,
}

func endpointCost(endpoint string) float64 {
	if cost, ok := endpointCosts[endpoint]; ok {
		return cost
	}
	return 1
}

func newRateLimiter(max, decayPerSec float64) *rateLimiter {
	return &rateLimiter{
		max:         max,
		decayPerSec: decayPerSec,
		lastDecay:   time.Now(),
	}
}

func (r *rateLimiter) decayLocked(now time.Time) {
	elapsed := now.Sub(r.lastDecay).Seconds()
	if elapsed <= 0 {
		return
	}
	r.counter -= elapsed * r.decayPerSec
	if r.counter < 0 {
		r.counter = 0
	}
	r.lastDecay = now
}

// wait blocks until the counter has room for cost, then records it. Returns
// early with the context error on cancellation.
func (r *rateLimiter) wait(ctx context.Context, cost float64) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.decayLocked(now)
		if r.counter+cost <= r.max {
			r.counter += cost
			r.mu.Unlock()
			return nil
		}
		needed := r.counter + cost - r.max
		sleep := time.Duration(needed/r.decayPerSec*float64(time.Second)) + 10*time.Millisecond
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// penalize bumps the counter to its ceiling after a venue rate-limit
// rejection so subsequent calls wait for a full decay window
func (r *rateLimiter) penalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decayLocked(time.Now())
	r.counter = r.max
}
