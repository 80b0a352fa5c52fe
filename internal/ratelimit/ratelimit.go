// Package ratelimit applies a per-client sliding window to the OAI-PMH
// endpoint. The protocol's flow control is a 503 with Retry-After, so
// the limiter reports how long a denied client should back off. Counters
// live in a Store: in-memory for one replica, Redis when several share
// the limit.
package ratelimit

import (
	"context"
	"time"
)

// Result is one limit decision.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long a denied client must wait for a slot to
	// open. Zero when allowed.
	RetryAfter time.Duration
}

// Store counts requests per key over a sliding window. A denied request
// is not recorded, so probing while blocked does not extend the block.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// Limiter applies one fixed limit to every key.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
}

// New builds a Limiter allowing limit requests per window and key.
func New(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
	}
}

// Allow records a request under key and reports whether it may proceed.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.store.Allow(ctx, key, l.limit, l.window)
}
