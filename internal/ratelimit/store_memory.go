package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pruneInterval bounds how long an idle key's window may outlive its
// last request before the store drops it.
const pruneInterval = 5 * time.Minute

// MemoryStore is a sliding-window counter held in process memory. Good
// for a single replica; use RedisStore when several replicas must share
// one limit.
type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]*window
	clock     func() time.Time
	lastPrune time.Time
}

// window tracks the timestamps of a key's recent requests.
type window struct {
	timestamps []time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, pinning tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*window),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastPrune = s.clock()
	return s
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, windowSize time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.pruneIdle(now, windowSize)

	w := s.windows[key]
	if w == nil {
		w = &window{}
		s.windows[key] = w
	}
	w.trim(now.Add(-windowSize))

	if len(w.timestamps) >= limit {
		return &Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: retryAfter(w.timestamps[0], windowSize, now),
		}, nil
	}

	w.timestamps = append(w.timestamps, now)
	return &Result{
		Allowed:   true,
		Remaining: limit - len(w.timestamps),
	}, nil
}

// trim drops timestamps at or before cutoff. Timestamps arrive in order,
// so the slice stays sorted and the scan can stop at the first survivor.
func (w *window) trim(cutoff time.Time) {
	i := 0
	for ; i < len(w.timestamps); i++ {
		if w.timestamps[i].After(cutoff) {
			break
		}
	}
	w.timestamps = w.timestamps[i:]
}

// pruneIdle drops keys whose whole window has expired, bounding memory
// against a churn of one-off client addresses. Callers hold the lock.
func (s *MemoryStore) pruneIdle(now time.Time, windowSize time.Duration) {
	if now.Sub(s.lastPrune) < pruneInterval {
		return
	}
	s.lastPrune = now
	cutoff := now.Add(-windowSize)
	for key, w := range s.windows {
		w.trim(cutoff)
		if len(w.timestamps) == 0 {
			delete(s.windows, key)
		}
	}
}

// retryAfter is the time until the oldest recorded request leaves the
// window, rounded up so a client sleeping that long always succeeds.
func retryAfter(oldest time.Time, windowSize time.Duration, now time.Time) time.Duration {
	wait := oldest.Add(windowSize).Sub(now)
	if wait < 0 {
		return 0
	}
	if rounded := wait.Truncate(time.Second); rounded != wait {
		return rounded + time.Second
	}
	return wait
}
