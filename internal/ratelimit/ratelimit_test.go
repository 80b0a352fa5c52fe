package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	key    string
	limit  int
	window time.Duration
	result *Result
	err    error
}

func (f *fakeStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	f.key = key
	f.limit = limit
	f.window = window
	return f.result, f.err
}

func TestLimiterAllow(t *testing.T) {
	store := &fakeStore{result: &Result{Allowed: true, Remaining: 4}}
	limiter := New(store, 5, 30*time.Second)

	result, err := limiter.Allow(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.Remaining)
	assert.Equal(t, "203.0.113.9", store.key)
	assert.Equal(t, 5, store.limit)
	assert.Equal(t, 30*time.Second, store.window)
}
