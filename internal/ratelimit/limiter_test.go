package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLimiter(rdb), mr
}

func TestCheckRateLimit_AllowsUpToRate(t *testing.T) {
	l, _ := newTestLimiter(t)
	cfg := LimitConfig{Rate: 3, Window: time.Minute}
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		d, err := l.CheckRateLimit(ctx, "plates:lot-1", cfg)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-(i+1), d.Remaining)
	}

	d, err := l.CheckRateLimit(ctx, "plates:lot-1", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestCheckRateLimit_KeysAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	cfg := LimitConfig{Rate: 1, Window: time.Minute}
	ctx := t.Context()

	d, err := l.CheckRateLimit(ctx, "plates:lot-1", cfg)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.CheckRateLimit(ctx, "plates:lot-1", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.CheckRateLimit(ctx, "plates:lot-2", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRateLimit_WindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	cfg := LimitConfig{Rate: 1, Window: 10 * time.Second}
	ctx := t.Context()

	d, err := l.CheckRateLimit(ctx, "plates:lot-1", cfg)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.CheckRateLimit(ctx, "plates:lot-1", cfg)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mr.FastForward(11 * time.Second)

	d, err = l.CheckRateLimit(ctx, "plates:lot-1", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRateLimit_RedisDownReturnsError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewLimiter(rdb)
	mr.Close()

	_, err := l.CheckRateLimit(t.Context(), "k", LimitConfig{Rate: 1, Window: time.Minute})
	assert.ErrorIs(t, err, ErrRedisUnavailable)
}
