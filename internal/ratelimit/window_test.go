package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestLimiterAllowsUpToCeiling(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	l := NewLimiter(NewMemoryCounter(), 5, time.Minute, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
		clock.Advance(time.Second)
	}
	ok, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	wait, err := l.RetryAfter(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 55*time.Second, wait)

	ok, err = l.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")
}

func TestLimiterRecoversAfterWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	l := NewLimiter(NewMemoryCounter(), 5, time.Minute, WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "ip")
		require.NoError(t, err)
	}
	clock.Advance(61 * time.Second)
	ok, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiterRetryAfterZeroWhenNotLimited(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounter(), 5, time.Minute)
	wait, err := l.RetryAfter(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestLimiterReset(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	l := NewLimiter(NewMemoryCounter(), 1, time.Minute, WithClock(clock.Now))
	ok, _ := l.Allow(ctx, "ip")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "ip")
	require.False(t, ok)

	require.NoError(t, l.Reset(ctx, "ip"))
	ok, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiterNamespacesKeys(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryCounter()
	l := NewLimiter(counter, 5, time.Minute)
	_, err := l.Allow(ctx, "ip")
	require.NoError(t, err)

	u, err := counter.Usage(ctx, "login:ip:ip", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Count)
}
