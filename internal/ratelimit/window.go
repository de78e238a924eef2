package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLoginLimit  = 5
	DefaultLoginWindow = 60 * time.Second
	loginAddrPrefix    = "login:ip:"
)

// Limiter admits at most limit calls per key within a sliding window.
type Limiter struct {
	counter KeyedCounter
	limit   int
	window  time.Duration
	opts    options
}

// NewLimiter builds a sliding-window limiter. Non-positive limit or window
// fall back to the login defaults.
func NewLimiter(counter KeyedCounter, limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLoginLimit
	}
	if window <= 0 {
		window = DefaultLoginWindow
	}
	return &Limiter{counter: counter, limit: limit, window: window, opts: buildOptions(loginAddrPrefix, opts)}
}

// Allow records a hit for key and reports whether it fit under the ceiling.
// Denied calls are not recorded.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	_, ok, err := l.counter.TryAdd(ctx, l.opts.prefix+key, l.opts.now(), l.window, l.limit)
	return ok, err
}

// RetryAfter is the time until key drops back under the ceiling, or 0 when it
// is already below it.
func (l *Limiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	now := l.opts.now()
	u, err := l.counter.Usage(ctx, l.opts.prefix+key, now, l.window)
	if err != nil {
		return 0, err
	}
	return remaining(u, l.limit, l.window, now), nil
}

// Reset clears the history for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.counter.Reset(ctx, l.opts.prefix+key)
}
