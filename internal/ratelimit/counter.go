// Package ratelimit implements sliding-window counters used for login
// throttling and identity lockout.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrTooManyKeys is returned when a bounded counter cannot track another key.
var ErrTooManyKeys = errors.New("ratelimit: tracked key capacity exhausted")

// Usage describes the hits recorded for a key inside a window.
type Usage struct {
	Count  int
	Oldest time.Time
	// Hits holds every hit in the window, oldest first.
	Hits []time.Time
}

// releaseAt is when the count next drops below limit: the moment hit
// Count-limit leaves the window. Zero when the key is already below limit.
func (u Usage) releaseAt(limit int, window time.Duration) time.Time {
	if limit <= 0 || u.Count < limit {
		return time.Time{}
	}
	idx := u.Count - limit
	if idx >= len(u.Hits) {
		return u.Oldest.Add(window)
	}
	return u.Hits[idx].Add(window)
}

// KeyedCounter records timestamped hits per key. Implementations prune hits
// at or before now-window on every call and serialize operations per key.
type KeyedCounter interface {
	// TryAdd records now only if fewer than limit hits remain in the window.
	// The check and the record are atomic for the key.
	TryAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Usage, bool, error)
	// Add records now unconditionally.
	Add(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error)
	Usage(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error)
	Reset(ctx context.Context, key string) error
}

type options struct {
	prefix string
	now    func() time.Time
}

// Option configures a Limiter or Lockout.
type Option func(*options)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithClock overrides time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(prefix string, opts []Option) options {
	o := options{prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func remaining(u Usage, limit int, window time.Duration, now time.Time) time.Duration {
	at := u.releaseAt(limit, window)
	if at.IsZero() {
		return 0
	}
	d := at.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
