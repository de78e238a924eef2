package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 300 * time.Second
	lockoutPrefix           = "login:email:"
)

// Lockout locks an identity once failures inside the window reach threshold.
// It unlocks on a recorded success or once enough failures age out to bring
// the count back under threshold.
type Lockout struct {
	counter   KeyedCounter
	threshold int
	window    time.Duration
	opts      options
}

func NewLockout(counter KeyedCounter, threshold int, window time.Duration, opts ...Option) *Lockout {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	return &Lockout{counter: counter, threshold: threshold, window: window, opts: buildOptions(lockoutPrefix, opts)}
}

// Reserve counts one attempt against identity before it is checked and
// reports false, recording nothing, when identity is already locked. The
// check and the record are atomic, so concurrent attempts can never exceed
// threshold. A reserved attempt stays counted until RecordSuccess.
func (l *Lockout) Reserve(ctx context.Context, identity string) (bool, error) {
	_, ok, err := l.counter.TryAdd(ctx, l.opts.prefix+identity, l.opts.now(), l.window, l.threshold)
	return ok, err
}

func (l *Lockout) RecordFailure(ctx context.Context, identity string) error {
	_, err := l.counter.Add(ctx, l.opts.prefix+identity, l.opts.now(), l.window)
	return err
}

// RecordSuccess clears every recorded failure for identity.
func (l *Lockout) RecordSuccess(ctx context.Context, identity string) error {
	return l.counter.Reset(ctx, l.opts.prefix+identity)
}

func (l *Lockout) IsLocked(ctx context.Context, identity string) (bool, error) {
	u, err := l.counter.Usage(ctx, l.opts.prefix+identity, l.opts.now(), l.window)
	if err != nil {
		return false, err
	}
	return u.Count >= l.threshold, nil
}

// Remaining is the time until identity unlocks, or 0 when it is not locked.
func (l *Lockout) Remaining(ctx context.Context, identity string) (time.Duration, error) {
	now := l.opts.now()
	u, err := l.counter.Usage(ctx, l.opts.prefix+identity, now, l.window)
	if err != nil {
		return 0, err
	}
	return remaining(u, l.threshold, l.window, now), nil
}
