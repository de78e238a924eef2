package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	mu     sync.Mutex
	hits   []time.Time
	window time.Duration
	dead   bool
}

func (e *entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.hits) && !e.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.hits = append(e.hits[:0], e.hits[i:]...)
	}
	e.window = window
}

func (e *entry) usage() Usage {
	if len(e.hits) == 0 {
		return Usage{}
	}
	hits := make([]time.Time, len(e.hits))
	copy(hits, e.hits)
	return Usage{Count: len(hits), Oldest: hits[0], Hits: hits}
}

// idle reports whether the entry has no hits newer than now-maxAge.
// A zero maxAge uses the window the entry was last accessed with.
func (e *entry) idle(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = e.window
	}
	if len(e.hits) == 0 {
		return true
	}
	return !e.hits[len(e.hits)-1].After(now.Add(-maxAge))
}

// MemoryCounter is an in-process KeyedCounter. Each key has its own mutex;
// the map lock is held only for lookups so unrelated keys never contend.
type MemoryCounter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	maxKeys int
}

// MemoryOption configures a MemoryCounter.
type MemoryOption func(*MemoryCounter)

// WithMaxKeys caps the number of tracked keys. When full, idle keys are swept;
// if none can be freed new keys are rejected with ErrTooManyKeys.
func WithMaxKeys(n int) MemoryOption {
	return func(c *MemoryCounter) {
		if n > 0 {
			c.maxKeys = n
		}
	}
}

func NewMemoryCounter(opts ...MemoryOption) *MemoryCounter {
	c := &MemoryCounter{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len reports the number of tracked keys.
func (c *MemoryCounter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCounter) lookup(key string, now time.Time, create bool) (*entry, error) {
	c.mu.RLock()
	e := c.entries[key]
	c.mu.RUnlock()
	if e != nil || !create {
		return e, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.entries[key]; e != nil {
		return e, nil
	}
	if c.maxKeys > 0 && len(c.entries) >= c.maxKeys {
		c.sweepLocked(now, 0)
		if len(c.entries) >= c.maxKeys {
			return nil, ErrTooManyKeys
		}
	}
	e = &entry{}
	c.entries[key] = e
	return e, nil
}

// withEntry runs fn under the key's lock, retrying if the entry was swept
// between lookup and lock.
func (c *MemoryCounter) withEntry(key string, now time.Time, create bool, fn func(*entry)) error {
	for {
		e, err := c.lookup(key, now, create)
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		fn(e)
		e.mu.Unlock()
		return nil
	}
}

func (c *MemoryCounter) TryAdd(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Usage, bool, error) {
	var (
		u       Usage
		allowed bool
	)
	err := c.withEntry(key, now, true, func(e *entry) {
		e.prune(now, window)
		if len(e.hits) < limit {
			e.hits = append(e.hits, now)
			allowed = true
		}
		u = e.usage()
	})
	return u, allowed, err
}

func (c *MemoryCounter) Add(_ context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	var u Usage
	err := c.withEntry(key, now, true, func(e *entry) {
		e.prune(now, window)
		e.hits = append(e.hits, now)
		u = e.usage()
	})
	return u, err
}

func (c *MemoryCounter) Usage(_ context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	var u Usage
	err := c.withEntry(key, now, false, func(e *entry) {
		e.prune(now, window)
		u = e.usage()
	})
	return u, err
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	e := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.dead = true
		e.hits = nil
		e.mu.Unlock()
	}
	return nil
}

// Sweep drops keys with no hits newer than now-maxAge and returns how many were removed.
func (c *MemoryCounter) Sweep(now time.Time, maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now, maxAge)
}

func (c *MemoryCounter) sweepLocked(now time.Time, maxAge time.Duration) int {
	removed := 0
	for key, e := range c.entries {
		e.mu.Lock()
		if e.idle(now, maxAge) {
			e.dead = true
			delete(c.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}
