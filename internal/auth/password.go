package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const dummyPassword = "cvflow-timing-equalizer"

// Hasher wraps bcrypt with a configurable cost and a bound on concurrent
// hash computations so a login burst cannot pin every CPU.
type Hasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher. Costs outside bcrypt's range fall back to
// bcrypt.DefaultCost; a non-positive parallelism defaults to GOMAXPROCS.
func NewHasher(cost, parallelism int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Hasher{cost: cost, sem: semaphore.NewWeighted(int64(parallelism))}
}

// Cost reports the work factor new digests are produced with.
func (h *Hasher) Cost() int { return h.cost }

// Hash produces a salted bcrypt digest of plaintext.
func (h *Hasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password exceeds 72 bytes", ErrInvalidInput)
		}
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// Verify compares plaintext against digest. A mismatch is (false, nil);
// an unparsable digest is reported as an error.
func (h *Hasher) Verify(ctx context.Context, plaintext, digest string) (bool, error) {
	if digest == "" {
		return false, errors.New("password hash is empty")
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verify password: %w", err)
	}
}

// Dummy returns a digest of a fixed throwaway password at the configured cost.
func (h *Hasher) Dummy() string {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte(dummyPassword), h.cost)
	})
	return string(h.dummy)
}

// VerifyDummy spends the same work as Verify against a fixed digest. It is
// used for unknown identities so response time does not reveal whether an
// account exists.
func (h *Hasher) VerifyDummy(ctx context.Context, plaintext string) {
	digest := h.Dummy()
	if digest == "" {
		return
	}
	_, _ = h.Verify(ctx, plaintext, digest)
}
