// Package lock provides the per-key mutual exclusion every run trigger goes
// through. A lock has a single owner and a bounded TTL; contention is
// reported through result values, errors are reserved for backend failures.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	MinTTL = 30 * time.Second
	MaxTTL = 24 * time.Hour
)

const (
	ReasonNotFound      = "lock_not_found"
	ReasonOwnerMismatch = "owner_mismatch"
)

// ErrUnavailable wraps every backend failure.
var ErrUnavailable = errors.New("lock service unavailable")

// Record is the stored state of a held lock.
type Record struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type AcquireResult struct {
	Acquired  bool      `json:"acquired"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ReleaseResult struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

type StatusResult struct {
	Locked    bool       `json:"locked"`
	Owner     string     `json:"owner,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Service is implemented by every lock backend. Operations on one key are
// linearizable with respect to each other.
type Service interface {
	// Acquire takes the lock when no live record exists. When another
	// owner holds it, the result carries that owner and Acquired is false.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (AcquireResult, error)
	// Release deletes the record. An empty owner skips the ownership check.
	Release(ctx context.Context, key, owner string) (ReleaseResult, error)
	Status(ctx context.Context, key string) (StatusResult, error)
}

// ClampTTL bounds ttl to [MinTTL, MaxTTL].
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

func unavailable(err error, op string) error {
	return errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
}

func validate(key, owner string) error {
	if key == "" {
		return errors.New("lock: empty key")
	}
	if owner == "" {
		return errors.New("lock: empty owner")
	}
	return nil
}
