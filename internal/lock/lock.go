// Package lock provides a named, TTL-bound mutual-exclusion lock shared by
// every instance of the server. It elects the single owner of periodic
// maintenance work.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyName is returned when a lock is built without a name.
var ErrEmptyName = errors.New("lock: name must not be empty")

// ErrInvalidTTL is returned when a lock is built with a non-positive TTL.
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

// Lock is a renewable ownership token.
//
// Acquire reports true when the caller holds the lock afterwards, including
// when it already held it. Renew reports false once ownership has been lost;
// the caller must then stop acting as owner. Release is idempotent and safe
// to call when the lock is not held.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

func checkArgs(name string, ttl time.Duration) error {
	if name == "" {
		return ErrEmptyName
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Noop always succeeds. Used when there is no shared backend, where a single
// instance has nobody to contend with.
type Noop struct{}

// Compile-time interface check.
var _ Lock = Noop{}

// Acquire implements Lock.
func (Noop) Acquire(context.Context) (bool, error) { return true, nil }

// Renew implements Lock.
func (Noop) Renew(context.Context) (bool, error) { return true, nil }

// Release implements Lock.
func (Noop) Release(context.Context) error { return nil }
