// Package lock serialises sagas that target the same resource with an
// exclusive, leased, advisory lock.
//
// A lease expires on its own so a crashed holder cannot block a record
// forever; the lease handed to Acquire must therefore outlive the slowest
// saga (sum of its step timeouts plus a margin). There is no heartbeat.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrNotAcquired is returned when the lock stays held by another owner for
// the whole wait window.
var ErrNotAcquired = errors.New("lock: resource is held by another owner")

// DefaultPollInterval is how often a blocked Acquire retries.
const DefaultPollInterval = 25 * time.Millisecond

// Lease describes the current holder of a resource lock.
type Lease struct {
	ResourceID string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager is implemented by RedisManager and MemoryManager.
type Manager interface {
	// Acquire takes the lock on resourceID for owner, waiting up to wait for
	// the current holder to release or expire. Acquiring a lock already held
	// by the same owner extends its lease.
	Acquire(ctx context.Context, resourceID, owner string, lease, wait time.Duration) error

	// Release drops the lock if, and only if, owner still holds it.
	Release(ctx context.Context, resourceID, owner string) error

	// Holder returns the live lease on resourceID, or nil.
	Holder(ctx context.Context, resourceID string) (*Lease, error)
}

// tryFunc makes one non-blocking acquisition attempt.
type tryFunc func(ctx context.Context) (bool, error)

// acquireWithin polls try at a fixed interval until it succeeds, fails hard,
// or wait elapses.
func acquireWithin(ctx context.Context, resourceID string, wait, poll time.Duration, try tryFunc) error {
	ok, err := try(ctx)
	if err != nil {
		return fmt.Errorf("lock: acquire %q: %w", resourceID, err)
	}
	if ok {
		return nil
	}
	if wait <= 0 {
		return fmt.Errorf("lock: acquire %q: %w", resourceID, ErrNotAcquired)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	err = retry.Do(
		func() error {
			ok, err := try(waitCtx)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !ok {
				return ErrNotAcquired
			}
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(poll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrNotAcquired) }),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("lock: acquire %q: %w", resourceID, ctx.Err())
	case errors.Is(err, ErrNotAcquired), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("lock: acquire %q within %s: %w", resourceID, wait, ErrNotAcquired)
	default:
		return fmt.Errorf("lock: acquire %q: %w", resourceID, err)
	}
}
