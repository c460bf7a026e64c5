// Package idempotency memoises the terminal result of a saga under a
// caller-supplied key so that a retried request is answered without running
// any step again.
//
// The protocol is reserve-then-store: CheckAndReserve atomically either
// returns a stored result, grants the caller a reservation, or reports that
// another caller holds the reservation (ErrInFlight). The holder then calls
// Store on success or Release on failure.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
)

// ErrInFlight means the original request with the same key is still running.
var ErrInFlight = errors.New("idempotency: request with this key is still in flight")

// Record is the stored outcome of a completed saga.
type Record struct {
	Key       string          `json:"key"`
	SagaID    string          `json:"saga_id"`
	Result    sagalog.Payload `json:"result"`
	CreatedAt time.Time       `json:"created_at"`

	// ExpiresAt is zero when the record never expires.
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager is implemented by RedisManager and SQLiteManager.
type Manager interface {
	// CheckAndReserve returns the stored record for key, or (nil, nil) when
	// owner now holds a reservation valid for reservation. A live
	// reservation held by a different owner yields ErrInFlight.
	CheckAndReserve(ctx context.Context, key, owner string, reservation time.Duration) (*Record, error)

	// Store replaces owner's reservation with the final record, kept for
	// ttl (zero keeps it forever).
	Store(ctx context.Context, key, owner string, rec Record, ttl time.Duration) error

	// Release drops owner's reservation so the request can be retried. A
	// stored record or another owner's reservation is left untouched.
	Release(ctx context.Context, key, owner string) error
}

const (
	stateReserved  = "reserved"
	stateCompleted = "completed"
)
