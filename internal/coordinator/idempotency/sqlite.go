package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key          TEXT PRIMARY KEY,
    owner        TEXT NOT NULL,
    state        TEXT NOT NULL,
    saga_id      TEXT NOT NULL DEFAULT '',
    result       TEXT NOT NULL DEFAULT '{}',
    created_at   INTEGER NOT NULL,

    -- Unix nanoseconds; 0 means the row never expires.
    expires_at   INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteManager keeps idempotency records next to the saga state, for
// single-node deployments without Redis.
type SQLiteManager struct {
	db  *sql.DB
	now func() time.Time
}

var _ Manager = (*SQLiteManager)(nil)

func NewSQLiteManager(db *sql.DB) (*SQLiteManager, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("idempotency: apply schema: %w", err)
	}
	return &SQLiteManager{db: db, now: time.Now}, nil
}

func (m *SQLiteManager) CheckAndReserve(ctx context.Context, key, owner string, reservation time.Duration) (*Record, error) {
	var out *Record
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		now := m.now()

		const purge = `DELETE FROM idempotency_keys WHERE key = ? AND expires_at > 0 AND expires_at <= ?`
		if _, err := tx.ExecContext(ctx, purge, key, now.UnixNano()); err != nil {
			return err
		}

		const reserve = `
			INSERT INTO idempotency_keys (key, owner, state, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (key) DO NOTHING`
		res, err := tx.ExecContext(ctx, reserve, key, owner, stateReserved, now.UnixNano(), now.Add(reservation).UnixNano())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			return nil
		}

		var (
			rowOwner, state, sagaID, result string
			createdAt, expiresAt            int64
		)
		const q = `SELECT owner, state, saga_id, result, created_at, expires_at FROM idempotency_keys WHERE key = ?`
		if err := tx.QueryRowContext(ctx, q, key).Scan(&rowOwner, &state, &sagaID, &result, &createdAt, &expiresAt); err != nil {
			return err
		}

		switch {
		case state == stateCompleted:
			rec := &Record{Key: key, SagaID: sagaID, CreatedAt: time.Unix(0, createdAt).UTC()}
			if expiresAt > 0 {
				rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
			}
			if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			out = rec
			return nil
		case rowOwner == owner:
			return nil
		default:
			return ErrInFlight
		}
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency: reserve %q: %w", key, err)
	}
	return out, nil
}

func (m *SQLiteManager) Store(ctx context.Context, key, owner string, rec Record, ttl time.Duration) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("idempotency: encode result: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.now()
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = createdAt.Add(ttl).UnixNano()
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		var rowOwner string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM idempotency_keys WHERE key = ?`, key).Scan(&rowOwner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case rowOwner != owner:
			return ErrInFlight
		}

		const q = `
			INSERT INTO idempotency_keys (key, owner, state, saga_id, result, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				state      = excluded.state,
				saga_id    = excluded.saga_id,
				result     = excluded.result,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at`
		_, err = tx.ExecContext(ctx, q, key, owner, stateCompleted, rec.SagaID, string(result), createdAt.UnixNano(), expiresAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("idempotency: store %q: %w", key, err)
	}
	return nil
}

func (m *SQLiteManager) Release(ctx context.Context, key, owner string) error {
	const q = `DELETE FROM idempotency_keys WHERE key = ? AND owner = ? AND state = ?`
	if _, err := m.db.ExecContext(ctx, q, key, owner, stateReserved); err != nil {
		return fmt.Errorf("idempotency: release %q: %w", key, err)
	}
	return nil
}

func (m *SQLiteManager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
