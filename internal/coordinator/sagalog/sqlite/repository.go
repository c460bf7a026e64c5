// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
//
// The saga_instances and saga_steps tables hold current state and are
// overwritten as a saga progresses; saga_logs is append-only and written in
// the same transaction as every state change.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    id               TEXT PRIMARY KEY,
    saga_type        TEXT NOT NULL,
    status           TEXT NOT NULL,
    correlation_id   TEXT NOT NULL,
    idempotency_key  TEXT NOT NULL DEFAULT '',
    resource_id      TEXT NOT NULL,

    -- JSON object: the accumulated step context.
    context          TEXT NOT NULL DEFAULT '{}',

    last_error       TEXT NOT NULL DEFAULT '',
    trace_id         TEXT NOT NULL DEFAULT '',
    span_id          TEXT NOT NULL DEFAULT '',

    -- Set by an operator once a poisoned saga has been reconciled.
    resolved_at      TEXT,
    resolution_note  TEXT NOT NULL DEFAULT '',

    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

-- Quarantine check: "unresolved poisoned sagas for resource X".
CREATE INDEX IF NOT EXISTS idx_saga_instances_resource ON saga_instances(resource_id, status);

-- Recovery sweep: "active sagas not updated since T".
CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status, updated_at);

CREATE TABLE IF NOT EXISTS saga_steps (
    saga_id      TEXT    NOT NULL REFERENCES saga_instances(id) ON DELETE CASCADE,
    step_index   INTEGER NOT NULL,
    step_name    TEXT    NOT NULL,
    status       TEXT    NOT NULL,

    -- JSON object: what the step needs to undo itself.
    result       TEXT    NOT NULL DEFAULT '{}',

    error        TEXT    NOT NULL DEFAULT '',
    executed_at  TEXT    NOT NULL,
    PRIMARY KEY (saga_id, step_index)
);

CREATE TABLE IF NOT EXISTS saga_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id       TEXT NOT NULL,
    status        TEXT NOT NULL,
    current_step  TEXT NOT NULL DEFAULT '',
    message       TEXT NOT NULL DEFAULT '',
    trace_id      TEXT NOT NULL DEFAULT '',
    span_id       TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_saga_id ON saga_logs(saga_id, id);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ sagalog.Repository = (*Repository)(nil)

// New applies the schema to db and returns a repository using it.
func New(db *sql.DB) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite: apply saga schema: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

func (r *Repository) CreateSaga(ctx context.Context, saga *sagalog.SagaInstance) error {
	ctxJSON, err := encodePayload(saga.Context)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO saga_instances
				(id, saga_type, status, correlation_id, idempotency_key, resource_id, context,
				 last_error, trace_id, span_id, resolved_at, resolution_note, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err := tx.ExecContext(ctx, q,
			saga.ID,
			string(saga.Type),
			string(saga.Status),
			saga.CorrelationID,
			saga.IdempotencyKey,
			saga.ResourceID,
			ctxJSON,
			saga.LastError,
			saga.TraceID,
			saga.SpanID,
			nullableTime(saga.ResolvedAt),
			saga.ResolutionNote,
			formatTime(saga.CreatedAt),
			formatTime(saga.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: create saga %q: %w", saga.ID, err)
		}
		return r.appendLog(ctx, tx, saga, "", string(saga.Status), "saga created")
	})
}

func (r *Repository) UpdateSaga(ctx context.Context, saga *sagalog.SagaInstance) error {
	ctxJSON, err := encodePayload(saga.Context)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
			UPDATE saga_instances
			SET    status = ?, context = ?, last_error = ?, updated_at = ?
			WHERE  id = ?`

		res, err := tx.ExecContext(ctx, q,
			string(saga.Status),
			ctxJSON,
			saga.LastError,
			formatTime(saga.UpdatedAt),
			saga.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: update saga %q: %w", saga.ID, err)
		}
		if err := expectOneRow(res, saga.ID); err != nil {
			return err
		}
		return r.appendLog(ctx, tx, saga, "", string(saga.Status), saga.LastError)
	})
}

func (r *Repository) GetSaga(ctx context.Context, id string) (*sagalog.SagaInstance, error) {
	row := r.db.QueryRowContext(ctx, selectSaga+` WHERE id = ?`, id)
	saga, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: saga %q: %w", id, sagalog.ErrSagaNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get saga %q: %w", id, err)
	}
	return saga, nil
}

func (r *Repository) ListSagas(ctx context.Context, filter sagalog.Filter) ([]sagalog.SagaInstance, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}
	if filter.Unresolved {
		where = append(where, "resolved_at IS NULL")
	}

	q := selectSaga
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sagas: %w", err)
	}
	defer rows.Close()

	var out []sagalog.SagaInstance
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list sagas: %w", err)
		}
		out = append(out, *saga)
	}
	return out, rows.Err()
}

func (r *Repository) ResolveSaga(ctx context.Context, id, note string, at time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
			UPDATE saga_instances
			SET    resolved_at = ?, resolution_note = ?
			WHERE  id = ? AND status = ?`

		res, err := tx.ExecContext(ctx, q, formatTime(at), note, id, string(sagalog.StatusCompensationFailed))
		if err != nil {
			return fmt.Errorf("sqlite: resolve saga %q: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("sqlite: rows affected: %w", err)
		} else if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM saga_instances WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sqlite: saga %q: %w", id, sagalog.ErrSagaNotFound)
			}
			if err != nil {
				return fmt.Errorf("sqlite: resolve saga %q: %w", id, err)
			}
			return fmt.Errorf("sqlite: saga %q is %s: %w", id, status, sagalog.ErrNotPoisoned)
		}
		return r.appendLog(ctx, tx, &sagalog.SagaInstance{ID: id}, "", "RESOLVED", note)
	})
}

func (r *Repository) SaveStep(ctx context.Context, step *sagalog.StepRecord) error {
	resultJSON, err := encodePayload(step.Result)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO saga_steps (saga_id, step_index, step_name, status, result, error, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (saga_id, step_index) DO UPDATE SET
				step_name   = excluded.step_name,
				status      = excluded.status,
				result      = excluded.result,
				error       = excluded.error,
				executed_at = excluded.executed_at`

		_, err := tx.ExecContext(ctx, q,
			step.SagaID,
			step.StepIndex,
			step.StepName,
			string(step.Status),
			resultJSON,
			step.Error,
			formatTime(step.ExecutedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: save step %d of saga %q: %w", step.StepIndex, step.SagaID, err)
		}
		return r.appendLog(ctx, tx, &sagalog.SagaInstance{ID: step.SagaID}, step.StepName, string(step.Status), step.Error)
	})
}

func (r *Repository) ListSteps(ctx context.Context, sagaID string) ([]sagalog.StepRecord, error) {
	const q = `
		SELECT saga_id, step_index, step_name, status, result, error, executed_at
		FROM   saga_steps
		WHERE  saga_id = ?
		ORDER  BY step_index ASC`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps of %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []sagalog.StepRecord
	for rows.Next() {
		var (
			step       sagalog.StepRecord
			result     string
			executedAt string
		)
		if err := rows.Scan(&step.SagaID, &step.StepIndex, &step.StepName, &step.Status, &result, &step.Error, &executedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		if step.Result, err = decodePayload(result); err != nil {
			return nil, err
		}
		if step.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (r *Repository) ListLog(ctx context.Context, sagaID string) ([]sagalog.LogEntry, error) {
	const q = `
		SELECT saga_id, status, current_step, message, trace_id, span_id, created_at
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY id ASC`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list log of %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []sagalog.LogEntry
	for rows.Next() {
		var (
			entry     sagalog.LogEntry
			createdAt string
		)
		if err := rows.Scan(&entry.SagaID, &entry.Status, &entry.StepName, &entry.Message, &entry.TraceID, &entry.SpanID, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan log entry: %w", err)
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// appendLog writes one saga_logs row. Trace ids are copied from the saga
// when known; step-level writes leave them empty.
func (r *Repository) appendLog(ctx context.Context, tx *sql.Tx, saga *sagalog.SagaInstance, step, status, message string) error {
	const q = `
		INSERT INTO saga_logs (saga_id, status, current_step, message, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, q, saga.ID, status, step, message, saga.TraceID, saga.SpanID, formatTime(r.now())); err != nil {
		return fmt.Errorf("sqlite: append log for %q: %w", saga.ID, err)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

const selectSaga = `
	SELECT id, saga_type, status, correlation_id, idempotency_key, resource_id, context,
	       last_error, trace_id, span_id, resolved_at, resolution_note, created_at, updated_at
	FROM   saga_instances`

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(row scanner) (*sagalog.SagaInstance, error) {
	var (
		saga                 sagalog.SagaInstance
		ctxJSON              string
		resolvedAt           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&saga.ID,
		&saga.Type,
		&saga.Status,
		&saga.CorrelationID,
		&saga.IdempotencyKey,
		&saga.ResourceID,
		&ctxJSON,
		&saga.LastError,
		&saga.TraceID,
		&saga.SpanID,
		&resolvedAt,
		&saga.ResolutionNote,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if saga.Context, err = decodePayload(ctxJSON); err != nil {
		return nil, err
	}
	if saga.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if saga.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if saga.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &saga, nil
}

func encodePayload(p sagalog.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(s string) (sagalog.Payload, error) {
	p := sagalog.Payload{}
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("sqlite: decode payload: %w", err)
	}
	return p, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: saga %q: %w", id, sagalog.ErrSagaNotFound)
	}
	return nil
}
