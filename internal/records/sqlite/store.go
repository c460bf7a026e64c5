// Package sqlite is the relational backend of the records platform: the
// records table and the drafts staging table. Every operation is atomic on
// its own (single statement or a transaction); nothing here spans the other
// backends.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/civic-records/internal/records"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id           TEXT PRIMARY KEY,
    title        TEXT    NOT NULL,
    type         TEXT    NOT NULL,
    status       TEXT    NOT NULL,
    body         TEXT    NOT NULL DEFAULT '',
    version      INTEGER NOT NULL DEFAULT 1,
    created_at   TEXT    NOT NULL,
    updated_at   TEXT    NOT NULL,
    archived_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_type_status ON records(type, status);

CREATE TABLE IF NOT EXISTS record_drafts (
    id          TEXT PRIMARY KEY,
    record_id   TEXT NOT NULL,
    title       TEXT NOT NULL,
    type        TEXT NOT NULL,
    status      TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_record_drafts_record_id ON record_drafts(record_id);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the database backend used by the saga steps.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("records: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Insert(ctx context.Context, rec records.Record) error {
	return insertRecord(ctx, s.db, rec)
}

func insertRecord(ctx context.Context, db execer, rec records.Record) error {
	const q = `
		INSERT INTO records (id, title, type, status, body, version, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	res, err := db.ExecContext(ctx, q, recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("records: insert %q: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("records: insert %q: %w", rec.ID, records.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (records.Record, error) {
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, db execer, id string) (records.Record, error) {
	const q = `
		SELECT id, title, type, status, body, version, created_at, updated_at, archived_at
		FROM   records
		WHERE  id = ?`

	var (
		rec                  records.Record
		createdAt, updatedAt string
		archivedAt           sql.NullString
	)
	err := db.QueryRowContext(ctx, q, id).Scan(
		&rec.ID, &rec.Title, &rec.Type, &rec.Status, &rec.Body, &rec.Version,
		&createdAt, &updatedAt, &archivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Record{}, fmt.Errorf("records: %q: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return records.Record{}, fmt.Errorf("records: get %q: %w", id, err)
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return records.Record{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return records.Record{}, err
	}
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return records.Record{}, err
		}
		rec.ArchivedAt = &t
	}
	return rec, nil
}

// Update overwrites the row only if its version is still expectedVersion.
func (s *Store) Update(ctx context.Context, rec records.Record, expectedVersion int) error {
	const q = `
		UPDATE records
		SET    title = ?, type = ?, status = ?, body = ?, version = ?, updated_at = ?, archived_at = ?
		WHERE  id = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, q,
		rec.Title, rec.Type, string(rec.Status), rec.Body, rec.Version,
		formatTime(rec.UpdatedAt), nullableTime(rec.ArchivedAt),
		rec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("records: update %q: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("records: update %q at version %d: %w", rec.ID, expectedVersion, records.ErrVersionConflict)
	}
	return nil
}

// Put writes rec unconditionally, creating or replacing the row. It is the
// restore primitive used by compensation.
func (s *Store) Put(ctx context.Context, rec records.Record) error {
	return putRecord(ctx, s.db, rec)
}

func putRecord(ctx context.Context, db execer, rec records.Record) error {
	const q = `
		INSERT INTO records (id, title, type, status, body, version, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title       = excluded.title,
			type        = excluded.type,
			status      = excluded.status,
			body        = excluded.body,
			version     = excluded.version,
			created_at  = excluded.created_at,
			updated_at  = excluded.updated_at,
			archived_at = excluded.archived_at`

	if _, err := db.ExecContext(ctx, q, recordArgs(rec)...); err != nil {
		return fmt.Errorf("records: put %q: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the row. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("records: delete %q: %w", id, err)
	}
	return nil
}

func (s *Store) SaveDraft(ctx context.Context, d records.Draft) error {
	return putDraft(ctx, s.db, d)
}

func putDraft(ctx context.Context, db execer, d records.Draft) error {
	const q = `
		INSERT INTO record_drafts (id, record_id, title, type, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			record_id = excluded.record_id,
			title     = excluded.title,
			type      = excluded.type,
			status    = excluded.status,
			body      = excluded.body`

	_, err := db.ExecContext(ctx, q, d.ID, d.RecordID, d.Title, d.Type, string(d.Status), d.Body, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("records: save draft %q: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDraft(ctx context.Context, id string) (records.Draft, error) {
	return getDraft(ctx, s.db, id)
}

func getDraft(ctx context.Context, db execer, id string) (records.Draft, error) {
	const q = `
		SELECT id, record_id, title, type, status, body, created_at
		FROM   record_drafts
		WHERE  id = ?`

	var (
		d         records.Draft
		createdAt string
	)
	err := db.QueryRowContext(ctx, q, id).Scan(&d.ID, &d.RecordID, &d.Title, &d.Type, &d.Status, &d.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Draft{}, fmt.Errorf("records: draft %q: %w", id, records.ErrDraftNotFound)
	}
	if err != nil {
		return records.Draft{}, fmt.Errorf("records: get draft %q: %w", id, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return records.Draft{}, err
	}
	return d, nil
}

// PublishDraft moves a draft into the records table in one transaction: the
// target row is created or replaced (version bumped) and the draft deleted.
// It returns the published record and the row it replaced, if any.
func (s *Store) PublishDraft(ctx context.Context, draftID string, now time.Time) (records.Record, *records.Record, records.Draft, error) {
	var (
		published records.Record
		previous  *records.Record
		draft     records.Draft
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if draft, err = getDraft(ctx, tx, draftID); err != nil {
			return err
		}

		published = records.Record{
			ID:        draft.RecordID,
			Title:     draft.Title,
			Type:      draft.Type,
			Status:    draft.Status,
			Body:      draft.Body,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}

		current, err := getRecord(ctx, tx, draft.RecordID)
		switch {
		case err == nil:
			previous = &current
			published.Version = current.Version + 1
			published.CreatedAt = current.CreatedAt
		case !errors.Is(err, records.ErrNotFound):
			return err
		}

		if err := putRecord(ctx, tx, published); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_drafts WHERE id = ?`, draftID); err != nil {
			return fmt.Errorf("records: delete draft %q: %w", draftID, err)
		}
		return nil
	})
	if err != nil {
		return records.Record{}, nil, records.Draft{}, err
	}
	return published, previous, draft, nil
}

// UnpublishDraft reverses PublishDraft: the draft is restored and the record
// row put back to previous, or removed when there was none.
func (s *Store) UnpublishDraft(ctx context.Context, draft records.Draft, previous *records.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := putDraft(ctx, tx, draft); err != nil {
			return err
		}
		if previous != nil {
			return putRecord(ctx, tx, *previous)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, draft.RecordID); err != nil {
			return fmt.Errorf("records: delete %q: %w", draft.RecordID, err)
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("records: commit: %w", err)
	}
	return nil
}

func recordArgs(rec records.Record) []any {
	return []any{
		rec.ID, rec.Title, rec.Type, string(rec.Status), rec.Body, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), nullableTime(rec.ArchivedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("records: parse time %q: %w", s, err)
	}
	return t, nil
}
