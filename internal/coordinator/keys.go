package coordinator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
)

// Context keys shared by the steps. The saga context is a flat string map
// so it survives persistence unchanged.
const (
	KeySagaID        = "saga_id"
	KeyCorrelationID = "correlation_id"

	KeyRecordID   = "record_id"
	KeyTitle      = "title"
	KeyType       = "type"
	KeyStatus     = "status"
	KeyBody       = "body"
	KeyVersion    = "version"
	KeyCreatedAt  = "created_at"
	KeyUpdatedAt  = "updated_at"
	KeyArchivedAt = "archived_at"

	// KeyPreviousRecord is the JSON snapshot of the row before the saga.
	KeyPreviousRecord = "previous_record"

	KeyDraftID = "draft_id"
	KeyDraft   = "draft"

	KeyFilePath         = "file_path"
	KeyPreviousFilePath = "previous_file_path"
	KeyFileExisted      = "file_existed"
	KeyPreviousContent  = "previous_content"

	KeyCommitHash = "commit_hash"
	KeyIndexJobID = "index_job_id"
	KeyEventID    = "event_id"
	KeyEventName  = "event_name"
)

func recordPayload(rec records.Record) sagalog.Payload {
	p := sagalog.Payload{
		KeyRecordID:  rec.ID,
		KeyTitle:     rec.Title,
		KeyType:      rec.Type,
		KeyStatus:    string(rec.Status),
		KeyBody:      rec.Body,
		KeyVersion:   strconv.Itoa(rec.Version),
		KeyCreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		KeyUpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.ArchivedAt != nil {
		p[KeyArchivedAt] = rec.ArchivedAt.UTC().Format(time.RFC3339Nano)
	}
	return p
}

// RecordFromPayload rebuilds the record a saga produced from its output.
func RecordFromPayload(p sagalog.Payload) (records.Record, error) {
	rec := records.Record{
		ID:     p[KeyRecordID],
		Title:  p[KeyTitle],
		Type:   p[KeyType],
		Status: records.Status(p[KeyStatus]),
		Body:   p[KeyBody],
	}

	var err error
	if v := p[KeyVersion]; v != "" {
		if rec.Version, err = strconv.Atoi(v); err != nil {
			return records.Record{}, fmt.Errorf("coordinator: version %q: %w", v, err)
		}
	}
	if rec.CreatedAt, err = parsePayloadTime(p, KeyCreatedAt); err != nil {
		return records.Record{}, err
	}
	if rec.UpdatedAt, err = parsePayloadTime(p, KeyUpdatedAt); err != nil {
		return records.Record{}, err
	}
	if p[KeyArchivedAt] != "" {
		t, err := parsePayloadTime(p, KeyArchivedAt)
		if err != nil {
			return records.Record{}, err
		}
		rec.ArchivedAt = &t
	}
	return rec, nil
}

func parsePayloadTime(p sagalog.Payload, key string) (time.Time, error) {
	v := p[key]
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("coordinator: %s %q: %w", key, v, err)
	}
	return t, nil
}

// encodeJSON stores v under key as a JSON string.
func encodeJSON(p sagalog.Payload, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("coordinator: encode %s: %w", key, err)
	}
	p[key] = string(data)
	return nil
}

// previousRecord decodes the snapshot taken before the saga changed the
// row. ok is false when there is none.
func previousRecord(p sagalog.Payload) (rec records.Record, ok bool, err error) {
	raw := p[KeyPreviousRecord]
	if raw == "" {
		return records.Record{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return records.Record{}, false, fmt.Errorf("coordinator: decode %s: %w", KeyPreviousRecord, err)
	}
	return rec, true, nil
}
