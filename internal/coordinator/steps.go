package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/records"
	"github.com/jcmexdev/civic-records/internal/records/files"
	"github.com/jcmexdev/civic-records/internal/records/hooks"
	"github.com/jcmexdev/civic-records/internal/records/indexqueue"
	"github.com/jcmexdev/civic-records/internal/records/vcs"
)

// Step is a single unit of work in a saga, bound to one backend. Steps are
// stateless: everything they need comes from the saga context and
// everything they produce is returned as output, so one Step value serves
// concurrent sagas and a saga can be resumed by another process.
//
// Compensate receives the saga context overlaid with the step's own
// output. The output is missing when the process crashed while the step
// was running, so Compensate must also cope with work that never happened.
type Step interface {
	Name() string
	Timeout() time.Duration
	Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error)
	Compensate(ctx context.Context, in sagalog.Payload) error
}

// RecordStore is the database backend.
type RecordStore interface {
	Insert(ctx context.Context, rec records.Record) error
	Get(ctx context.Context, id string) (records.Record, error)
	Update(ctx context.Context, rec records.Record, expectedVersion int) error
	Put(ctx context.Context, rec records.Record) error
	Delete(ctx context.Context, id string) error
	SaveDraft(ctx context.Context, d records.Draft) error
	GetDraft(ctx context.Context, id string) (records.Draft, error)
	PublishDraft(ctx context.Context, draftID string, now time.Time) (records.Record, *records.Record, records.Draft, error)
	UnpublishDraft(ctx context.Context, draft records.Draft, previous *records.Record) error
}

// FileStore is the versioned file tree.
type FileStore interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, bool, error)
	Remove(ctx context.Context, name string) error
}

// VersionControl commits file changes and reverts them.
type VersionControl interface {
	Commit(ctx context.Context, paths []string, message string) (string, error)
	Revert(ctx context.Context, hash string) (string, error)
	History(ctx context.Context, limit int) ([]vcs.Commit, error)
}

type IndexQueue interface {
	Enqueue(ctx context.Context, job indexqueue.Job) error
	Remove(ctx context.Context, id string) error
}

type HookEmitter interface {
	Emit(ctx context.Context, ev hooks.Event) error
}

// TransitionPolicy decides which status changes are allowed.
type TransitionPolicy interface {
	Allow(from, to records.Status) error
}

// Backends bundles the collaborators handed to the steps.
type Backends struct {
	Records     RecordStore
	Files       FileStore
	VCS         VersionControl
	Index       IndexQueue
	Hooks       HookEmitter
	Transitions TransitionPolicy

	Logger *slog.Logger
	Now    func() time.Time
}

func (b Backends) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b Backends) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// storeError leaves domain errors as they are and marks anything else
// (I/O, busy database) as transient.
func storeError(err error) error {
	for _, domain := range []error{
		records.ErrNotFound, records.ErrDraftNotFound, records.ErrAlreadyExists,
		records.ErrVersionConflict, records.ErrInvalidRecord, records.ErrInvalidTransition,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return Retryable(err)
}

// derivedID gives a step artefact an id that can be recomputed from the
// saga id alone.
func derivedID(sagaID, kind string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sagaID+"/"+kind)).String()
}

// --- InsertRecordStep ---

type InsertRecordStep struct {
	backends Backends
	timeout  time.Duration
}

func NewInsertRecordStep(b Backends, timeout time.Duration) *InsertRecordStep {
	return &InsertRecordStep{backends: b, timeout: timeout}
}

func (s *InsertRecordStep) Name() string           { return "Insert_Record_Step" }
func (s *InsertRecordStep) Timeout() time.Duration { return s.timeout }

func (s *InsertRecordStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	now := s.backends.now()
	rec := records.Record{
		ID:        in[KeyRecordID],
		Title:     in[KeyTitle],
		Type:      in[KeyType],
		Status:    records.Status(in[KeyStatus]),
		Body:      in[KeyBody],
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.backends.Records.Insert(ctx, rec); err != nil {
		return nil, storeError(err)
	}
	return recordPayload(rec), nil
}

func (s *InsertRecordStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	return s.backends.Records.Delete(ctx, in[KeyRecordID])
}

// --- LoadRecordStep ---

// LoadRecordStep snapshots the current row so later steps can restore it.
type LoadRecordStep struct {
	backends Backends
	timeout  time.Duration
}

func NewLoadRecordStep(b Backends, timeout time.Duration) *LoadRecordStep {
	return &LoadRecordStep{backends: b, timeout: timeout}
}

func (s *LoadRecordStep) Name() string           { return "Load_Record_Step" }
func (s *LoadRecordStep) Timeout() time.Duration { return s.timeout }

func (s *LoadRecordStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	rec, err := s.backends.Records.Get(ctx, in[KeyRecordID])
	if err != nil {
		return nil, storeError(err)
	}
	out := sagalog.Payload{}
	if err := encodeJSON(out, KeyPreviousRecord, rec); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LoadRecordStep) Compensate(context.Context, sagalog.Payload) error { return nil }

// --- ValidateTransitionStep ---

type ValidateTransitionStep struct {
	backends Backends
	timeout  time.Duration
	// target overrides the requested status, e.g. archived.
	target records.Status
}

func NewValidateTransitionStep(b Backends, timeout time.Duration, target records.Status) *ValidateTransitionStep {
	return &ValidateTransitionStep{backends: b, timeout: timeout, target: target}
}

func (s *ValidateTransitionStep) Name() string           { return "Validate_Transition_Step" }
func (s *ValidateTransitionStep) Timeout() time.Duration { return s.timeout }

func (s *ValidateTransitionStep) Execute(_ context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	prev, ok, err := previousRecord(in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot of %s", records.ErrNotFound, in[KeyRecordID])
	}
	if prev.Status == records.StatusArchived {
		return nil, fmt.Errorf("%w: %s is archived", records.ErrInvalidTransition, prev.ID)
	}

	to := s.target
	if to == "" {
		to = records.Status(in[KeyStatus])
	}
	if to == "" {
		to = prev.Status
	}
	if err := s.backends.Transitions.Allow(prev.Status, to); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *ValidateTransitionStep) Compensate(context.Context, sagalog.Payload) error { return nil }

// --- UpdateRecordStep ---

type UpdateRecordStep struct {
	backends Backends
	timeout  time.Duration
}

func NewUpdateRecordStep(b Backends, timeout time.Duration) *UpdateRecordStep {
	return &UpdateRecordStep{backends: b, timeout: timeout}
}

func (s *UpdateRecordStep) Name() string           { return "Update_Record_Step" }
func (s *UpdateRecordStep) Timeout() time.Duration { return s.timeout }

func (s *UpdateRecordStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	prev, ok, err := previousRecord(in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot of %s", records.ErrNotFound, in[KeyRecordID])
	}
	if t := in[KeyType]; t != "" && t != prev.Type {
		return nil, fmt.Errorf("%w: type cannot change from %q to %q", records.ErrInvalidRecord, prev.Type, t)
	}

	rec := prev
	if v := in[KeyTitle]; v != "" {
		rec.Title = v
	}
	if v := in[KeyStatus]; v != "" {
		rec.Status = records.Status(v)
	}
	if v, ok := in[KeyBody]; ok {
		rec.Body = v
	}
	rec.Version = prev.Version + 1
	rec.UpdatedAt = s.backends.now()

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.backends.Records.Update(ctx, rec, prev.Version); err != nil {
		return nil, storeError(err)
	}
	return recordPayload(rec), nil
}

func (s *UpdateRecordStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	return restoreSnapshot(ctx, s.backends.Records, in)
}

// --- ArchiveRecordStep ---

type ArchiveRecordStep struct {
	backends Backends
	timeout  time.Duration
}

func NewArchiveRecordStep(b Backends, timeout time.Duration) *ArchiveRecordStep {
	return &ArchiveRecordStep{backends: b, timeout: timeout}
}

func (s *ArchiveRecordStep) Name() string           { return "Archive_Record_Step" }
func (s *ArchiveRecordStep) Timeout() time.Duration { return s.timeout }

func (s *ArchiveRecordStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	prev, ok, err := previousRecord(in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot of %s", records.ErrNotFound, in[KeyRecordID])
	}

	now := s.backends.now()
	rec := prev
	rec.Status = records.StatusArchived
	rec.ArchivedAt = &now
	rec.UpdatedAt = now
	rec.Version = prev.Version + 1

	if err := s.backends.Records.Update(ctx, rec, prev.Version); err != nil {
		return nil, storeError(err)
	}
	return recordPayload(rec), nil
}

func (s *ArchiveRecordStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	return restoreSnapshot(ctx, s.backends.Records, in)
}

func restoreSnapshot(ctx context.Context, store RecordStore, in sagalog.Payload) error {
	prev, ok, err := previousRecord(in)
	if err != nil || !ok {
		return err
	}
	return store.Put(ctx, prev)
}

// --- PublishDraftRowStep ---

// PublishDraftRowStep moves a draft into the records table in a single
// database transaction.
type PublishDraftRowStep struct {
	backends Backends
	timeout  time.Duration
}

func NewPublishDraftRowStep(b Backends, timeout time.Duration) *PublishDraftRowStep {
	return &PublishDraftRowStep{backends: b, timeout: timeout}
}

func (s *PublishDraftRowStep) Name() string           { return "Publish_Draft_Row_Step" }
func (s *PublishDraftRowStep) Timeout() time.Duration { return s.timeout }

func (s *PublishDraftRowStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	published, previous, draft, err := s.backends.Records.PublishDraft(ctx, in[KeyDraftID], s.backends.now())
	if err != nil {
		return nil, storeError(err)
	}

	out := recordPayload(published)
	if err := encodeJSON(out, KeyDraft, draft); err != nil {
		return nil, err
	}
	if previous != nil {
		if err := encodeJSON(out, KeyPreviousRecord, previous); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PublishDraftRowStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	raw := in[KeyDraft]
	if raw == "" {
		// No output: the transaction either never committed, in which case
		// the draft is still there, or its snapshot was lost.
		_, err := s.backends.Records.GetDraft(ctx, in[KeyDraftID])
		if err == nil {
			return nil
		}
		if errors.Is(err, records.ErrDraftNotFound) {
			return fmt.Errorf("draft %s was published but no snapshot survives to restore it", in[KeyDraftID])
		}
		return err
	}

	var draft records.Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return fmt.Errorf("coordinator: decode %s: %w", KeyDraft, err)
	}
	prev, ok, err := previousRecord(in)
	if err != nil {
		return err
	}
	var previous *records.Record
	if ok {
		previous = &prev
	}
	return s.backends.Records.UnpublishDraft(ctx, draft, previous)
}

// --- WriteFileStep ---

// WriteFileStep renders the record as a front matter document and writes it
// to its live path.
type WriteFileStep struct {
	backends Backends
	timeout  time.Duration
}

func NewWriteFileStep(b Backends, timeout time.Duration) *WriteFileStep {
	return &WriteFileStep{backends: b, timeout: timeout}
}

func (s *WriteFileStep) Name() string           { return "Write_File_Step" }
func (s *WriteFileStep) Timeout() time.Duration { return s.timeout }

func (s *WriteFileStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	rec, err := RecordFromPayload(in)
	if err != nil {
		return nil, err
	}
	data, err := files.Render(rec)
	if err != nil {
		return nil, err
	}

	path := rec.Path()
	previous, existed, err := s.backends.Files.Read(ctx, path)
	if err != nil {
		return nil, Retryable(err)
	}
	if err := s.backends.Files.Write(ctx, path, data); err != nil {
		return nil, Retryable(err)
	}
	return fileOutput(path, "", previous, existed), nil
}

func (s *WriteFileStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	path := in[KeyFilePath]
	if path == "" {
		rec, err := RecordFromPayload(in)
		if err != nil {
			return err
		}
		path = rec.Path()
	}
	return restoreFile(ctx, s.backends.Files, path, in)
}

// --- ArchiveFileStep ---

// ArchiveFileStep moves the record file from its live path to the archive
// tree, rewriting the front matter with the archived status.
type ArchiveFileStep struct {
	backends Backends
	timeout  time.Duration
}

func NewArchiveFileStep(b Backends, timeout time.Duration) *ArchiveFileStep {
	return &ArchiveFileStep{backends: b, timeout: timeout}
}

func (s *ArchiveFileStep) Name() string           { return "Archive_File_Step" }
func (s *ArchiveFileStep) Timeout() time.Duration { return s.timeout }

func (s *ArchiveFileStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	rec, err := RecordFromPayload(in)
	if err != nil {
		return nil, err
	}
	data, err := files.Render(rec)
	if err != nil {
		return nil, err
	}

	live, archived := rec.Path(), rec.ArchivePath()
	previous, existed, err := s.backends.Files.Read(ctx, live)
	if err != nil {
		return nil, Retryable(err)
	}
	if err := s.backends.Files.Write(ctx, archived, data); err != nil {
		return nil, Retryable(err)
	}
	if err := s.backends.Files.Remove(ctx, live); err != nil {
		return nil, Retryable(err)
	}
	return fileOutput(archived, live, previous, existed), nil
}

func (s *ArchiveFileStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	rec, err := RecordFromPayload(in)
	if err != nil {
		return err
	}
	live, archived := in[KeyPreviousFilePath], in[KeyFilePath]
	if live == "" {
		live = rec.Path()
	}
	if archived == "" {
		archived = rec.ArchivePath()
	}
	if err := restoreFile(ctx, s.backends.Files, live, in); err != nil {
		return err
	}
	return s.backends.Files.Remove(ctx, archived)
}

func fileOutput(path, previousPath string, previous []byte, existed bool) sagalog.Payload {
	out := sagalog.Payload{
		KeyFilePath:    path,
		KeyFileExisted: fmt.Sprint(existed),
	}
	if previousPath != "" {
		out[KeyPreviousFilePath] = previousPath
	}
	if existed {
		out[KeyPreviousContent] = base64.StdEncoding.EncodeToString(previous)
	}
	return out
}

// restoreFile puts path back to what it was before the saga. Without a
// recorded pre-image it falls back to rendering the row snapshot, or
// removing the file when the saga created the record.
func restoreFile(ctx context.Context, fs FileStore, path string, in sagalog.Payload) error {
	switch in[KeyFileExisted] {
	case "true":
		data, err := base64.StdEncoding.DecodeString(in[KeyPreviousContent])
		if err != nil {
			return fmt.Errorf("coordinator: decode %s: %w", KeyPreviousContent, err)
		}
		return fs.Write(ctx, path, data)
	case "false":
		return fs.Remove(ctx, path)
	}

	prev, ok, err := previousRecord(in)
	if err != nil {
		return err
	}
	if !ok {
		return fs.Remove(ctx, path)
	}
	data, err := files.Render(prev)
	if err != nil {
		return err
	}
	return fs.Write(ctx, path, data)
}

// --- CommitStep ---

type CommitStep struct {
	backends Backends
	timeout  time.Duration
	action   string
}

// NewCommitStep commits the files touched by the saga. action names the
// change in the commit subject ("create", "archive", ...).
func NewCommitStep(b Backends, timeout time.Duration, action string) *CommitStep {
	return &CommitStep{backends: b, timeout: timeout, action: action}
}

func (s *CommitStep) Name() string           { return "Commit_To_Git_Step" }
func (s *CommitStep) Timeout() time.Duration { return s.timeout }

func (s *CommitStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	paths := []string{in[KeyFilePath]}
	if p := in[KeyPreviousFilePath]; p != "" {
		paths = append(paths, p)
	}

	msg := fmt.Sprintf("%s %s/%s: %s\n\n%s\nCorrelation-ID: %s\n",
		s.action, in[KeyType], in[KeyRecordID], in[KeyTitle], sagaTrailer(in[KeySagaID]), in[KeyCorrelationID])

	hash, err := s.backends.VCS.Commit(ctx, paths, msg)
	if err != nil {
		return nil, Retryable(err)
	}
	return sagalog.Payload{KeyCommitHash: hash}, nil
}

// Compensate reverts the commit. A later commit on the same files makes
// the revert fail, and the saga with it.
func (s *CommitStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	hash := in[KeyCommitHash]
	if hash == "" {
		var err error
		if hash, err = s.findCommit(ctx, in[KeySagaID]); err != nil || hash == "" {
			return err
		}
	}
	_, err := s.backends.VCS.Revert(ctx, hash)
	return err
}

// findCommitDepth bounds the history scan for a commit whose hash was lost.
const findCommitDepth = 100

func (s *CommitStep) findCommit(ctx context.Context, sagaID string) (string, error) {
	if sagaID == "" {
		return "", nil
	}
	history, err := s.backends.VCS.History(ctx, findCommitDepth)
	if err != nil {
		return "", err
	}
	trailer := sagaTrailer(sagaID)
	for _, c := range history {
		if strings.Contains(c.Message, trailer) {
			return c.Hash, nil
		}
	}
	return "", nil
}

func sagaTrailer(sagaID string) string {
	return "Saga-ID: " + sagaID
}

// --- QueueIndexingStep ---

type QueueIndexingStep struct {
	backends Backends
	timeout  time.Duration
	op       indexqueue.Op
}

func NewQueueIndexingStep(b Backends, timeout time.Duration, op indexqueue.Op) *QueueIndexingStep {
	return &QueueIndexingStep{backends: b, timeout: timeout, op: op}
}

func (s *QueueIndexingStep) Name() string           { return "Queue_Indexing_Step" }
func (s *QueueIndexingStep) Timeout() time.Duration { return s.timeout }

func (s *QueueIndexingStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	job := indexqueue.Job{
		ID:         derivedID(in[KeySagaID], "index/"+string(s.op)),
		RecordID:   in[KeyRecordID],
		Op:         s.op,
		Path:       in[KeyFilePath],
		EnqueuedAt: s.backends.now(),
	}
	if err := s.backends.Index.Enqueue(ctx, job); err != nil {
		return nil, Retryable(err)
	}
	return sagalog.Payload{KeyIndexJobID: job.ID}, nil
}

// Compensate withdraws the job if the indexer has not consumed it yet.
func (s *QueueIndexingStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	id := in[KeyIndexJobID]
	if id == "" {
		id = derivedID(in[KeySagaID], "index/"+string(s.op))
	}
	return s.backends.Index.Remove(ctx, id)
}

// --- EmitHooksStep ---

// EmitHooksStep announces the lifecycle event. Delivery is best effort and
// never fails the saga.
type EmitHooksStep struct {
	backends Backends
	timeout  time.Duration
	event    string
}

func NewEmitHooksStep(b Backends, timeout time.Duration, event string) *EmitHooksStep {
	return &EmitHooksStep{backends: b, timeout: timeout, event: event}
}

func (s *EmitHooksStep) Name() string           { return "Emit_Hooks_Step" }
func (s *EmitHooksStep) Timeout() time.Duration { return s.timeout }

func (s *EmitHooksStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	ev := s.newEvent(in, s.event)
	s.emit(ctx, ev)
	return sagalog.Payload{KeyEventID: ev.ID, KeyEventName: ev.Name}, nil
}

func (s *EmitHooksStep) Compensate(ctx context.Context, in sagalog.Payload) error {
	s.emit(ctx, s.newEvent(in, s.event+".reverted"))
	return nil
}

func (s *EmitHooksStep) newEvent(in sagalog.Payload, name string) hooks.Event {
	return hooks.Event{
		ID:            derivedID(in[KeySagaID], "event/"+name),
		Name:          name,
		RecordID:      in[KeyRecordID],
		CorrelationID: in[KeyCorrelationID],
		Payload: map[string]string{
			KeyTitle:      in[KeyTitle],
			KeyType:       in[KeyType],
			KeyStatus:     in[KeyStatus],
			KeyVersion:    in[KeyVersion],
			KeyCommitHash: in[KeyCommitHash],
			KeyFilePath:   in[KeyFilePath],
		},
		OccurredAt: s.backends.now(),
	}
}

func (s *EmitHooksStep) emit(ctx context.Context, ev hooks.Event) {
	if err := s.backends.Hooks.Emit(ctx, ev); err != nil {
		s.backends.logger().WarnContext(ctx, "hook event dropped",
			slog.String("event", ev.Name),
			slog.Any("error", err),
		)
	}
}
