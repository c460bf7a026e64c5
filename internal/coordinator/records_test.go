package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/civic-records/internal/coordinator/idempotency"
	"github.com/jcmexdev/civic-records/internal/coordinator/lock"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	sagasqlite "github.com/jcmexdev/civic-records/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/civic-records/internal/pkg/sqlitedb"
	"github.com/jcmexdev/civic-records/internal/records"
	"github.com/jcmexdev/civic-records/internal/records/files"
	"github.com/jcmexdev/civic-records/internal/records/hooks"
	"github.com/jcmexdev/civic-records/internal/records/indexqueue"
	recordsqlite "github.com/jcmexdev/civic-records/internal/records/sqlite"
	"github.com/jcmexdev/civic-records/internal/records/vcs"
)

// flakyVCS fails commits or reverts on demand.
type flakyVCS struct {
	VersionControl
	commitErr error
	revertErr error
}

func (f *flakyVCS) Commit(ctx context.Context, paths []string, msg string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	return f.VersionControl.Commit(ctx, paths, msg)
}

func (f *flakyVCS) Revert(ctx context.Context, hash string) (string, error) {
	if f.revertErr != nil {
		return "", f.revertErr
	}
	return f.VersionControl.Revert(ctx, hash)
}

type flakyQueue struct {
	*indexqueue.MemoryQueue
	enqueueErr error
}

func (f *flakyQueue) Enqueue(ctx context.Context, job indexqueue.Job) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	return f.MemoryQueue.Enqueue(ctx, job)
}

type world struct {
	svc     *Service
	sagas   *sagasqlite.Repository
	store   *recordsqlite.Store
	files   *files.Store
	git     *vcs.Repository
	vcs     *flakyVCS
	queue   *flakyQueue
	sink    *hooks.MemorySink
	emitter *hooks.Emitter

	backends Backends
}

func newWorld(t *testing.T) *world {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlitedb.Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sagas, err := sagasqlite.New(db)
	require.NoError(t, err)
	idem, err := idempotency.NewSQLiteManager(db)
	require.NoError(t, err)
	store, err := recordsqlite.New(db)
	require.NoError(t, err)

	repoDir := filepath.Join(dir, "repo")
	git, err := vcs.Open(repoDir, vcs.Author{Name: "records-bot", Email: "records@example.org"})
	require.NoError(t, err)
	fileStore, err := files.NewOnDisk(repoDir)
	require.NoError(t, err)

	sink := &hooks.MemorySink{}
	emitter := hooks.NewEmitter(discardLogger(), 16, sink)
	emitter.Start(context.Background())
	t.Cleanup(func() { _ = emitter.Close(context.Background()) })

	w := &world{
		sagas:   sagas,
		store:   store,
		files:   fileStore,
		git:     git,
		vcs:     &flakyVCS{VersionControl: git},
		queue:   &flakyQueue{MemoryQueue: indexqueue.NewMemoryQueue()},
		sink:    sink,
		emitter: emitter,
	}

	backends := Backends{
		Records:     store,
		Files:       fileStore,
		VCS:         w.vcs,
		Index:       w.queue,
		Hooks:       emitter,
		Transitions: records.DefaultTransitions(),
		Logger:      discardLogger(),
	}
	w.backends = backends
	exec := NewExecutor(sagas, lock.NewMemoryManager(), idem, discardLogger(), Options{})
	w.svc = NewService(exec, NewCatalog(backends, Timeouts{}), store)
	return w
}

// events drains the emitter and returns what it delivered.
func (w *world) events(t *testing.T) []hooks.Event {
	t.Helper()
	require.NoError(t, w.emitter.Close(context.Background()))
	return w.sink.Events()
}

func (w *world) history(t *testing.T) []vcs.Commit {
	t.Helper()
	h, err := w.git.History(context.Background(), 0)
	require.NoError(t, err)
	return h
}

func (w *world) file(t *testing.T, path string) (records.Record, bool) {
	t.Helper()
	data, ok, err := w.files.Read(context.Background(), path)
	require.NoError(t, err)
	if !ok {
		return records.Record{}, false
	}
	rec, err := files.Parse(data)
	require.NoError(t, err)
	return rec, true
}

func noiseOrdinance() CreateInput {
	return CreateInput{Title: "Noise Ordinance", Type: "bylaw", Status: records.StatusApproved, Body: "Quiet hours are 22:00 to 07:00."}
}

func TestCreateRecordScenario(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	m, err := w.svc.Create(ctx, noiseOrdinance(), "")
	require.NoError(t, err)
	id := m.Record.ID
	require.NotEmpty(t, id)
	assert.Equal(t, 1, m.Record.Version)

	view, err := w.svc.GetSaga(ctx, m.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, view.Saga.Status)
	assert.Equal(t, sagalog.TypeCreateRecord, view.Saga.Type)
	assert.Len(t, view.Steps, 5)
	assert.NotEmpty(t, view.Log)

	row, err := w.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Noise Ordinance", row.Title)
	assert.Equal(t, records.StatusApproved, row.Status)

	onDisk, ok := w.file(t, "records/bylaw/"+id+".md")
	require.True(t, ok)
	assert.Equal(t, "Noise Ordinance", onDisk.Title)
	assert.Equal(t, "Quiet hours are 22:00 to 07:00.", onDisk.Body)

	history := w.history(t)
	require.Len(t, history, 1)
	assert.True(t, strings.HasPrefix(history[0].Message, "create bylaw/"+id))
	assert.Contains(t, history[0].Message, "Saga-ID: "+m.SagaID)

	jobs := w.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, indexqueue.OpIndex, jobs[0].Op)
	assert.Equal(t, id, jobs[0].RecordID)

	events := w.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EventRecordCreated, events[0].Name)
	assert.Equal(t, id, events[0].RecordID)
	assert.Equal(t, m.CorrelationID, events[0].CorrelationID)
}

func TestCreateWithSameIdempotencyKeyRunsOnce(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	first, err := w.svc.Create(ctx, noiseOrdinance(), "req-42")
	require.NoError(t, err)
	second, err := w.svc.Create(ctx, noiseOrdinance(), "req-42")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.SagaID, second.SagaID)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.True(t, first.Record.CreatedAt.Equal(second.Record.CreatedAt))

	assert.Len(t, w.history(t), 1)
	assert.Len(t, w.queue.Jobs(), 1)
	assert.Len(t, w.events(t), 1)
}

func TestCommitFailureCompensatesEverything(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.vcs.commitErr = errors.New("index.lock exists")

	in := noiseOrdinance()
	in.ID = "rec-1"
	_, err := w.svc.Create(ctx, in, "")
	require.Error(t, err)

	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "Commit_To_Git_Step", stepErr.Step)
	assert.True(t, stepErr.Retryable())

	_, err = w.store.Get(ctx, "rec-1")
	assert.ErrorIs(t, err, records.ErrNotFound)
	_, ok := w.file(t, "records/bylaw/rec-1.md")
	assert.False(t, ok)
	assert.Empty(t, w.queue.Jobs())
	assert.Empty(t, w.history(t))
	assert.Empty(t, w.events(t))

	inst, err := w.sagas.GetSaga(ctx, stepErr.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompensated, inst.Status)
}

func TestPoisonedCompensationKeepsCommit(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.queue.enqueueErr = errors.New("redis: connection refused")
	w.vcs.revertErr = vcs.ErrRevertConflict

	in := noiseOrdinance()
	in.ID = "rec-1"
	_, err := w.svc.Create(ctx, in, "")
	require.Error(t, err)

	var compErr *CompensationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, []string{"Commit_To_Git_Step"}, compErr.FailedSteps)
	assert.ErrorIs(t, err, vcs.ErrRevertConflict)

	inst, err := w.sagas.GetSaga(ctx, compErr.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompensationFailed, inst.Status)

	_, err = w.store.Get(ctx, "rec-1")
	assert.ErrorIs(t, err, records.ErrNotFound)
	_, ok := w.file(t, "records/bylaw/rec-1.md")
	assert.False(t, ok)
	assert.Len(t, w.history(t), 1, "the commit stays in history")

	w.queue.enqueueErr = nil
	w.vcs.revertErr = nil
	_, err = w.svc.Create(ctx, in, "")
	assert.True(t, IsQuarantined(err), "got %v", err)
}

func TestUpdateRecord(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	created, err := w.svc.Create(ctx, noiseOrdinance(), "")
	require.NoError(t, err)
	id := created.Record.ID

	body := "Quiet hours are 23:00 to 07:00."
	updated, err := w.svc.Update(ctx, id, UpdateInput{Status: records.StatusPublished, Body: &body}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Record.Version)
	assert.Equal(t, records.StatusPublished, updated.Record.Status)
	assert.Equal(t, "Noise Ordinance", updated.Record.Title)

	onDisk, ok := w.file(t, updated.Record.Path())
	require.True(t, ok)
	assert.Equal(t, records.StatusPublished, onDisk.Status)
	assert.Equal(t, body, onDisk.Body)
	assert.Len(t, w.history(t), 2)

	_, err = w.svc.Update(ctx, id, UpdateInput{Status: records.StatusDraft}, "")
	assert.ErrorIs(t, err, records.ErrInvalidTransition)
	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.False(t, stepErr.Retryable())

	_, err = w.svc.Update(ctx, id, UpdateInput{Type: "resolution"}, "")
	assert.ErrorIs(t, err, records.ErrInvalidRecord)

	row, err := w.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, row.Version)
	assert.Len(t, w.history(t), 2)

	_, err = w.svc.Update(ctx, "missing", UpdateInput{Title: "x"}, "")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestUpdateCompensationRestoresRowFileAndHistory(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	created, err := w.svc.Create(ctx, noiseOrdinance(), "")
	require.NoError(t, err)
	id := created.Record.ID
	path := created.Record.Path()
	before, _, err := w.files.Read(ctx, path)
	require.NoError(t, err)

	w.queue.enqueueErr = errors.New("queue unavailable")
	_, err = w.svc.Update(ctx, id, UpdateInput{Title: "Noise Ordinance (amended)"}, "")
	require.Error(t, err)

	row, err := w.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, row.Version)
	assert.Equal(t, "Noise Ordinance", row.Title)

	after, ok, err := w.files.Read(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(before), string(after))

	history := w.history(t)
	require.Len(t, history, 3)
	assert.True(t, strings.HasPrefix(history[0].Message, "Revert"))
}

func TestPublishDraft(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	draft, err := w.svc.SaveDraft(ctx, DraftInput{Title: "Parking Bylaw", Type: "bylaw", Status: records.StatusApproved, Body: "No parking."})
	require.NoError(t, err)
	assert.Equal(t, draft.ID, draft.RecordID)

	m, err := w.svc.PublishDraft(ctx, draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, draft.RecordID, m.Record.ID)
	assert.Equal(t, "Parking Bylaw", m.Record.Title)

	_, err = w.store.GetDraft(ctx, draft.ID)
	assert.ErrorIs(t, err, records.ErrDraftNotFound)
	_, ok := w.file(t, m.Record.Path())
	assert.True(t, ok)

	events := w.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EventRecordPublished, events[0].Name)

	_, err = w.svc.PublishDraft(ctx, "missing", "")
	assert.ErrorIs(t, err, records.ErrDraftNotFound)
}

func TestPublishDraftCompensationRestoresDraft(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	draft, err := w.svc.SaveDraft(ctx, DraftInput{ID: "d-1", RecordID: "rec-9", Title: "Parking Bylaw", Type: "bylaw", Status: records.StatusApproved})
	require.NoError(t, err)

	w.vcs.commitErr = errors.New("disk full")
	_, err = w.svc.PublishDraft(ctx, draft.ID, "")
	require.Error(t, err)

	restored, err := w.store.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-9", restored.RecordID)
	_, err = w.store.Get(ctx, "rec-9")
	assert.ErrorIs(t, err, records.ErrNotFound)
	_, ok := w.file(t, "records/bylaw/rec-9.md")
	assert.False(t, ok)
}

func TestArchiveRecord(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	created, err := w.svc.Create(ctx, noiseOrdinance(), "")
	require.NoError(t, err)
	id := created.Record.ID

	m, err := w.svc.Archive(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, records.StatusArchived, m.Record.Status)
	require.NotNil(t, m.Record.ArchivedAt)

	_, ok := w.file(t, created.Record.Path())
	assert.False(t, ok, "live file removed")
	archived, ok := w.file(t, created.Record.ArchivePath())
	require.True(t, ok)
	assert.Equal(t, records.StatusArchived, archived.Status)

	jobs := w.queue.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, indexqueue.OpRemove, jobs[1].Op)
	assert.Len(t, w.history(t), 2)

	_, err = w.svc.Archive(ctx, id, "")
	assert.ErrorIs(t, err, records.ErrInvalidTransition)
}

func TestArchiveCompensationRestoresLiveFile(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	created, err := w.svc.Create(ctx, noiseOrdinance(), "")
	require.NoError(t, err)
	before, _, err := w.files.Read(ctx, created.Record.Path())
	require.NoError(t, err)

	w.queue.enqueueErr = errors.New("queue unavailable")
	_, err = w.svc.Archive(ctx, created.Record.ID, "")
	require.Error(t, err)

	row, err := w.store.Get(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, records.StatusApproved, row.Status)
	assert.Nil(t, row.ArchivedAt)

	after, ok, err := w.files.Read(ctx, created.Record.Path())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(before), string(after))
	_, ok = w.file(t, created.Record.ArchivePath())
	assert.False(t, ok)
}

func TestCreateValidatesInput(t *testing.T) {
	w := newWorld(t)
	_, err := w.svc.Create(context.Background(), CreateInput{Title: "", Type: "By Law", Status: "pending"}, "")
	assert.ErrorIs(t, err, records.ErrInvalidRecord)
}

func TestRecoverCreateAfterCrash(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	def, err := w.svc.catalog.Get(sagalog.TypeCreateRecord)
	require.NoError(t, err)

	// Run the first two steps by hand and persist them, as a process that
	// died right after the file write would have.
	at := time.Now().UTC().Add(-time.Hour)
	inst := &sagalog.SagaInstance{
		ID: "crashed", Type: sagalog.TypeCreateRecord, CorrelationID: "corr", ResourceID: "rec-7",
		Status: sagalog.StatusRunning, CreatedAt: at, UpdatedAt: at,
		Context: sagalog.Payload{
			KeySagaID: "crashed", KeyCorrelationID: "corr", KeyRecordID: "rec-7",
			KeyTitle: "Noise Ordinance", KeyType: "bylaw", KeyStatus: "approved",
		},
	}
	require.NoError(t, w.sagas.CreateSaga(ctx, inst))
	for idx, step := range def.Steps[:2] {
		out, err := step.Execute(ctx, inst.Context.Clone())
		require.NoError(t, err)
		inst.Context.Merge(out)
		require.NoError(t, w.sagas.SaveStep(ctx, &sagalog.StepRecord{
			SagaID: "crashed", StepIndex: idx, StepName: step.Name(), Status: sagalog.StepCompleted, Result: out, ExecutedAt: at,
		}))
	}
	require.NoError(t, w.sagas.UpdateSaga(ctx, inst))

	r := NewRecoverer(w.svc.exec, w.svc.catalog)
	plan, err := r.Inspect(ctx, "crashed")
	require.NoError(t, err)
	assert.Len(t, plan.Completed, 2)
	assert.Equal(t, []string{"Commit_To_Git_Step", "Queue_Indexing_Step", "Emit_Hooks_Step"}, plan.NotStarted)

	_, err = r.Recover(ctx, "crashed", ModeCompensate)
	require.NoError(t, err)

	_, err = w.store.Get(ctx, "rec-7")
	assert.ErrorIs(t, err, records.ErrNotFound)
	_, ok := w.file(t, "records/bylaw/rec-7.md")
	assert.False(t, ok)
	assert.Empty(t, w.history(t))
}
