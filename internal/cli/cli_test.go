package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	sagasqlite "github.com/jcmexdev/civic-records/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/civic-records/internal/pkg/sqlitedb"
)

type env struct {
	db   string
	repo string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	// Keep a developer's .env out of the test.
	t.Chdir(dir)
	t.Setenv("RECORDS_LOG_LEVEL", "error")
	return env{db: filepath.Join(dir, "records.db"), repo: filepath.Join(dir, "repo")}
}

// run executes recordsctl with args against the env backends.
func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--db", e.db, "--repo", e.repo}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

// seedSaga stores a saga as a crashed process would have left it.
func (e env) seedSaga(t *testing.T, inst sagalog.SagaInstance) {
	t.Helper()
	db, err := sqlitedb.Open(e.db)
	require.NoError(t, err)
	defer db.Close()
	repo, err := sagasqlite.New(db)
	require.NoError(t, err)
	require.NoError(t, repo.CreateSaga(context.Background(), &inst))
}

func TestInvalidFormat(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "--format", "yaml", "sagas", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCreateAndInspect(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "--format", "json", "create",
		"--id", "noise-1", "--title", "Noise Ordinance", "--type", "bylaw", "--status", "approved",
		"--body", "Quiet hours are 22:00 to 07:00.", "--idempotency-key", "noise-2026")
	require.NoError(t, err)
	created := decodeData[CreateResult](t, out)
	assert.Equal(t, "noise-1", created.RecordID)
	assert.Equal(t, 1, created.Version)
	assert.False(t, created.Replayed)

	out, err = e.run(t, "--format", "json", "create",
		"--id", "noise-1", "--title", "Noise Ordinance", "--type", "bylaw", "--status", "approved",
		"--idempotency-key", "noise-2026")
	require.NoError(t, err)
	assert.True(t, decodeData[CreateResult](t, out).Replayed)

	out, err = e.run(t, "--format", "json", "sagas", "list", "--resource", "noise-1")
	require.NoError(t, err)
	sagas := decodeData[[]SagaSummary](t, out)
	require.Len(t, sagas, 1)
	assert.Equal(t, created.SagaID, sagas[0].ID)
	assert.Equal(t, "COMPLETED", sagas[0].Status)

	out, err = e.run(t, "sagas", "show", created.SagaID)
	require.NoError(t, err)
	assert.Contains(t, out, "CreateRecord")
	assert.Contains(t, out, "Insert_Record_Step")
	assert.Contains(t, out, "Emit_Hooks_Step")
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "--format", "json", "create", "--title", "Noise", "--type", "Not A Type")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, `"invalid_request"`)
}

func TestShowUnknownSaga(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "sagas", "show", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRecoverInterruptedSaga(t *testing.T) {
	e := newEnv(t)
	stale := time.Now().UTC().Add(-time.Hour)
	e.seedSaga(t, sagalog.SagaInstance{
		ID: "saga-crashed", Type: sagalog.TypeCreateRecord, Status: sagalog.StatusRunning,
		CorrelationID: "corr-1", ResourceID: "rec-1",
		Context:   sagalog.Payload{"record_id": "rec-1", "saga_id": "saga-crashed"},
		CreatedAt: stale, UpdatedAt: stale,
	})

	out, err := e.run(t, "--format", "json", "recover", "saga-crashed")
	require.NoError(t, err)
	res := decodeData[RecoverResult](t, out)
	assert.Equal(t, "COMPENSATED", res.Status)

	out, err = e.run(t, "--format", "json", "recover", "saga-crashed")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"nothing_to_recover"`)
}

func TestRecoverSweep(t *testing.T) {
	e := newEnv(t)
	stale := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"saga-a", "saga-b"} {
		e.seedSaga(t, sagalog.SagaInstance{
			ID: id, Type: sagalog.TypeArchiveRecord, Status: sagalog.StatusPending,
			CorrelationID: "corr-" + id, ResourceID: "rec-" + id,
			Context:   sagalog.Payload{"record_id": "rec-" + id},
			CreatedAt: stale, UpdatedAt: stale,
		})
	}

	out, err := e.run(t, "--format", "json", "recover", "--stale-after", "10m")
	require.NoError(t, err)
	results := decodeData[[]RecoverResult](t, out)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "COMPENSATED", r.Status)
	}

	out, err = e.run(t, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "No stale sagas")
}

func TestRecoverRejectsUnknownMode(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "recover", "saga-1", "--mode", "rewind")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestResolvePoisonedSaga(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	e.seedSaga(t, sagalog.SagaInstance{
		ID: "saga-poisoned", Type: sagalog.TypeCreateRecord, Status: sagalog.StatusCompensationFailed,
		CorrelationID: "corr-1", ResourceID: "rec-1", Context: sagalog.Payload{},
		LastError: "revert conflicts with a later commit", CreatedAt: now, UpdatedAt: now,
	})

	out, err := e.run(t, "--format", "json", "sagas", "list", "--poisoned")
	require.NoError(t, err)
	require.Len(t, decodeData[[]SagaSummary](t, out), 1)

	_, err = e.run(t, "sagas", "resolve", "saga-poisoned")
	require.Error(t, err, "--note is required")

	_, err = e.run(t, "sagas", "resolve", "saga-poisoned", "--note", "reverted by hand in 4f2e")
	require.NoError(t, err)

	out, err = e.run(t, "--format", "json", "sagas", "list", "--poisoned")
	require.NoError(t, err)
	assert.Empty(t, decodeData[[]SagaSummary](t, out))

	_, err = e.run(t, "sagas", "resolve", "saga-poisoned", "--note", "again")
	require.NoError(t, err)

	_, err = e.run(t, "sagas", "resolve", "missing", "--note", "x")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
