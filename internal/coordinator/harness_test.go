package coordinator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/civic-records/internal/coordinator/idempotency"
	"github.com/jcmexdev/civic-records/internal/coordinator/lock"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	sagasqlite "github.com/jcmexdev/civic-records/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/civic-records/internal/pkg/sqlitedb"
)

const fakeSaga sagalog.SagaType = "FakeSaga"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	exec  *Executor
	repo  *sagasqlite.Repository
	locks *lock.MemoryManager
	idem  *idempotency.SQLiteManager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "sagas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := sagasqlite.New(db)
	require.NoError(t, err)
	idem, err := idempotency.NewSQLiteManager(db)
	require.NoError(t, err)
	locks := lock.NewMemoryManager()

	return &harness{
		exec:  NewExecutor(repo, locks, idem, discardLogger(), opts),
		repo:  repo,
		locks: locks,
		idem:  idem,
	}
}

// journal records step calls across goroutines.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// fakeStep records its calls in journal. A stubborn step sleeps through
// delay even after ctx is done, like a go-git commit that never looks at its
// context.
type fakeStep struct {
	name      string
	journal   *journal
	timeout   time.Duration
	delay     time.Duration
	stubborn  bool
	compDelay time.Duration
	onComp    func()
	execErr   error
	compErr   error
}

func (s *fakeStep) Name() string           { return s.name }
func (s *fakeStep) Timeout() time.Duration { return s.timeout }

func (s *fakeStep) Execute(ctx context.Context, in sagalog.Payload) (sagalog.Payload, error) {
	label := in["label"]
	s.journal.add("exec:" + s.name + label)
	switch {
	case s.delay > 0 && s.stubborn:
		time.Sleep(s.delay)
	case s.delay > 0:
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.journal.add("done:" + s.name + label)
	if s.execErr != nil {
		return nil, s.execErr
	}
	return sagalog.Payload{s.name: "done"}, nil
}

func (s *fakeStep) Compensate(_ context.Context, in sagalog.Payload) error {
	s.journal.add("comp:" + s.name)
	if s.onComp != nil {
		s.onComp()
	}
	if s.compDelay > 0 {
		time.Sleep(s.compDelay)
	}
	return s.compErr
}

func fakeSteps(j *journal, names ...string) []*fakeStep {
	steps := make([]*fakeStep, len(names))
	for i, n := range names {
		steps[i] = &fakeStep{name: n, journal: j}
	}
	return steps
}

func fakeDefinition(steps []*fakeStep) Definition {
	def := Definition{Type: fakeSaga}
	for _, s := range steps {
		def.Steps = append(def.Steps, s)
	}
	return def
}

func stepStatuses(t *testing.T, repo sagalog.Repository, sagaID string) []sagalog.StepStatus {
	t.Helper()
	steps, err := repo.ListSteps(context.Background(), sagaID)
	require.NoError(t, err)
	out := make([]sagalog.StepStatus, len(steps))
	for i, s := range steps {
		out[i] = s.Status
	}
	return out
}
