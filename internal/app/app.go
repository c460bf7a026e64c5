// Package app wires the configured backends into a running coordinator.
// Both binaries build through here so the API server and the operator CLI
// always agree on where sagas, records and locks live.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/civic-records/internal/config"
	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/coordinator/idempotency"
	"github.com/jcmexdev/civic-records/internal/coordinator/lock"
	sagasqlite "github.com/jcmexdev/civic-records/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/civic-records/internal/pkg/cache"
	"github.com/jcmexdev/civic-records/internal/pkg/sqlitedb"
	"github.com/jcmexdev/civic-records/internal/pkg/telemetry"
	"github.com/jcmexdev/civic-records/internal/records"
	"github.com/jcmexdev/civic-records/internal/records-api/infra/httpx"
	"github.com/jcmexdev/civic-records/internal/records/files"
	"github.com/jcmexdev/civic-records/internal/records/hooks"
	"github.com/jcmexdev/civic-records/internal/records/indexqueue"
	recordsqlite "github.com/jcmexdev/civic-records/internal/records/sqlite"
	"github.com/jcmexdev/civic-records/internal/records/vcs"
)

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Service   *coordinator.Service
	Recoverer *coordinator.Recoverer

	// Handler serves the REST API.
	Handler http.Handler

	closers []func(context.Context) error
}

// Build opens every backend named by cfg. On error whatever was already
// opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdown)

	db, err := openDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return db.Close() })

	sagas, err := sagasqlite.New(db)
	if err != nil {
		return nil, err
	}
	store, err := recordsqlite.New(db)
	if err != nil {
		return nil, err
	}

	locks, idem, queue, err := a.coordinationBackends(ctx, cfg, db)
	if err != nil {
		return nil, err
	}

	git, err := vcs.Open(cfg.RepoPath, vcs.Author{Name: cfg.GitAuthorName, Email: cfg.GitAuthorEmail})
	if err != nil {
		return nil, err
	}
	fileStore, err := files.NewOnDisk(cfg.RepoPath)
	if err != nil {
		return nil, err
	}

	sinks := []hooks.Sink{hooks.NewLogSink(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, hooks.NewWebhookSink(hooks.WebhookConfig{URL: cfg.WebhookURL}, logger))
	}
	emitter := hooks.NewEmitter(logger, cfg.HookBuffer, sinks...)
	emitter.Start(context.WithoutCancel(ctx))
	a.onClose(emitter.Close)

	backends := coordinator.Backends{
		Records:     store,
		Files:       fileStore,
		VCS:         git,
		Index:       queue,
		Hooks:       emitter,
		Transitions: records.DefaultTransitions(),
		Logger:      logger,
	}
	catalog := coordinator.NewCatalog(backends, coordinator.Timeouts{Step: cfg.StepTimeout, Hook: cfg.HookTimeout})
	exec := coordinator.NewExecutor(sagas, locks, idem, logger, coordinator.Options{
		LockWait:       cfg.LockWait,
		LockMargin:     cfg.LockMargin,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	a.Service = coordinator.NewService(exec, catalog, store)
	a.Recoverer = coordinator.NewRecoverer(exec, catalog)
	a.Handler = httpx.NewRouter(httpx.NewHandler(a.Service, logger))
	return a, nil
}

// coordinationBackends picks Redis for the lock, idempotency and index
// queue when cfg.RedisAddr is set, and in-process/SQLite backends
// otherwise.
func (a *App) coordinationBackends(ctx context.Context, cfg config.Config, db *sql.DB) (lock.Manager, idempotency.Manager, coordinator.IndexQueue, error) {
	if cfg.RedisAddr == "" {
		a.Logger.WarnContext(ctx, "no redis configured, locks are local to this process")
		idem, err := idempotency.NewSQLiteManager(db)
		if err != nil {
			return nil, nil, nil, err
		}
		return lock.NewMemoryManager(), idem, indexqueue.NewMemoryQueue(), nil
	}

	client, err := cache.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	a.onClose(func(context.Context) error { return client.Close() })

	keys := cache.NewKeyspace(cfg.RedisNamespace)
	var uc redis.UniversalClient = client
	return lock.NewRedisManager(uc, keys), idempotency.NewRedisManager(uc, keys), indexqueue.NewRedisQueue(uc, keys), nil
}

func openDatabase(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}
	return sqlitedb.Open(path)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything Build opened, most recent first.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

// RecoverStale compensates every saga left active by a dead process for
// longer than the configured staleness window.
func (a *App) RecoverStale(ctx context.Context) ([]coordinator.Outcome, error) {
	outcomes, err := a.Recoverer.Sweep(ctx, coordinator.ModeCompensate, a.Config.RecoveryStaleAfter)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		a.Logger.InfoContext(ctx, "stale saga recovered",
			slog.String("saga_id", o.SagaID),
			slog.String("status", string(o.Status)),
			slog.Any("error", o.Err),
		)
	}
	return outcomes, nil
}

// RunRecovery calls RecoverStale once per staleness window until ctx is
// done.
func (a *App) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(a.Config.RecoveryStaleAfter)
	defer ticker.Stop()
	for {
		if _, err := a.RecoverStale(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "recovery sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
