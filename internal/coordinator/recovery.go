package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator/lock"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/pkg/telemetry"
)

var (
	ErrNothingToRecover = errors.New("saga already reached a terminal status")
	ErrSagaRunning      = errors.New("saga is still running in this process")
	// ErrInterrupted is the recorded cause of a saga compensated by
	// recovery rather than by a step failure.
	ErrInterrupted = errors.New("saga interrupted before completion")
)

// Mode selects how Recover finishes an interrupted saga.
type Mode string

const (
	// ModeCompensate undoes every step that may have taken effect.
	ModeCompensate Mode = "compensate"
	// ModeResume continues forward from the first unfinished step. Only
	// sagas that never started compensating can be resumed.
	ModeResume Mode = "resume"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeCompensate, ModeResume:
		return m, nil
	}
	return "", fmt.Errorf("coordinator: unknown recovery mode %q", s)
}

// Plan is what the persisted step records say about an interrupted saga.
type Plan struct {
	Saga sagalog.SagaInstance

	// Completed steps took effect and were not compensated yet.
	Completed []sagalog.StepRecord
	// InDoubt steps were executing when the process died.
	InDoubt []sagalog.StepRecord
	// NotStarted are the names of steps with no effect: never run, failed
	// or already compensated.
	NotStarted []string
}

// Resumable reports whether the saga can be driven forward.
func (p *Plan) Resumable() bool {
	return p.Saga.Status == sagalog.StatusPending || p.Saga.Status == sagalog.StatusRunning
}

// Outcome is the result of recovering one saga during a sweep.
type Outcome struct {
	SagaID string
	Status sagalog.Status
	Err    error
}

// Recoverer finishes sagas whose process died before they reached a
// terminal status. It also records the operator sign-off on poisoned sagas.
type Recoverer struct {
	exec    *Executor
	catalog Catalog
}

func NewRecoverer(exec *Executor, catalog Catalog) *Recoverer {
	return &Recoverer{exec: exec, catalog: catalog}
}

// Inspect classifies the steps of saga id without changing anything.
func (r *Recoverer) Inspect(ctx context.Context, id string) (*Plan, error) {
	inst, err := r.exec.repo.GetSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := r.catalog.Get(inst.Type)
	if err != nil {
		return nil, err
	}
	steps, err := r.exec.repo.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	return buildPlan(*inst, def, steps), nil
}

func buildPlan(inst sagalog.SagaInstance, def Definition, steps []sagalog.StepRecord) *Plan {
	plan := &Plan{Saga: inst}
	byIndex := make(map[int]sagalog.StepRecord, len(steps))
	for _, s := range steps {
		byIndex[s.StepIndex] = s
	}

	for idx, step := range def.Steps {
		rec, ok := byIndex[idx]
		if !ok {
			plan.NotStarted = append(plan.NotStarted, step.Name())
			continue
		}
		switch rec.Status {
		case sagalog.StepCompleted, sagalog.StepCompensating, sagalog.StepCompensationFailed:
			plan.Completed = append(plan.Completed, rec)
		case sagalog.StepExecuting:
			plan.InDoubt = append(plan.InDoubt, rec)
		default:
			plan.NotStarted = append(plan.NotStarted, step.Name())
		}
	}
	return plan
}

// Recover takes over saga id under a fresh lock owner and finishes it. A
// saga that already started compensating is always compensated, whatever
// mode says.
func (r *Recoverer) Recover(ctx context.Context, id string, mode Mode) (*Result, error) {
	e := r.exec
	if e.IsRunning(id) {
		return nil, fmt.Errorf("coordinator: recover %s: %w", id, ErrSagaRunning)
	}

	plan, err := r.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	inst := plan.Saga
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("coordinator: recover %s (%s): %w", id, inst.Status, ErrNothingToRecover)
	}
	def, err := r.catalog.Get(inst.Type)
	if err != nil {
		return nil, err
	}
	if mode == ModeResume && !plan.Resumable() {
		mode = ModeCompensate
	}

	ctx = telemetry.WithSagaID(telemetry.WithCorrelationID(ctx, inst.CorrelationID), inst.ID)
	owner := e.lockOwner(inst.ID)
	if err := e.locks.Acquire(ctx, inst.ResourceID, owner, def.Lease(e.opts.LockMargin), e.opts.LockWait); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, &LockTimeoutError{ResourceID: inst.ResourceID, Correlation: inst.CorrelationID, Waited: e.opts.LockWait, Err: err}
		}
		return nil, fmt.Errorf("coordinator: lock %s: %w", inst.ResourceID, err)
	}
	ctx = context.WithoutCancel(ctx)
	defer e.releaseLock(ctx, inst.ResourceID, owner)

	e.running.Store(inst.ID, struct{}{})
	defer e.running.Delete(inst.ID)

	ctx, span := e.tracer.Start(ctx, "recover "+string(inst.Type))
	defer span.End()

	e.logger.InfoContext(ctx, "recovering saga",
		slog.String("mode", string(mode)),
		slog.String("status", string(inst.Status)),
		slog.Int("completed_steps", len(plan.Completed)),
		slog.Int("in_doubt_steps", len(plan.InDoubt)),
	)

	if mode == ModeResume {
		return r.resume(ctx, def, &inst, plan)
	}
	return r.compensate(ctx, def, &inst, plan)
}

// resume undoes any in-doubt step, then runs forward from it.
func (r *Recoverer) resume(ctx context.Context, def Definition, inst *sagalog.SagaInstance, plan *Plan) (*Result, error) {
	e := r.exec
	done := make([]completedStep, 0, len(plan.Completed))
	for _, s := range plan.Completed {
		done = append(done, completedStep{index: s.StepIndex, result: s.Result})
	}

	from := len(done)
	for _, s := range plan.InDoubt {
		c := completedStep{index: s.StepIndex, result: s.Result}
		if err := e.compensateStep(ctx, inst, c, def.Steps[s.StepIndex]); err != nil {
			done = append(done, c)
			return nil, e.fail(ctx, def, inst, s.StepIndex, fmt.Errorf("undo in-doubt step: %w", err), done)
		}
		if s.StepIndex < from {
			from = s.StepIndex
		}
	}

	if inst.Status == sagalog.StatusPending {
		if err := e.setStatus(ctx, inst, sagalog.StatusRunning); err != nil {
			return nil, fmt.Errorf("coordinator: resume saga: %w", err)
		}
	}
	return e.runFrom(ctx, def, inst, from, done)
}

// compensate undoes completed and in-doubt steps in reverse order.
func (r *Recoverer) compensate(ctx context.Context, def Definition, inst *sagalog.SagaInstance, plan *Plan) (*Result, error) {
	e := r.exec
	var done []completedStep
	for _, s := range append(append([]sagalog.StepRecord{}, plan.Completed...), plan.InDoubt...) {
		done = append(done, completedStep{index: s.StepIndex, result: s.Result})
	}
	sort.Slice(done, func(i, j int) bool { return done[i].index < done[j].index })

	err := e.fail(ctx, def, inst, -1, ErrInterrupted, done)

	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) {
		return &Result{
			SagaID:        inst.ID,
			CorrelationID: inst.CorrelationID,
			Status:        sagalog.StatusCompensated,
			Output:        inst.Context.Clone(),
		}, nil
	}
	return nil, err
}

// Sweep recovers every active saga that has not been updated for
// staleAfter. One failure does not stop the sweep.
func (r *Recoverer) Sweep(ctx context.Context, mode Mode, staleAfter time.Duration) ([]Outcome, error) {
	e := r.exec
	stale, err := e.repo.ListSagas(ctx, sagalog.Filter{
		Statuses:      sagalog.ActiveStatuses(),
		UpdatedBefore: e.now().Add(-staleAfter),
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: list stale sagas: %w", err)
	}

	outcomes := make([]Outcome, 0, len(stale))
	for _, inst := range stale {
		if e.IsRunning(inst.ID) {
			continue
		}
		out := Outcome{SagaID: inst.ID}
		res, err := r.Recover(ctx, inst.ID, mode)
		switch {
		case err != nil:
			out.Err = err
			if IsCompensationFailure(err) {
				out.Status = sagalog.StatusCompensationFailed
			} else {
				out.Status = inst.Status
			}
			e.logger.WarnContext(ctx, "saga recovery failed", slog.String("saga_id", inst.ID), slog.Any("error", err))
		default:
			out.Status = res.Status
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Resolve records that an operator reconciled poisoned saga id by hand,
// which lifts the quarantine on its resource.
func (r *Recoverer) Resolve(ctx context.Context, id, note string) error {
	if err := r.exec.repo.ResolveSaga(ctx, id, note, r.exec.now()); err != nil {
		return err
	}
	r.exec.logger.InfoContext(ctx, "poisoned saga resolved", slog.String("saga_id", id), slog.String("note", note))
	return nil
}
