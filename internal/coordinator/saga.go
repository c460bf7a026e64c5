package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/civic-records/internal/coordinator/idempotency"
	"github.com/jcmexdev/civic-records/internal/coordinator/lock"
	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
	"github.com/jcmexdev/civic-records/internal/pkg/telemetry"
)

const (
	DefaultStepTimeout    = 30 * time.Second
	DefaultHookTimeout    = 5 * time.Second
	DefaultLockWait       = 10 * time.Second
	DefaultLockMargin     = 30 * time.Second
	DefaultIdempotencyTTL = 24 * time.Hour
)

// ErrStepTimeout is wrapped by the error of a step that ran out of time.
var ErrStepTimeout = errors.New("step timed out")

// Definition is an ordered list of steps forming one saga type.
type Definition struct {
	Type  sagalog.SagaType
	Steps []Step
}

// Lease is how long a saga of this definition may hold its resource lock
// while running forward: the sum of the step timeouts, plus the grace one
// timed-out step gets to settle, plus margin. Compensation extends the lease
// separately, see compensationLease.
func (d Definition) Lease(margin time.Duration) time.Duration {
	total := margin
	var longest time.Duration
	for _, s := range d.Steps {
		t := stepTimeout(s)
		total += t
		longest = max(longest, t)
	}
	return total + longest
}

// compensationLease covers undoing done from scratch.
func compensationLease(def Definition, done []completedStep, margin time.Duration) time.Duration {
	total := margin
	for _, c := range done {
		total += stepTimeout(def.Steps[c.index])
	}
	return total
}

// idempotencyScope keeps a client key reused across operations from
// replaying the result of a different saga type.
func idempotencyScope(t sagalog.SagaType, key string) string {
	return string(t) + ":" + key
}

type Request struct {
	// ResourceID is the record the saga mutates and the lock key.
	ResourceID     string
	IdempotencyKey string
	// CorrelationID defaults to the one on the context, then to a new id.
	CorrelationID string
	Input         sagalog.Payload
}

type Result struct {
	SagaID        string
	CorrelationID string
	Status        sagalog.Status
	Output        sagalog.Payload
	// Replayed is true when the result came from the idempotency store and
	// no step ran.
	Replayed bool
}

type Options struct {
	LockWait       time.Duration
	LockMargin     time.Duration
	IdempotencyTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockWait == 0 {
		o.LockWait = DefaultLockWait
	}
	if o.LockMargin == 0 {
		o.LockMargin = DefaultLockMargin
	}
	if o.IdempotencyTTL == 0 {
		o.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return o
}

// Executor runs saga definitions: it takes the idempotency reservation and
// the resource lock, executes the steps in order while persisting every
// transition, and compensates completed steps in reverse order when one
// fails.
type Executor struct {
	repo   sagalog.Repository
	locks  lock.Manager
	idem   idempotency.Manager
	logger *slog.Logger
	tracer trace.Tracer
	opts   Options

	// nonce distinguishes lock owners across processes running the same
	// saga id (the original run and a recovery).
	nonce string
	now   func() time.Time
	newID func() string

	// running holds the ids of sagas executing in this process.
	running sync.Map
}

func NewExecutor(repo sagalog.Repository, locks lock.Manager, idem idempotency.Manager, logger *slog.Logger, opts Options) *Executor {
	return &Executor{
		repo:   repo,
		locks:  locks,
		idem:   idem,
		logger: logger,
		tracer: otel.Tracer("github.com/jcmexdev/civic-records/internal/coordinator"),
		opts:   opts.withDefaults(),
		nonce:  uuid.NewString(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Execute runs def for req. Once the lock is held the saga no longer
// follows ctx cancellation: it runs to completion or full compensation.
func (e *Executor) Execute(ctx context.Context, def Definition, req Request) (*Result, error) {
	if req.ResourceID == "" {
		return nil, fmt.Errorf("coordinator: %s: resource id is required", def.Type)
	}

	sagaID := e.newID()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = telemetry.CorrelationID(ctx)
	}
	if correlationID == "" {
		correlationID = e.newID()
	}
	ctx = telemetry.WithSagaID(telemetry.WithCorrelationID(ctx, correlationID), sagaID)
	lease := def.Lease(e.opts.LockMargin)

	if key := req.IdempotencyKey; key != "" {
		stored, err := e.idem.CheckAndReserve(ctx, idempotencyScope(def.Type, key), sagaID, lease)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			return nil, &IdempotencyConflictError{Key: key, Correlation: correlationID, Err: err}
		case err != nil:
			return nil, fmt.Errorf("coordinator: check idempotency key %q: %w", key, err)
		case stored != nil:
			e.logger.InfoContext(ctx, "replaying stored saga result",
				slog.String("idempotency_key", key),
				slog.String("original_saga_id", stored.SagaID),
			)
			return &Result{
				SagaID:        stored.SagaID,
				CorrelationID: stored.Result[KeyCorrelationID],
				Status:        sagalog.StatusCompleted,
				Output:        stored.Result.Clone(),
				Replayed:      true,
			}, nil
		}
	}

	owner := e.lockOwner(sagaID)
	if err := e.locks.Acquire(ctx, req.ResourceID, owner, lease, e.opts.LockWait); err != nil {
		e.releaseKey(context.WithoutCancel(ctx), def.Type, req.IdempotencyKey, sagaID)
		if errors.Is(err, lock.ErrNotAcquired) {
			e.logger.WarnContext(ctx, "resource lock not acquired",
				slog.String("resource_id", req.ResourceID),
				slog.Duration("waited", e.opts.LockWait),
			)
			return nil, &LockTimeoutError{ResourceID: req.ResourceID, Correlation: correlationID, Waited: e.opts.LockWait, Err: err}
		}
		return nil, fmt.Errorf("coordinator: lock %s: %w", req.ResourceID, err)
	}

	ctx = context.WithoutCancel(ctx)
	defer e.releaseLock(ctx, req.ResourceID, owner)

	if err := e.checkQuarantine(ctx, req.ResourceID, correlationID); err != nil {
		e.releaseKey(ctx, def.Type, req.IdempotencyKey, sagaID)
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "saga "+string(def.Type), trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.type", string(def.Type)),
		attribute.String("saga.resource_id", req.ResourceID),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	e.running.Store(sagaID, struct{}{})
	defer e.running.Delete(sagaID)

	now := e.now()
	inst := &sagalog.SagaInstance{
		ID:             sagaID,
		Type:           def.Type,
		CorrelationID:  correlationID,
		IdempotencyKey: req.IdempotencyKey,
		ResourceID:     req.ResourceID,
		Status:         sagalog.StatusPending,
		Context:        req.Input.With(sagalog.Payload{KeySagaID: sagaID, KeyCorrelationID: correlationID}),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inst.Stamp(ctx)

	if err := e.repo.CreateSaga(ctx, inst); err != nil {
		e.releaseKey(ctx, def.Type, req.IdempotencyKey, sagaID)
		return nil, fmt.Errorf("coordinator: create saga: %w", err)
	}
	e.logger.InfoContext(ctx, "saga started",
		slog.String("saga_type", string(def.Type)),
		slog.String("resource_id", req.ResourceID),
		slog.Int("steps", len(def.Steps)),
	)

	if err := e.setStatus(ctx, inst, sagalog.StatusRunning); err != nil {
		e.releaseKey(ctx, def.Type, req.IdempotencyKey, sagaID)
		return nil, fmt.Errorf("coordinator: start saga: %w", err)
	}

	res, err := e.runFrom(ctx, def, inst, 0, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// completedStep is a step whose effects may need compensation.
type completedStep struct {
	index  int
	result sagalog.Payload
	// unsettled marks a step still running after its timeout and grace;
	// compensating it could race its own late effect.
	unsettled bool
}

// stepOutcome says what a step left behind.
type stepOutcome int

const (
	stepNotApplied stepOutcome = iota
	stepApplied
	// stepInDoubt is a step that timed out but returned within its grace;
	// it may have taken effect.
	stepInDoubt
	// stepUnsettled is a step that timed out and was still running when
	// its grace ran out.
	stepUnsettled
)

// runFrom executes def.Steps[from:] and finishes the saga: Completed on
// success, compensation of done plus every step completed here otherwise.
func (e *Executor) runFrom(ctx context.Context, def Definition, inst *sagalog.SagaInstance, from int, done []completedStep) (*Result, error) {
	for idx := from; idx < len(def.Steps); idx++ {
		out, outcome, err := e.executeStep(ctx, inst, idx, def.Steps[idx])
		if outcome != stepNotApplied {
			done = append(done, completedStep{index: idx, result: out, unsettled: outcome == stepUnsettled})
		}
		if err != nil {
			return nil, e.fail(ctx, def, inst, idx, err, done)
		}
	}

	if err := e.setStatus(ctx, inst, sagalog.StatusCompleted); err != nil {
		// The effects are all in place; a recovery sweep will find every
		// step Completed and close the saga.
		e.logger.ErrorContext(ctx, "could not persist saga completion", slog.Any("error", err))
	}

	if key := inst.IdempotencyKey; key != "" {
		rec := idempotency.Record{
			Key:       key,
			SagaID:    inst.ID,
			Result:    inst.Context.Clone(),
			CreatedAt: e.now(),
		}
		if err := e.idem.Store(ctx, idempotencyScope(inst.Type, key), inst.ID, rec, e.opts.IdempotencyTTL); err != nil {
			e.logger.WarnContext(ctx, "could not store idempotent result",
				slog.String("idempotency_key", key),
				slog.Any("error", err),
			)
		}
	}

	e.logger.InfoContext(ctx, "saga completed", slog.String("saga_type", string(def.Type)))
	return &Result{
		SagaID:        inst.ID,
		CorrelationID: inst.CorrelationID,
		Status:        sagalog.StatusCompleted,
		Output:        inst.Context.Clone(),
	}, nil
}

// executeStep runs one step under its timeout. outcome is stepApplied when
// the step itself succeeded, even if persisting its success then failed.
//
// A step that times out gets the same duration again to return. Whatever it
// did is compensated along with the earlier steps, so no late effect
// survives a compensated saga.
func (e *Executor) executeStep(ctx context.Context, inst *sagalog.SagaInstance, idx int, step Step) (out sagalog.Payload, outcome stepOutcome, err error) {
	ctx, span := e.tracer.Start(ctx, "step "+step.Name(), trace.WithAttributes(
		attribute.String("saga.id", inst.ID),
		attribute.Int("saga.step_index", idx),
	))
	defer span.End()

	logger := e.logger.With(slog.String("step", step.Name()), slog.Int("step_index", idx))
	rec := &sagalog.StepRecord{
		SagaID:     inst.ID,
		StepIndex:  idx,
		StepName:   step.Name(),
		Status:     sagalog.StepExecuting,
		ExecutedAt: e.now(),
	}
	if err := e.repo.SaveStep(ctx, rec); err != nil {
		return nil, stepNotApplied, Retryable(fmt.Errorf("persist step start: %w", err))
	}

	logger.InfoContext(ctx, "executing step")
	timeout := stepTimeout(step)
	out, settled, err := runWithTimeout(ctx, timeout, timeout, func(ctx context.Context) (sagalog.Payload, error) {
		return step.Execute(ctx, inst.Context.Clone())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "step failed", slog.Any("error", err), slog.Bool("settled", settled))

		rec.Error = err.Error()
		outcome = stepNotApplied
		switch {
		case !errors.Is(err, ErrStepTimeout):
			rec.Status = sagalog.StepFailed
		case settled:
			// Left Executing so a recovery after a crash still treats it
			// as in doubt.
			rec.Result = out
			outcome = stepInDoubt
		default:
			outcome = stepUnsettled
		}
		if perr := e.repo.SaveStep(ctx, rec); perr != nil {
			logger.ErrorContext(ctx, "could not persist step failure", slog.Any("error", perr))
		}
		return out, outcome, err
	}

	rec.Status = sagalog.StepCompleted
	rec.Result = out
	if err := e.repo.SaveStep(ctx, rec); err != nil {
		return out, stepApplied, Retryable(fmt.Errorf("persist step result: %w", err))
	}
	inst.Context.Merge(out)
	inst.UpdatedAt = e.now()
	if err := e.repo.UpdateSaga(ctx, inst); err != nil {
		return out, stepApplied, Retryable(fmt.Errorf("persist saga context: %w", err))
	}
	return out, stepApplied, nil
}

// fail compensates done after the step at idx failed with cause.
func (e *Executor) fail(ctx context.Context, def Definition, inst *sagalog.SagaInstance, idx int, cause error, done []completedStep) error {
	if inst.LastError == "" || !errors.Is(cause, ErrInterrupted) {
		inst.LastError = cause.Error()
	}
	if inst.Status != sagalog.StatusCompensating {
		if err := e.setStatus(ctx, inst, sagalog.StatusFailed); err != nil {
			e.logger.ErrorContext(ctx, "could not persist saga failure", slog.Any("error", err))
		}
	}

	e.extendLease(ctx, def, inst, done)
	failedSteps, compErr := e.compensate(ctx, def, inst, done)
	e.releaseKey(ctx, inst.Type, inst.IdempotencyKey, inst.ID)

	stepName := ""
	if idx >= 0 && idx < len(def.Steps) {
		stepName = def.Steps[idx].Name()
	}

	if compErr == nil {
		if err := e.setStatus(ctx, inst, sagalog.StatusCompensated); err != nil {
			e.logger.ErrorContext(ctx, "could not persist saga compensation", slog.Any("error", err))
		}
		e.logger.WarnContext(ctx, "saga compensated",
			slog.String("failed_step", stepName),
			slog.Int("compensated_steps", len(done)),
			slog.Any("error", cause),
		)
		return &StepExecutionError{
			SagaID:        inst.ID,
			Correlation:   inst.CorrelationID,
			Step:          stepName,
			StepIndex:     idx,
			RetryableStep: IsRetryable(cause),
			Err:           cause,
		}
	}

	if err := e.setStatus(ctx, inst, sagalog.StatusCompensationFailed); err != nil {
		e.logger.ErrorContext(ctx, "could not persist saga compensation failure", slog.Any("error", err))
	}
	history, err := e.repo.ListSteps(ctx, inst.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "could not load step history", slog.Any("error", err))
	}
	e.logger.ErrorContext(ctx, "saga compensation failed, manual intervention required",
		slog.Bool("poisoned", true),
		slog.String("saga_type", string(def.Type)),
		slog.String("resource_id", inst.ResourceID),
		slog.String("failed_step", stepName),
		slog.Any("compensation_failures", failedSteps),
		slog.Any("error", compErr),
	)
	return &CompensationError{
		SagaID:      inst.ID,
		Correlation: inst.CorrelationID,
		FailedSteps: failedSteps,
		History:     history,
		Cause:       cause,
		Err:         compErr,
	}
}

// compensate undoes done in reverse order. Every compensation is attempted
// even after one fails; the failures are returned together.
func (e *Executor) compensate(ctx context.Context, def Definition, inst *sagalog.SagaInstance, done []completedStep) ([]string, error) {
	if err := e.setStatus(ctx, inst, sagalog.StatusCompensating); err != nil {
		e.logger.ErrorContext(ctx, "could not persist compensating status", slog.Any("error", err))
	}

	var (
		failed []string
		merr   *multierror.Error
	)
	for i := len(done) - 1; i >= 0; i-- {
		c := done[i]
		step := def.Steps[c.index]
		if err := e.compensateStep(ctx, inst, c, step); err != nil {
			failed = append(failed, step.Name())
			merr = multierror.Append(merr, fmt.Errorf("compensate %s: %w", step.Name(), err))
		}
	}
	return failed, merr.ErrorOrNil()
}

// errUnsettled fails the compensation of a step that may still be running.
var errUnsettled = errors.New("step still running after its timeout, outcome unknown")

// extendLease re-acquires the saga's own lock so the lease covers the whole
// compensation. Compensation goes ahead even if that fails.
func (e *Executor) extendLease(ctx context.Context, def Definition, inst *sagalog.SagaInstance, done []completedStep) {
	if len(done) == 0 {
		return
	}
	lease := compensationLease(def, done, e.opts.LockMargin)
	if err := e.locks.Acquire(ctx, inst.ResourceID, e.lockOwner(inst.ID), lease, 0); err != nil {
		e.logger.ErrorContext(ctx, "could not extend resource lock for compensation",
			slog.String("resource_id", inst.ResourceID),
			slog.Duration("lease", lease),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) compensateStep(ctx context.Context, inst *sagalog.SagaInstance, c completedStep, step Step) error {
	ctx, span := e.tracer.Start(ctx, "compensate "+step.Name(), trace.WithAttributes(
		attribute.String("saga.id", inst.ID),
		attribute.Int("saga.step_index", c.index),
	))
	defer span.End()

	logger := e.logger.With(slog.String("step", step.Name()), slog.Int("step_index", c.index))
	rec := &sagalog.StepRecord{
		SagaID:     inst.ID,
		StepIndex:  c.index,
		StepName:   step.Name(),
		Status:     sagalog.StepCompensating,
		Result:     c.result,
		ExecutedAt: e.now(),
	}
	if err := e.repo.SaveStep(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "could not persist compensation start", slog.Any("error", err))
	}

	var err error
	if c.unsettled {
		err = errUnsettled
	} else {
		logger.InfoContext(ctx, "compensating step")
		_, _, err = runWithTimeout(ctx, stepTimeout(step), 0, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, step.Compensate(ctx, inst.Context.With(c.result))
		})
	}

	rec.Status = sagalog.StepCompensated
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "step compensation failed", slog.Any("error", err))
		rec.Status = sagalog.StepCompensationFailed
		rec.Error = err.Error()
	}
	if perr := e.repo.SaveStep(ctx, rec); perr != nil {
		logger.ErrorContext(ctx, "could not persist compensation result", slog.Any("error", perr))
	}
	return err
}

func (e *Executor) setStatus(ctx context.Context, inst *sagalog.SagaInstance, status sagalog.Status) error {
	inst.Status = status
	inst.UpdatedAt = e.now()
	return e.repo.UpdateSaga(ctx, inst)
}

func (e *Executor) checkQuarantine(ctx context.Context, resourceID, correlationID string) error {
	poisoned, err := e.repo.ListSagas(ctx, sagalog.Filter{
		Statuses:   []sagalog.Status{sagalog.StatusCompensationFailed},
		ResourceID: resourceID,
		Unresolved: true,
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("coordinator: check quarantine of %s: %w", resourceID, err)
	}
	if len(poisoned) > 0 {
		return &QuarantinedError{ResourceID: resourceID, PoisonedSaga: poisoned[0].ID, Correlation: correlationID}
	}
	return nil
}

func (e *Executor) lockOwner(sagaID string) string {
	return sagaID + "/" + e.nonce
}

func (e *Executor) releaseLock(ctx context.Context, resourceID, owner string) {
	if err := e.locks.Release(ctx, resourceID, owner); err != nil {
		e.logger.WarnContext(ctx, "could not release resource lock",
			slog.String("resource_id", resourceID),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) releaseKey(ctx context.Context, t sagalog.SagaType, key, owner string) {
	if key == "" {
		return
	}
	if err := e.idem.Release(ctx, idempotencyScope(t, key), owner); err != nil {
		e.logger.WarnContext(ctx, "could not release idempotency reservation",
			slog.String("idempotency_key", key),
			slog.Any("error", err),
		)
	}
}

// IsRunning reports whether the saga is executing in this process.
func (e *Executor) IsRunning(sagaID string) bool {
	_, ok := e.running.Load(sagaID)
	return ok
}

func stepTimeout(s Step) time.Duration {
	if t := s.Timeout(); t > 0 {
		return t
	}
	return DefaultStepTimeout
}

// runWithTimeout runs fn with a deadline of timeout. Past the deadline it
// waits up to grace more for fn to return: settled reports whether it did,
// and value is what it returned. The error is ErrStepTimeout either way.
// An unsettled fn keeps running in the background.
func runWithTimeout[T any](ctx context.Context, timeout, grace time.Duration, fn func(ctx context.Context) (T, error)) (value T, settled bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.value, true, r.err
		}
		// fn gave up on the deadline; report the timeout.
		return r.value, true, Retryable(fmt.Errorf("%w after %s", ErrStepTimeout, timeout))
	case <-ctx.Done():
	}

	timeoutErr := Retryable(fmt.Errorf("%w after %s", ErrStepTimeout, timeout))
	if grace <= 0 {
		return value, false, timeoutErr
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.value, true, timeoutErr
	case <-timer.C:
		return value, false, timeoutErr
	}
}
