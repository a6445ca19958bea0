package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradewind/internal/reliability"
)

const defaultStepTimeout = 30 * time.Second

// Orchestrator drives saga definitions through execution and compensation.
// All mutations to a single instance are serialized behind a per-saga lock;
// different sagas proceed independently.
type Orchestrator struct {
	store        Store
	logger       *zap.Logger
	now          func() time.Time
	stepTimeout  time.Duration
	retry        reliability.RetryPolicy
	onTransition func(Transition)

	mu      sync.Mutex
	defs    map[string]Definition
	locks   map[string]*sync.Mutex
	cancels map[string]struct{}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDefaultStepTimeout sets the saga-level step timeout used when a step
// configures none.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithDefaultRetry sets the retry policy applied to transient step failures
// when a step configures none.
func WithDefaultRetry(policy reliability.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = policy }
}

// WithTransitionHook registers a callback invoked after every persisted
// state change (used for event publishing and metrics).
func WithTransitionHook(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

// New constructs an Orchestrator backed by the given store.
func New(store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		logger:      zap.NewNop(),
		now:         time.Now,
		stepTimeout: defaultStepTimeout,
		retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     reliability.BackoffExponential,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		defs:    make(map[string]Definition),
		locks:   make(map[string]*sync.Mutex),
		cancels: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register makes a definition available for Run lookups (needed when
// resuming sagas submitted before a restart).
func (o *Orchestrator) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.defs[def.Type] = def
	o.mu.Unlock()
	return nil
}

// SubmitOptions carries optional instance metadata.
type SubmitOptions struct {
	TenantID      string
	CorrelationID string
}

// Submit validates and registers the definition, persists a pending instance
// seeded with the initial context, and returns its durable id. The run itself
// happens later via Run.
func (o *Orchestrator) Submit(ctx context.Context, def Definition, initial map[string]json.RawMessage, opts SubmitOptions) (string, error) {
	if err := o.Register(def); err != nil {
		return "", err
	}

	now := o.now()
	in := &Instance{
		ID:            uuid.NewString(),
		Type:          def.Type,
		TenantID:      opts.TenantID,
		CorrelationID: opts.CorrelationID,
		Status:        StatusPending,
		Data:          make(map[string]json.RawMessage, len(initial)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for k, v := range initial {
		in.Data[k] = v
	}

	if err := o.store.Create(ctx, in); err != nil {
		return "", err
	}
	o.logger.Info("saga submitted",
		zap.String("saga_id", in.ID),
		zap.String("saga_type", in.Type),
	)
	return in.ID, nil
}

// Get returns the current persisted instance (for status polling).
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.Load(ctx, sagaID)
}

// Cancel requests cancellation of a saga. It takes effect while the saga is
// pending or between steps; a step already in flight finishes (or times out)
// first, then the saga proceeds to compensation as if that step had failed.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	in, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return err
	}
	if in.Status.Terminal() {
		return ErrNotCancellable
	}

	o.mu.Lock()
	o.cancels[sagaID] = struct{}{}
	o.mu.Unlock()

	o.logger.Info("saga cancel requested", zap.String("saga_id", sagaID))
	return nil
}

// Run executes (or resumes) the saga until it reaches a terminal state. It is
// idempotent: terminal sagas are returned as stored without re-executing, and
// resume skips every step with a recorded result. Safe to call repeatedly,
// including concurrently, for the same id.
func (o *Orchestrator) Run(ctx context.Context, sagaID string) (*Instance, error) {
	lock := o.lockFor(sagaID)
	lock.Lock()
	defer lock.Unlock()

	in, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if in.Status.Terminal() {
		return in, nil
	}

	o.mu.Lock()
	def, ok := o.defs[in.Type]
	o.mu.Unlock()
	if !ok {
		return in, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}

	run := &Run{
		SagaID:        in.ID,
		TenantID:      in.TenantID,
		CorrelationID: in.CorrelationID,
		data:          in.Data,
	}

	// A saga halted mid-compensation resumes the reverse walk directly;
	// re-invoking Run is the operator's retry path for a failed compensation.
	if in.Status == StatusCompensating {
		return o.compensate(ctx, in, def, run)
	}

	if in.Status == StatusPending {
		if err := o.transition(ctx, in, StatusRunning, ""); err != nil {
			return in, err
		}
	}

	for _, sc := range def.Steps {
		stepID := sc.Step.ID()
		if rec, done := in.ResultFor(stepID); done && rec.Success {
			continue
		}

		if o.cancelRequested(in.ID) {
			return o.failStep(ctx, in, def, run, stepID, Fail(FailureTerminal, ErrCancelled))
		}

		result := o.executeStep(ctx, sc, run)
		if err := ctx.Err(); err != nil {
			// Caller shutdown, not a step verdict: leave the saga running
			// and resumable.
			return in, err
		}

		if !result.Success {
			return o.failStep(ctx, in, def, run, stepID, result)
		}

		in.StepResults = append(in.StepResults, StepRecord{
			StepID:           stepID,
			Success:          true,
			Data:             result.Data,
			CompensationData: result.CompensationData,
			CompletedAt:      o.now(),
		})
		if result.Data != nil {
			in.Data[stepID] = result.Data
		}
		in.UpdatedAt = o.now()
		if err := o.store.Save(ctx, in); err != nil {
			return in, err
		}
		o.emit(in, StatusRunning, StatusRunning, stepID)
		o.logger.Info("saga step completed",
			zap.String("saga_id", in.ID),
			zap.String("step", stepID),
		)
	}

	if err := o.transition(ctx, in, StatusCompleted, ""); err != nil {
		return in, err
	}
	o.clearCancel(in.ID)
	return in, nil
}

// failStep records the failed step, then either fails the saga outright or
// walks compensation over every previously completed step.
func (o *Orchestrator) failStep(ctx context.Context, in *Instance, def Definition, run *Run, stepID string, result StepResult) (*Instance, error) {
	o.logger.Warn("saga step failed",
		zap.String("saga_id", in.ID),
		zap.String("step", stepID),
		zap.String("kind", string(result.Kind)),
		zap.String("error", result.Error),
	)

	in.StepResults = append(in.StepResults, StepRecord{
		StepID:      stepID,
		Success:     false,
		Error:       result.Error,
		CompletedAt: o.now(),
	})

	if !o.needsCompensation(in) {
		if err := o.transition(ctx, in, StatusFailed, stepID); err != nil {
			return in, err
		}
		o.clearCancel(in.ID)
		return in, nil
	}

	if err := o.transition(ctx, in, StatusCompensating, stepID); err != nil {
		return in, err
	}
	return o.compensate(ctx, in, def, run)
}

// compensate walks already-succeeded steps in strict reverse completion
// order. A failing compensation halts the walk: it is recorded, never retried
// automatically, and the saga stays compensating for operator intervention.
func (o *Orchestrator) compensate(ctx context.Context, in *Instance, def Definition, run *Run) (*Instance, error) {
	steps := make(map[string]StepConfig, len(def.Steps))
	for _, sc := range def.Steps {
		steps[sc.Step.ID()] = sc
	}

	for i := len(in.StepResults) - 1; i >= 0; i-- {
		rec := &in.StepResults[i]
		if !rec.Success || rec.Compensated || len(rec.CompensationData) == 0 {
			continue
		}
		sc, ok := steps[rec.StepID]
		if !ok {
			return in, fmt.Errorf("%w: step %s missing from definition %s", ErrUnknownType, rec.StepID, in.Type)
		}

		err := o.invokeCompensate(ctx, sc, run, rec.CompensationData)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return in, ctxErr
		}
		if err != nil {
			in.CompensationErrors = append(in.CompensationErrors, CompensationError{
				StepID: rec.StepID,
				Error:  err.Error(),
				At:     o.now(),
			})
			in.UpdatedAt = o.now()
			if saveErr := o.store.Save(ctx, in); saveErr != nil {
				return in, saveErr
			}
			o.logger.Error("saga compensation failed; manual intervention required",
				zap.String("saga_id", in.ID),
				zap.String("step", rec.StepID),
				zap.Error(err),
			)
			return in, fmt.Errorf("%w: step %s: %v", ErrCompensationFailed, rec.StepID, err)
		}

		rec.Compensated = true
		in.UpdatedAt = o.now()
		if err := o.store.Save(ctx, in); err != nil {
			return in, err
		}
		o.logger.Info("saga step compensated",
			zap.String("saga_id", in.ID),
			zap.String("step", rec.StepID),
		)
	}

	if err := o.transition(ctx, in, StatusCompensated, ""); err != nil {
		return in, err
	}
	o.clearCancel(in.ID)
	return in, nil
}

// executeStep runs one step with its timeout, retrying transient failures per
// the effective retry policy. Terminal failures are returned immediately.
func (o *Orchestrator) executeStep(ctx context.Context, sc StepConfig, run *Run) StepResult {
	policy := o.retry
	if sc.Retry != nil {
		policy = *sc.Retry
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = reliability.SleepWithContext
	}

	var result StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Fail(FailureTransient, err)
		}
		result = o.invoke(ctx, sc, run)
		if result.Success || result.Kind == FailureTerminal {
			return result
		}
		if attempt == attempts {
			break
		}
		delay := policy.DelayForAttempt(attempt)
		if policy.Jitter != nil {
			delay = policy.Jitter(delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return Fail(FailureTransient, err)
		}
	}
	return result
}

// invoke bounds a single Execute call with the step timeout. A timeout is
// indistinguishable from a returned transient failure.
func (o *Orchestrator) invoke(ctx context.Context, sc StepConfig, run *Run) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(sc))
	defer cancel()

	resCh := make(chan StepResult, 1)
	go func() {
		resCh <- sc.Step.Execute(stepCtx, run)
	}()

	select {
	case result := <-resCh:
		return result
	case <-stepCtx.Done():
		return Fail(FailureTransient, stepCtx.Err())
	}
}

func (o *Orchestrator) invokeCompensate(ctx context.Context, sc StepConfig, run *Run, data json.RawMessage) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(sc))
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sc.Step.Compensate(stepCtx, run, data)
	}()

	select {
	case err := <-errCh:
		return err
	case <-stepCtx.Done():
		return stepCtx.Err()
	}
}

func (o *Orchestrator) timeoutFor(sc StepConfig) time.Duration {
	if sc.Timeout > 0 {
		return sc.Timeout
	}
	return o.stepTimeout
}

func (o *Orchestrator) needsCompensation(in *Instance) bool {
	for i := range in.StepResults {
		rec := &in.StepResults[i]
		if rec.Success && !rec.Compensated && len(rec.CompensationData) > 0 {
			return true
		}
	}
	return false
}

// transition persists a status change and notifies observers.
func (o *Orchestrator) transition(ctx context.Context, in *Instance, to Status, stepID string) error {
	from := in.Status
	in.Status = to
	in.UpdatedAt = o.now()
	if err := o.store.Save(ctx, in); err != nil {
		in.Status = from
		return err
	}
	o.emit(in, from, to, stepID)
	o.logger.Info("saga transition",
		zap.String("saga_id", in.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (o *Orchestrator) emit(in *Instance, from, to Status, stepID string) {
	if o.onTransition == nil {
		return
	}
	o.onTransition(Transition{
		SagaID: in.ID,
		Type:   in.Type,
		From:   from,
		To:     to,
		StepID: stepID,
		At:     o.now(),
	})
}

func (o *Orchestrator) lockFor(sagaID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[sagaID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sagaID] = lock
	}
	return lock
}

func (o *Orchestrator) cancelRequested(sagaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[sagaID]
	return ok
}

func (o *Orchestrator) clearCancel(sagaID string) {
	o.mu.Lock()
	delete(o.cancels, sagaID)
	o.mu.Unlock()
}
