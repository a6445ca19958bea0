package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradewind/internal/reliability"
)

// Status captures the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether the status admits no further automatic progress.
// Compensating is deliberately not terminal: a halted compensation may be
// resumed by an operator re-invoking Run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// FailureKind classifies a step failure so the orchestrator can branch on
// retryability without inspecting error strings.
type FailureKind string

const (
	// FailureTransient marks failures worth retrying (timeouts, gateway
	// rate limits, network errors).
	FailureTransient FailureKind = "transient"
	// FailureTerminal marks business failures that retrying cannot fix
	// (declined card, invalid recipient).
	FailureTerminal FailureKind = "terminal"
)

// StepResult is the outcome a step returns from Execute.
type StepResult struct {
	Success          bool
	Data             json.RawMessage
	Error            string
	Kind             FailureKind
	CompensationData json.RawMessage
}

// Succeed builds a successful result. compensationData may be nil when the
// step has nothing to undo.
func Succeed(data, compensationData json.RawMessage) StepResult {
	return StepResult{
		Success:          true,
		Data:             data,
		CompensationData: compensationData,
	}
}

// Fail builds a failed result with the given retryability classification.
func Fail(kind FailureKind, err error) StepResult {
	msg := "step failed"
	if err != nil {
		msg = err.Error()
	}
	return StepResult{Error: msg, Kind: kind}
}

// StepRecord is a step outcome as recorded on the instance, in completion
// order. Compensated tracks reverse-walk progress across resumes.
type StepRecord struct {
	StepID           string          `json:"step_id"`
	Success          bool            `json:"success"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            string          `json:"error,omitempty"`
	CompensationData json.RawMessage `json:"compensation_data,omitempty"`
	Compensated      bool            `json:"compensated,omitempty"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// CompensationError records a failed compensation call. These are fatal to
// automatic progress and are surfaced for operator intervention.
type CompensationError struct {
	StepID string    `json:"step_id"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Instance is the persisted state of one saga run. The stored record is the
// single source of truth for resumability; Version supports optimistic saves.
type Instance struct {
	ID                 string
	Type               string
	TenantID           string
	CorrelationID      string
	Status             Status
	StepResults        []StepRecord
	Data               map[string]json.RawMessage
	CompensationErrors []CompensationError
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ResultFor returns the recorded outcome for a step, if any.
func (in *Instance) ResultFor(stepID string) (*StepRecord, bool) {
	for i := range in.StepResults {
		if in.StepResults[i].StepID == stepID {
			return &in.StepResults[i], true
		}
	}
	return nil, false
}

// Clone deep-copies the instance so stores can hand out isolated snapshots.
func (in *Instance) Clone() *Instance {
	out := *in
	out.StepResults = make([]StepRecord, len(in.StepResults))
	copy(out.StepResults, in.StepResults)
	out.CompensationErrors = make([]CompensationError, len(in.CompensationErrors))
	copy(out.CompensationErrors, in.CompensationErrors)
	out.Data = make(map[string]json.RawMessage, len(in.Data))
	for k, v := range in.Data {
		out.Data[k] = v
	}
	return &out
}

// Run is the shared context visible to every step of one saga execution.
// Steps run strictly sequentially, so access needs no locking.
type Run struct {
	SagaID        string
	TenantID      string
	CorrelationID string
	data          map[string]json.RawMessage
}

// Get unmarshals the value stored under key into out.
func (r *Run) Get(key string, out any) (bool, error) {
	raw, ok := r.data[key]
	if !ok || raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("saga data %q: %w", key, err)
	}
	return true, nil
}

// Set stores a value under key; it is persisted with the instance on the
// next state transition.
func (r *Run) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("saga data %q: %w", key, err)
	}
	r.data[key] = raw
	return nil
}

// Step is one unit of work in a saga. Execute performs the forward action;
// Compensate semantically undoes it, receiving the compensation payload the
// step recorded when it succeeded.
type Step interface {
	ID() string
	Execute(ctx context.Context, run *Run) StepResult
	Compensate(ctx context.Context, run *Run, compensationData json.RawMessage) error
}

// StepConfig binds a step to its per-step overrides. Zero values fall back to
// the orchestrator defaults.
type StepConfig struct {
	Step    Step
	Timeout time.Duration
	Retry   *reliability.RetryPolicy
}

// Definition is an ordered step sequence identified by a saga type name.
type Definition struct {
	Type  string
	Steps []StepConfig
}

// Validate rejects malformed definitions at build time.
func (d Definition) Validate() error {
	if d.Type == "" {
		return errors.New("saga type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %q has no steps", d.Type)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, sc := range d.Steps {
		if sc.Step == nil {
			return fmt.Errorf("saga %q: step %d is nil", d.Type, i)
		}
		id := sc.Step.ID()
		if id == "" {
			return fmt.Errorf("saga %q: step %d has an empty id", d.Type, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("saga %q: duplicate step id %q", d.Type, id)
		}
		seen[id] = struct{}{}
		if sc.Timeout < 0 {
			return fmt.Errorf("saga %q: step %q timeout must be >= 0", d.Type, id)
		}
	}
	return nil
}

var (
	// ErrNotFound signals an unknown saga id.
	ErrNotFound = errors.New("saga not found")
	// ErrAlreadyExists signals a duplicate saga id on create.
	ErrAlreadyExists = errors.New("saga already exists")
	// ErrVersionConflict signals a lost optimistic update; the caller should
	// reload and retry.
	ErrVersionConflict = errors.New("saga version conflict")
	// ErrUnknownType signals a saga whose definition is not registered.
	ErrUnknownType = errors.New("saga type not registered")
	// ErrCompensationFailed signals a compensation call that failed; the saga
	// halts in compensating and requires operator intervention.
	ErrCompensationFailed = errors.New("saga compensation failed")
	// ErrCancelled is recorded as the failing step error when a saga is
	// cancelled between steps.
	ErrCancelled = errors.New("saga cancelled")
	// ErrNotCancellable signals a cancel request against a terminal saga.
	ErrNotCancellable = errors.New("saga is not cancellable")
)

// Store persists saga instances. Save must perform an optimistic update
// keyed on Instance.Version so concurrent resume attempts cannot clobber
// each other's writes.
type Store interface {
	Create(ctx context.Context, in *Instance) error
	Load(ctx context.Context, id string) (*Instance, error)
	Save(ctx context.Context, in *Instance) error
}

// Transition describes one observable saga state change.
type Transition struct {
	SagaID string
	Type   string
	From   Status
	To     Status
	StepID string
	At     time.Time
}
