package saga

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type countingStep struct {
	id string

	mu   sync.Mutex
	runs int
}

func (s *countingStep) ID() string { return s.id }

func (s *countingStep) Execute(ctx context.Context, run *Run) StepResult {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	return Succeed(nil, nil)
}

func (s *countingStep) Compensate(ctx context.Context, run *Run, data json.RawMessage) error {
	return nil
}

func (s *countingStep) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func TestRunner_DrivesQueuedSagas(t *testing.T) {
	t.Parallel()

	orc := New(NewMemoryStore())
	step := &countingStep{id: "only_step"}
	def := Definition{Type: "runner_test", Steps: []StepConfig{{Step: step}}}

	ctx := context.Background()
	runner := NewRunner(orc, 8, nil)
	runner.Start(ctx, 2)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := orc.Submit(ctx, def, nil, SubmitOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if err := runner.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	runner.Stop()

	if got := step.Runs(); got != 3 {
		t.Fatalf("step runs = %d, want 3", got)
	}
	for _, id := range ids {
		in, err := orc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if in.Status != StatusCompleted {
			t.Fatalf("saga %s status = %s, want completed", id, in.Status)
		}
	}
}

func TestRunner_EnqueueAfterStop(t *testing.T) {
	t.Parallel()

	orc := New(NewMemoryStore())
	runner := NewRunner(orc, 1, nil)
	runner.Start(context.Background(), 1)
	runner.Stop()

	if err := runner.Enqueue(context.Background(), "saga-1"); err != ErrRunnerStopped {
		t.Fatalf("err = %v, want ErrRunnerStopped", err)
	}
}

func TestRunner_EnqueueHonorsContext(t *testing.T) {
	t.Parallel()

	orc := New(NewMemoryStore())
	// No workers started, buffer of one: the second enqueue must block.
	runner := NewRunner(orc, 1, nil)

	if err := runner.Enqueue(context.Background(), "saga-1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := runner.Enqueue(ctx, "saga-2"); err == nil {
		t.Fatalf("expected context error on full queue")
	}
}
