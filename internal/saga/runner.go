package saga

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRunnerStopped signals an enqueue against a stopped runner.
var ErrRunnerStopped = errors.New("saga runner stopped")

// Runner fans saga runs out to a bounded worker pool. Per-saga serialization
// is the orchestrator's job; the runner only bounds concurrency.
type Runner struct {
	orc    *Orchestrator
	logger *zap.Logger
	jobs   chan string
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewRunner constructs a runner with the given queue depth.
func NewRunner(orc *Orchestrator, buffer int, logger *zap.Logger) *Runner {
	if buffer < 1 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		orc:    orc,
		logger: logger,
		jobs:   make(chan string, buffer),
	}
}

// Start launches the worker pool. Workers exit once Stop drains the queue.
func (r *Runner) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for sagaID := range r.jobs {
				if _, err := r.orc.Run(ctx, sagaID); err != nil {
					r.logger.Warn("saga run failed",
						zap.String("saga_id", sagaID),
						zap.Error(err),
					)
				}
			}
		}()
	}
}

// Enqueue schedules a saga run, blocking if the queue is full.
func (r *Runner) Enqueue(ctx context.Context, sagaID string) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRunnerStopped
	}
	r.mu.Unlock()

	select {
	case r.jobs <- sagaID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for queued and in-flight runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.jobs)
	r.wg.Wait()
}
