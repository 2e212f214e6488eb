// Package admission bounds concurrent pipeline executions with a global slot
// pool and wraps each admitted execution in its per-instance deadline.
//
// Demand beyond the pool queues until a slot frees or the configured queue
// wait elapses; it never queues unboundedly. Slots are released on every exit
// path, including timeout and panic unwinding inside the callback.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Defaults applied when the controller is constructed with zero values.
const (
	DefaultMaxConcurrent = 8
	DefaultQueueWait     = 5 * time.Second
)

// Sentinel errors surfaced to the engine.
var (
	// ErrAdmissionTimeout indicates no slot freed within the queue wait.
	// The execution never started and must not be charged.
	ErrAdmissionTimeout = errors.New("admission timeout")

	// ErrExecutionTimeout indicates the admitted execution exceeded its
	// per-instance deadline. The execution ran and is charged.
	ErrExecutionTimeout = errors.New("execution timeout")
)

// Controller is the global admission gate. Safe for concurrent use.
type Controller struct {
	slots     chan struct{}
	queueWait time.Duration
	logger    *slog.Logger
}

// New creates a Controller with the given global concurrency bound and queue
// wait. Non-positive values fall back to the defaults.
func New(maxConcurrent int, queueWait time.Duration, logger *slog.Logger) *Controller {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if queueWait <= 0 {
		queueWait = DefaultQueueWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		slots:     make(chan struct{}, maxConcurrent),
		queueWait: queueWait,
		logger:    logger,
	}
}

// WithSlot acquires a slot, runs fn under a deadline of execTimeout, and
// releases the slot. Returns ErrAdmissionTimeout when no slot frees in time,
// ErrExecutionTimeout when fn outlives its deadline, and fn's error
// otherwise. A non-positive execTimeout means no per-execution deadline.
func (c *Controller) WithSlot(ctx context.Context, execTimeout time.Duration, fn func(ctx context.Context) error) error {
	queue := time.NewTimer(c.queueWait)
	defer queue.Stop()

	select {
	case c.slots <- struct{}{}:
	case <-queue.C:
		c.logger.Warn("admission queue wait exceeded",
			"queue_wait", c.queueWait,
			"in_flight", len(c.slots),
		)
		return ErrAdmissionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slots }()

	execCtx := ctx
	if execTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, execTimeout)
		defer cancel()
	}

	err := fn(execCtx)

	// A deadline hit on the execution context maps to execution-timeout,
	// unless the caller's own context was the one that expired.
	if execCtx.Err() != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrExecutionTimeout, err)
	}
	return err
}

// InFlight reports the number of currently admitted executions.
func (c *Controller) InFlight() int {
	return len(c.slots)
}

// Capacity reports the global concurrency bound.
func (c *Controller) Capacity() int {
	return cap(c.slots)
}
