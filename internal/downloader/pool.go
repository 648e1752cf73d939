package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanjaykrkundu/seedr/internal/logctx"
	"github.com/sanjaykrkundu/seedr/internal/telemetry"
)

// TaskRunner executes one task. Failures are the runner's to record; the
// pool only guarantees the slot is returned.
type TaskRunner interface {
	Run(ctx context.Context, task Task)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, task Task)

func (f TaskRunnerFunc) Run(ctx context.Context, task Task) { f(ctx, task) }

// Pool admits queued tasks to runners, never more than maxParallel at once.
// A slot is acquired before a task is dequeued, so admission follows queue order.
type Pool struct {
	queue     *Queue
	runner    TaskRunner
	sem       chan struct{}
	telemetry *telemetry.Telemetry
	onDone    func(Task)

	active atomic.Int32
	wg     sync.WaitGroup
}

// NewPool creates a pool over queue. onDone, if set, runs after each task
// finishes, including after a recovered panic, and before its slot is freed.
func NewPool(maxParallel int, queue *Queue, runner TaskRunner, tel *telemetry.Telemetry, onDone func(Task)) *Pool {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Pool{
		queue:     queue,
		runner:    runner,
		sem:       make(chan struct{}, maxParallel),
		telemetry: tel,
		onDone:    onDone,
	}
}

// Enqueue appends a task without blocking.
func (p *Pool) Enqueue(task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	if err := p.queue.Enqueue(task); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.ID, err)
	}

	p.telemetry.AddQueueDepth(1)

	return nil
}

// Run dispatches tasks until ctx is cancelled or the queue is closed and
// drained, then waits for running tasks to return.
func (p *Pool) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("download pool started", "max_parallel", cap(p.sem))

	defer p.wg.Wait()

	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			logger.Info("download pool shutdown", "reason", "context_cancelled")

			return nil
		}

		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-p.sem

			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				logger.Info("download pool shutdown", "reason", err.Error())

				return nil
			}

			return fmt.Errorf("failed to dequeue task: %w", err)
		}

		p.telemetry.AddQueueDepth(-1)
		p.dispatch(ctx, task)
	}
}

func (p *Pool) dispatch(ctx context.Context, task Task) {
	logger := logctx.LoggerFromContext(ctx)

	p.active.Add(1)
	p.wg.Add(1)

	logger.Debug("task admitted", "id", task.ID, "waited", time.Since(task.EnqueuedAt).String())

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("download worker panic",
					"id", task.ID,
					"panic", r,
					"stack", string(debug.Stack()))

				p.telemetry.RecordSystemError("pool", "panic")
			}

			if p.onDone != nil {
				p.onDone(task)
			}

			p.active.Add(-1)
			<-p.sem

			p.wg.Done()
		}()

		p.runner.Run(ctx, task)
	}()
}

// Active is the number of running tasks.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Pending is the number of tasks waiting for a slot.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// MaxParallel is the concurrency ceiling.
func (p *Pool) MaxParallel() int {
	return cap(p.sem)
}
