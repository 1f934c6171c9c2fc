package operation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Queue executes submitted operations with at most size running at once.
type Queue struct {
	name   string
	size   int64
	sem    *semaphore.Weighted
	logger *slog.Logger

	wg      sync.WaitGroup
	waiting atomic.Int64
	running atomic.Int64
}

func NewQueue(name string, size int, logger *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With("queue", name),
	}
}

func (q *Queue) Name() string { return q.name }

// Add submits op. It returns immediately; op runs once its dependencies have
// finished and a slot is free. If ctx ends first, op finishes with ctx's error
// without running.
func (q *Queue) Add(ctx context.Context, op *Operation) error {
	deps, err := op.markSubmitted()
	if err != nil {
		return err
	}
	q.wg.Add(1)
	q.waiting.Add(1)
	go q.execute(ctx, op, deps)
	return nil
}

// Go wraps fn in a new operation, submits it and returns it.
func (q *Queue) Go(ctx context.Context, name string, fn Func) *Operation {
	op := New(name, fn)
	_ = q.Add(ctx, op)
	return op
}

func (q *Queue) execute(ctx context.Context, op *Operation, deps []*Operation) {
	defer q.wg.Done()

	for _, dep := range deps {
		select {
		case <-dep.Done():
		case <-ctx.Done():
			q.waiting.Add(-1)
			op.finish(ctx.Err())
			return
		}
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.waiting.Add(-1)
		op.finish(err)
		return
	}
	q.waiting.Add(-1)
	q.running.Add(1)
	op.setState(Executing)

	err := op.run(ctx)

	q.running.Add(-1)
	q.sem.Release(1)
	if err != nil {
		q.logger.Debug("operation failed", "operation", op.Name(), "error", err)
	}
	op.finish(err)
}

// Wait blocks until every submitted operation has finished.
func (q *Queue) Wait() { q.wg.Wait() }

// Stats reports operations waiting for a slot or dependency and those running.
func (q *Queue) Stats() (waiting, running int64) {
	return q.waiting.Load(), q.running.Load()
}
