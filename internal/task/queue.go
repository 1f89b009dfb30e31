package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Queue runs a graph of tasks with at most limit bodies executing at once.
// Tasks wait for their dependencies before taking a slot, so a dependent
// never blocks the tasks it waits for. Cancelling the queue cancels every
// task in it; each still runs to Finished. Finished tasks are dropped, so a
// long-lived queue holds only the work still pending.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	group  errgroup.Group

	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// NewQueue returns a queue bound to ctx. A limit below one means unbounded.
func NewQueue(ctx context.Context, limit int) *Queue {
	qctx, cancel := context.WithCancel(ctx)
	q := &Queue{ctx: qctx, cancel: cancel, tasks: make(map[*Task]struct{})}
	if limit > 0 {
		q.sem = semaphore.NewWeighted(int64(limit))
	}
	return q
}

// Add schedules t. Dependencies of t should be added to the same queue or be
// started elsewhere; Add does not start them.
func (q *Queue) Add(t *Task) {
	q.mu.Lock()
	q.tasks[t] = struct{}{}
	q.mu.Unlock()

	q.group.Go(func() error {
		defer q.forget(t)
		for _, d := range t.Dependencies() {
			select {
			case <-d.Done():
			case <-q.ctx.Done():
			}
		}
		if q.sem != nil {
			if err := q.sem.Acquire(q.ctx, 1); err == nil {
				defer q.sem.Release(1)
			}
		}
		t.Start(q.ctx)
		return nil
	})
}

// Go schedules fn as an anonymous task and returns it.
func (q *Queue) Go(name string, fn Func, deps ...*Task) *Task {
	t := New(name, fn)
	for _, d := range deps {
		t.AddDependency(d)
	}
	q.Add(t)
	return t
}

func (q *Queue) forget(t *Task) {
	q.mu.Lock()
	delete(q.tasks, t)
	q.mu.Unlock()
}

// Cancel cancels the queue context and every task not yet finished.
func (q *Queue) Cancel() {
	q.cancel()
	q.mu.Lock()
	tasks := make([]*Task, 0, len(q.tasks))
	for t := range q.tasks {
		tasks = append(tasks, t)
	}
	q.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// Wait blocks until every added task has finished, then releases the queue
// context.
func (q *Queue) Wait() {
	_ = q.group.Wait()
	q.cancel()
}

// Context returns the queue context.
func (q *Queue) Context() context.Context {
	return q.ctx
}

// Len returns the number of tasks added and not yet finished.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
