// Package task provides the cancellable unit of asynchronous work that every
// container pipeline is built from, the bounded queue that runs task graphs,
// and the bookkeeping types used to group related tasks.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bleepstore/rfstore/internal/uid"
)

// State is the lifecycle position of a task. Transitions are monotonic:
// Ready, then Executing, then Finished.
type State int32

const (
	Ready State = iota
	Executing
	Finished
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Func is the body of a task. It must return promptly once ctx is done and
// must report cancellation through its own callbacks rather than an error.
type Func func(ctx context.Context) error

// Observer is notified after every state transition.
type Observer func(t *Task, s State)

// Task is a cancellable, dependency-aware unit of work. A task runs its Func
// at most once. Cancel is always legal; a cancelled task still runs its Func
// with a cancelled context so completion callbacks fire, then finishes.
type Task struct {
	id     string
	name   string
	fn     Func
	config Configuration

	mu        sync.Mutex
	state     State
	deps      []*Task
	observers []Observer
	started   bool
	cancelRun context.CancelFunc
	err       error

	canceled atomic.Bool
	done     chan struct{}
}

// New returns a ready task running fn.
func New(name string, fn Func) *Task {
	return &Task{
		id:     uid.NewOperationID(),
		name:   name,
		fn:     fn,
		config: DefaultConfiguration(),
		done:   make(chan struct{}),
	}
}

// ID returns the unique operation ID.
func (t *Task) ID() string { return t.id }

// Name returns the human-readable task name.
func (t *Task) Name() string { return t.name }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsCancelled reports whether Cancel has been called.
func (t *Task) IsCancelled() bool { return t.canceled.Load() }

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error returned by the task body once finished.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Configuration returns the transport configuration of the task.
func (t *Task) Configuration() Configuration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// SetConfiguration replaces the configuration. It panics once the task has
// started.
func (t *Task) SetConfiguration(c Configuration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready {
		panic(fmt.Sprintf("task %s: configuration changed after start", t.name))
	}
	t.config = c
}

// AddDependency makes t wait for d to finish before executing. It panics once
// t has started.
func (t *Task) AddDependency(d *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready {
		panic(fmt.Sprintf("task %s: dependency added after start", t.name))
	}
	t.deps = append(t.deps, d)
}

// Dependencies returns the tasks t waits for.
func (t *Task) Dependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.deps...)
}

// Observe registers fn to be called after each state transition.
func (t *Task) Observe(fn Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Start waits for dependencies, then runs the task body and finishes. It
// blocks until the task is finished. Starting a task that is already
// executing, or already waiting on its dependencies, is a programmer error and
// panics; starting a finished task does nothing.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.state == Finished {
		t.mu.Unlock()
		return
	}
	if t.state == Executing || t.started {
		t.mu.Unlock()
		panic(fmt.Sprintf("task %s: started while executing", t.name))
	}
	t.started = true
	deps := append([]*Task(nil), t.deps...)
	config := t.config
	t.mu.Unlock()

	for _, d := range deps {
		select {
		case <-d.Done():
		case <-ctx.Done():
		}
	}

	base, stop := ctx, context.CancelFunc(func() {})
	if config.TimeoutForResource > 0 {
		base, stop = context.WithTimeout(ctx, config.TimeoutForResource)
	}
	runCtx, cancel := context.WithCancel(base)
	defer stop()

	t.mu.Lock()
	t.cancelRun = cancel
	t.mu.Unlock()
	if t.canceled.Load() {
		cancel()
	}

	t.transition(Executing)
	err := t.fn(runCtx)
	cancel()

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.transition(Finished)
}

// Cancel requests cancellation. A running task sees its context cancelled; a
// task that has not started yet runs with a cancelled context when started.
func (t *Task) Cancel() {
	t.canceled.Store(true)
	t.mu.Lock()
	cancel := t.cancelRun
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) transition(s State) {
	t.mu.Lock()
	if cur := t.state; s <= cur {
		t.mu.Unlock()
		panic(fmt.Sprintf("task %s: invalid transition %s -> %s", t.name, cur, s))
	}
	t.state = s
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	if s == Finished {
		close(t.done)
	}
	for _, fn := range observers {
		fn(t, s)
	}
}
