// Package task provides the structured-concurrency scope the engine runs
// its sub-range fetches under: bounded parallelism, per-call cancellation,
// and a guarantee that no task outlives the scope.
package task

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of one task.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateRetrying
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task tracks one unit of work dispatched into a Group.
type Task struct {
	ID   string
	Name string

	state atomic.Int32

	mu  sync.Mutex
	err error
}

// State returns the task's current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Err returns the task's terminal error, nil unless the task failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Retrying marks a running task as retrying and back. The task function
// calls this around a fallback attempt so observers see the transition.
func (t *Task) Retrying() {
	t.state.CompareAndSwap(int32(StateRunning), int32(StateRetrying))
}

// Resume moves a retrying task back to running.
func (t *Task) Resume() {
	t.state.CompareAndSwap(int32(StateRetrying), int32(StateRunning))
}

func (t *Task) finish(err error, cancelled bool) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	switch {
	case cancelled:
		t.state.Store(int32(StateCancelled))
	case err != nil:
		t.state.Store(int32(StateFailed))
	default:
		t.state.Store(int32(StateDone))
	}
}

// Group is a scope for a set of sibling tasks. Starts are gated by a
// semaphore of capacity maxConcurrent; Wait blocks until every dispatched
// task has finished. Closing the group cancels the children's context.
// Tasks are independent: one failing does not cancel its siblings.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	wg     sync.WaitGroup
	active atomic.Int32

	mu    sync.Mutex
	tasks []*Task
}

// NewGroup opens a scope under parent. A non-positive maxConcurrent means
// one task at a time.
func NewGroup(parent context.Context, maxConcurrent int) *Group {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Go dispatches a task. The function receives the group's context and is
// expected to return promptly once that context is cancelled. The returned
// Task reports state and error; the caller collects results through the
// closure, not through the group.
func (g *Group) Go(name string, fn func(ctx context.Context, t *Task) error) *Task {
	t := &Task{ID: uuid.New().String(), Name: name}

	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		select {
		case g.sem <- struct{}{}:
		case <-g.ctx.Done():
			t.finish(g.ctx.Err(), true)
			return
		}
		defer func() { <-g.sem }()

		g.active.Add(1)
		defer g.active.Add(-1)

		t.state.Store(int32(StateRunning))
		err := fn(g.ctx, t)

		cancelled := g.ctx.Err() != nil && err != nil
		t.finish(err, cancelled)

		if err != nil && !cancelled {
			log.Debug().Str("task", name).Err(err).Msg("Task failed")
		}
	}()
	return t
}

// Wait blocks until all dispatched tasks have reached a terminal state.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Close cancels the scope and waits for every child to finish. It is safe
// to call after Wait and is deferred by the engine so that no task ever
// outlives the call that started it.
func (g *Group) Close() {
	g.cancel()
	g.wg.Wait()
}

// Active returns the number of tasks currently executing.
func (g *Group) Active() int { return int(g.active.Load()) }

// Tasks snapshots the dispatched tasks in dispatch order.
func (g *Group) Tasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// States aggregates the current task states by name, for the ops surface.
func (g *Group) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.tasks))
	for _, t := range g.tasks {
		out[t.Name] = t.State().String()
	}
	return out
}
