// Package scheduler implements the task queue and worker pool that run
// the DAG of tasks behind a query/ingest pipeline: a FIFO queue of
// ScheduledTask, a bounded pool of workers, and cooperative cancellation.
//
// What: a Task declares MaxThreads (how many workers may register onto it
// concurrently) and a Run contract; workers pop the queue head, try to
// register, run to completion or error, then deregister — the last
// worker out runs the task's finalizer under its own lock. RunDAG layers
// bounded-concurrency dependency scheduling over the same Task type for
// callers with an acyclic graph rather than a flat queue.
// How: grounded in tinySQL's internal/storage/scheduler.go (a
// mutex-guarded registry of running work, started/stopped as a unit,
// logged with the standard library logger) adapted from cron-triggered
// SQL jobs to the worker-pool task-registration state machine the spec
// calls the "newer per-task-mutex variant": one mutex per Task instead of
// one global scheduler lock, so registering onto task A never blocks
// progress on task B.
// Why: task completion order is explicitly unspecified by the contract
// this implements — only registration order (FIFO over the queue) and
// the pin/finalize invariants are guaranteed, so the locking granularity
// should match that: global state (the queue) needs one lock, per-task
// state needs its own.
package scheduler

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/knotgraph/knotdb/internal/storeerr"
)

// state is a Task's position in the per-task-mutex state machine.
type state uint8

const (
	statePending state = iota
	stateRegistering
	stateRunning
	stateFinalizing
	stateCompleted
	stateFailed
)

// RunFunc is a task's work contract. ctx carries the cooperative
// cancellation signal, polled at natural break points ("morsel
// boundaries") rather than torn down preemptively.
type RunFunc func(ctx context.Context) error

// FinalizeFunc runs once, under the task's own lock, after the last
// registered worker deregisters. May be nil.
type FinalizeFunc func() error

// Task is one unit of schedulable work with a cap on concurrent workers.
type Task struct {
	Name       string
	MaxThreads int
	Run        RunFunc
	Finalize   FinalizeFunc

	mu        sync.Mutex
	st        state
	active    int
	err       error
	completed bool
}

// NewTask constructs a Task. maxThreads <= 0 is treated as 1.
func NewTask(name string, maxThreads int, run RunFunc, finalize FinalizeFunc) *Task {
	if maxThreads <= 0 {
		maxThreads = 1
	}
	return &Task{Name: name, MaxThreads: maxThreads, Run: run, Finalize: finalize}
}

// TryRegister attempts to register the calling worker onto t. It refuses
// (returns false) if t is already completed/failed or already has
// MaxThreads workers registered.
func (t *Task) TryRegister() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st == stateCompleted || t.st == stateFailed {
		return false
	}
	if t.active >= t.MaxThreads {
		return false
	}
	t.active++
	t.st = stateRunning
	return true
}

// DeregisterAndFinalizeIfLast decrements the registered-worker count and,
// if this was the last worker, runs FinalizeIfNecessary under t's own
// lock before returning.
func (t *Task) DeregisterAndFinalizeIfLast() error {
	t.mu.Lock()
	t.active--
	last := t.active == 0
	t.mu.Unlock()
	if last {
		return t.FinalizeIfNecessary()
	}
	return nil
}

// FinalizeIfNecessary runs Finalize exactly once, transitioning the task
// to Completed (or Failed if Finalize or a prior Run call errored).
func (t *Task) FinalizeIfNecessary() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return t.err
	}
	t.st = stateFinalizing
	t.completed = true
	if t.err == nil && t.Finalize != nil {
		if err := t.Finalize(); err != nil {
			t.err = err
		}
	}
	if t.err != nil {
		t.st = stateFailed
	} else {
		t.st = stateCompleted
	}
	return t.err
}

// recordError stores err as the task's terminal error if none is set yet.
// Subsequent registrants observe TryRegister refusing once the task
// reaches a terminal state.
func (t *Task) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Err returns the task's terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pool is a FIFO task queue drained by a fixed worker count.
type Pool struct {
	mu     sync.Mutex
	queue  []*Task
	logger *log.Logger
}

// NewPool creates an empty pool. A nil logger uses log.Default().
func NewPool(logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{logger: logger}
}

// Submit appends t to the FIFO queue.
func (p *Pool) Submit(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, t)
}

// popNext returns the head task still accepting registrants, skipping
// (but not removing) tasks that refuse, and removing a task from the
// queue once it is completed/failed so later pops don't keep seeing it.
func (p *Pool) popNext() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	var full *Task
	for i := 0; i < len(p.queue); {
		t := p.queue[i]
		t.mu.Lock()
		terminal := t.st == stateCompleted || t.st == stateFailed
		accepting := t.active < t.MaxThreads
		t.mu.Unlock()
		if terminal {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			continue
		}
		if accepting {
			return t
		}
		if full == nil {
			full = t
		}
		i++
	}
	return full
}

// RunWorker drains the queue: pop, try-register, run, deregister, repeat
// until the queue is empty or ctx is cancelled. One call models one
// worker thread's lifetime.
func (p *Pool) RunWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t := p.popNext()
		if t == nil {
			return
		}
		if !t.TryRegister() {
			continue
		}
		if err := t.Run(ctx); err != nil {
			t.recordError(err)
			p.logger.Printf("scheduler: task %q failed: %v", t.Name, err)
		}
		if err := t.DeregisterAndFinalizeIfLast(); err != nil {
			p.logger.Printf("scheduler: task %q finalize failed: %v", t.Name, err)
		}
	}
}

// ScheduleAndWaitOrError submits every task, runs numWorkers goroutines
// draining the queue, and returns the first task error observed (if any)
// once all tasks reach a terminal state.
func (p *Pool) ScheduleAndWaitOrError(ctx context.Context, tasks []*Task, numWorkers int) error {
	for _, t := range tasks {
		p.Submit(t)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunWorker(ctx)
		}()
	}
	wg.Wait()

	for _, t := range tasks {
		if err := t.Err(); err != nil {
			return err
		}
	}
	return nil
}

// DAGNode is one node in a task dependency graph run by RunDAG.
type DAGNode struct {
	Task      *Task
	DependsOn []*DAGNode
}

// RunDAG runs every node's task once all of its dependencies have
// completed successfully, bounding concurrency to maxConcurrent via
// errgroup. It returns the first error encountered (an errgroup.Group
// cancels its shared context on first error, which the cooperative
// cancellation flag inside each Task.Run is expected to observe).
//
// This is a domain-stack addition layered over Task/Pool for callers
// with a true dependency graph; it does not change the FIFO queue
// registration semantics the flat Pool path guarantees.
func RunDAG(ctx context.Context, nodes []*DAGNode, maxConcurrent int) error {
	g, gctx := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}

	done := make(map[*DAGNode]chan struct{}, len(nodes))
	for _, n := range nodes {
		done[n] = make(chan struct{})
	}

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			for _, dep := range n.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if !n.Task.TryRegister() {
				close(done[n])
				return storeerr.New(storeerr.TransactionError, "task %q refused registration in DAG run", n.Task.Name)
			}
			err := n.Task.Run(gctx)
			if err != nil {
				n.Task.recordError(err)
			}
			if ferr := n.Task.DeregisterAndFinalizeIfLast(); ferr != nil && err == nil {
				err = ferr
			}
			close(done[n])
			return err
		})
	}
	return g.Wait()
}
