package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryRegisterRefusesBeyondMaxThreads(t *testing.T) {
	task := NewTask("t", 2, func(ctx context.Context) error { return nil }, nil)
	if !task.TryRegister() {
		t.Fatal("first register should succeed")
	}
	if !task.TryRegister() {
		t.Fatal("second register should succeed (MaxThreads=2)")
	}
	if task.TryRegister() {
		t.Fatal("third register should be refused")
	}
}

func TestTryRegisterRefusesAfterCompletion(t *testing.T) {
	task := NewTask("t", 1, func(ctx context.Context) error { return nil }, nil)
	if !task.TryRegister() {
		t.Fatal("register should succeed")
	}
	if err := task.DeregisterAndFinalizeIfLast(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if task.TryRegister() {
		t.Fatal("register on a completed task should be refused")
	}
}

func TestFinalizeRunsExactlyOnceAfterLastWorker(t *testing.T) {
	var finalizeCount atomic.Int32
	task := NewTask("t", 3, func(ctx context.Context) error { return nil }, func() error {
		finalizeCount.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		if !task.TryRegister() {
			t.Fatalf("register %d should succeed", i)
		}
	}
	for i := 0; i < 3; i++ {
		if err := task.DeregisterAndFinalizeIfLast(); err != nil {
			t.Fatalf("deregister %d: %v", i, err)
		}
	}
	if finalizeCount.Load() != 1 {
		t.Fatalf("want finalize called once, got %d", finalizeCount.Load())
	}
}

func TestRunErrorPropagatesAndBlocksFurtherRegistration(t *testing.T) {
	wantErr := errors.New("boom")
	task := NewTask("t", 1, func(ctx context.Context) error { return wantErr }, nil)
	pool := NewPool(nil)
	pool.Submit(task)
	err := pool.ScheduleAndWaitOrError(context.Background(), []*Task{task}, 2)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want %v, got %v", wantErr, err)
	}
}

func TestScheduleAndWaitRunsAllTasksWithMultipleWorkers(t *testing.T) {
	var ran atomic.Int32
	var tasks []*Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, NewTask("t", 1, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}, nil))
	}
	pool := NewPool(nil)
	if err := pool.ScheduleAndWaitOrError(context.Background(), tasks, 4); err != nil {
		t.Fatalf("ScheduleAndWaitOrError: %v", err)
	}
	if ran.Load() != 20 {
		t.Fatalf("want 20 tasks run, got %d", ran.Load())
	}
}

func TestCooperativeCancellationStopsAtMorselBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var iterations atomic.Int32
	task := NewTask("t", 1, func(ctx context.Context) error {
		for i := 0; i < 1000; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			iterations.Add(1)
			if i == 5 {
				cancel()
			}
		}
		return nil
	}, nil)

	pool := NewPool(nil)
	_ = pool.ScheduleAndWaitOrError(ctx, []*Task{task}, 1)
	if iterations.Load() >= 1000 {
		t.Fatal("task should have observed cancellation before completing all iterations")
	}
}

func TestRunDAGRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	record := func(name string) RunFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := &DAGNode{Task: NewTask("a", 1, record("a"), nil)}
	b := &DAGNode{Task: NewTask("b", 1, record("b"), nil), DependsOn: []*DAGNode{a}}
	c := &DAGNode{Task: NewTask("c", 1, record("c"), nil), DependsOn: []*DAGNode{b}}

	if err := RunDAG(context.Background(), []*DAGNode{c, b, a}, 4); err != nil {
		t.Fatalf("RunDAG: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("want order [a b c], got %v", order)
	}
}

func TestRunDAGPropagatesFirstError(t *testing.T) {
	wantErr := errors.New("dag boom")
	n := &DAGNode{Task: NewTask("fails", 1, func(ctx context.Context) error { return wantErr }, nil)}
	err := RunDAG(context.Background(), []*DAGNode{n}, 2)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want %v, got %v", wantErr, err)
	}
}

func TestRunDAGHonorsConcurrencyLimit(t *testing.T) {
	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	slow := func(ctx context.Context) error {
		n := concurrent.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	}

	var nodes []*DAGNode
	for i := 0; i < 8; i++ {
		nodes = append(nodes, &DAGNode{Task: NewTask("t", 1, slow, nil)})
	}
	if err := RunDAG(context.Background(), nodes, 2); err != nil {
		t.Fatalf("RunDAG: %v", err)
	}
	if maxSeen.Load() > 2 {
		t.Fatalf("want at most 2 concurrent, saw %d", maxSeen.Load())
	}
}
