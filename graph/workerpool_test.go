package graph_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/store"
)

func TestWorkerPool_DrainsEnqueuedRunsToCompletion(t *testing.T) {
	g := buildTwoNodeGraph(t)
	st := store.NewMemStore()
	exec, err := graph.NewExecutor[counterState](g, st, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	frontier := graph.NewFrontier(8)
	pool := graph.NewWorkerPool[counterState](exec, frontier, func() counterState { return counterState{} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx, 3)
		close(done)
	}()

	const numRuns = 10
	for i := 0; i < numRuns; i++ {
		traceID := fmt.Sprintf("wp-trace-%d", i)
		task := graph.RunTask{
			TraceID:      traceID,
			OrderKey:     graph.ComputeOrderKey(traceID, i),
			GraphID:      g.GraphID,
			GraphVersion: g.GraphVersion,
		}
		if err := frontier.Enqueue(context.Background(), task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < numRuns; i++ {
		traceID := fmt.Sprintf("wp-trace-%d", i)
		for {
			run, err := st.GetRun(context.Background(), traceID)
			if err == nil && (run.Status == store.RunCompleted || run.Status == store.RunFailed) {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("run %s never reached a terminal state", traceID)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	cancel()
	<-done

	for i := 0; i < numRuns; i++ {
		traceID := fmt.Sprintf("wp-trace-%d", i)
		run, err := st.GetRun(context.Background(), traceID)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", traceID, err)
		}
		if run.Status != store.RunCompleted {
			t.Fatalf("trace %s: expected COMPLETED, got %s", traceID, run.Status)
		}
	}
}

func TestWorkerPool_Enqueue_RespectsContextCancellation(t *testing.T) {
	g := buildTwoNodeGraph(t)
	st := store.NewMemStore()
	exec, err := graph.NewExecutor[counterState](g, st, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	frontier := graph.NewFrontier(1)
	pool := graph.NewWorkerPool[counterState](exec, frontier, func() counterState { return counterState{} }, nil)

	// Fill the single-capacity queue, then try to enqueue again against
	// an already-cancelled context; Enqueue must return promptly rather
	// than block forever.
	if err := frontier.Enqueue(context.Background(), graph.RunTask{TraceID: "blocker"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Enqueue(ctx, graph.RunTask{TraceID: "second"}); err == nil {
		t.Fatal("expected Enqueue to fail against a cancelled context")
	}
}

func TestNewDefaultWorkerPool_UsesExecutorOptions(t *testing.T) {
	g := buildTwoNodeGraph(t)
	st := store.NewMemStore()
	exec, err := graph.NewExecutor[counterState](g, st, nil, nil, graph.WithQueueDepth(4), graph.WithMaxConcurrentRuns(2))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	pool := graph.NewDefaultWorkerPool[counterState](exec, func() counterState { return counterState{} }, nil)
	if got := graph.DefaultWorkerCount[counterState](exec); got != 2 {
		t.Fatalf("DefaultWorkerCount: expected 2, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx, graph.DefaultWorkerCount[counterState](exec))
		close(done)
	}()

	if err := pool.EnqueueWithTimeout(context.Background(), graph.RunTask{TraceID: "default-pool-trace"}); err != nil {
		t.Fatalf("EnqueueWithTimeout: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		run, err := st.GetRun(context.Background(), "default-pool-trace")
		if err == nil && run.Status == store.RunCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestFrontier_Dequeue_OrdersByOrderKey(t *testing.T) {
	frontier := graph.NewFrontier(8)
	ctx := context.Background()

	keys := []uint64{}
	tasks := []graph.RunTask{
		{TraceID: "c", OrderKey: 3},
		{TraceID: "a", OrderKey: 1},
		{TraceID: "b", OrderKey: 2},
	}
	for _, task := range tasks {
		if err := frontier.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for i := 0; i < len(tasks); i++ {
		task, err := frontier.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		keys = append(keys, task.OrderKey)
	}

	for i := 1; i < len(keys); i++ {
		if keys[i] < keys[i-1] {
			t.Fatalf("expected non-decreasing OrderKey sequence, got %v", keys)
		}
	}
}
