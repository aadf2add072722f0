package graph

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cmoelg/engine/emit"
)

// WorkerPool implements spec §5's concurrency model: many workers draw
// RunTasks off a shared Frontier and drive each one to completion (or
// its next suspension point) via Execute, so runs execute in parallel
// across workers while each run's own steps stay strictly sequential
// (the executor never fans a single traceId's steps across goroutines).
//
// WorkerPool.Run owns the Frontier it was built with; callers enqueue
// RunTasks from wherever runs are admitted (an HTTP intake handler, a
// transport subscription, a CLI) and WorkerPool does the dispatching.
type WorkerPool[S any] struct {
	executor *Executor[S]
	frontier *Frontier
	newState func() S

	emitter  emit.Emitter
	inflight atomic.Int32

	reportedBackpressure atomic.Int32
}

// NewWorkerPool builds a WorkerPool bound to one Executor and Frontier.
// newState supplies the zero/initial S value a fresh RunTask starts
// from; resumed runs ignore it and reconstruct state from checkpoints
// (Executor.resumeOrStart), so a simple `func() S { var s S; return s }`
// is enough unless S needs non-zero defaults.
func NewWorkerPool[S any](executor *Executor[S], frontier *Frontier, newState func() S, emitter emit.Emitter) *WorkerPool[S] {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &WorkerPool[S]{
		executor: executor,
		frontier: frontier,
		newState: newState,
		emitter:  emitter,
	}
}

// NewDefaultWorkerPool builds a WorkerPool whose Frontier capacity and
// worker count come from the Executor's own WithQueueDepth /
// WithMaxConcurrentRuns options, so a caller that already tuned an
// Executor doesn't need to repeat those numbers when standing up its
// worker pool. Run still takes an explicit worker count; pass
// DefaultWorkerCount(executor) to use the configured MaxConcurrentRuns.
func NewDefaultWorkerPool[S any](executor *Executor[S], newState func() S, emitter emit.Emitter) *WorkerPool[S] {
	return NewWorkerPool(executor, NewFrontier(executor.opts.QueueDepth), newState, emitter)
}

// DefaultWorkerCount returns the Executor's configured
// MaxConcurrentRuns, the worker count NewDefaultWorkerPool's Frontier
// was sized for.
func DefaultWorkerCount[S any](executor *Executor[S]) int {
	return executor.opts.MaxConcurrentRuns
}

// EnqueueWithTimeout admits a RunTask, bounding the wait under
// backpressure by the Executor's configured BackpressureTimeout rather
// than the caller's own context (spec's runtime options leave queue
// admission timeout implementation-defined; this mirrors
// WithBackpressureTimeout's documented default of 30s).
func (wp *WorkerPool[S]) EnqueueWithTimeout(ctx context.Context, task RunTask) error {
	timeout := wp.executor.opts.BackpressureTimeout
	if timeout <= 0 {
		return wp.Enqueue(ctx, task)
	}
	boundedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wp.Enqueue(boundedCtx, task)
}

// Enqueue admits a RunTask onto the pool's Frontier, blocking under
// backpressure until space frees up or ctx is done. Lifecycle.AcceptRun
// does not block: it refuses new runs during shutdown (spec §4.9) by
// returning false.
func (wp *WorkerPool[S]) Enqueue(ctx context.Context, task RunTask) error {
	err := wp.frontier.Enqueue(ctx, task)
	wp.reportQueueMetrics()
	wp.reportBackpressure(task.TraceID)
	return err
}

// reportBackpressure forwards Frontier's own backpressure counter to
// Prometheus as a delta, since Frontier.Enqueue tracks total events
// itself rather than reporting them per-call.
func (wp *WorkerPool[S]) reportBackpressure(traceID string) {
	m := wp.executor.metrics
	if m == nil {
		return
	}
	total := wp.frontier.Metrics().BackpressureEvents
	prev := wp.reportedBackpressure.Swap(total)
	for i := int32(0); i < total-prev; i++ {
		m.IncrementBackpressure(traceID, "queue_full")
	}
}

// Run spawns numWorkers goroutines, each dequeuing RunTasks from the
// pool's Frontier and executing them until ctx is cancelled. Run
// blocks until every worker has exited (i.e. until ctx is done and
// in-flight work has drained).
func (wp *WorkerPool[S]) Run(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			wp.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (wp *WorkerPool[S]) workerLoop(ctx context.Context) {
	for {
		task, err := wp.frontier.Dequeue(ctx)
		if err != nil {
			return
		}
		wp.reportQueueMetrics()

		wp.inflight.Add(1)
		wp.reportInflight()
		wp.dispatch(ctx, task)
		wp.inflight.Add(-1)
		wp.reportInflight()
	}
}

func (wp *WorkerPool[S]) dispatch(ctx context.Context, task RunTask) {
	state := wp.newState()
	_, _ = wp.executor.Execute(ctx, task.TraceID, state, task.InitialInput, wp.emitter)
}

func (wp *WorkerPool[S]) reportQueueMetrics() {
	m := wp.executor.metrics
	if m == nil {
		return
	}
	m.UpdateQueueDepth(wp.frontier.Len())
}

func (wp *WorkerPool[S]) reportInflight() {
	m := wp.executor.metrics
	if m == nil {
		return
	}
	m.UpdateInflightNodes(int(wp.inflight.Load()))
}
