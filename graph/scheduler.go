package graph

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// RunTask is one unit of dispatch work: a request to drive a single run
// to completion (or to its next suspension point). The executor never
// fans a single run out across goroutines — spec §5 requires steps
// within a run to execute strictly sequentially — so a worker pool
// dequeues RunTasks one at a time and calls Executor.Execute for the
// whole run. Concurrency comes from many workers each holding a
// different RunTask, not from splitting one run's steps.
type RunTask struct {
	// TraceID identifies the run to execute.
	TraceID string `json:"trace_id"`

	// OrderKey is a deterministic tie-break used only to make dispatch
	// order reproducible in tests; the engine promises no cross-run
	// ordering guarantee (spec §5), so this affects scheduling fairness
	// only, never correctness.
	OrderKey uint64 `json:"order_key"`

	// GraphID and GraphVersion identify which graph definition to run.
	GraphID      string `json:"graph_id"`
	GraphVersion string `json:"graph_version"`

	// InitialInput is only meaningful the first time a traceId is
	// dispatched; resumed runs reconstruct their input from checkpoints.
	InitialInput interface{} `json:"initial_input,omitempty"`

	// Attempt counts how many times this traceId has been (re)dispatched,
	// e.g. after a worker crash requeues it.
	Attempt int `json:"attempt"`
}

// ComputeOrderKey derives a deterministic uint64 from a string key and
// an integer discriminant, used to order RunTasks (or, within the
// scheduler's own bookkeeping, to order edge evaluation) reproducibly
// across processes without relying on map iteration or goroutine
// scheduling order.
func ComputeOrderKey(key string, index int) uint64 {
	return computeOrderKey(key, index)
}

func computeOrderKey(key string, index int) uint64 {
	h := sha256.New()
	h.Write([]byte(key))
	indexBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(indexBytes, uint32(index))
	h.Write(indexBytes)
	hashBytes := h.Sum(nil)
	return binary.BigEndian.Uint64(hashBytes[:8])
}

// taskHeap implements heap.Interface, ordering RunTasks by OrderKey.
type taskHeap []RunTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(RunTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is the bounded, deterministically-ordered dispatch queue
// shared by a worker pool: Execute's caller (the app's run-intake
// path, or the replay tool re-queuing a crashed run) enqueues RunTasks,
// and each worker goroutine dequeues one at a time and drives that run
// to completion or suspension. The bounded channel behind the heap
// provides backpressure: once QueueDepth RunTasks are pending, Enqueue
// blocks new admissions until a worker frees capacity (spec §4.9
// "stop accepting new runs" uses this same mechanism during shutdown).
type Frontier struct {
	heap     taskHeap
	queue    chan RunTask
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier creates a Frontier with the given bounded capacity.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(taskHeap, 0),
		queue:    make(chan RunTask, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue admits a RunTask, blocking while the queue is at capacity
// until a worker dequeues something or ctx is cancelled.
func (f *Frontier) Enqueue(ctx context.Context, task RunTask) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, task)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}

	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- task:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a RunTask is available or ctx is cancelled,
// returning the task with the smallest OrderKey currently queued.
func (f *Frontier) Dequeue(ctx context.Context) (RunTask, error) {
	var zero RunTask

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		task := heap.Pop(&f.heap).(RunTask)
		f.totalDequeued.Add(1)
		return task, nil
	}
}

// Len returns the number of RunTasks currently queued.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of Frontier activity,
// feeding the engine's queue_depth and backpressure_events_total
// Prometheus gauges/counters (see metrics.go).
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
