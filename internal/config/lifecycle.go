package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmoelg/engine/policyengine"
	"github.com/cmoelg/engine/store"
	"github.com/cmoelg/engine/transport"
	"golang.org/x/sync/errgroup"
)

// InitError is INIT_FAILED (spec §7 "Lifecycle errors"): a component
// failed to come up during the startup sequence, fatal to process
// start.
type InitError struct {
	Component string
	Cause     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("INIT_FAILED: %s: %v", e.Component, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// Lifecycle owns spec §4.9's App Lifecycle startup/shutdown sequencing
// around already-constructed components. It generalizes the teacher's
// functional-option-configured Executor lifecycle (graph/options.go)
// from one in-process component to a whole process's set of shared
// infrastructure: checkpoint store, transport, policy evaluator.
//
// Component construction itself (dialing a real database, a real Redis
// instance, compiling a real WASM bundle) is left to the caller —
// cmd/elgd's main.go — so Lifecycle's sequencing and shutdown-tracking
// logic can be exercised in tests against fakes, without live
// infrastructure.
type Lifecycle struct {
	Config    *Config
	Store     store.CheckpointStore
	Transport transport.Transport
	Policy    policyengine.Evaluator

	mu        sync.Mutex
	accepting bool
	inFlight  map[string]context.CancelFunc
}

// NewLifecycle wires already-constructed components behind the
// lifecycle's startup/shutdown sequencing.
func NewLifecycle(cfg *Config, st store.CheckpointStore, tp transport.Transport, policy policyengine.Evaluator) *Lifecycle {
	return &Lifecycle{
		Config:    cfg,
		Store:     st,
		Transport: tp,
		Policy:    policy,
		accepting: true,
		inFlight:  make(map[string]context.CancelFunc),
	}
}

// Start runs spec §4.9's startup sequence: initialize the checkpoint
// store's schema, verify transport health, and initialize the policy
// evaluator if policy is enabled. Observability initialization,
// config loading, and config validation happen before Start is called
// (Load, and the caller's own observability wiring).
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.Store.Initialize(ctx); err != nil {
		return &InitError{Component: "checkpointStore", Cause: err}
	}
	if l.Transport != nil {
		if _, err := l.Transport.Health(ctx); err != nil {
			return &InitError{Component: "transport", Cause: err}
		}
	}
	if l.Config.Policy.Enabled {
		if l.Policy == nil {
			return &InitError{Component: "policyEvaluator", Cause: fmt.Errorf("policy.enabled is true but no Evaluator was provided")}
		}
		if err := l.Policy.Initialize(ctx, l.Config.Policy.BundlePath); err != nil {
			return &InitError{Component: "policyEvaluator", Cause: err}
		}
	}
	return nil
}

// AcceptRun reports whether new runs may currently be started; false
// once Shutdown has begun (spec §4.9 "stop accepting new runs"). When
// it returns true it also registers the run as in-flight so Shutdown
// knows to wait for (and, if necessary, fail) it. cancel is called by
// Shutdown once the whole-run timeout elapses, giving the run's
// executor a chance to observe ctx cancellation at its next step
// boundary (spec §5 "External abort(traceId) is checked at every step
// boundary").
func (l *Lifecycle) AcceptRun(traceID string, cancel context.CancelFunc) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.accepting {
		return false
	}
	l.inFlight[traceID] = cancel
	return true
}

// ReleaseRun deregisters a run that reached a terminal state on its
// own, before Shutdown needed to intervene.
func (l *Lifecycle) ReleaseRun(traceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, traceID)
}

// Shutdown implements spec §4.9's graceful stop: stop accepting new
// runs, let in-flight steps reach their next boundary bounded by
// wholeRunTimeoutMs, checkpoint and mark FAILED with reason SHUTDOWN
// any run still in flight after that, then close the transport and the
// checkpoint store.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.accepting = false
	remaining := make(map[string]context.CancelFunc, len(l.inFlight))
	for id, cancel := range l.inFlight {
		remaining[id] = cancel
	}
	l.mu.Unlock()

	budget := l.Config.Runtime.WholeRunTimeout
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	drained := make(chan struct{})
	go func() {
		for {
			l.mu.Lock()
			n := len(l.inFlight)
			l.mu.Unlock()
			if n == 0 {
				close(drained)
				return
			}
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-drained:
	case <-deadline.C:
		l.failRemaining(ctx, remaining)
	case <-ctx.Done():
		l.failRemaining(ctx, remaining)
	}

	// Close the transport and checkpoint store concurrently, bounded by
	// ctx, with first-error propagation (spec §4.9's component shutdown
	// fan-out).
	var g errgroup.Group
	if l.Transport != nil {
		g.Go(func() error {
			if err := l.Transport.Close(ctx); err != nil {
				return fmt.Errorf("transport close: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := l.Store.Close(); err != nil {
			return fmt.Errorf("store close: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (l *Lifecycle) failRemaining(ctx context.Context, remaining map[string]context.CancelFunc) {
	for traceID, cancel := range remaining {
		cancel()
		_ = l.Store.UpdateRunStatus(ctx, traceID, store.RunFailed, &store.ErrorRecord{
			Code:    "SHUTDOWN",
			Message: "run did not complete before graceful shutdown deadline",
		})
		l.ReleaseRun(traceID)
	}
}
