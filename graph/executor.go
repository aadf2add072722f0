package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmoelg/engine/emit"
	"github.com/cmoelg/engine/policyengine"
	"github.com/cmoelg/engine/store"
	"go.opentelemetry.io/otel/trace"
)

// GraphDef is a versioned, registered workflow topology (spec §3
// "Graph"): a node table, the edges connecting them, and the entry
// node. It generalizes the teacher's Engine[S] — node registration and
// edge wiring — minus the reducer, since the new Result carries a full
// replacement state rather than a delta to merge.
type GraphDef[S any] struct {
	GraphID      string
	GraphVersion string

	nodes      map[string]Node[S]
	edges      map[string][]Edge
	entryNode  string
	policies   map[string]*NodePolicy
}

// NewGraphDef constructs an empty, named graph definition.
func NewGraphDef[S any](graphID, graphVersion string) *GraphDef[S] {
	return &GraphDef[S]{
		GraphID:      graphID,
		GraphVersion: graphVersion,
		nodes:        make(map[string]Node[S]),
		edges:        make(map[string][]Edge),
		policies:     make(map[string]*NodePolicy),
	}
}

// AddNode registers a node under id, optionally with a policy. Returns
// an error if id is already registered.
func (g *GraphDef[S]) AddNode(id string, node Node[S], policy *NodePolicy) error {
	if id == "" {
		return fmt.Errorf("graph: node id must not be empty")
	}
	if node == nil {
		return fmt.Errorf("graph: node %q must not be nil", id)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("graph: node %q already registered", id)
	}
	g.nodes[id] = node
	g.policies[id] = policy
	return nil
}

// Connect adds an edge from one node to another under key. At most one
// edge per (from, key) may exist — a duplicate is a construction error,
// never a runtime ambiguity (edge.go doc).
func (g *GraphDef[S]) Connect(from, key, to string, cond OutputPredicate) error {
	for _, e := range g.edges[from] {
		if e.Key == key {
			return fmt.Errorf("graph: duplicate edge key %q from node %q", key, from)
		}
	}
	g.edges[from] = append(g.edges[from], Edge{Key: key, From: from, To: to, Condition: cond})
	return nil
}

// StartAt sets the graph's entry node.
func (g *GraphDef[S]) StartAt(nodeID string) error {
	if _, ok := g.nodes[nodeID]; !ok {
		return fmt.Errorf("graph: unknown entry node %q", nodeID)
	}
	g.entryNode = nodeID
	return nil
}

// EntryNode returns the graph's configured entry node id.
func (g *GraphDef[S]) EntryNode() string {
	return g.entryNode
}

// Node returns the node registered under id, if any.
func (g *GraphDef[S]) Node(id string) (Node[S], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *GraphDef[S]) resolveNext(currentNode, next string, output interface{}) (string, error) {
	var matches []Edge
	for _, e := range g.edges[currentNode] {
		if e.Key != next {
			continue
		}
		if e.Condition != nil && !e.Condition(output) {
			continue
		}
		matches = append(matches, e)
	}
	if len(matches) == 0 {
		return "", &EngineError{
			Code:    CodeUnroutedNext,
			Message: fmt.Sprintf("no edge with key %q from node %q", next, currentNode),
			Details: map[string]interface{}{"nodeId": currentNode, "next": next},
		}
	}
	if len(matches) > 1 {
		return "", &EngineError{
			Code:    CodeAmbiguousNext,
			Message: fmt.Sprintf("multiple edges with key %q from node %q", next, currentNode),
			Details: map[string]interface{}{"nodeId": currentNode, "next": next},
		}
	}
	return matches[0].To, nil
}

// StepResult is one entry of ExecutionResult.Steps: the persisted shape
// plus nothing more, mirroring store.Step so callers don't need the
// store package to read a result.
type StepResult struct {
	StepIndex       int
	NodeID          string
	StateHashBefore string
	InputHash       string
	OutputHash      string
	StateHashAfter  string
	NextEdge        string
	DurationMs      int64
}

// ExecutionResult is what Execute returns (spec §4.7 "execute(...) →
// ExecutionResult").
type ExecutionResult struct {
	Status     string
	FinalState interface{}
	Steps      []StepResult
	DurationMs int64
	Error      *EngineError
}

// ActivityBoundaryFactory builds the activity boundary bound to one
// run and mode. The executor never constructs a Boundary itself —
// activity package wiring (store, blob store, clock base, HTTP/A2A/MCP/
// DB dependencies) is an app-lifecycle concern (spec §4.9), not a
// runtime-executor one.
type ActivityBoundaryFactory func(traceID string, mode BoundaryMode) ActivityClient

// BoundaryMode mirrors activity.Mode without importing the activity
// package, the same way store.ErrorRecord mirrors EngineError — keeping
// graph free of a dependency on the boundary's concrete implementation.
type BoundaryMode int

const (
	BoundaryRecord BoundaryMode = iota
	BoundaryReplay
	BoundaryLive
)

// SteppableActivityClient is implemented by activity clients that can
// be pointed at a specific step before a node call — every production
// ActivityClient (activity.Boundary) satisfies this; only hand-rolled
// fakes in tests might not need it.
type SteppableActivityClient interface {
	SetStep(stepIndex int)
}

// Executor is the runtime executor (spec §4.7): it loads a graph,
// drives one run's steps sequentially through the activity boundary,
// persists hashes at each step, and routes to the next node via
// GraphDef's edges. One Executor instance is shared by every run a
// worker pool drives; per-run state (current node, boundary, abort
// flag) lives in runState, not on the Executor.
type Executor[S any] struct {
	graph   *GraphDef[S]
	store   store.CheckpointStore
	policy  policyengine.Evaluator
	newBoundary ActivityBoundaryFactory

	opts    Options
	metrics *PrometheusMetrics

	mu      sync.Mutex
	aborted map[string]bool
}

// NewExecutor constructs an Executor bound to one graph definition.
func NewExecutor[S any](g *GraphDef[S], st store.CheckpointStore, policy policyengine.Evaluator, boundaryFactory ActivityBoundaryFactory, options ...Option) (*Executor[S], error) {
	if g == nil {
		return nil, fmt.Errorf("graph: GraphDef must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("graph: CheckpointStore must not be nil")
	}
	if g.entryNode == "" {
		return nil, fmt.Errorf("graph: GraphDef %q has no entry node (call StartAt)", g.GraphID)
	}
	if policy == nil {
		policy = policyengine.AllowAll{}
	}

	cfg := &engineConfig{opts: defaultOptions()}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return &Executor[S]{
		graph:       g,
		store:       st,
		policy:      policy,
		newBoundary: boundaryFactory,
		opts:        cfg.opts,
		metrics:     cfg.opts.Metrics,
		aborted:     make(map[string]bool),
	}, nil
}

// Abort implements spec §4.7 "abort(traceId)": cooperatively signals
// the in-flight execution to stop at the next step boundary.
func (e *Executor[S]) Abort(traceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted[traceID] = true
}

func (e *Executor[S]) isAborted(traceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted[traceID]
}

func (e *Executor[S]) clearAborted(traceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.aborted, traceID)
}

// GetStatus implements spec §4.7 "getStatus(traceId)": reads the run's
// current status from the checkpoint store so it reflects progress made
// by any worker, not just the one that happens to call GetStatus.
func (e *Executor[S]) GetStatus(ctx context.Context, traceID string) (store.Run, error) {
	return e.store.GetRun(ctx, traceID)
}

// Execute implements spec §4.7: the main execution loop, steps 1-5.
// Idempotent with respect to traceID — re-invoking resumes from the
// last checkpoint rather than re-running from the start.
func (e *Executor[S]) Execute(ctx context.Context, traceID string, initialState S, initialInput interface{}, emitter emit.Emitter) (ExecutionResult, error) {
	start := time.Now()
	e.clearAborted(traceID)

	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	// Step 1: saveRun with initial metadata.
	if err := e.store.SaveRun(ctx, store.Run{
		TraceID:      traceID,
		GraphID:      e.graph.GraphID,
		GraphVersion: e.graph.GraphVersion,
		Status:       store.RunPending,
		StartedAt:    start,
	}); err != nil {
		return ExecutionResult{}, fmt.Errorf("graph: saveRun failed: %w", err)
	}
	if err := e.store.UpdateRunStatus(ctx, traceID, store.RunRunning, nil); err != nil {
		return ExecutionResult{}, fmt.Errorf("graph: failed to transition run to RUNNING: %w", err)
	}

	// Steps 2-3: resume from checkpoint, or start fresh.
	stepIndex, currentNode, currentState, currentInput, priorSteps, err := e.resumeOrStart(ctx, traceID, initialState, initialInput, emitter)
	if err != nil {
		var engErr *EngineError
		if ee, ok := err.(*EngineError); ok {
			engErr = ee
		} else {
			engErr = &EngineError{Code: CodeResumeDivergence, Message: err.Error()}
		}
		if engErr.Code == CodeResumeDivergence && e.metrics != nil {
			e.metrics.IncrementMergeConflicts(traceID, "resume_divergence")
		}
		e.failRun(ctx, traceID, engErr)
		return ExecutionResult{Status: store.RunFailed, Steps: priorSteps, Error: engErr, DurationMs: time.Since(start).Milliseconds()}, engErr
	}

	// A run whose last recorded step was terminal is already complete.
	if n := len(priorSteps); n > 0 && priorSteps[n-1].NextEdge == "" {
		if err := e.store.UpdateRunStatus(ctx, traceID, store.RunCompleted, nil); err != nil {
			return ExecutionResult{Steps: priorSteps}, fmt.Errorf("graph: failed to transition run to COMPLETED: %w", err)
		}
		return ExecutionResult{Status: store.RunCompleted, FinalState: currentState, Steps: priorSteps, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	boundaryMode := BoundaryRecord
	var boundary ActivityClient
	if e.newBoundary != nil {
		boundary = e.newBoundary(traceID, boundaryMode)
	}

	result := ExecutionResult{Steps: priorSteps}
	wallDeadline := time.Time{}
	if e.opts.RunWallClockBudget > 0 {
		wallDeadline = start.Add(e.opts.RunWallClockBudget)
	}

	// Step 4: the main per-step loop.
	for {
		if e.isAborted(traceID) {
			engErr := &EngineError{Code: CodeShutdown, Message: "run aborted"}
			e.store.UpdateRunStatus(ctx, traceID, store.RunAborted, toErrorRecord(engErr))
			result.Status = store.RunAborted
			result.Error = engErr
			result.DurationMs = time.Since(start).Milliseconds()
			return result, engErr
		}

		// Step 5: whole-run timeout checked at each step boundary.
		if !wallDeadline.IsZero() && time.Now().After(wallDeadline) {
			engErr := &EngineError{Code: CodeNodeTimeout, Message: "run exceeded wholeRunTimeoutMs"}
			e.store.UpdateRunStatus(ctx, traceID, store.RunTimeout, toErrorRecord(engErr))
			result.Status = store.RunTimeout
			result.Error = engErr
			result.DurationMs = time.Since(start).Milliseconds()
			return result, engErr
		}

		node, ok := e.graph.nodes[currentNode]
		if !ok {
			engErr := &EngineError{Code: CodeUnroutedNext, Message: fmt.Sprintf("node %q not registered", currentNode)}
			e.failRun(ctx, traceID, engErr)
			result.Status = store.RunFailed
			result.Error = engErr
			result.DurationMs = time.Since(start).Milliseconds()
			return result, engErr
		}

		stepResult, nextState, nextInput, nextNode, terminal, engErr := e.runStep(ctx, traceID, stepIndex, currentNode, node, currentState, currentInput, boundary, emitter)
		if engErr != nil {
			e.failRun(ctx, traceID, engErr)
			result.Status = store.RunFailed
			result.Error = engErr
			result.DurationMs = time.Since(start).Milliseconds()
			return result, engErr
		}

		result.Steps = append(result.Steps, stepResult)

		if terminal {
			if err := e.store.UpdateRunStatus(ctx, traceID, store.RunCompleted, nil); err != nil {
				return result, fmt.Errorf("graph: failed to transition run to COMPLETED: %w", err)
			}
			result.Status = store.RunCompleted
			result.FinalState = nextState
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}

		currentState = nextState
		currentInput = nextInput
		currentNode = nextNode
		stepIndex++
	}
}

// resumeOrStart implements spec §4.7 steps 2-3. When a prior step
// exists, it replays every recorded step through the activity boundary
// in REPLAY mode, recomputing hashes and comparing them against the
// persisted ones — any mismatch fails with RESUME_DIVERGENCE (spec
// §8 P4 "resume executes exactly the tail of the run; no step index is
// skipped or re-executed with different results").
func (e *Executor[S]) resumeOrStart(ctx context.Context, traceID string, initialState S, initialInput interface{}, emitter emit.Emitter) (int, string, S, interface{}, []StepResult, error) {
	lastStep, err := e.store.GetLastStep(ctx, traceID)
	if err == store.ErrNotFound {
		return 0, e.graph.entryNode, initialState, initialInput, nil, nil
	}
	if err != nil {
		return 0, "", initialState, initialInput, nil, fmt.Errorf("graph: failed to read last step: %w", err)
	}

	allSteps, err := e.store.GetAllSteps(ctx, traceID)
	if err != nil {
		return 0, "", initialState, initialInput, nil, fmt.Errorf("graph: failed to read steps: %w", err)
	}

	replayBoundary := ActivityClient(nil)
	if e.newBoundary != nil {
		replayBoundary = e.newBoundary(traceID, BoundaryReplay)
	}

	currentState := initialState
	currentInput := initialInput
	currentNode := e.graph.entryNode
	priorResults := make([]StepResult, 0, len(allSteps))

	for _, step := range allSteps {
		stateHashBefore, err := CanonicalHash(currentState)
		if err != nil {
			return 0, "", initialState, initialInput, nil, err
		}
		if stateHashBefore != step.StateHashBefore {
			return 0, "", initialState, initialInput, nil, &EngineError{
				Code:    CodeResumeDivergence,
				Message: fmt.Sprintf("stateHashBefore mismatch at step %d", step.StepIndex),
				Details: map[string]interface{}{"stepIndex": step.StepIndex},
			}
		}
		inputHash, err := CanonicalHash(currentInput)
		if err != nil {
			return 0, "", initialState, initialInput, nil, err
		}
		if inputHash != step.InputHash {
			return 0, "", initialState, initialInput, nil, &EngineError{
				Code:    CodeResumeDivergence,
				Message: fmt.Sprintf("inputHash mismatch at step %d", step.StepIndex),
				Details: map[string]interface{}{"stepIndex": step.StepIndex},
			}
		}

		node, ok := e.graph.nodes[currentNode]
		if !ok {
			return 0, "", initialState, initialInput, nil, &EngineError{
				Code:    CodeResumeDivergence,
				Message: fmt.Sprintf("node %q referenced by step %d no longer registered", currentNode, step.StepIndex),
			}
		}

		if sb, ok := replayBoundary.(SteppableActivityClient); ok {
			sb.SetStep(step.StepIndex)
		}

		rc := &RunContext{TraceID: traceID, StepIndex: step.StepIndex, NodeID: currentNode, Activity: replayBoundary, Logger: emitter, Span: noopSpan()}
		policy := e.graph.policies[currentNode]
		res, err := executeNodeWithTimeout(ctx, node, rc, currentState, currentInput, policy, e.opts.DefaultNodeTimeout)
		if err != nil {
			return 0, "", initialState, initialInput, nil, &EngineError{
				Code:    CodeResumeDivergence,
				Message: fmt.Sprintf("replay of step %d failed: %v", step.StepIndex, err),
				Details: map[string]interface{}{"stepIndex": step.StepIndex},
			}
		}

		outputHash, err := CanonicalHash(res.Output)
		if err != nil {
			return 0, "", initialState, initialInput, nil, err
		}
		if outputHash != step.OutputHash {
			return 0, "", initialState, initialInput, nil, &EngineError{
				Code:    CodeResumeDivergence,
				Message: fmt.Sprintf("outputHash mismatch at step %d", step.StepIndex),
				Details: map[string]interface{}{"stepIndex": step.StepIndex},
			}
		}
		stateHashAfter, err := CanonicalHash(res.State)
		if err != nil {
			return 0, "", initialState, initialInput, nil, err
		}
		if stateHashAfter != step.StateHashAfter {
			return 0, "", initialState, initialInput, nil, &EngineError{
				Code:    CodeResumeDivergence,
				Message: fmt.Sprintf("stateHashAfter mismatch at step %d", step.StepIndex),
				Details: map[string]interface{}{"stepIndex": step.StepIndex},
			}
		}

		priorResults = append(priorResults, StepResult{
			StepIndex:       step.StepIndex,
			NodeID:          step.NodeID,
			StateHashBefore: step.StateHashBefore,
			InputHash:       step.InputHash,
			OutputHash:      step.OutputHash,
			StateHashAfter:  step.StateHashAfter,
			NextEdge:        derefString(step.NextEdge),
			DurationMs:      step.DurationMs,
		})

		currentState = res.State
		currentInput = res.Output
		if step.NextEdge == nil {
			// A terminal step persisted, but this isn't the last step in
			// the list — the graph changed shape since recording, which
			// resumeOrStart can't reconcile; Execute treats the run as
			// already complete because the last replayed step is terminal.
			break
		}
		currentNode = *step.NextEdge
	}

	nextStepIndex := lastStep.StepIndex + 1
	return nextStepIndex, currentNode, currentState, currentInput, priorResults, nil
}

// runStep executes steps 4.a-4.i of the main loop for exactly one step.
func (e *Executor[S]) runStep(
	ctx context.Context,
	traceID string,
	stepIndex int,
	nodeID string,
	node Node[S],
	state S,
	input interface{},
	boundary ActivityClient,
	emitter emit.Emitter,
) (stepResult StepResult, nextState S, nextInput interface{}, nextNode string, terminal bool, engErr *EngineError) {
	stepStart := time.Now()

	if sb, ok := boundary.(SteppableActivityClient); ok {
		sb.SetStep(stepIndex)
	}

	stateHashBefore, err := CanonicalHash(state)
	if err != nil {
		return stepResult, state, input, "", false, &EngineError{Code: CodeNodeFailed, Message: err.Error()}
	}
	inputHash, err := CanonicalHash(input)
	if err != nil {
		return stepResult, state, input, "", false, &EngineError{Code: CodeNodeFailed, Message: err.Error()}
	}

	preDecision, err := e.policy.CheckPreExecution(ctx, policyengine.Request{
		GraphID: e.graph.GraphID, GraphVersion: e.graph.GraphVersion, TraceID: traceID,
		StepIndex: stepIndex, NodeID: nodeID, Input: input,
	})
	if err != nil {
		return stepResult, state, input, "", false, &EngineError{Code: CodePolicyDeniedPre, Message: err.Error()}
	}
	if !preDecision.Allowed {
		return stepResult, state, input, "", false, &EngineError{
			Code:    CodePolicyDeniedPre,
			Message: preDecision.Reason,
			Details: map[string]interface{}{"stepIndex": stepIndex, "nodeId": nodeID},
		}
	}

	rc := &RunContext{TraceID: traceID, StepIndex: stepIndex, NodeID: nodeID, Activity: boundary, Logger: emitter, Span: noopSpan()}
	policy := e.graph.policies[nodeID]

	result, runErr := e.executeWithRetry(ctx, node, rc, state, input, policy)
	if runErr != nil {
		return stepResult, state, input, "", false, runErr
	}

	outputHash, err := CanonicalHash(result.Output)
	if err != nil {
		return stepResult, state, input, "", false, &EngineError{Code: CodeNodeFailed, Message: err.Error()}
	}
	stateHashAfter, err := CanonicalHash(result.State)
	if err != nil {
		return stepResult, state, input, "", false, &EngineError{Code: CodeNodeFailed, Message: err.Error()}
	}

	finished := time.Now()
	var nextEdge *string
	if result.Next != "" {
		n := result.Next
		nextEdge = &n
	}

	// Persisted unconditionally, before the post-execution policy check:
	// a POLICY_DENIED_POST run still has this step's record (spec §9 —
	// the step happened, only the run's continuation is denied).
	step := store.Step{
		TraceID:         traceID,
		StepIndex:       stepIndex,
		NodeID:          nodeID,
		StateHashBefore: stateHashBefore,
		InputHash:       inputHash,
		OutputHash:      outputHash,
		StateHashAfter:  stateHashAfter,
		NextEdge:        nextEdge,
		StartedAt:       stepStart,
		FinishedAt:      finished,
		DurationMs:      finished.Sub(stepStart).Milliseconds(),
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		code := CodeStoreUnavailable
		if err == store.ErrDivergence {
			code = CodeCheckpointDivergence
			if e.metrics != nil {
				e.metrics.IncrementMergeConflicts(traceID, "checkpoint_divergence")
			}
		}
		return stepResult, state, input, "", false, &EngineError{Code: code, Message: err.Error(), Details: map[string]interface{}{"stepIndex": stepIndex}}
	}

	stepResult = StepResult{
		StepIndex: stepIndex, NodeID: nodeID, StateHashBefore: stateHashBefore, InputHash: inputHash,
		OutputHash: outputHash, StateHashAfter: stateHashAfter, NextEdge: derefString(nextEdge), DurationMs: step.DurationMs,
	}

	postDecision, err := e.policy.CheckPostExecution(ctx, policyengine.Request{
		GraphID: e.graph.GraphID, GraphVersion: e.graph.GraphVersion, TraceID: traceID,
		StepIndex: stepIndex, NodeID: nodeID, Input: input, Result: result.Output,
	})
	if err != nil {
		return stepResult, result.State, result.Output, "", false, &EngineError{Code: CodePolicyDeniedPost, Message: err.Error()}
	}
	if !postDecision.Allowed {
		return stepResult, result.State, result.Output, "", false, &EngineError{
			Code:    CodePolicyDeniedPost,
			Message: postDecision.Reason,
			Details: map[string]interface{}{"stepIndex": stepIndex, "nodeId": nodeID},
		}
	}

	if e.metrics != nil {
		e.metrics.RecordStepLatency(traceID, nodeID, step.FinishedAt.Sub(step.StartedAt), "success")
	}
	emitter.Emit(emit.Event{RunID: traceID, Step: stepIndex, NodeID: nodeID, Msg: "step_complete", Meta: map[string]interface{}{"duration_ms": step.DurationMs}})

	if result.Next == "" {
		return stepResult, result.State, result.Output, "", true, nil
	}

	target, routeErr := e.graph.resolveNext(nodeID, result.Next, result.Output)
	if routeErr != nil {
		ee := routeErr.(*EngineError)
		return stepResult, result.State, result.Output, "", false, ee
	}

	return stepResult, result.State, result.Output, target, false, nil
}

// executeWithRetry implements step 4.c/4.d: invoke under timeout, and
// on failure retry per the node's RetryPolicy if one is configured and
// attempts remain, else fail with NODE_FAILED/NODE_EXHAUSTED_RETRIES.
func (e *Executor[S]) executeWithRetry(ctx context.Context, node Node[S], rc *RunContext, state S, input interface{}, policy *NodePolicy) (Result[S], *EngineError) {
	maxAttempts := e.opts.MaxRetriesPerNode
	var retry *RetryPolicy
	if policy != nil && policy.RetryPolicy != nil {
		retry = policy.RetryPolicy
		maxAttempts = retry.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := executeNodeWithTimeout(ctx, node, rc, state, input, policy, e.opts.DefaultNodeTimeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := retry != nil && retry.Retryable != nil && retry.Retryable(err)
		if !retryable || attempt == maxAttempts-1 {
			break
		}

		if e.metrics != nil {
			e.metrics.IncrementRetries(rc.TraceID, rc.NodeID, "error")
		}

		if retry != nil {
			delay := computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay, nil)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxAttempts
			}
		}
	}

	var nodeErr *NodeError
	code := CodeNodeFailed
	if ne, ok := lastErr.(*NodeError); ok {
		nodeErr = ne
		if ne.Code == CodeNodeTimeout {
			code = CodeNodeTimeout
		} else if maxAttempts > 1 {
			code = CodeNodeExhaustedRetries
		}
	} else if maxAttempts > 1 {
		code = CodeNodeExhaustedRetries
	}

	msg := lastErr.Error()
	if nodeErr != nil {
		msg = nodeErr.Message
	}
	return Result[S]{}, &EngineError{
		Code:    code,
		Message: msg,
		Details: map[string]interface{}{"nodeId": rc.NodeID, "stepIndex": rc.StepIndex},
	}
}

func (e *Executor[S]) failRun(ctx context.Context, traceID string, engErr *EngineError) {
	_ = e.store.UpdateRunStatus(ctx, traceID, store.RunFailed, toErrorRecord(engErr))
}

func toErrorRecord(e *EngineError) *store.ErrorRecord {
	if e == nil {
		return nil
	}
	return &store.ErrorRecord{Code: e.Code, Message: e.Message, Details: e.Details}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// noopSpan returns a no-op trace.Span for steps run without an active
// tracer configured; the app-lifecycle wiring replaces this with a real
// span from the OpenTelemetry SDK when observability is enabled.
func noopSpan() trace.Span {
	return trace.SpanFromContext(context.Background())
}
