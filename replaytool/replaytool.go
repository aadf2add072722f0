// Package replaytool implements the replay facility (spec §4.8): given
// a traceId already present in the checkpoint store, it re-executes the
// run's recorded steps in REPLAY mode and, in verify mode, recomputes
// every step's four hashes and compares them against the persisted
// record. It never writes to the checkpoint store — replay is strictly
// a read path, generalizing the teacher's inline
// lookupRecordedIO/verifyReplayHash pair (graph/replay.go) into a
// standalone, store-backed tool that operates on whole runs rather than
// one recorded I/O at a time.
package replaytool

import (
	"context"
	"fmt"

	"github.com/cmoelg/engine/emit"
	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/store"
	"go.opentelemetry.io/otel/trace"
)

// Options mirrors spec §4.8's replay(traceId, options) argument.
type Options struct {
	// ToStep, if non-nil, stops replay after this step index
	// (inclusive) rather than replaying the whole run.
	ToStep *int
	// Verify turns on hash recomputation/comparison. Without it, the
	// tool only walks the persisted step ledger without re-invoking
	// any node.
	Verify bool
	// Verbose includes every step's hashes in the report, not just
	// divergences.
	Verbose bool
}

// StepReport is one replayed step's outcome.
type StepReport struct {
	StepIndex       int
	NodeID          string
	StateHashBefore string
	InputHash       string
	OutputHash      string
	StateHashAfter  string
	Matched         bool
}

// Report is what Replay returns: the step-by-step outcome and, on
// divergence, the first offending step and hash name (spec §4.8
// "reported with the step index and the offending hash name").
type Report struct {
	TraceID       string
	Steps         []StepReport
	Diverged      bool
	DivergedStep  int
	DivergedField string

	// Events holds every node-level log event emitted while re-running
	// the trace in verify mode (empty outside verify mode, since the
	// non-verify path never invokes a node). --verbose prints these
	// alongside the hash report.
	Events []emit.Event
}

// Replayer runs spec §4.8's replay tool against one graph definition.
// One Replayer is constructed per graph type, the same way one
// Executor[S] drives every run of that graph — the tool needs the
// graph's concrete node functions to re-execute them, so it cannot be
// generic over an unknown state shape the way the checkpoint store is.
type Replayer[S any] struct {
	graph       *graph.GraphDef[S]
	store       store.CheckpointStore
	newBoundary graph.ActivityBoundaryFactory
}

// NewReplayer constructs a Replayer bound to one graph definition and
// checkpoint store. boundaryFactory may be nil for a graph whose nodes
// perform no activity calls.
func NewReplayer[S any](g *graph.GraphDef[S], st store.CheckpointStore, boundaryFactory graph.ActivityBoundaryFactory) *Replayer[S] {
	return &Replayer[S]{graph: g, store: st, newBoundary: boundaryFactory}
}

// Replay implements spec §4.8 replay(traceId, options). It never calls
// any CheckpointStore write method.
func (r *Replayer[S]) Replay(ctx context.Context, traceID string, initialState S, initialInput interface{}, opts Options) (report Report, err error) {
	run, err := r.store.GetRun(ctx, traceID)
	if err != nil {
		if err == store.ErrNotFound {
			return Report{}, &graph.EngineError{Code: graph.CodeReplayRecordMissing, Message: fmt.Sprintf("no run recorded for trace %q", traceID)}
		}
		return Report{}, err
	}

	steps, err := r.store.GetAllSteps(ctx, traceID)
	if err != nil {
		return Report{}, err
	}
	if len(steps) == 0 {
		return Report{}, &graph.EngineError{Code: graph.CodeReplayRecordMissing, Message: fmt.Sprintf("trace %q has no persisted steps", traceID)}
	}

	var boundary graph.ActivityClient
	if r.newBoundary != nil {
		boundary = r.newBoundary(traceID, graph.BoundaryReplay)
	}

	report = Report{TraceID: traceID}

	// Buffered so Replay can hand the caller a record of what each
	// replayed node logged, without requiring a live logging backend
	// just to inspect a replay (spec §6 --verbose).
	logger := emit.NewBufferedEmitter()
	defer func() { report.Events = logger.GetHistory(traceID) }()
	currentState := initialState
	currentInput := initialInput
	currentNode := r.graph.EntryNode()

	for _, step := range steps {
		if opts.ToStep != nil && step.StepIndex > *opts.ToStep {
			break
		}

		node, ok := r.graph.Node(currentNode)
		if !ok {
			return report, &graph.EngineError{
				Code:    graph.CodeReplayRecordMissing,
				Message: fmt.Sprintf("node %q referenced by step %d is not registered in this graph definition", currentNode, step.StepIndex),
			}
		}

		sr := StepReport{StepIndex: step.StepIndex, NodeID: step.NodeID, Matched: true}

		if !opts.Verify {
			sr.StateHashBefore, sr.InputHash = step.StateHashBefore, step.InputHash
			sr.OutputHash, sr.StateHashAfter = step.OutputHash, step.StateHashAfter
			report.Steps = append(report.Steps, sr)
			currentNode = derefString(step.NextEdge)
			continue
		}

		stateHashBefore, err := graph.CanonicalHash(currentState)
		if err != nil {
			return report, err
		}
		inputHash, err := graph.CanonicalHash(currentInput)
		if err != nil {
			return report, err
		}
		sr.StateHashBefore, sr.InputHash = stateHashBefore, inputHash

		if sb, ok := boundary.(graph.SteppableActivityClient); ok {
			sb.SetStep(step.StepIndex)
		}
		rc := &graph.RunContext{
			TraceID: traceID, StepIndex: step.StepIndex, NodeID: currentNode, Activity: boundary,
			Logger: logger, Span: trace.SpanFromContext(ctx),
		}
		result, err := node.Run(ctx, rc, currentState, currentInput)
		if err != nil {
			return report, &graph.EngineError{
				Code:    graph.CodeReplayDivergence,
				Message: fmt.Sprintf("replay of step %d failed: %v", step.StepIndex, err),
				Details: map[string]interface{}{"stepIndex": step.StepIndex},
			}
		}
		logger.Emit(emit.Event{RunID: traceID, Step: step.StepIndex, NodeID: currentNode, Msg: "step_replayed"})

		outputHash, err := graph.CanonicalHash(result.Output)
		if err != nil {
			return report, err
		}
		stateHashAfter, err := graph.CanonicalHash(result.State)
		if err != nil {
			return report, err
		}
		sr.OutputHash, sr.StateHashAfter = outputHash, stateHashAfter

		switch {
		case stateHashBefore != step.StateHashBefore:
			sr.Matched = false
			report.Diverged, report.DivergedStep, report.DivergedField = true, step.StepIndex, "stateHashBefore"
		case inputHash != step.InputHash:
			sr.Matched = false
			report.Diverged, report.DivergedStep, report.DivergedField = true, step.StepIndex, "inputHash"
		case outputHash != step.OutputHash:
			sr.Matched = false
			report.Diverged, report.DivergedStep, report.DivergedField = true, step.StepIndex, "outputHash"
		case stateHashAfter != step.StateHashAfter:
			sr.Matched = false
			report.Diverged, report.DivergedStep, report.DivergedField = true, step.StepIndex, "stateHashAfter"
		}

		report.Steps = append(report.Steps, sr)
		if report.Diverged {
			return report, &graph.EngineError{
				Code:    graph.CodeReplayDivergence,
				Message: fmt.Sprintf("hash mismatch at step %d (%s)", step.StepIndex, report.DivergedField),
				Details: map[string]interface{}{"stepIndex": step.StepIndex, "field": report.DivergedField},
			}
		}

		currentState = result.State
		currentInput = result.Output
		currentNode = derefString(step.NextEdge)
	}

	_ = run // run metadata (graphId/graphVersion/status) is reported by the CLI, not needed for the hash walk itself
	return report, nil
}

// CompareReport is what Compare returns: the first step index at which
// two runs' persisted hash sequences diverge, or -1 if they agree over
// their common prefix.
type CompareReport struct {
	TraceIDA, TraceIDB string
	DivergedAt         int
	DivergedField      string
	CommonSteps        int
}

// Compare implements the --compare <traceId> CLI option (spec §6): a
// structural diff between two runs' persisted step ledgers, without
// re-executing either one. Useful for confirming a fix didn't change a
// graph's observable behavior on a known-good trace.
func (r *Replayer[S]) Compare(ctx context.Context, traceIDA, traceIDB string) (CompareReport, error) {
	stepsA, err := r.store.GetAllSteps(ctx, traceIDA)
	if err != nil {
		return CompareReport{}, err
	}
	stepsB, err := r.store.GetAllSteps(ctx, traceIDB)
	if err != nil {
		return CompareReport{}, err
	}

	report := CompareReport{TraceIDA: traceIDA, TraceIDB: traceIDB, DivergedAt: -1}
	n := len(stepsA)
	if len(stepsB) < n {
		n = len(stepsB)
	}
	for i := 0; i < n; i++ {
		a, b := stepsA[i], stepsB[i]
		switch {
		case a.NodeID != b.NodeID:
			report.DivergedAt, report.DivergedField = a.StepIndex, "nodeId"
		case a.StateHashBefore != b.StateHashBefore:
			report.DivergedAt, report.DivergedField = a.StepIndex, "stateHashBefore"
		case a.InputHash != b.InputHash:
			report.DivergedAt, report.DivergedField = a.StepIndex, "inputHash"
		case a.OutputHash != b.OutputHash:
			report.DivergedAt, report.DivergedField = a.StepIndex, "outputHash"
		case a.StateHashAfter != b.StateHashAfter:
			report.DivergedAt, report.DivergedField = a.StepIndex, "stateHashAfter"
		}
		if report.DivergedAt >= 0 {
			return report, nil
		}
		report.CommonSteps++
	}
	if len(stepsA) != len(stepsB) {
		report.DivergedAt = n
		report.DivergedField = "stepCount"
	}
	return report, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
