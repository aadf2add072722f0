package replaytool_test

import (
	"context"
	"testing"

	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/replaytool"
	"github.com/cmoelg/engine/store"
)

type counterState struct {
	Count int `json:"count"`
}

func incrementNode(ctx context.Context, rc *graph.RunContext, state counterState, input interface{}) (graph.Result[counterState], error) {
	state.Count++
	return graph.Route(state, state.Count, "done"), nil
}

func terminalNode(ctx context.Context, rc *graph.RunContext, state counterState, input interface{}) (graph.Result[counterState], error) {
	state.Count++
	return graph.Terminal(state, state.Count), nil
}

func buildGraph(t *testing.T) *graph.GraphDef[counterState] {
	t.Helper()
	g := graph.NewGraphDef[counterState]("simple-count", "v1")
	if err := g.AddNode("increment", graph.NodeFunc[counterState](incrementNode), nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("finish", graph.NodeFunc[counterState](terminalNode), nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.Connect("increment", "done", "finish", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := g.StartAt("increment"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	return g
}

func runToCompletion(t *testing.T, g *graph.GraphDef[counterState], st store.CheckpointStore, traceID string) {
	t.Helper()
	exec, err := graph.NewExecutor[counterState](g, st, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if _, err := exec.Execute(context.Background(), traceID, counterState{}, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestReplay_VerifyMode_NoDivergenceOnCleanRun(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t)
	st := store.NewMemStore()
	runToCompletion(t, g, st, "trace-replay-1")

	replayer := replaytool.NewReplayer[counterState](g, st, nil)
	report, err := replayer.Replay(ctx, "trace-replay-1", counterState{}, nil, replaytool.Options{Verify: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.Diverged {
		t.Fatalf("expected no divergence, got diverged at step %d (%s)", report.DivergedStep, report.DivergedField)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 replayed steps, got %d", len(report.Steps))
	}
}

func TestReplay_MissingTrace_ReplayRecordMissing(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t)
	st := store.NewMemStore()

	replayer := replaytool.NewReplayer[counterState](g, st, nil)
	_, err := replayer.Replay(ctx, "no-such-trace", counterState{}, nil, replaytool.Options{Verify: true})
	if err == nil {
		t.Fatal("expected an error for a missing trace")
	}
	engErr, ok := err.(*graph.EngineError)
	if !ok || engErr.Code != graph.CodeReplayRecordMissing {
		t.Fatalf("expected REPLAY_RECORD_MISSING, got %+v", err)
	}
}

func TestReplay_NonVerifyMode_WalksStoredHashesWithoutReexecution(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t)
	st := store.NewMemStore()
	runToCompletion(t, g, st, "trace-replay-2")

	replayer := replaytool.NewReplayer[counterState](g, st, nil)
	report, err := replayer.Replay(ctx, "trace-replay-2", counterState{}, nil, replaytool.Options{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.Diverged {
		t.Fatal("non-verify replay should never report a divergence")
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(report.Steps))
	}
}

func TestCompare_IdenticalGraphRuns_NoDivergence(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t)
	st := store.NewMemStore()
	runToCompletion(t, g, st, "trace-a")
	runToCompletion(t, g, st, "trace-b")

	replayer := replaytool.NewReplayer[counterState](g, st, nil)
	cr, err := replayer.Compare(ctx, "trace-a", "trace-b")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cr.DivergedAt != -1 {
		t.Fatalf("expected identical traces to agree, diverged at %d (%s)", cr.DivergedAt, cr.DivergedField)
	}
	if cr.CommonSteps != 2 {
		t.Fatalf("expected 2 common steps, got %d", cr.CommonSteps)
	}
}

func TestReplay_ToStep_StopsEarly(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t)
	st := store.NewMemStore()
	runToCompletion(t, g, st, "trace-replay-3")

	replayer := replaytool.NewReplayer[counterState](g, st, nil)
	toStep := 0
	report, err := replayer.Replay(ctx, "trace-replay-3", counterState{}, nil, replaytool.Options{Verify: true, ToStep: &toStep})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Steps) != 1 {
		t.Fatalf("expected replay to stop after step 0, got %d steps", len(report.Steps))
	}
}
