package graph_test

import (
	"context"
	"testing"

	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/policyengine"
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

func buildTwoNodeGraph(t *testing.T) *graph.GraphDef[counterState] {
	t.Helper()
	g := graph.NewGraphDef[counterState]("simple-count", "v1")
	if err := g.AddNode("increment", graph.NodeFunc[counterState](incrementNode), nil); err != nil {
		t.Fatalf("AddNode increment: %v", err)
	}
	if err := g.AddNode("finish", graph.NodeFunc[counterState](terminalNode), nil); err != nil {
		t.Fatalf("AddNode finish: %v", err)
	}
	if err := g.Connect("increment", "done", "finish", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := g.StartAt("increment"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	return g
}

// Scenario 1: a simple two-node graph runs to completion, producing one
// step per node and a COMPLETED run.
func TestExecute_SimpleTwoNodeGraph_Completes(t *testing.T) {
	ctx := context.Background()
	g := buildTwoNodeGraph(t)
	st := store.NewMemStore()

	exec, err := graph.NewExecutor[counterState](g, st, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	result, err := exec.Execute(ctx, "trace-1", counterState{}, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(result.Steps))
	}
	if result.Steps[0].NodeID != "increment" || result.Steps[1].NodeID != "finish" {
		t.Fatalf("unexpected step order: %+v", result.Steps)
	}

	run, err := st.GetRun(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Fatalf("expected persisted run COMPLETED, got %s", run.Status)
	}
}

// crashingStore fails SaveStep once, with context.DeadlineExceeded, for
// failStepIndex and delegates every other call to the MemStore,
// simulating a crash after the first node completed but before the
// second one's step record was durably written.
type crashingStore struct {
	*store.MemStore
	failStepIndex int
	failed        bool
}

func (c *crashingStore) SaveStep(ctx context.Context, step store.Step) error {
	if !c.failed && step.StepIndex == c.failStepIndex {
		c.failed = true
		return context.DeadlineExceeded
	}
	return c.MemStore.SaveStep(ctx, step)
}

// Scenario 3: a crash after step 0 is durably persisted, but before
// step 1 is, resumes from step 1 on a second Execute call for the same
// traceId, after replaying step 0 in REPLAY mode and checking its
// hashes against the persisted ones.
func TestExecute_ResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	g := buildTwoNodeGraph(t)
	cs := &crashingStore{MemStore: store.NewMemStore(), failStepIndex: 1}

	exec, err := graph.NewExecutor[counterState](g, cs, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	_, err = exec.Execute(ctx, "trace-crash", counterState{}, nil, nil)
	if err == nil {
		t.Fatal("expected first Execute to fail at the simulated crash")
	}

	steps, err := cs.GetAllSteps(ctx, "trace-crash")
	if err != nil {
		t.Fatalf("GetAllSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected exactly step 0 persisted before the crash, got %d", len(steps))
	}

	result, err := exec.Execute(ctx, "trace-crash", counterState{}, nil, nil)
	if err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("expected resumed run to COMPLETE, got %s", result.Status)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 total steps after resume, got %d", len(result.Steps))
	}
	if result.Steps[0].StepIndex != 0 || result.Steps[1].StepIndex != 1 {
		t.Fatalf("unexpected step indices after resume: %+v", result.Steps)
	}
}

// denyFirstStep denies CheckPreExecution for the first step only.
type denyFirstStep struct {
	denied bool
}

func (d *denyFirstStep) Initialize(ctx context.Context, bundlePath string) error { return nil }

func (d *denyFirstStep) CheckPreExecution(ctx context.Context, req policyengine.Request) (policyengine.Decision, error) {
	if !d.denied {
		d.denied = true
		return policyengine.Decision{Allowed: false, Reason: "blocked by policy"}, nil
	}
	return policyengine.Decision{Allowed: true}, nil
}

func (d *denyFirstStep) CheckPostExecution(ctx context.Context, req policyengine.Request) (policyengine.Decision, error) {
	return policyengine.Decision{Allowed: true}, nil
}

func (d *denyFirstStep) Close(ctx context.Context) error { return nil }

// Scenario 4: a policy gate denying pre-execution on the first step
// fails the run with POLICY_DENIED_PRE and the run transitions to
// FAILED rather than COMPLETED.
func TestExecute_PolicyDeniedPre_FailsRun(t *testing.T) {
	ctx := context.Background()
	g := buildTwoNodeGraph(t)
	st := store.NewMemStore()

	exec, err := graph.NewExecutor[counterState](g, st, &denyFirstStep{}, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	result, err := exec.Execute(ctx, "trace-denied", counterState{}, nil, nil)
	if err == nil {
		t.Fatal("expected Execute to fail on policy denial")
	}
	if result.Status != store.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Code != graph.CodePolicyDeniedPre {
		t.Fatalf("expected POLICY_DENIED_PRE, got %+v", result.Error)
	}

	run, err := st.GetRun(ctx, "trace-denied")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("expected persisted run FAILED, got %s", run.Status)
	}
	if run.Error == nil || run.Error.Code != graph.CodePolicyDeniedPre {
		t.Fatalf("expected persisted POLICY_DENIED_PRE, got %+v", run.Error)
	}
}

// denyFirstStepPost denies CheckPostExecution for the first step only.
type denyFirstStepPost struct {
	denied bool
}

func (d *denyFirstStepPost) Initialize(ctx context.Context, bundlePath string) error { return nil }

func (d *denyFirstStepPost) CheckPreExecution(ctx context.Context, req policyengine.Request) (policyengine.Decision, error) {
	return policyengine.Decision{Allowed: true}, nil
}

func (d *denyFirstStepPost) CheckPostExecution(ctx context.Context, req policyengine.Request) (policyengine.Decision, error) {
	if !d.denied {
		d.denied = true
		return policyengine.Decision{Allowed: false, Reason: "blocked by post-execution policy"}, nil
	}
	return policyengine.Decision{Allowed: true}, nil
}

func (d *denyFirstStepPost) Close(ctx context.Context) error { return nil }

// Resolved ambiguity (spec §9): on POLICY_DENIED_POST the step record is
// still persisted — the node ran and its outcome is recorded — but the
// run transitions to FAILED rather than continuing past it.
func TestExecute_PolicyDeniedPost_PersistsStepButFailsRun(t *testing.T) {
	ctx := context.Background()
	g := buildTwoNodeGraph(t)
	st := store.NewMemStore()

	exec, err := graph.NewExecutor[counterState](g, st, &denyFirstStepPost{}, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	result, err := exec.Execute(ctx, "trace-denied-post", counterState{}, nil, nil)
	if err == nil {
		t.Fatal("expected Execute to fail on post-execution policy denial")
	}
	if result.Status != store.RunFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Code != graph.CodePolicyDeniedPost {
		t.Fatalf("expected POLICY_DENIED_POST, got %+v", result.Error)
	}

	run, err := st.GetRun(ctx, "trace-denied-post")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("expected persisted run FAILED, got %s", run.Status)
	}

	steps, err := st.GetAllSteps(ctx, "trace-denied-post")
	if err != nil {
		t.Fatalf("GetAllSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected the denied step to still be persisted, got %d steps", len(steps))
	}
	if steps[0].StepIndex != 0 {
		t.Fatalf("expected persisted step index 0, got %d", steps[0].StepIndex)
	}
}

// Duplicate edge keys are rejected at construction time, never
// surfacing as a runtime AMBIGUOUS_NEXT.
func TestConnect_DuplicateEdgeKey_RejectedAtConstruction(t *testing.T) {
	g := graph.NewGraphDef[counterState]("dup", "v1")
	if err := g.AddNode("a", graph.NodeFunc[counterState](incrementNode), nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("b", graph.NodeFunc[counterState](terminalNode), nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.Connect("a", "done", "b", nil); err != nil {
		t.Fatalf("Connect 1: %v", err)
	}
	if err := g.Connect("a", "done", "b", nil); err == nil {
		t.Fatal("expected duplicate edge key to be rejected")
	}
}

// An unrouted next key fails the run with UNROUTED_NEXT.
func unroutedNode(ctx context.Context, rc *graph.RunContext, state counterState, input interface{}) (graph.Result[counterState], error) {
	return graph.Route(state, nil, "nowhere"), nil
}

func TestExecute_UnroutedNext_FailsRun(t *testing.T) {
	ctx := context.Background()
	g := graph.NewGraphDef[counterState]("unrouted", "v1")
	if err := g.AddNode("only", graph.NodeFunc[counterState](unroutedNode), nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.StartAt("only"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	st := store.NewMemStore()

	exec, err := graph.NewExecutor[counterState](g, st, nil, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	result, err := exec.Execute(ctx, "trace-unrouted", counterState{}, nil, nil)
	if err == nil {
		t.Fatal("expected Execute to fail on unrouted next")
	}
	if result.Error == nil || result.Error.Code != graph.CodeUnroutedNext {
		t.Fatalf("expected UNROUTED_NEXT, got %+v", result.Error)
	}
}
