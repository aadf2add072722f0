// Command elg-replay is the replay tool's CLI surface (spec §4.8, §6):
// given a traceId already present in the checkpoint store, it re-walks
// the persisted steps and, with --verify, recomputes every hash and
// reports the first divergence. It never writes to the checkpoint
// store.
//
// It is built against a small demo graph (X -> Y -> Z, the same shape
// as spec §8 scenario 3) the way the teacher ships
// examples/multi-llm-review as a self-contained binary — a real
// deployment links replaytool.Replayer[S] against its own graph
// definition and checkpoint store instead of this demo one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/replaytool"
	"github.com/cmoelg/engine/store"
)

type demoState struct {
	Trail []string `json:"trail"`
}

func demoNode(id, next string) graph.NodeFunc[demoState] {
	return func(ctx context.Context, rc *graph.RunContext, state demoState, input interface{}) (graph.Result[demoState], error) {
		state.Trail = append(append([]string{}, state.Trail...), id)
		if next == "" {
			return graph.Terminal(state, state.Trail), nil
		}
		return graph.Route(state, state.Trail, next), nil
	}
}

func buildDemoGraph() *graph.GraphDef[demoState] {
	g := graph.NewGraphDef[demoState]("demo-xyz", "v1")
	_ = g.AddNode("X", demoNode("X", "toY"), nil)
	_ = g.AddNode("Y", demoNode("Y", "toZ"), nil)
	_ = g.AddNode("Z", demoNode("Z", ""), nil)
	_ = g.Connect("X", "toY", "Y", nil)
	_ = g.Connect("Y", "toZ", "Z", nil)
	_ = g.StartAt("X")
	return g
}

func openStore(driver, dsn string) (store.CheckpointStore, error) {
	switch driver {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(dsn)
	case "mysql":
		return store.NewMySQLStore(dsn)
	default:
		return nil, fmt.Errorf("unknown --db-driver %q (want memory, sqlite, or mysql)", driver)
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("elg-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	trace := fs.String("trace", "", "trace id to replay (required)")
	toStep := fs.Int("to", -1, "stop replay after this step index (inclusive); -1 replays to the end")
	verify := fs.Bool("verify", false, "recompute and compare every step's hashes")
	compare := fs.String("compare", "", "compare --trace against this other trace id's persisted hash sequence")
	verbose := fs.Bool("verbose", false, "print every step, not just divergences")
	dbDriver := fs.String("db-driver", "memory", "checkpoint store backend: memory, sqlite, or mysql")
	dbDSN := fs.String("db-dsn", "", "DSN/path for the sqlite or mysql backend")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *trace == "" {
		fmt.Fprintln(stderr, "elg-replay: --trace is required")
		fs.Usage()
		return 2
	}

	st, err := openStore(*dbDriver, *dbDSN)
	if err != nil {
		fmt.Fprintf(stderr, "elg-replay: %v\n", err)
		return 1
	}
	defer st.Close()

	g := buildDemoGraph()
	replayer := replaytool.NewReplayer[demoState](g, st, nil)
	ctx := context.Background()

	if *compare != "" {
		cr, err := replayer.Compare(ctx, *trace, *compare)
		if err != nil {
			fmt.Fprintf(stderr, "elg-replay: compare failed: %v\n", err)
			return 1
		}
		if cr.DivergedAt >= 0 {
			fmt.Fprintf(stderr, "elg-replay: traces diverge at step %d (%s)\n", cr.DivergedAt, cr.DivergedField)
			return 1
		}
		fmt.Fprintf(stdout, "elg-replay: traces agree over %d common steps\n", cr.CommonSteps)
		return 0
	}

	opts := replaytool.Options{Verify: *verify, Verbose: *verbose}
	if *toStep >= 0 {
		opts.ToStep = toStep
	}

	report, err := replayer.Replay(ctx, *trace, demoState{}, nil, opts)
	if err != nil {
		if engErr, ok := err.(*graph.EngineError); ok {
			fmt.Fprintf(stderr, "elg-replay: %s: %s\n", engErr.Code, engErr.Message)
		} else {
			fmt.Fprintf(stderr, "elg-replay: %v\n", err)
		}
		return 1
	}

	for _, s := range report.Steps {
		if *verbose || !s.Matched {
			fmt.Fprintf(stdout, "step %d (%s): stateHashBefore=%s inputHash=%s outputHash=%s stateHashAfter=%s matched=%v\n",
				s.StepIndex, s.NodeID, s.StateHashBefore, s.InputHash, s.OutputHash, s.StateHashAfter, s.Matched)
		}
	}
	if *verbose {
		for _, ev := range report.Events {
			fmt.Fprintf(stdout, "  log step=%d node=%s msg=%s\n", ev.Step, ev.NodeID, ev.Msg)
		}
	}
	if report.Diverged {
		fmt.Fprintf(stderr, "elg-replay: REPLAY_DIVERGENCE at step %d (%s)\n", report.DivergedStep, report.DivergedField)
		return 1
	}

	fmt.Fprintf(stdout, "elg-replay: %d steps replayed, no divergence\n", len(report.Steps))
	return 0
}
