package graph

import "context"

// Node is a single step function in a graph. A node must be a pure
// function of (state, input, activitySequence): it may not read the wall
// clock, the OS RNG, the environment, or any process-global mutable
// state directly — those must go through RunContext.Activity (spec §3
// "Node", §4.2 determinism invariant).
//
// Type parameter S is the workflow state type carried across steps.
type Node[S any] interface {
	Run(ctx context.Context, rc *RunContext, state S, input interface{}) (Result[S], error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, rc *RunContext, state S, input interface{}) (Result[S], error)

func (f NodeFunc[S]) Run(ctx context.Context, rc *RunContext, state S, input interface{}) (Result[S], error) {
	return f(ctx, rc, state, input)
}

// Result is what a node function returns: the full replacement state
// (spec §4.7 step e — the runtime does not merge a delta, it takes the
// new state verbatim), the output handed to the next node as its input,
// and the edge key to follow. An empty Next means the step is terminal.
type Result[S any] struct {
	State  S
	Output interface{}
	Next   string
}

// Terminal builds a Result with no outgoing edge, ending the run.
func Terminal[S any](state S, output interface{}) Result[S] {
	return Result[S]{State: state, Output: output}
}

// Route builds a Result that continues to the edge with the given key.
func Route[S any](state S, output interface{}, next string) Result[S] {
	return Result[S]{State: state, Output: output, Next: next}
}
