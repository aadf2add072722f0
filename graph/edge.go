// Package graph provides the core graph execution engine.
package graph

// Edge connects two nodes under a routing key (spec §3 "Edge"). A node
// selects its outgoing edge by returning that key as Result.Next; the
// executor looks up the edge whose Key matches within the current
// node's outgoing set. At most one edge per key may exist per source
// node — a duplicate is a graph construction error, never a runtime
// ambiguity.
//
// Condition, when set, is evaluated against the node's Output rather
// than its State (spec §3: "optional condition, evaluated on a node's
// output"). It is an additional gate on top of key matching: both the
// key and, if present, the condition must agree before an edge is
// eligible. Most graphs route purely by key and leave Condition nil.
type Edge struct {
	Key       string
	From      string
	To        string
	Condition OutputPredicate
}

// OutputPredicate evaluates a node's output to decide edge eligibility.
type OutputPredicate func(output interface{}) bool
