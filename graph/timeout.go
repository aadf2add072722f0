package graph

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout resolves the effective timeout for a node: a per-node
// NodePolicy.Timeout override takes precedence over the engine-wide
// defaultTimeout; a zero result means unlimited execution.
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs a node under a per-node deadline (spec
// §4.7 step c: "invoke node function ... raced against per-node
// deadline"; spec §5: "per-node timeout cancels the current node
// function cooperatively via context"). On timeout it returns a
// *NodeError with Code CodeNodeTimeout so the executor's retry logic
// sees it the same way it sees any other node failure. A panic in the
// node function is recovered into a *NodeError with Code CodeNodeFailed.
func executeNodeWithTimeout[S any](
	ctx context.Context,
	node Node[S],
	rc *RunContext,
	state S,
	input interface{},
	policy *NodePolicy,
	defaultTimeout time.Duration,
) (result Result[S], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &NodeError{Message: fmt.Sprintf("node %s panicked: %v", rc.NodeID, r), Code: CodeNodeFailed, NodeID: rc.NodeID}
		}
	}()

	timeout := getNodeTimeout(policy, defaultTimeout)

	if timeout == 0 {
		return node.Run(ctx, rc, state, input)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err = node.Run(timeoutCtx, rc, state, input)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, &NodeError{
			Message: "node " + rc.NodeID + " exceeded timeout",
			Code:    CodeNodeTimeout,
			NodeID:  rc.NodeID,
			Cause:   timeoutCtx.Err(),
		}
	}

	return result, err
}
