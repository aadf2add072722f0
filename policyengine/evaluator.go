// Package policyengine implements the policy evaluator (spec §4.6):
// pre- and post-execution gates the runtime consults around every node
// invocation. Policy bundles are WebAssembly modules; when policy is
// disabled by configuration, every gate allows unconditionally.
package policyengine

import "context"

// Request is what the runtime hands a gate: enough identity to let the
// policy bundle make a decision without any access to the run's full
// state (spec §4.6 "checkPreExecution(graphId, graphVersion, traceId,
// stepIndex, nodeId, input)" / "...result)").
type Request struct {
	GraphID      string      `json:"graphId"`
	GraphVersion string      `json:"graphVersion"`
	TraceID      string      `json:"traceId"`
	StepIndex    int         `json:"stepIndex"`
	NodeID       string      `json:"nodeId"`
	Phase        Phase       `json:"phase"`
	Input        interface{} `json:"input,omitempty"`
	Result       interface{} `json:"result,omitempty"`
}

// Phase distinguishes the pre- and post-execution gate calls.
type Phase string

const (
	PhasePre  Phase = "PRE"
	PhasePost Phase = "POST"
)

// Decision is spec §3 "PolicyDecision": allow/deny with a reason and
// free-form metadata. Not persisted on its own — the runtime attaches
// Reason to the run's ErrorRecord on denial.
type Decision struct {
	Allowed  bool                   `json:"allowed"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Evaluator is the capability set spec §4.6 names.
type Evaluator interface {
	// Initialize loads the policy module from bundlePath. Safe to call
	// once at startup; a failure here is CONFIG_INVALID/INIT_FAILED
	// (spec §7 "Lifecycle errors"), fatal to process startup.
	Initialize(ctx context.Context, bundlePath string) error

	CheckPreExecution(ctx context.Context, req Request) (Decision, error)
	CheckPostExecution(ctx context.Context, req Request) (Decision, error)

	Close(ctx context.Context) error
}

// AllowAll is the Evaluator used when policy is disabled by
// configuration (spec §4.6 "when disabled, all gates return
// {allowed: true}").
type AllowAll struct{}

func (AllowAll) Initialize(ctx context.Context, bundlePath string) error { return nil }

func (AllowAll) CheckPreExecution(ctx context.Context, req Request) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (AllowAll) CheckPostExecution(ctx context.Context, req Request) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (AllowAll) Close(ctx context.Context) error { return nil }
