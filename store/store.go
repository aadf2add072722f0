// Package store provides the checkpoint store: durable persistence for
// run status, step records, and activity records (spec §4.3). Unlike
// the teacher's generic Store[S], this store never persists workflow
// state directly — only its hashes. Resuming a run replays its prior
// steps through the activity boundary in REPLAY mode to reconstruct
// state (spec §4.7), so the store's job is limited to the append-mostly
// ledger of what happened, not to serializing S itself.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, step, or activity does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrDivergence is returned, unwrapped, by CheckpointStore.SaveStep
// when an existing (traceId, stepIndex) row is resubmitted with a
// different stateHashAfter (spec §4.3, error code CHECKPOINT_DIVERGENCE).
var ErrDivergence = errors.New("checkpoint divergence")

// ErrorRecord is the structured error shape persisted alongside runs,
// steps, and activities (mirrors graph.EngineError without importing
// the graph package, keeping store dependency-free of the executor).
type ErrorRecord struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ErrorRecord) Error() string {
	return e.Code + ": " + e.Message
}

// Run is the persisted row for a single execution (spec §3 "Run", §6
// runs table).
type Run struct {
	TraceID      string       `json:"traceId"`
	GraphID      string       `json:"graphId"`
	GraphVersion string       `json:"graphVersion"`
	Status       string       `json:"status"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   *time.Time   `json:"finishedAt,omitempty"`
	Error        *ErrorRecord `json:"error,omitempty"`
}

// Run status values (spec §3 "Run").
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
	RunTimeout   = "TIMEOUT"
	RunAborted   = "ABORTED"
)

// Step is the persisted row for one executed node (spec §3
// "StepRecord", §6 steps table). NextEdge is nil when the step was
// terminal (next == null).
type Step struct {
	TraceID         string       `json:"traceId"`
	StepIndex       int          `json:"stepIndex"`
	NodeID          string       `json:"nodeId"`
	StateHashBefore string       `json:"stateHashBefore"`
	InputHash       string       `json:"inputHash"`
	OutputHash      string       `json:"outputHash"`
	StateHashAfter  string       `json:"stateHashAfter"`
	NextEdge        *string      `json:"nextEdge,omitempty"`
	StartedAt       time.Time    `json:"startedAt"`
	FinishedAt      time.Time    `json:"finishedAt"`
	DurationMs      int64        `json:"durationMs"`
	Error           *ErrorRecord `json:"error,omitempty"`
}

// Activity is the persisted row for one activity-boundary call (spec
// §3 "ActivityRecord", §6 activities table). Exactly one of
// ResponseData or BlobRef is set for a successful activity; both may
// be empty when Error is set.
type Activity struct {
	TraceID      string       `json:"traceId"`
	StepIndex    int          `json:"stepIndex"`
	ActivityType string       `json:"activityType"`
	RequestHash  string       `json:"requestHash"`
	ResponseData []byte       `json:"responseData,omitempty"`
	BlobRef      string       `json:"blobRef,omitempty"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt"`
	DurationMs   int64        `json:"durationMs"`
	Error        *ErrorRecord `json:"error,omitempty"`
}

// Activity type values (spec §3 "ActivityRecord").
const (
	ActivityNow           = "NOW"
	ActivityRand          = "RAND"
	ActivityHTTP          = "HTTP"
	ActivityA2A           = "A2A"
	ActivityMCP           = "MCP"
	ActivityDB            = "DB"
	ActivityReadArtifact  = "READ_ARTIFACT"
	ActivityWriteArtifact = "WRITE_ARTIFACT"
)

// Health is returned by CheckpointStore.HealthCheck.
type Health struct {
	Healthy      bool          `json:"healthy"`
	RoundTripMs  int64         `json:"roundTripMs"`
	Detail       string        `json:"detail,omitempty"`
	CheckedAfter time.Duration `json:"-"`
}

// CheckpointStore is the durable ledger the runtime executor reads and
// writes at every step boundary (spec §4.3, §9 "composed as a single
// capability set"). All writes are idempotent: re-submitting a Run or
// Step with identical content is a no-op, and SaveStep on an existing
// (TraceID, StepIndex) with a different StateHashAfter returns
// ErrDivergence rather than silently overwriting history.
type CheckpointStore interface {
	// Initialize prepares the backing schema (tables/indexes). Safe to
	// call on an already-initialized store.
	Initialize(ctx context.Context) error

	// SaveRun upserts a run by TraceID.
	SaveRun(ctx context.Context, run Run) error

	// GetRun returns the current persisted Run row, or ErrNotFound.
	GetRun(ctx context.Context, traceID string) (Run, error)

	// UpdateRunStatus transitions a run's status, enforcing the
	// monotonic state machine (spec §4.7 step 5, §3 "Run"): no
	// terminal-to-non-terminal and no RUNNING-to-PENDING transition.
	UpdateRunStatus(ctx context.Context, traceID, status string, errRec *ErrorRecord) error

	// SaveStep upserts a step by (TraceID, StepIndex). Returns
	// ErrDivergence if a step already exists at that index with a
	// different StateHashAfter.
	SaveStep(ctx context.Context, step Step) error

	// GetLastStep returns the highest-StepIndex step for a run, or
	// ErrNotFound if the run has no steps yet.
	GetLastStep(ctx context.Context, traceID string) (Step, error)

	// GetAllSteps returns every step for a run in ascending StepIndex
	// order.
	GetAllSteps(ctx context.Context, traceID string) ([]Step, error)

	// SaveActivity upserts an activity by (TraceID, StepIndex,
	// ActivityType, RequestHash) — the idempotency key from spec §4.2.
	SaveActivity(ctx context.Context, activity Activity) error

	// GetActivity looks up a single activity by its idempotency key,
	// returning ErrNotFound if absent (surfaced by the executor as
	// REPLAY_RECORD_MISSING during REPLAY mode).
	GetActivity(ctx context.Context, traceID string, stepIndex int, activityType, requestHash string) (Activity, error)

	// GetActivitiesForStep returns every activity recorded for a step,
	// in insertion order (spec §3: "ordering preserved by insertion").
	GetActivitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]Activity, error)

	// HealthCheck reports store reachability and round-trip latency.
	HealthCheck(ctx context.Context) (Health, error)

	// Close releases any held resources (connections, file handles).
	Close() error
}
