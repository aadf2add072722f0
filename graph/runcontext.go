package graph

import (
	"context"
	"time"

	"github.com/cmoelg/engine/emit"
	"go.opentelemetry.io/otel/trace"
)

// ActivityClient is the capability set a node uses to reach outside the
// deterministic boundary (spec §4.2). The runtime executor supplies an
// implementation bound to the run's current mode (RECORD/REPLAY/LIVE);
// nodes never construct one directly, which is what keeps Node.Run a
// function of (state, input, activitySequence) rather than of the
// wall clock or any ambient randomness.
type ActivityClient interface {
	// Now returns the run's virtual clock value, advancing it by one tick.
	Now(ctx context.Context) (time.Time, error)

	// Rand returns a deterministic pseudo-random int64 in [0, bound). A
	// bound <= 0 returns the next raw value from the run's PRNG stream.
	Rand(ctx context.Context, bound int64) (int64, error)

	// HTTPRequest performs (or, in REPLAY mode, re-serves) an HTTP call.
	HTTPRequest(ctx context.Context, req interface{}) (interface{}, error)

	// SendA2A sends an agent-to-agent envelope and waits for its reply.
	SendA2A(ctx context.Context, envelope interface{}) (interface{}, error)

	// CallMCP invokes a Model Context Protocol tool.
	CallMCP(ctx context.Context, req interface{}) (interface{}, error)

	// DatabaseQuery runs a query against an external datastore.
	DatabaseQuery(ctx context.Context, query interface{}) (interface{}, error)

	// ReadArtifact fetches blob-stored bytes by reference.
	ReadArtifact(ctx context.Context, ref string) ([]byte, error)

	// WriteArtifact stores bytes and returns an opaque blob reference.
	WriteArtifact(ctx context.Context, data []byte) (string, error)
}

// RunContext is threaded explicitly through every node invocation (spec
// §9: "record/replay via explicit context parameter, never
// process-global"). It carries everything a node needs to identify
// itself within the run and to reach the activity boundary, the
// observability emitter, and the active trace span.
type RunContext struct {
	TraceID   string
	StepIndex int
	NodeID    string
	Activity  ActivityClient
	Logger    emit.Emitter
	Span      trace.Span
}
