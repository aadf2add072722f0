// Package activity implements the activity boundary (spec §4.2): the
// only door a node may use to reach outside the deterministic
// (state, input, activitySequence) function it's required to be. Every
// call goes through one of three modes, selected per run:
//
//   - RECORD: executes for real and persists request+response under
//     (traceId, stepIndex, activityType, requestHash).
//   - REPLAY: never touches the outside world; serves the persisted
//     response for that same key, or fails with REPLAY_RECORD_MISSING.
//   - LIVE: executes for real without persisting anything (tests only).
//
// This generalizes the teacher's initRNG (engine.go) and RecordedIO
// (replay.go) — seeded determinism and request/response capture — into
// an explicit, per-call capability object instead of context-embedded
// globals.
package activity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/store"
)

// Mode selects how a Boundary resolves calls.
type Mode int

const (
	ModeRecord Mode = iota
	ModeReplay
	ModeLive
)

// HTTPRequest/HTTPResponse are the canonical shapes hashed and
// persisted for ActivityHTTP calls.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// BlobStore is the capability set for spilling oversized activity
// payloads out of line (spec §4.2: "large payloads spill to blob
// store, activity record stores blobRef").
type BlobStore interface {
	Write(ctx context.Context, data []byte) (ref string, err error)
	Read(ctx context.Context, ref string) ([]byte, error)
}

// Clock is the virtual deterministic clock backing ActivityNow (spec
// §9): seeded with a base timestamp, it advances by a fixed increment
// on every call, identically in RECORD and REPLAY.
type Clock struct {
	mu        sync.Mutex
	next      time.Time
	increment time.Duration
}

// NewClock creates a Clock starting at base and advancing by increment
// on each Tick. A zero increment defaults to 1ms (spec §9 default).
func NewClock(base time.Time, increment time.Duration) *Clock {
	if increment <= 0 {
		increment = time.Millisecond
	}
	return &Clock{next: base, increment: increment}
}

// Tick returns the current virtual time and advances the clock.
func (c *Clock) Tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(c.increment)
	return t
}

// Boundary implements graph.ActivityClient for one run. It owns the
// run's deterministic PRNG stream and virtual clock, persists or
// replays every call through a store.CheckpointStore, and spills
// oversized payloads to a BlobStore.
type Boundary struct {
	mode Mode

	store     store.CheckpointStore
	blobs     BlobStore
	clock     *Clock
	rng       *rand.Rand
	traceID   string
	stepIndex int

	payloadThreshold int

	httpDoer func(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
	a2a      func(ctx context.Context, envelope interface{}) (interface{}, error)
	mcp      func(ctx context.Context, req interface{}) (interface{}, error)
	db       func(ctx context.Context, query interface{}) (interface{}, error)

	mu           sync.Mutex
	callOrdinals map[string]int
}

// Config wires a Boundary's dependencies and policy.
type Config struct {
	Mode             Mode
	Store            store.CheckpointStore
	Blobs            BlobStore
	BaseTimestamp    time.Time
	ClockIncrement   time.Duration
	PayloadThreshold int

	HTTPDoer func(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
	SendA2A  func(ctx context.Context, envelope interface{}) (interface{}, error)
	CallMCP  func(ctx context.Context, req interface{}) (interface{}, error)
	QueryDB  func(ctx context.Context, query interface{}) (interface{}, error)
}

// New constructs a Boundary bound to one run. traceID seeds the run's
// PRNG stream (initRNG's pattern, generalized): SHA-256(traceID), first
// 8 bytes big-endian as an int64 seed. The virtual clock starts at
// cfg.BaseTimestamp and does not depend on traceID.
func New(traceID string, cfg Config) *Boundary {
	threshold := cfg.PayloadThreshold
	if threshold <= 0 {
		threshold = 256 * 1024
	}
	base := cfg.BaseTimestamp
	if base.IsZero() {
		base = time.Unix(0, 0).UTC()
	}

	return &Boundary{
		mode:             cfg.Mode,
		store:            cfg.Store,
		blobs:            cfg.Blobs,
		clock:            NewClock(base, cfg.ClockIncrement),
		rng:              rand.New(rand.NewSource(seedFromTraceID(traceID))), // #nosec G404 -- deterministic replay seed, not security
		traceID:          traceID,
		payloadThreshold: threshold,
		httpDoer:         cfg.HTTPDoer,
		a2a:              cfg.SendA2A,
		mcp:              cfg.CallMCP,
		db:               cfg.QueryDB,
		callOrdinals:     make(map[string]int),
	}
}

func seedFromTraceID(traceID string) int64 {
	h := sha256.Sum256([]byte(traceID))
	return int64(binary.BigEndian.Uint64(h[:8])) // #nosec G115 -- deterministic seeding, not a security boundary
}

// SetStep points the boundary at the step whose activities it should
// record/replay against; the executor calls this once per step before
// handing the boundary to the node.
func (b *Boundary) SetStep(stepIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepIndex = stepIndex
	b.callOrdinals = make(map[string]int)
}

// resolve is the shared RECORD/REPLAY/LIVE plumbing for every activity
// call: compute the request hash, look it up (REPLAY) or execute and
// persist it (RECORD), or just execute it (LIVE).
func (b *Boundary) resolve(ctx context.Context, activityType string, request interface{}, execute func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	stepIndex := b.stepIndex
	ordinal := b.callOrdinals[activityType]
	b.callOrdinals[activityType] = ordinal + 1
	b.mu.Unlock()

	// The ordinal is part of the hashed request so that repeated calls
	// of the same activityType within one step (e.g. two Now() calls)
	// get distinct idempotency keys instead of colliding on an
	// identical request and silently replaying only the first call's
	// response for every subsequent one (spec §8 scenario 2, P1/P2).
	requestHash, err := graph.CanonicalHash(struct {
		Ordinal int         `json:"ordinal"`
		Request interface{} `json:"request"`
	}{Ordinal: ordinal, Request: request})
	if err != nil {
		return nil, fmt.Errorf("activity: failed to hash request: %w", err)
	}

	switch b.mode {
	case ModeReplay:
		rec, err := b.fetchRecord(ctx, stepIndex, activityType, requestHash)
		if err != nil {
			return nil, &graph.EngineError{
				Code:    graph.CodeReplayRecordMissing,
				Message: fmt.Sprintf("no recorded %s activity for step %d", activityType, stepIndex),
				Details: map[string]interface{}{"traceId": b.traceID, "stepIndex": stepIndex, "activityType": activityType},
			}
		}
		var out interface{}
		data, err := b.loadPayload(ctx, rec)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("activity: failed to decode replayed response: %w", err)
		}
		return out, nil

	case ModeLive:
		return execute(ctx)

	default: // ModeRecord
		started := time.Now()
		result, execErr := execute(ctx)
		finished := time.Now()

		rec := store.Activity{
			TraceID:      b.traceID,
			StepIndex:    stepIndex,
			ActivityType: activityType,
			RequestHash:  requestHash,
			StartedAt:    started,
			FinishedAt:   finished,
			DurationMs:   finished.Sub(started).Milliseconds(),
		}
		if execErr != nil {
			rec.Error = &store.ErrorRecord{Code: graph.CodeNodeFailed, Message: execErr.Error()}
		} else if err := b.attachPayload(ctx, &rec, result); err != nil {
			return nil, err
		}
		if b.store != nil {
			if err := b.store.SaveActivity(ctx, rec); err != nil {
				return nil, fmt.Errorf("activity: failed to persist %s activity: %w", activityType, err)
			}
		}
		return result, execErr
	}
}

func (b *Boundary) fetchRecord(ctx context.Context, stepIndex int, activityType, requestHash string) (store.Activity, error) {
	if b.store == nil {
		return store.Activity{}, store.ErrNotFound
	}
	return b.store.GetActivity(ctx, b.traceID, stepIndex, activityType, requestHash)
}

func (b *Boundary) loadPayload(ctx context.Context, rec store.Activity) ([]byte, error) {
	if rec.BlobRef != "" {
		if b.blobs == nil {
			return nil, fmt.Errorf("activity: record has blobRef but no BlobStore is configured")
		}
		return b.blobs.Read(ctx, rec.BlobRef)
	}
	return rec.ResponseData, nil
}

func (b *Boundary) attachPayload(ctx context.Context, rec *store.Activity, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("activity: failed to marshal response: %w", err)
	}
	if len(data) >= b.payloadThreshold && b.blobs != nil {
		ref, err := b.blobs.Write(ctx, data)
		if err != nil {
			return fmt.Errorf("activity: failed to spill payload to blob store: %w", err)
		}
		rec.BlobRef = ref
		return nil
	}
	rec.ResponseData = data
	return nil
}

// Now implements graph.ActivityClient: returns the run's virtual clock
// value, advancing it by one tick, recorded/replayed like any other
// activity so REPLAY never calls time.Now.
func (b *Boundary) Now(ctx context.Context) (time.Time, error) {
	out, err := b.resolve(ctx, store.ActivityNow, struct{}{}, func(ctx context.Context) (interface{}, error) {
		return b.clock.Tick(), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	switch v := out.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339Nano, v)
	default:
		return time.Time{}, fmt.Errorf("activity: unexpected NOW payload type %T", out)
	}
}

// Rand implements graph.ActivityClient: a deterministic int64 in
// [0, bound), drawn from the run's seeded PRNG stream.
func (b *Boundary) Rand(ctx context.Context, bound int64) (int64, error) {
	req := map[string]int64{"bound": bound}
	out, err := b.resolve(ctx, store.ActivityRand, req, func(ctx context.Context) (interface{}, error) {
		if bound <= 0 {
			return b.rng.Int63(), nil
		}
		return b.rng.Int63n(bound), nil
	})
	if err != nil {
		return 0, err
	}
	switch v := out.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("activity: unexpected RAND payload type %T", out)
	}
}

// HTTPRequest implements graph.ActivityClient.
func (b *Boundary) HTTPRequest(ctx context.Context, req interface{}) (interface{}, error) {
	httpReq, ok := req.(HTTPRequest)
	if !ok {
		return nil, fmt.Errorf("activity: HTTPRequest expects activity.HTTPRequest, got %T", req)
	}
	return b.resolve(ctx, store.ActivityHTTP, httpReq, func(ctx context.Context) (interface{}, error) {
		if b.httpDoer == nil {
			return nil, fmt.Errorf("activity: no HTTP doer configured")
		}
		return b.httpDoer(ctx, httpReq)
	})
}

// SendA2A implements graph.ActivityClient.
func (b *Boundary) SendA2A(ctx context.Context, envelope interface{}) (interface{}, error) {
	return b.resolve(ctx, store.ActivityA2A, envelope, func(ctx context.Context) (interface{}, error) {
		if b.a2a == nil {
			return nil, fmt.Errorf("activity: no A2A sender configured")
		}
		return b.a2a(ctx, envelope)
	})
}

// CallMCP implements graph.ActivityClient.
func (b *Boundary) CallMCP(ctx context.Context, req interface{}) (interface{}, error) {
	return b.resolve(ctx, store.ActivityMCP, req, func(ctx context.Context) (interface{}, error) {
		if b.mcp == nil {
			return nil, fmt.Errorf("activity: no MCP caller configured")
		}
		return b.mcp(ctx, req)
	})
}

// DatabaseQuery implements graph.ActivityClient.
func (b *Boundary) DatabaseQuery(ctx context.Context, query interface{}) (interface{}, error) {
	return b.resolve(ctx, store.ActivityDB, query, func(ctx context.Context) (interface{}, error) {
		if b.db == nil {
			return nil, fmt.Errorf("activity: no database query function configured")
		}
		return b.db(ctx, query)
	})
}

// ReadArtifact implements graph.ActivityClient.
func (b *Boundary) ReadArtifact(ctx context.Context, ref string) ([]byte, error) {
	out, err := b.resolve(ctx, store.ActivityReadArtifact, map[string]string{"ref": ref}, func(ctx context.Context) (interface{}, error) {
		if b.blobs == nil {
			return nil, fmt.Errorf("activity: no BlobStore configured")
		}
		data, err := b.blobs.Read(ctx, ref)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return coerceBytes(out)
}

// WriteArtifact implements graph.ActivityClient.
func (b *Boundary) WriteArtifact(ctx context.Context, data []byte) (string, error) {
	req := map[string]string{"sha256": fmt.Sprintf("%x", sha256.Sum256(data))}
	out, err := b.resolve(ctx, store.ActivityWriteArtifact, req, func(ctx context.Context) (interface{}, error) {
		if b.blobs == nil {
			return nil, fmt.Errorf("activity: no BlobStore configured")
		}
		return b.blobs.Write(ctx, data)
	})
	if err != nil {
		return "", err
	}
	ref, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("activity: unexpected WRITE_ARTIFACT payload type %T", out)
	}
	return ref, nil
}

func coerceBytes(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	default:
		return nil, fmt.Errorf("activity: unexpected artifact payload type %T", v)
	}
}
