package activity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cmoelg/engine/activity"
	"github.com/cmoelg/engine/graph"
	"github.com/cmoelg/engine/store"
)

func newStore(t *testing.T) store.CheckpointStore {
	t.Helper()
	s := store.NewMemStore()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestBoundary_RecordThenReplay_SameOutcome(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	calls := 0
	cfg := func(mode activity.Mode) activity.Config {
		return activity.Config{
			Mode:  mode,
			Store: st,
			HTTPDoer: func(ctx context.Context, req activity.HTTPRequest) (activity.HTTPResponse, error) {
				calls++
				return activity.HTTPResponse{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
			},
		}
	}

	rec := activity.New("trace-1", cfg(activity.ModeRecord))
	rec.SetStep(0)
	req := activity.HTTPRequest{Method: "GET", URL: "https://example.com/widgets"}
	out1, err := rec.HTTPRequest(ctx, req)
	if err != nil {
		t.Fatalf("record HTTPRequest: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 live call during RECORD, got %d", calls)
	}

	replay := activity.New("trace-1", cfg(activity.ModeReplay))
	replay.SetStep(0)
	out2, err := replay.HTTPRequest(ctx, req)
	if err != nil {
		t.Fatalf("replay HTTPRequest: %v", err)
	}
	if calls != 1 {
		t.Fatalf("REPLAY must not invoke the live doer, got %d total calls", calls)
	}

	h1, _ := graph.CanonicalHash(out1)
	h2, _ := graph.CanonicalHash(out2)
	if h1 != h2 {
		t.Fatalf("replayed response diverged from recorded response: %s != %s", h1, h2)
	}
}

func TestBoundary_Replay_MissingRecord_Fails(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	b := activity.New("trace-2", activity.Config{Mode: activity.ModeReplay, Store: st})
	b.SetStep(0)

	_, err := b.HTTPRequest(ctx, activity.HTTPRequest{Method: "GET", URL: "https://example.com"})
	if err == nil {
		t.Fatal("expected REPLAY_RECORD_MISSING, got nil error")
	}
	var engineErr *graph.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *graph.EngineError, got %T: %v", err, err)
	}
	if engineErr.Code != graph.CodeReplayRecordMissing {
		t.Fatalf("expected code %s, got %s", graph.CodeReplayRecordMissing, engineErr.Code)
	}
}

func TestBoundary_Rand_DeterministicAcrossRuns(t *testing.T) {
	ctx := context.Background()

	draw := func() []int64 {
		st := newStore(t)
		b := activity.New("same-trace-id", activity.Config{Mode: activity.ModeRecord, Store: st})
		b.SetStep(0)
		vals := make([]int64, 5)
		for i := range vals {
			v, err := b.Rand(ctx, 1000)
			if err != nil {
				t.Fatalf("Rand: %v", err)
			}
			vals[i] = v
		}
		return vals
	}

	a := draw()
	b := draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("PRNG stream not deterministic across runs with same traceID: draw %d: %d != %d", i, a[i], b[i])
		}
	}
}

func TestBoundary_Now_AdvancesMonotonically(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b := activity.New("trace-3", activity.Config{
		Mode:           activity.ModeRecord,
		Store:          st,
		BaseTimestamp:  base,
		ClockIncrement: time.Millisecond,
	})
	b.SetStep(0)

	t1, err := b.Now(ctx)
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	t2, err := b.Now(ctx)
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if !t1.Equal(base) {
		t.Fatalf("expected first Now() to equal base timestamp, got %v", t1)
	}
	if !t2.Equal(base.Add(time.Millisecond)) {
		t.Fatalf("expected second Now() to advance by the configured increment, got %v", t2)
	}
}

// Two Now() calls within the same step must persist and replay as two
// distinct records, not collide on an identical (traceId, stepIndex,
// "NOW", hash(struct{}{})) key and silently replay the first value
// twice (spec §8 scenario 2, P1/P2).
func TestBoundary_Now_DoubleCallPerStep_ReplaysBothDistinctly(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := func(mode activity.Mode) activity.Config {
		return activity.Config{
			Mode:           mode,
			Store:          st,
			BaseTimestamp:  base,
			ClockIncrement: time.Millisecond,
		}
	}

	rec := activity.New("trace-now-double", cfg(activity.ModeRecord))
	rec.SetStep(0)
	r1, err := rec.Now(ctx)
	if err != nil {
		t.Fatalf("record Now() #1: %v", err)
	}
	r2, err := rec.Now(ctx)
	if err != nil {
		t.Fatalf("record Now() #2: %v", err)
	}
	if r1.Equal(r2) {
		t.Fatalf("expected two RECORD Now() calls in the same step to differ, both got %v", r1)
	}

	replay := activity.New("trace-now-double", cfg(activity.ModeReplay))
	replay.SetStep(0)
	p1, err := replay.Now(ctx)
	if err != nil {
		t.Fatalf("replay Now() #1: %v", err)
	}
	p2, err := replay.Now(ctx)
	if err != nil {
		t.Fatalf("replay Now() #2: %v", err)
	}

	if !p1.Equal(r1) {
		t.Fatalf("replayed first Now() diverged: got %v, want %v", p1, r1)
	}
	if !p2.Equal(r2) {
		t.Fatalf("replayed second Now() diverged from recorded second call: got %v, want %v", p2, r2)
	}
}

func TestBoundary_LiveMode_DoesNotPersist(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	b := activity.New("trace-4", activity.Config{
		Mode:  activity.ModeLive,
		Store: st,
		HTTPDoer: func(ctx context.Context, req activity.HTTPRequest) (activity.HTTPResponse, error) {
			return activity.HTTPResponse{StatusCode: 204}, nil
		},
	})
	b.SetStep(0)

	if _, err := b.HTTPRequest(ctx, activity.HTTPRequest{Method: "GET", URL: "https://example.com"}); err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}

	acts, err := st.GetActivitiesForStep(ctx, "trace-4", 0)
	if err != nil {
		t.Fatalf("GetActivitiesForStep: %v", err)
	}
	if len(acts) != 0 {
		t.Fatalf("LIVE mode must not persist activity records, found %d", len(acts))
	}
}

type memBlobStore struct {
	blobs map[string][]byte
	n     int
}

func newMemBlobStore() *memBlobStore { return &memBlobStore{blobs: map[string][]byte{}} }

func (m *memBlobStore) Write(ctx context.Context, data []byte) (string, error) {
	m.n++
	ref := "blob://" + time.Now().Format("20060102150405") + "-" + itoaRef(m.n)
	m.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *memBlobStore) Read(ctx context.Context, ref string) ([]byte, error) {
	data, ok := m.blobs[ref]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func itoaRef(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestBoundary_LargePayload_SpillsToBlobStore(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	blobs := newMemBlobStore()

	big := make([]byte, 0, 8002)
	big = append(big, '"')
	for i := 0; i < 8000; i++ {
		big = append(big, 'x')
	}
	big = append(big, '"')

	b := activity.New("trace-5", activity.Config{
		Mode:             activity.ModeRecord,
		Store:            st,
		Blobs:            blobs,
		PayloadThreshold: 64,
		HTTPDoer: func(ctx context.Context, req activity.HTTPRequest) (activity.HTTPResponse, error) {
			return activity.HTTPResponse{StatusCode: 200, Body: big}, nil
		},
	})
	b.SetStep(0)

	if _, err := b.HTTPRequest(ctx, activity.HTTPRequest{Method: "GET", URL: "https://example.com/large"}); err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}

	acts, err := st.GetActivitiesForStep(ctx, "trace-5", 0)
	if err != nil {
		t.Fatalf("GetActivitiesForStep: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("expected 1 activity record, got %d", len(acts))
	}
	if acts[0].BlobRef == "" {
		t.Fatal("expected large payload to spill to blob store (BlobRef set)")
	}
	if len(acts[0].ResponseData) != 0 {
		t.Fatal("expected ResponseData to be empty when BlobRef is set")
	}

	replay := activity.New("trace-5", activity.Config{
		Mode:  activity.ModeReplay,
		Store: st,
		Blobs: blobs,
	})
	replay.SetStep(0)
	out, err := replay.HTTPRequest(ctx, activity.HTTPRequest{Method: "GET", URL: "https://example.com/large"})
	if err != nil {
		t.Fatalf("replay HTTPRequest: %v", err)
	}
	resp, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected replay payload type %T", out)
	}
	if resp["statusCode"].(float64) != 200 {
		t.Fatalf("unexpected replayed status code: %v", resp["statusCode"])
	}
}
