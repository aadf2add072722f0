package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/cmoelg/engine/internal/config"
	"github.com/cmoelg/engine/policyengine"
	"github.com/cmoelg/engine/store"
	"github.com/cmoelg/engine/transport/logtransport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	clearEnv(t, "ELG_DATABASE_PORT", "ELG_TRANSPORT_PORT")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLifecycle_Start_InitializesStoreAndTransport(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewMemStore()
	tp := logtransport.New(3)

	lc := config.NewLifecycle(cfg, st, tp, nil)
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestLifecycle_Start_PolicyEnabledWithoutEvaluator_FailsInit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Enabled = true
	cfg.Policy.BundlePath = "/some/bundle.wasm"
	st := store.NewMemStore()

	lc := config.NewLifecycle(cfg, st, nil, nil)
	err := lc.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail when policy is enabled but no Evaluator is wired")
	}
	if _, ok := err.(*config.InitError); !ok {
		t.Fatalf("expected *config.InitError, got %T", err)
	}
}

func TestLifecycle_Start_InitializesPolicyWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Enabled = true
	cfg.Policy.BundlePath = "" // AllowAll ignores the path

	lc := config.NewLifecycle(cfg, store.NewMemStore(), nil, policyengine.AllowAll{})
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestLifecycle_Shutdown_DrainsInFlightRunsAndClosesComponents(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewMemStore()
	tp := logtransport.New(3)
	lc := config.NewLifecycle(cfg, st, tp, nil)
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, cancel := context.WithCancel(context.Background())
	if !lc.AcceptRun("trace-1", cancel) {
		t.Fatal("expected AcceptRun to succeed before shutdown")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		lc.ReleaseRun("trace-1")
	}()

	if err := lc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if lc.AcceptRun("trace-2", func() {}) {
		t.Fatal("expected AcceptRun to fail after shutdown has begun")
	}
}

func TestLifecycle_Shutdown_FailsRunsThatOutlastTheDeadline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.WholeRunTimeout = 10 * time.Millisecond
	st := store.NewMemStore()
	ctx := context.Background()
	if err := st.SaveRun(ctx, store.Run{TraceID: "stuck-trace", Status: store.RunRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	lc := config.NewLifecycle(cfg, st, nil, nil)
	if err := lc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancelled := false
	lc.AcceptRun("stuck-trace", func() { cancelled = true })

	if err := lc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !cancelled {
		t.Fatal("expected the stuck run's cancel func to be invoked")
	}

	run, err := st.GetRun(ctx, "stuck-trace")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if run.Error == nil || run.Error.Code != "SHUTDOWN" {
		t.Fatalf("expected SHUTDOWN error code, got %+v", run.Error)
	}
}
