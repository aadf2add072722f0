package policyengine_test

import (
	"context"
	"testing"

	"github.com/cmoelg/engine/policyengine"
)

func TestAllowAll_AlwaysAllows(t *testing.T) {
	ctx := context.Background()
	var e policyengine.AllowAll

	if err := e.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	req := policyengine.Request{GraphID: "g1", NodeID: "Y"}
	pre, err := e.CheckPreExecution(ctx, req)
	if err != nil {
		t.Fatalf("CheckPreExecution: %v", err)
	}
	if !pre.Allowed {
		t.Fatal("expected AllowAll.CheckPreExecution to always allow")
	}

	post, err := e.CheckPostExecution(ctx, req)
	if err != nil {
		t.Fatalf("CheckPostExecution: %v", err)
	}
	if !post.Allowed {
		t.Fatal("expected AllowAll.CheckPostExecution to always allow")
	}

	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWasmEvaluator_InitializeMissingBundle(t *testing.T) {
	ctx := context.Background()
	e := policyengine.NewWasmEvaluator()
	if err := e.Initialize(ctx, "/nonexistent/bundle.wasm"); err == nil {
		t.Fatal("expected error initializing from a missing bundle path")
	}
}

func TestWasmEvaluator_CallBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	e := policyengine.NewWasmEvaluator()
	_, err := e.CheckPreExecution(ctx, policyengine.Request{GraphID: "g1", NodeID: "Y"})
	if err == nil {
		t.Fatal("expected error calling CheckPreExecution before Initialize")
	}
}
