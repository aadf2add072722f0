package policyengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
)

// ABI: a policy bundle is a WebAssembly module exporting two
// functions:
//
//	alloc(size uint32) uint32          — reserve size bytes in linear
//	                                      memory, returning their offset.
//	evaluate(ptr uint32, len uint32) uint64
//	                                    — ptr/len locate a canonical-JSON
//	                                      Request the host has written
//	                                      into the module's memory; the
//	                                      return value packs the
//	                                      response's (offset, length) as
//	                                      offset<<32 | length, pointing
//	                                      at a canonical-JSON Decision
//	                                      the module wrote before
//	                                      returning.
//
// This is intentionally the smallest ABI that lets a policy bundle be
// written in any language wazero can target, without requiring WASI or
// a shared allocator convention beyond the two exported functions
// above. There is no free/dealloc call: a bundle is expected to use an
// arena or bump allocator scoped to one evaluate() call, since each
// gate call gets a fresh module instance (see WasmEvaluator.call).
const (
	exportAlloc    = "alloc"
	exportEvaluate = "evaluate"
)

// WasmEvaluator runs policy bundles compiled to WebAssembly via
// wazero. Each gate call instantiates a fresh copy of the compiled
// module so concurrent runs never share linear memory.
type WasmEvaluator struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	nextID   uint64
}

// NewWasmEvaluator constructs an empty evaluator. Initialize creates
// its wazero runtime; call it before use.
func NewWasmEvaluator() *WasmEvaluator {
	return &WasmEvaluator{}
}

// Initialize implements Evaluator: reads and compiles the module at
// bundlePath (spec §4.6 "initialize(bundlePath) — loads the policy
// module").
func (e *WasmEvaluator) Initialize(ctx context.Context, bundlePath string) error {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("policyengine: failed to read bundle %q: %w", bundlePath, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.runtime = wazero.NewRuntime(ctx)
	compiled, err := e.runtime.CompileModule(ctx, data)
	if err != nil {
		_ = e.runtime.Close(ctx)
		return fmt.Errorf("policyengine: failed to compile bundle %q: %w", bundlePath, err)
	}
	e.compiled = compiled
	return nil
}

// CheckPreExecution implements Evaluator.
func (e *WasmEvaluator) CheckPreExecution(ctx context.Context, req Request) (Decision, error) {
	req.Phase = PhasePre
	return e.call(ctx, req)
}

// CheckPostExecution implements Evaluator.
func (e *WasmEvaluator) CheckPostExecution(ctx context.Context, req Request) (Decision, error) {
	req.Phase = PhasePost
	return e.call(ctx, req)
}

func (e *WasmEvaluator) call(ctx context.Context, req Request) (Decision, error) {
	e.mu.Lock()
	runtime := e.runtime
	compiled := e.compiled
	e.nextID++
	instanceName := fmt.Sprintf("policy-%d", e.nextID)
	e.mu.Unlock()

	if runtime == nil || compiled == nil {
		return Decision{}, fmt.Errorf("policyengine: evaluator not initialized")
	}

	mod, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(instanceName))
	if err != nil {
		return Decision{}, fmt.Errorf("policyengine: failed to instantiate bundle: %w", err)
	}
	defer mod.Close(ctx)

	allocFn := mod.ExportedFunction(exportAlloc)
	evaluateFn := mod.ExportedFunction(exportEvaluate)
	if allocFn == nil || evaluateFn == nil {
		return Decision{}, fmt.Errorf("policyengine: bundle does not export %q/%q", exportAlloc, exportEvaluate)
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("policyengine: failed to marshal request: %w", err)
	}

	allocResults, err := allocFn.Call(ctx, uint64(len(reqJSON)))
	if err != nil {
		return Decision{}, fmt.Errorf("policyengine: alloc call failed: %w", err)
	}
	reqPtr := uint32(allocResults[0])

	if !mod.Memory().Write(reqPtr, reqJSON) {
		return Decision{}, fmt.Errorf("policyengine: failed to write request into module memory")
	}

	packed, err := evaluateFn.Call(ctx, uint64(reqPtr), uint64(len(reqJSON)))
	if err != nil {
		return Decision{}, fmt.Errorf("policyengine: evaluate call failed: %w", err)
	}

	respPtr := uint32(packed[0] >> 32)
	respLen := uint32(packed[0] & 0xFFFFFFFF)
	respBytes, ok := mod.Memory().Read(respPtr, respLen)
	if !ok {
		return Decision{}, fmt.Errorf("policyengine: failed to read response from module memory")
	}

	var decision Decision
	if err := json.Unmarshal(respBytes, &decision); err != nil {
		return Decision{}, fmt.Errorf("policyengine: failed to decode decision: %w", err)
	}
	return decision, nil
}

// Close implements Evaluator.
func (e *WasmEvaluator) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runtime == nil {
		return nil
	}
	return e.runtime.Close(ctx)
}
