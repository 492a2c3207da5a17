package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
)

// OutputMaxBytes is the maximum size of stdout+stderr output from a WASM run.
const OutputMaxBytes = 1024 * 1024 // 1MB

// wasmRuntime lazily creates the wazero runtime.
//
// Deny-by-default: no filesystem, no network, no environment, no clock or
// randomness sources. Memory is capped at the budget ceiling and execution
// is terminated when the context is done.
func (r *Runner) wasmRuntime(ctx context.Context) (wazero.Runtime, error) {
	r.wasmOnce.Do(func() {
		cfg := wazero.NewRuntimeConfig().
			WithMemoryLimitPages(r.budget.MemoryPages()).
			WithCloseOnContextDone(true)
		rt := wazero.NewRuntimeWithConfig(context.Background(), cfg)
		if _, err := wasi_snapshot_preview1.Instantiate(context.Background(), rt); err != nil {
			_ = rt.Close(ctx)
			r.wasmErr = fmt.Errorf("failed to instantiate WASI: %w", err)
			return
		}
		r.wasm = rt
	})
	return r.wasm, r.wasmErr
}

func (r *Runner) compileWASM(ctx context.Context, rt wazero.Runtime, bin []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(bin)
	key := hex.EncodeToString(sum[:])
	if cm, ok := r.compiled.Load(key); ok {
		return cm.(wazero.CompiledModule), nil
	}
	cm, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, err
	}
	if prev, loaded := r.compiled.LoadOrStore(key, cm); loaded {
		_ = cm.Close(ctx)
		return prev.(wazero.CompiledModule), nil
	}
	return cm, nil
}

// runWASM executes the module's _start with the request variables as a JSON
// object on stdin. Stdout must hold a single JSON value, which becomes the
// result. Host functions are not available to WASM code.
func (r *Runner) runWASM(ctx context.Context, m *Module, req Request, b budget.ComputeBudget) (Outcome, error) {
	rt, err := r.wasmRuntime(ctx)
	if err != nil {
		return Outcome{}, errorir.Runtime("%v", err)
	}
	compiled, err := r.compileWASM(ctx, rt, m.Wasm)
	if err != nil {
		return Outcome{}, errorir.Runtime("failed to compile WASM module: %v", err)
	}

	input, err := json.Marshal(Normalize(req.Vars))
	if err != nil {
		return Outcome{}, errorir.InvalidArgument("arguments are not JSON encodable: %v", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return Outcome{}, errorir.Runtime("module exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		if isMemoryError(err) {
			return Outcome{}, (&budget.ComputeBudgetError{
				Code:    budget.ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("WASM execution exceeded memory limit (%d bytes)", b.MemoryLimitBytes),
				Limit:   b.MemoryLimitBytes,
			}).IR()
		}
		return Outcome{}, errorir.Runtime("WASM execution failed: %v", err)
	}

	if total := stdout.Len() + stderr.Len(); total > OutputMaxBytes {
		return Outcome{}, errorir.Runtime("output size %d exceeds limit %d", total, OutputMaxBytes)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Outcome{}, nil
	}
	v, err := DecodeJSON(out)
	if err != nil {
		return Outcome{}, errorir.Runtime("module output is not JSON: %v", err)
	}
	return Outcome{Value: v}, nil
}

// isMemoryError checks if the error is a memory limit violation.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
