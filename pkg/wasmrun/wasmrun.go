// Package wasmrun provides an in-process sandboxed dispatch path for pack
// handlers whose handler.json declares runtime: wasm, using
// github.com/tetratelabs/wazero instead of a subprocess — an alternative to
// capexec's default subprocess dispatch, selected per-handler.
//
// Grounded in spec.md's Design Notes §9 (handler dispatch backends) and the
// subprocess stdin/stdout JSON contract of
// original_source/.../builtin_capability_handlers (handlers read a JSON
// request and write a JSON response); the WASM module is expected to expose
// the same contract through WASI stdin/stdout.
package wasmrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

// Runner executes compiled WASM modules with a fresh, isolated instance per
// call, matching the subprocess path's no-shared-state guarantee.
type Runner struct {
	runtime wazero.Runtime
}

// New constructs a Runner with a fresh wazero runtime and WASI host module.
func New(ctx context.Context) (*Runner, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmrun: instantiate wasi: %w", err)
	}
	return &Runner{runtime: rt}, nil
}

// Close releases the underlying wazero runtime.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Run loads modulePath, feeds req as JSON on stdin, and decodes the
// module's stdout as a handler.Response, bounded by timeout.
func (r *Runner) Run(ctx context.Context, modulePath string, req handler.Request, timeout time.Duration) (handler.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return handler.Response{}, fmt.Errorf("wasmrun: read module: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"principal_id": req.PrincipalID,
		"grant_config": req.GrantConfig,
		"args":         req.Args,
	})
	if err != nil {
		return handler.Response{}, fmt.Errorf("wasmrun: marshal request: %w", err)
	}

	var stdout bytes.Buffer
	config := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(os.Stderr)

	mod, err := r.runtime.InstantiateWithConfig(ctx, wasmBytes, config)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return handler.Response{}, rumierr.Wrap(rumierr.TypeTimeout, rumierr.CategoryCap, 7, "wasm handler timed out", err)
		}
		return handler.Response{}, rumierr.Wrap(rumierr.TypeInternal, rumierr.CategoryCap, 8, "wasm handler failed", err)
	}
	defer mod.Close(ctx)

	var resp handler.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return handler.Response{}, fmt.Errorf("wasmrun: decode response: %w", err)
	}
	return resp, nil
}
