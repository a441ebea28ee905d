// Package capexec implements the capability executor: the pipeline of
// spec.md §4.4 that orchestrates the trust store, grant manager, and
// handler registry, then dispatches to a built-in Go function, a
// subprocess, or a wazero-hosted WASM module.
//
// Grounded in the capability dispatch shape of
// _examples/Mindburn-Labs-helm/core/pkg/capabilities/types.go (ToolCatalog
// + Handler func signature), instrumented the way pkg/observability
// instruments the teacher's request paths (RED spans/metrics per
// permission_id).
package capexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rumi-ai/rumi-core/pkg/audit"
	"github.com/rumi-ai/rumi-core/pkg/config"
	"github.com/rumi-ai/rumi-core/pkg/grant"
	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

const instrumentationName = "github.com/rumi-ai/rumi-core/pkg/capexec"

// TrustChecker is the subset of *trust.Manager the executor needs. fingerprint
// must be the hash the executor itself computed over the resolved handler —
// never a value taken from the caller's request.
type TrustChecker interface {
	Check(ctx context.Context, principalID, fingerprint string) error
}

// GrantChecker is the subset of *grant.Manager the executor needs.
type GrantChecker interface {
	Check(ctx context.Context, principalID, permissionID string) (grant.Decision, error)
}

// Auditor is the subset of *audit.Logger the executor records each
// dispatch's outcome to.
type Auditor interface {
	Record(ctx context.Context, severity audit.Severity, action, resource string, metadata map[string]any) error
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Severity, string, string, map[string]any) error {
	return nil
}

// WASMDispatcher runs a wasm-runtime handler; implemented by pkg/wasmrun
// (backed by tetratelabs/wazero) and wired in by the services container.
type WASMDispatcher interface {
	Run(ctx context.Context, modulePath string, req handler.Request, timeout time.Duration) (handler.Response, error)
}

// FlowRunner executes a flow.run capability, implemented by pkg/flow.
type FlowRunner interface {
	Run(ctx context.Context, principalID string, flowArgs map[string]any) (map[string]any, error)
}

// Executor wires trust + grant + handler registry into one dispatch
// entrypoint.
type Executor struct {
	trust   TrustChecker
	grants  GrantChecker
	handlers *handler.Registry
	wasm    WASMDispatcher
	flows   FlowRunner
	auditor Auditor
	log     *slog.Logger
	permissionMode config.PermissionMode

	tracer trace.Tracer
	meter  metric.Meter
	dispatchCounter metric.Int64Counter
	dispatchLatency metric.Float64Histogram
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithWASM wires an optional WASM dispatch backend.
func WithWASM(w WASMDispatcher) Option {
	return func(e *Executor) { e.wasm = w }
}

// WithFlowRunner wires the flow.run interception target.
func WithFlowRunner(f FlowRunner) Option {
	return func(e *Executor) { e.flows = f }
}

// WithAuditor wires the audit log that records one entry per dispatch.
func WithAuditor(a Auditor) Option {
	return func(e *Executor) { e.auditor = a }
}

// WithPermissionMode sets whether RUMI_PERMISSION_MODE=permissive bypasses
// the trust check for built-in handlers. Pack-provided handlers always go
// through the full trust+grant pipeline regardless of this setting — see
// DESIGN.md's resolution of spec.md's open question on permissive mode's
// scope.
func WithPermissionMode(mode config.PermissionMode) Option {
	return func(e *Executor) { e.permissionMode = mode }
}

// New builds an Executor.
func New(trustMgr TrustChecker, grantMgr GrantChecker, handlers *handler.Registry, opts ...Option) *Executor {
	e := &Executor{
		trust:    trustMgr,
		grants:   grantMgr,
		handlers: handlers,
		auditor:  noopAuditor{},
		log:      slog.Default(),
		permissionMode: config.PermissionSecure,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatchCounter, _ = e.meter.Int64Counter("rumi.capability.dispatch.count")
	e.dispatchLatency, _ = e.meter.Float64Histogram("rumi.capability.dispatch.duration_ms")
	return e
}

// Dispatch runs the full pipeline: handler resolution -> fingerprint
// computation -> trust check -> grant check -> invoke, exactly as spec.md
// §4.4 orders it, and records one audit entry per call. secrets.get
// failures, whatever the cause, come back through the single unified
// denial message so existence is never leaked.
func (e *Executor) Dispatch(ctx context.Context, principalID, permissionID string, args map[string]any) (handler.Response, error) {
	ctx, span := e.tracer.Start(ctx, "capability.dispatch", trace.WithAttributes(
		attribute.String("rumi.principal_id", principalID),
		attribute.String("rumi.permission_id", permissionID),
	))
	start := time.Now()
	defer func() {
		span.End()
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		e.dispatchLatency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("permission_id", permissionID)))
	}()

	resp, err := e.dispatch(ctx, principalID, permissionID, args)

	status := "ok"
	if err != nil || !resp.Success {
		status = "error"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	e.dispatchCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("permission_id", permissionID),
		attribute.String("status", status),
	))
	e.auditor.Record(ctx, auditSeverity(status), "capability.dispatch", permissionID, map[string]any{
		"principal_id": principalID,
		"status":       status,
	})
	return resp, err
}

func auditSeverity(status string) audit.Severity {
	if status == "error" {
		return audit.SeverityWarning
	}
	return audit.SeverityInfo
}

func (e *Executor) dispatch(ctx context.Context, principalID, permissionID string, args map[string]any) (handler.Response, error) {
	if permissionID == "flow.run" {
		if e.flows == nil {
			return handler.Response{}, rumierr.New(rumierr.TypeNotSupported, rumierr.CategoryFlow, 1, "flow execution is not configured")
		}
		result, err := e.flows.Run(ctx, principalID, args)
		if err != nil {
			return e.denyOrFail(permissionID, err)
		}
		return handler.Response{Success: true, Result: result}, nil
	}

	h, ok := e.handlers.ByPermission(permissionID)
	if !ok {
		return e.denyOrFail(permissionID, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryCap, 2, fmt.Sprintf("no handler registered for %s", permissionID)))
	}

	// RUMI_PERMISSION_MODE=permissive skips the trust (fingerprint-pinning)
	// check only for built-in handlers, easing local iteration without
	// weakening the boundary around pack-provided (subprocess/WASM) code,
	// which is what spec.md's threat model actually protects.
	bypassTrust := e.permissionMode == config.PermissionPermissive && h.Builtin != nil
	if !bypassTrust {
		fingerprint, err := h.Fingerprint()
		if err != nil {
			return e.denyOrFail(permissionID, fmt.Errorf("capexec: compute handler fingerprint: %w", err))
		}
		if err := e.trust.Check(ctx, principalID, fingerprint); err != nil {
			return e.denyOrFail(permissionID, err)
		}
	}

	decision, err := e.grants.Check(ctx, principalID, permissionID)
	if err != nil {
		return e.denyOrFail(permissionID, err)
	}

	req := handler.Request{PrincipalID: principalID, GrantConfig: decision.ResolvedConfig, Args: args}

	resp, err := e.invoke(ctx, h, req)
	if err != nil {
		return e.denyOrFail(permissionID, err)
	}
	return resp, nil
}

// denyOrFail funnels every secrets.get failure through the unified message
// so callers cannot distinguish "denied" from "not found" from "revoked";
// every other permission keeps its specific error for debuggability.
func (e *Executor) denyOrFail(permissionID string, err error) (handler.Response, error) {
	if permissionID == "secrets.get" {
		e.log.Warn("secrets.get denied", "reason", err)
		return handler.Response{Success: false, Error: rumierr.DeniedOrNotFoundMessage, ErrType: rumierr.TypeAccessDenied}, nil
	}
	rErr, ok := rumierr.As(err)
	if !ok {
		return handler.Response{Success: false, Error: err.Error(), ErrType: rumierr.TypeInternal}, nil
	}
	return handler.Response{Success: false, Error: rErr.Message, ErrType: rErr.ErrType}, nil
}

func (e *Executor) invoke(ctx context.Context, h *handler.Handler, req handler.Request) (handler.Response, error) {
	if h.Builtin != nil {
		return h.Builtin(ctx, req)
	}
	if h.Manifest == nil {
		return handler.Response{}, rumierr.New(rumierr.TypeInternal, rumierr.CategorySys, 3, "handler has neither builtin nor manifest")
	}

	timeout := time.Duration(h.Manifest.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if h.Manifest.Runtime == handler.RuntimeWASM {
		if e.wasm == nil {
			return handler.Response{}, rumierr.New(rumierr.TypeNotSupported, rumierr.CategoryCap, 4, "wasm dispatch is not configured")
		}
		return e.wasm.Run(ctx, h.Manifest.Entrypoint, req, timeout)
	}

	return dispatchSubprocess(ctx, h.Manifest.Entrypoint, req, timeout)
}

// dispatchSubprocess runs a native entrypoint_binary handler: the request
// is written to stdin as JSON, the response is read from stdout as JSON,
// per spec.md's Design Notes subprocess contract.
func dispatchSubprocess(ctx context.Context, entrypoint string, req handler.Request, timeout time.Duration) (handler.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"principal_id": req.PrincipalID,
		"grant_config": req.GrantConfig,
		"args":         req.Args,
	})
	if err != nil {
		return handler.Response{}, fmt.Errorf("capexec: marshal subprocess request: %w", err)
	}

	cmd := exec.CommandContext(ctx, entrypoint)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return handler.Response{}, rumierr.Wrap(rumierr.TypeTimeout, rumierr.CategoryCap, 5, "handler subprocess timed out", err)
		}
		return handler.Response{}, rumierr.Wrap(rumierr.TypeInternal, rumierr.CategoryCap, 6, fmt.Sprintf("handler subprocess failed: %s", stderr.String()), err)
	}

	var resp handler.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return handler.Response{}, fmt.Errorf("capexec: decode subprocess response: %w", err)
	}
	return resp, nil
}
