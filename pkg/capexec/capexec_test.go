package capexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/rumi-core/pkg/config"
	"github.com/rumi-ai/rumi-core/pkg/grant"
	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

type fakeTrust struct{ err error }

func (f fakeTrust) Check(ctx context.Context, principalID, fingerprint string) error { return f.err }

type fakeGrant struct {
	decision grant.Decision
	err      error
}

func (f fakeGrant) Check(ctx context.Context, principalID, permissionID string) (grant.Decision, error) {
	return f.decision, f.err
}

func TestDispatchRunsBuiltinHandlerOnSuccess(t *testing.T) {
	reg := handler.NewRegistry()
	reg.RegisterBuiltin("store.get", "store.get", func(ctx context.Context, req handler.Request) (handler.Response, error) {
		return handler.Response{Success: true, Result: map[string]any{"value": 1}}, nil
	})

	exec := New(fakeTrust{}, fakeGrant{decision: grant.Decision{Allowed: true}}, reg)
	resp, err := exec.Dispatch(context.Background(), "p1", "store.get", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestDispatchDeniesOnTrustFailure(t *testing.T) {
	reg := handler.NewRegistry()
	reg.RegisterBuiltin("store.get", "store.get", func(ctx context.Context, req handler.Request) (handler.Response, error) {
		t.Fatal("handler must not run when trust check fails")
		return handler.Response{}, nil
	})

	exec := New(fakeTrust{err: rumierr.ErrTrustDenied}, fakeGrant{}, reg)
	resp, err := exec.Dispatch(context.Background(), "p1", "store.get", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
}

func TestDispatchUsesUnifiedDenialForSecretsGet(t *testing.T) {
	reg := handler.NewRegistry()
	exec := New(fakeTrust{err: rumierr.ErrTrustDenied}, fakeGrant{}, reg)

	resp, err := exec.Dispatch(context.Background(), "p1", "secrets.get", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, rumierr.DeniedOrNotFoundMessage, resp.Error)
}

func TestDispatchUsesUnifiedDenialForSecretsGetOnGrantFailureToo(t *testing.T) {
	reg := handler.NewRegistry()
	reg.RegisterBuiltin("secrets.get", "secrets.get", func(ctx context.Context, req handler.Request) (handler.Response, error) {
		t.Fatal("handler must not run when grant check fails")
		return handler.Response{}, nil
	})
	exec := New(fakeTrust{}, fakeGrant{err: rumierr.ErrNoGrant}, reg)

	resp, err := exec.Dispatch(context.Background(), "p1", "secrets.get", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, rumierr.DeniedOrNotFoundMessage, resp.Error)
}

func TestDispatchReturnsNotFoundForUnregisteredPermission(t *testing.T) {
	reg := handler.NewRegistry()
	exec := New(fakeTrust{}, fakeGrant{decision: grant.Decision{Allowed: true}}, reg)

	resp, err := exec.Dispatch(context.Background(), "p1", "unknown.permission", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, rumierr.TypeNotFound, resp.ErrType)
}

type fakeFlowRunner struct {
	result map[string]any
	err    error
}

func (f fakeFlowRunner) Run(ctx context.Context, principalID string, args map[string]any) (map[string]any, error) {
	return f.result, f.err
}

func TestDispatchInterceptsFlowRunBeforeTrustCheck(t *testing.T) {
	reg := handler.NewRegistry()
	exec := New(fakeTrust{err: rumierr.ErrTrustDenied}, fakeGrant{}, reg,
		WithFlowRunner(fakeFlowRunner{result: map[string]any{"status": "completed"}}))

	resp, err := exec.Dispatch(context.Background(), "p1", "flow.run", map[string]any{"flow_id": "f1"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "completed", resp.Result["status"])
}

func TestPermissiveModeBypassesTrustForBuiltinsOnly(t *testing.T) {
	reg := handler.NewRegistry()
	reg.RegisterBuiltin("store.get", "store.get", func(ctx context.Context, req handler.Request) (handler.Response, error) {
		return handler.Response{Success: true}, nil
	})

	exec := New(fakeTrust{err: rumierr.ErrTrustDenied}, fakeGrant{decision: grant.Decision{Allowed: true}}, reg,
		WithPermissionMode(config.PermissionPermissive))

	resp, err := exec.Dispatch(context.Background(), "p1", "store.get", nil)
	require.NoError(t, err)
	require.True(t, resp.Success, "permissive mode must bypass trust for a builtin handler")
}

func TestPermissiveModeStillEnforcesTrustForPackHandlers(t *testing.T) {
	reg := handler.NewRegistry()
	reg.RegisterBuiltin("pack.op", "pack.op", nil) // Builtin left nil: stands in for a manifest-backed (non-builtin) handler

	exec := New(fakeTrust{err: rumierr.ErrTrustDenied}, fakeGrant{}, reg,
		WithPermissionMode(config.PermissionPermissive))

	resp, err := exec.Dispatch(context.Background(), "p1", "pack.op", nil)
	require.NoError(t, err)
	require.False(t, resp.Success, "permissive mode must not bypass trust for a non-builtin handler")
}
