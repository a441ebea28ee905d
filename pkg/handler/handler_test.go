package handler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltinAndDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterBuiltin("secrets.get", "secrets.get", func(ctx context.Context, req Request) (Response, error) {
		return Response{Success: true, Result: map[string]any{"value": "x"}}, nil
	})

	h, ok := reg.ByPermission("secrets.get")
	require.True(t, ok)
	resp, err := h.Builtin(context.Background(), Request{})
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestDiscoverManifestValidatesSchema(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "handler.json")

	manifest := Manifest{HandlerID: "pack.tool", PermissionID: "pack.tool", Entrypoint: "./run.sh", Runtime: RuntimeSubprocess}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	h, err := reg.DiscoverManifest(path)
	require.NoError(t, err)
	require.Equal(t, "pack.tool", h.ID)

	got, ok := reg.ByID("pack.tool")
	require.True(t, ok)
	require.Equal(t, RuntimeSubprocess, got.Manifest.Runtime)
}

func TestDiscoverManifestRejectsMissingRequiredField(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "handler.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"handler_id": "x"}`), 0600))

	_, err := reg.DiscoverManifest(path)
	require.Error(t, err)
}

func TestDiscoverManifestRejectsUnknownRuntime(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "handler.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"handler_id":"x","permission_id":"x","entrypoint":"e","runtime":"native"}`), 0600))

	_, err := reg.DiscoverManifest(path)
	require.Error(t, err)
}

func TestFingerprintChangesWhenManifestFileChanges(t *testing.T) {
	reg := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "handler.json")
	manifest := Manifest{HandlerID: "pack.tool", PermissionID: "pack.tool", Entrypoint: "./run.sh", Runtime: RuntimeSubprocess}
	raw, _ := json.Marshal(manifest)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	h, err := reg.DiscoverManifest(path)
	require.NoError(t, err)

	fp1, err := h.Fingerprint()
	require.NoError(t, err)

	manifest.Entrypoint = "./run2.sh"
	raw2, _ := json.Marshal(manifest)
	require.NoError(t, os.WriteFile(path, raw2, 0600))

	fp2, err := h.Fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestDiscoverDirFindsNestedManifests(t *testing.T) {
	reg := NewRegistry()
	root := t.TempDir()
	sub := filepath.Join(root, "pack-a")
	require.NoError(t, os.MkdirAll(sub, 0700))
	manifest := Manifest{HandlerID: "pack-a.tool", PermissionID: "pack-a.tool", Entrypoint: "./run.sh", Runtime: RuntimeWASM}
	raw, _ := json.Marshal(manifest)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "handler.json"), raw, 0600))

	found, err := reg.DiscoverDir(root)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "pack-a.tool", found[0].ID)
}
