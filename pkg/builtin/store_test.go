package builtin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/kv"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

func newStoreRegistry(t *testing.T) (*handler.Registry, *kv.Registry) {
	t.Helper()
	dir := t.TempDir()
	stores := kv.NewRegistry(dir)
	_, err := stores.Define("notes", dir)
	require.NoError(t, err)

	reg := handler.NewRegistry()
	RegisterStoreHandlers(reg, stores)
	return reg, stores
}

func allowNotes() map[string]any {
	return map[string]any{"allowed_store_ids": []any{"notes"}}
}

func TestStoreSetThenGetRoundTrips(t *testing.T) {
	reg, _ := newStoreRegistry(t)

	setResp := invoke(t, reg, "store.set", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "greeting", "value": "hello"},
	})
	require.True(t, setResp.Success)

	getResp := invoke(t, reg, "store.get", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "greeting"},
	})
	require.True(t, getResp.Success)
	require.Equal(t, "hello", getResp.Result["value"])
}

func TestStoreDeniesStoreIDOutsideAllowList(t *testing.T) {
	reg, _ := newStoreRegistry(t)
	resp := invoke(t, reg, "store.get", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "other", "key": "greeting"},
	})
	require.False(t, resp.Success)
	require.Equal(t, rumierr.TypeGrantDenied, resp.ErrType)
}

func TestStoreDeleteRemovesKey(t *testing.T) {
	reg, _ := newStoreRegistry(t)
	invoke(t, reg, "store.set", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "k", "value": "v"},
	})
	delResp := invoke(t, reg, "store.delete", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "k"},
	})
	require.True(t, delResp.Success)

	getResp := invoke(t, reg, "store.get", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "k"},
	})
	require.False(t, getResp.Success)
}

func TestStoreListReturnsMatchingPrefix(t *testing.T) {
	reg, _ := newStoreRegistry(t)
	invoke(t, reg, "store.set", handler.Request{GrantConfig: allowNotes(), Args: map[string]any{"store_id": "notes", "key": "a/1", "value": "x"}})
	invoke(t, reg, "store.set", handler.Request{GrantConfig: allowNotes(), Args: map[string]any{"store_id": "notes", "key": "a/2", "value": "y"}})
	invoke(t, reg, "store.set", handler.Request{GrantConfig: allowNotes(), Args: map[string]any{"store_id": "notes", "key": "b/1", "value": "z"}})

	listResp := invoke(t, reg, "store.list", handler.Request{GrantConfig: allowNotes(), Args: map[string]any{"store_id": "notes", "prefix": "a/"}})
	require.True(t, listResp.Success)
	keys, ok := listResp.Result["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 2)
}

func TestStoreBatchGetSplitsFoundAndNotFound(t *testing.T) {
	reg, _ := newStoreRegistry(t)
	invoke(t, reg, "store.set", handler.Request{GrantConfig: allowNotes(), Args: map[string]any{"store_id": "notes", "key": "present", "value": "here"}})

	resp := invoke(t, reg, "store.batch_get", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "keys": []any{"present", "absent"}},
	})
	require.True(t, resp.Success)
	require.ElementsMatch(t, []any{"present"}, resp.Result["found"])
	require.ElementsMatch(t, []any{"absent"}, resp.Result["not_found"])
}

func TestStoreCASSucceedsOnMatchAndFailsOnMismatch(t *testing.T) {
	reg, _ := newStoreRegistry(t)
	invoke(t, reg, "store.set", handler.Request{GrantConfig: allowNotes(), Args: map[string]any{"store_id": "notes", "key": "counter", "value": float64(1)}})

	ok := invoke(t, reg, "store.cas", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "counter", "expected": float64(1), "new": float64(2)},
	})
	require.True(t, ok.Success)

	conflict := invoke(t, reg, "store.cas", handler.Request{
		GrantConfig: allowNotes(),
		Args:        map[string]any{"store_id": "notes", "key": "counter", "expected": float64(1), "new": float64(3)},
	})
	require.False(t, conflict.Success)
	require.Equal(t, rumierr.TypeCASConflict, conflict.ErrType)
}
