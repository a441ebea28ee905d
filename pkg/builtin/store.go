package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/kv"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

// RegisterStoreHandlers wires store.get/set/delete/list/batch_get/cas
// against registry, scoping every call to grant_config.allowed_store_ids
// and grant_config.max_value_bytes exactly as spec.md §3's grant config
// shape for store.* describes.
func RegisterStoreHandlers(reg *handler.Registry, stores *kv.Registry) {
	reg.RegisterBuiltin("store.get", "store.get", storeGet(stores))
	reg.RegisterBuiltin("store.set", "store.set", storeSet(stores))
	reg.RegisterBuiltin("store.delete", "store.delete", storeDelete(stores))
	reg.RegisterBuiltin("store.list", "store.list", storeList(stores))
	reg.RegisterBuiltin("store.batch_get", "store.batch_get", storeBatchGet(stores))
	reg.RegisterBuiltin("store.cas", "store.cas", storeCAS(stores))
}

func allowedStoreIDs(cfg map[string]any) []any {
	ids, _ := cfg["allowed_store_ids"].([]any)
	return ids
}

func storeAllowed(cfg map[string]any, storeID string) bool {
	ids := allowedStoreIDs(cfg)
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if s, ok := id.(string); ok && s == storeID {
			return true
		}
	}
	return false
}

func maxValueBytes(cfg map[string]any) int {
	switch v := cfg["max_value_bytes"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return kv.DefaultMaxValueBytes
	}
}

func resolveStore(ctx context.Context, stores *kv.Registry, grantConfig map[string]any, args map[string]any) (*kv.Store, string, error) {
	storeID, _ := args["store_id"].(string)
	if storeID == "" {
		return nil, "", rumierr.New(rumierr.TypeValidation, rumierr.CategoryVal, 30, "missing store_id")
	}
	if !storeAllowed(grantConfig, storeID) {
		return nil, "", rumierr.New(rumierr.TypeGrantDenied, rumierr.CategoryAuth, 30, fmt.Sprintf("store %q not in allowed_store_ids", storeID))
	}
	store, err := stores.Get(storeID)
	if err != nil {
		return nil, "", err
	}
	return store, storeID, nil
}

func errResponse(err error) handler.Response {
	rErr, ok := rumierr.As(err)
	if !ok {
		return handler.Response{Success: false, Error: err.Error(), ErrType: rumierr.TypeInternal}
	}
	return handler.Response{Success: false, Error: rErr.Message, ErrType: rErr.ErrType}
}

func storeGet(stores *kv.Registry) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		store, _, err := resolveStore(ctx, stores, req.GrantConfig, req.Args)
		if err != nil {
			return errResponse(err), nil
		}
		key, _ := req.Args["key"].(string)
		value, err := store.Get(ctx, key)
		if err != nil {
			return errResponse(err), nil
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return handler.Response{}, fmt.Errorf("builtin: decode stored value: %w", err)
		}
		return handler.Response{Success: true, Result: map[string]any{"value": decoded}}, nil
	}
}

func storeSet(stores *kv.Registry) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		store, _, err := resolveStore(ctx, stores, req.GrantConfig, req.Args)
		if err != nil {
			return errResponse(err), nil
		}
		key, _ := req.Args["key"].(string)
		raw, err := json.Marshal(req.Args["value"])
		if err != nil {
			return handler.Response{}, fmt.Errorf("builtin: marshal value: %w", err)
		}
		if err := store.Set(ctx, key, raw, maxValueBytes(req.GrantConfig)); err != nil {
			return errResponse(err), nil
		}
		return handler.Response{Success: true}, nil
	}
}

func storeDelete(stores *kv.Registry) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		store, _, err := resolveStore(ctx, stores, req.GrantConfig, req.Args)
		if err != nil {
			return errResponse(err), nil
		}
		key, _ := req.Args["key"].(string)
		if err := store.Delete(ctx, key); err != nil {
			return errResponse(err), nil
		}
		return handler.Response{Success: true}, nil
	}
}

func storeList(stores *kv.Registry) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		store, _, err := resolveStore(ctx, stores, req.GrantConfig, req.Args)
		if err != nil {
			return errResponse(err), nil
		}
		prefix, _ := req.Args["prefix"].(string)
		keys, err := store.List(ctx, prefix)
		if err != nil {
			return errResponse(err), nil
		}
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = k
		}
		return handler.Response{Success: true, Result: map[string]any{"keys": items}}, nil
	}
}

// maxBatchGetResponseBytes is the soft cap on the cumulative response size
// spec.md §4.2 describes; once exceeded, remaining values are returned as
// null rather than aborting the whole call.
const maxBatchGetResponseBytes = 900 * 1024

func storeBatchGet(stores *kv.Registry) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		store, _, err := resolveStore(ctx, stores, req.GrantConfig, req.Args)
		if err != nil {
			return errResponse(err), nil
		}
		rawKeys, _ := req.Args["keys"].([]any)
		if len(rawKeys) > kv.DefaultBatchGetLimit {
			rawKeys = rawKeys[:kv.DefaultBatchGetLimit]
		}

		found := make([]any, 0, len(rawKeys))
		notFound := make([]any, 0)
		items := make(map[string]any, len(rawKeys))
		budget := maxBatchGetResponseBytes

		for _, rk := range rawKeys {
			key, _ := rk.(string)
			value, err := store.Get(ctx, key)
			if err != nil {
				if rumierr.TypeOf(err) == rumierr.TypeKeyNotFound {
					notFound = append(notFound, key)
					continue
				}
				return errResponse(err), nil
			}
			found = append(found, key)
			if budget <= 0 {
				items[key] = nil
				continue
			}
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return handler.Response{}, fmt.Errorf("builtin: decode stored value: %w", err)
			}
			items[key] = decoded
			budget -= len(value)
		}

		return handler.Response{Success: true, Result: map[string]any{
			"found":     found,
			"not_found": notFound,
			"items":     items,
		}}, nil
	}
}

func storeCAS(stores *kv.Registry) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		store, _, err := resolveStore(ctx, stores, req.GrantConfig, req.Args)
		if err != nil {
			return errResponse(err), nil
		}
		key, _ := req.Args["key"].(string)
		expected, err := json.Marshal(req.Args["expected"])
		if err != nil {
			return handler.Response{}, fmt.Errorf("builtin: marshal expected: %w", err)
		}
		newValue, err := json.Marshal(req.Args["new"])
		if err != nil {
			return handler.Response{}, fmt.Errorf("builtin: marshal new: %w", err)
		}

		success, err := store.CAS(ctx, key, expected, newValue)
		if err != nil {
			if rumierr.TypeOf(err) == rumierr.TypeCASConflict {
				return handler.Response{Success: false, Error: "cas: expected value does not match current value", ErrType: rumierr.TypeCASConflict}, nil
			}
			return errResponse(err), nil
		}
		return handler.Response{Success: success}, nil
	}
}
