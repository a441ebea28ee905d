// Package builtin implements the core's in-process capability handlers:
// secrets.get, store.get/set/delete/list/batch_get/cas, and
// docker.run/exec/list/logs. Each is registered into a
// *handler.Registry as a built-in (handler.BuiltinFunc), dispatched
// in-process by pkg/capexec per spec.md §4.4 step 5.
//
// Grounded in original_source/.../builtin_capability_handlers/secrets_get/handler.py
// (allowed_keys fail-closed, unified denial message, KEY_PATTERN
// validation, audit without the value) and
// .../store_get|store_set|store_delete|store_list|store_batch_get|store_cas
// (store_id scoping via grant_config.allowed_store_ids).
package builtin

import (
	"context"
	"regexp"

	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

var secretKeyRE = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)

// SecretsStore resolves a secret value by key. Existence and value are
// both sensitive: Get must not distinguish "denied", "not found", and
// "revoked" to its caller by any side channel other than the ok bool.
type SecretsStore interface {
	Get(ctx context.Context, key string) (value string, ok bool)
}

// RegisterSecretsGet wires secrets.get. allowed_keys absent or empty in
// grant_config means fail-closed: deny everything, exactly as the
// original's handler does.
func RegisterSecretsGet(reg *handler.Registry, store SecretsStore) {
	reg.RegisterBuiltin("secrets.get", "secrets.get", func(ctx context.Context, req handler.Request) (handler.Response, error) {
		key, _ := req.Args["key"].(string)
		if key == "" || !secretKeyRE.MatchString(key) {
			return handler.Response{Success: false, Error: "Missing or invalid key", ErrType: rumierr.TypeValidation}, nil
		}

		allowedKeys, _ := req.GrantConfig["allowed_keys"].([]any)
		if !keyAllowed(allowedKeys, key) {
			return denied(), nil
		}

		value, ok := store.Get(ctx, key)
		if !ok {
			return denied(), nil
		}
		return handler.Response{Success: true, Result: map[string]any{"value": value}}, nil
	})
}

func keyAllowed(allowedKeys []any, key string) bool {
	if len(allowedKeys) == 0 {
		return false
	}
	for _, k := range allowedKeys {
		if s, ok := k.(string); ok && s == key {
			return true
		}
	}
	return false
}

func denied() handler.Response {
	return handler.Response{Success: false, Error: rumierr.DeniedOrNotFoundMessage, ErrType: rumierr.TypeAccessDenied}
}
