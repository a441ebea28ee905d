// Package handler implements the capability handler registry: built-in
// handlers registered in-process, and pack-provided handlers discovered
// from handler.json manifests validated against a JSON Schema.
//
// Grounded in the ToolCatalog registry of
// _examples/Mindburn-Labs-helm/core/pkg/capabilities/types.go, generalized
// from a flat in-process-only catalog to the multi-source discovery spec.md
// §4.4 describes, with manifest validation via
// github.com/santhosh-tekuri/jsonschema/v5.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

// Runtime selects the dispatch backend for a pack-provided handler.
type Runtime string

const (
	RuntimeSubprocess Runtime = "subprocess"
	RuntimeWASM       Runtime = "wasm"
)

// BuiltinFunc is the in-process signature every built-in handler implements.
type BuiltinFunc func(ctx context.Context, req Request) (Response, error)

// Request is what the executor hands to a handler.
type Request struct {
	PrincipalID string
	GrantConfig map[string]any
	Args        map[string]any
}

// Response is a handler's result, whether success or a typed failure.
type Response struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	ErrType rumierr.Type   `json:"error_type,omitempty"`
}

// Manifest is the handler.json contract validated at discovery time.
type Manifest struct {
	HandlerID       string         `json:"handler_id"`
	PermissionID    string         `json:"permission_id"`
	Entrypoint      string         `json:"entrypoint"`
	Runtime         Runtime        `json:"runtime"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
	InputSchema     map[string]any `json:"input_schema,omitempty"`
}

// Handler is one registered capability, built-in or pack-provided.
type Handler struct {
	ID           string
	PermissionID string
	Builtin      BuiltinFunc // set for built-in handlers
	Manifest     *Manifest   // set for pack-provided handlers
	ManifestPath string      // source file, used to recompute Fingerprint
}

// Fingerprint recomputes the SHA-256 of the handler's manifest file (pack
// handlers) or its registered id (built-ins, which have no manifest file to
// tamper with), per spec.md §4.4 step 2.
func (h *Handler) Fingerprint() (string, error) {
	if h.ManifestPath == "" {
		sum := sha256.Sum256([]byte(h.ID))
		return hex.EncodeToString(sum[:]), nil
	}
	raw, err := os.ReadFile(h.ManifestPath)
	if err != nil {
		return "", fmt.Errorf("handler: read manifest for fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

var manifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	const schemaDoc = `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["handler_id", "permission_id", "entrypoint", "runtime"],
		"properties": {
			"handler_id": {"type": "string", "minLength": 1},
			"permission_id": {"type": "string", "minLength": 1},
			"entrypoint": {"type": "string", "minLength": 1},
			"runtime": {"type": "string", "enum": ["subprocess", "wasm"]},
			"timeout_seconds": {"type": "integer", "minimum": 1},
			"input_schema": {"type": "object"}
		}
	}`
	if err := compiler.AddResource("handler.schema.json", strings.NewReader(schemaDoc)); err != nil {
		panic(fmt.Sprintf("handler: add manifest schema resource: %v", err))
	}
	schema, err := compiler.Compile("handler.schema.json")
	if err != nil {
		panic(fmt.Sprintf("handler: compile manifest schema: %v", err))
	}
	return schema
}

// Registry holds every registered handler keyed by handler_id, plus a
// permission_id -> handler_id index for dispatch.
type Registry struct {
	mu           sync.RWMutex
	byHandlerID  map[string]*Handler
	byPermission map[string]*Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHandlerID:  map[string]*Handler{},
		byPermission: map[string]*Handler{},
	}
}

// RegisterBuiltin adds an in-process handler.
func (r *Registry) RegisterBuiltin(id, permissionID string, fn BuiltinFunc) {
	h := &Handler{ID: id, PermissionID: permissionID, Builtin: fn}
	r.mu.Lock()
	r.byHandlerID[id] = h
	r.byPermission[permissionID] = h
	r.mu.Unlock()
}

// DiscoverManifest validates and registers a pack-provided handler found at
// manifestPath, fail-closed on a malformed manifest (spec.md requires
// discovery to refuse any handler.json that does not satisfy the schema).
func (r *Registry) DiscoverManifest(manifestPath string) (*Handler, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("handler: read manifest %s: %w", manifestPath, err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, rumierr.Wrap(rumierr.TypeValidation, rumierr.CategoryVal, 20, fmt.Sprintf("manifest %s is not valid JSON", manifestPath), err)
	}
	if err := manifestSchema.Validate(generic); err != nil {
		return nil, rumierr.Wrap(rumierr.TypeValidation, rumierr.CategoryVal, 21, fmt.Sprintf("manifest %s failed schema validation", manifestPath), err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("handler: decode manifest %s: %w", manifestPath, err)
	}

	h := &Handler{
		ID:           m.HandlerID,
		PermissionID: m.PermissionID,
		Manifest:     &m,
		ManifestPath: manifestPath,
	}

	r.mu.Lock()
	r.byHandlerID[h.ID] = h
	r.byPermission[h.PermissionID] = h
	r.mu.Unlock()
	return h, nil
}

// DiscoverDir walks dir for handler.json files and discovers each.
func (r *Registry) DiscoverDir(dir string) ([]*Handler, error) {
	var found []*Handler
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "handler.json" {
			return nil
		}
		h, err := r.DiscoverManifest(path)
		if err != nil {
			return err
		}
		found = append(found, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("handler: discover %s: %w", dir, err)
	}
	return found, nil
}

// ByPermission resolves the handler registered for permissionID.
func (r *Registry) ByPermission(permissionID string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byPermission[permissionID]
	return h, ok
}

// ByID resolves a handler by its handler_id.
func (r *Registry) ByID(handlerID string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byHandlerID[handlerID]
	return h, ok
}
