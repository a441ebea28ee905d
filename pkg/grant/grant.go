// Package grant implements the hierarchical grant-config manager: per
// permission, a config document is resolved by folding each ancestor
// principal's config into the next (parent config is a ceiling, never an
// expansion). Check returns that resolved config; it does not look at the
// request's arguments, which the handler checks against the config itself.
//
// Grounded line-for-line in spirit on
// original_source/.../core_runtime/hierarchical_grant.py
// (get_principal_chain, intersect_configs), including the
// "parent wins on scalar mismatch" rule, persisted via pkg/signeddoc the
// same way pkg/trust is.
package grant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rumi-ai/rumi-core/pkg/audit"
	"github.com/rumi-ai/rumi-core/pkg/paths"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
	"github.com/rumi-ai/rumi-core/pkg/signeddoc"
)

// Config is an arbitrary grant configuration document, e.g.
// {"allowed_store_ids": ["s1", "s2"], "max_value_bytes": 65536}.
type Config map[string]any

// record is one (principal, permission) grant entry.
type record struct {
	Config    Config    `json:"config"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
	Revoked   bool      `json:"revoked"`
}

// document is the on-disk shape: principal_id -> permission_id -> record.
type document struct {
	Grants map[string]map[string]record `json:"grants"`
}

// Decision is the result of a Check call.
type Decision struct {
	Allowed        bool
	ResolvedConfig Config
	Reason         string
}

// Auditor is the subset of *audit.Logger the grant manager records
// signature failures to.
type Auditor interface {
	Record(ctx context.Context, severity audit.Severity, action, resource string, metadata map[string]any) error
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Severity, string, string, map[string]any) error {
	return nil
}

// Manager resolves and persists hierarchical grants.
type Manager struct {
	doc     *signeddoc.Doc[document]
	clock   func() time.Time
	log     *slog.Logger
	auditor Auditor
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the structured logger used for signature-failure warnings.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithAuditor wires the audit log that records signature failures.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// Open loads (or initializes empty) the grant document at path.
func Open(path string, signer signeddoc.Signer, opts ...Option) (*Manager, error) {
	m := &Manager{
		doc:     signeddoc.New[document](path, signer),
		clock:   time.Now,
		log:     slog.Default(),
		auditor: noopAuditor{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Grant sets (or replaces) the grant config for principalID+permissionID.
func (m *Manager) Grant(ctx context.Context, principalID, permissionID string, cfg Config, grantedBy string) error {
	_, err := m.doc.Mutate(func(current document, existed bool) (document, error) {
		if !existed || current.Grants == nil {
			current.Grants = map[string]map[string]record{}
		}
		if current.Grants[principalID] == nil {
			current.Grants[principalID] = map[string]record{}
		}
		current.Grants[principalID][permissionID] = record{
			Config:    cfg,
			GrantedBy: grantedBy,
			GrantedAt: m.clock(),
		}
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("grant: grant %s/%s: %w", principalID, permissionID, err)
	}
	return nil
}

// Revoke marks the principal+permission grant revoked.
func (m *Manager) Revoke(ctx context.Context, principalID, permissionID string) error {
	_, err := m.doc.Mutate(func(current document, existed bool) (document, error) {
		if !existed || current.Grants[principalID] == nil {
			return current, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryAuth, 10, "no such grant")
		}
		rec, ok := current.Grants[principalID][permissionID]
		if !ok {
			return current, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryAuth, 10, "no such grant")
		}
		rec.Revoked = true
		current.Grants[principalID][permissionID] = rec
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("grant: revoke %s/%s: %w", principalID, permissionID, err)
	}
	return nil
}

// Check walks principalID's ancestor chain (root-first), folding
// intersectConfigs(parent, child) at each step, and reports whether
// permissionID is granted anywhere in the chain. A principal with no grant
// record for permissionID anywhere in its chain is denied.
func (m *Manager) Check(ctx context.Context, principalID, permissionID string) (Decision, error) {
	principal, err := paths.ParsePrincipal(principalID)
	if err != nil {
		return Decision{}, fmt.Errorf("grant: %w", err)
	}

	doc, _, err := m.doc.Load()
	if err != nil {
		m.log.Warn("grant store signature invalid, denying", "error", err)
		m.auditor.Record(ctx, audit.SeverityWarning, "grant.signature_invalid", "grant_store", map[string]any{"error": err.Error()})
		return Decision{}, fmt.Errorf("grant: load: %w", err)
	}

	var resolved Config
	found := false
	for _, id := range principal.Chain() {
		perms, ok := doc.Grants[id]
		if !ok {
			continue
		}
		rec, ok := perms[permissionID]
		if !ok || rec.Revoked {
			continue
		}
		if !found {
			resolved = rec.Config
		} else {
			resolved = intersectConfigs(resolved, rec.Config)
		}
		found = true
	}

	if !found {
		return Decision{Allowed: false, Reason: "no grant in principal chain"},
			rumierr.Wrap(rumierr.TypeGrantDenied, rumierr.CategoryAuth, 11, fmt.Sprintf("no grant for %s on %s", principalID, permissionID), rumierr.ErrNoGrant)
	}
	return Decision{Allowed: true, ResolvedConfig: resolved}, nil
}

// intersectConfigs generalizes intersect_configs from hierarchical_grant.py:
// parentConfig is the ceiling. Keys absent from parent pass through from
// child untouched; keys present in both intersect by type (maps recurse,
// lists/sets intersect as sets, scalars keep the parent's value on
// mismatch, matching the original's documented policy exactly).
func intersectConfigs(parentConfig, childConfig Config) Config {
	if parentConfig == nil {
		parentConfig = Config{}
	}
	if childConfig == nil {
		childConfig = Config{}
	}

	merged := make(Config, len(childConfig))
	for k, v := range childConfig {
		merged[k] = v
	}

	for key, parentValue := range parentConfig {
		childValue, exists := merged[key]
		if !exists {
			merged[key] = parentValue
			continue
		}

		switch pv := parentValue.(type) {
		case map[string]any:
			if cv, ok := childValue.(map[string]any); ok {
				merged[key] = intersectConfigs(Config(pv), Config(cv))
				continue
			}
			merged[key] = parentValue
		case []any:
			if cv, ok := childValue.([]any); ok {
				merged[key] = intersectLists(pv, cv)
				continue
			}
			merged[key] = parentValue
		default:
			if !equalScalar(parentValue, childValue) {
				merged[key] = parentValue
			} else {
				merged[key] = childValue
			}
		}
	}
	return merged
}

func intersectLists(parent, child []any) []any {
	childSet := make(map[string]struct{}, len(child))
	for _, v := range child {
		childSet[fmt.Sprint(v)] = struct{}{}
	}
	var out []any
	seen := map[string]struct{}{}
	for _, v := range parent {
		key := fmt.Sprint(v)
		if _, ok := childSet[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func equalScalar(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
