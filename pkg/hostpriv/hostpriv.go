// Package hostpriv implements the host privilege manager (spec.md C13): a
// signed allow-list of packs permitted to run outside container
// containment. In RUMI_SECURITY_MODE=strict, granting host_execution
// requires both an explicit signed entry and an operator-authenticated
// mutation call (pkg/opauth); a failed-HMAC entry is dropped and audited
// exactly like pkg/trust.
//
// Grounded in the signed-document mutation lifecycle of pkg/trust/trust.go
// (itself grounded on _examples/Mindburn-Labs-helm/core/pkg/trust/install_receipt.go),
// persisted via pkg/signeddoc.
package hostpriv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rumi-ai/rumi-core/pkg/audit"
	"github.com/rumi-ai/rumi-core/pkg/config"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
	"github.com/rumi-ai/rumi-core/pkg/signeddoc"
)

// Entry is one pack's host-execution privilege record.
type Entry struct {
	PackID         string    `json:"pack_id"`
	HostExecution  bool      `json:"host_execution"`
	GrantedAt      time.Time `json:"granted_at"`
	GrantedBy      string    `json:"granted_by"`
}

// document is the on-disk shape: pack_id -> Entry.
type document struct {
	Entries map[string]Entry `json:"entries"`
}

// OperatorAuthenticator verifies the bearer token accompanying a mutation
// call and returns the authenticated operator id. In strict mode it must
// be configured; Set refuses a host_execution grant without one.
type OperatorAuthenticator interface {
	Validate(token string) (string, error)
}

// Auditor is the subset of *audit.Logger the host-privilege manager records
// signature failures to.
type Auditor interface {
	Record(ctx context.Context, severity audit.Severity, action, resource string, metadata map[string]any) error
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Severity, string, string, map[string]any) error {
	return nil
}

// Manager is the in-memory, signed-document-backed view of host privilege
// grants.
type Manager struct {
	doc          *signeddoc.Doc[document]
	log          *slog.Logger
	auditor      Auditor
	clock        func() time.Time
	securityMode config.SecurityMode
	authn        OperatorAuthenticator

	mu    sync.RWMutex
	cache document
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger used for dropped-signature warnings.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithSecurityMode enforces spec.md §4.9's strict-mode requirement that
// host_execution grants carry an operator-authenticated mutation call.
func WithSecurityMode(mode config.SecurityMode) Option {
	return func(m *Manager) { m.securityMode = mode }
}

// WithOperatorAuthenticator wires the JWT validator consulted in strict
// mode before a Set call is allowed to proceed.
func WithOperatorAuthenticator(a OperatorAuthenticator) Option {
	return func(m *Manager) { m.authn = a }
}

// WithAuditor wires the audit log that records signature failures.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// Open loads (or initializes empty) the host-privilege document at path.
func Open(path string, signer signeddoc.Signer, opts ...Option) (*Manager, error) {
	m := &Manager{
		doc:          signeddoc.New[document](path, signer),
		log:          slog.Default(),
		auditor:      noopAuditor{},
		clock:        time.Now,
		securityMode: config.SecurityStrict,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the signed document from disk, dropping it (and logging
// a warning) if its signature does not verify.
func (m *Manager) Reload() error {
	doc, ok, err := m.doc.Load()
	if err != nil {
		m.log.Warn("host privilege document signature invalid, dropping cache", "error", err)
		m.auditor.Record(context.Background(), audit.SeverityWarning, "hostpriv.signature_invalid", "hostpriv_store", map[string]any{"error": err.Error()})
		m.mu.Lock()
		m.cache = document{Entries: map[string]Entry{}}
		m.mu.Unlock()
		return err
	}
	if !ok {
		doc = document{Entries: map[string]Entry{}}
	}
	m.mu.Lock()
	m.cache = doc
	m.mu.Unlock()
	return nil
}

// AllowsHostExecution reports whether packID may run outside containment.
func (m *Manager) AllowsHostExecution(packID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache.Entries[packID]
	return ok && e.HostExecution
}

// Set grants or revokes host_execution for packID. In strict mode a grant
// (hostExecution true) requires a configured OperatorAuthenticator and a
// token it validates, and records the returned operator id as granted_by;
// a revocation (false) needs no token and is recorded as granted by "system".
func (m *Manager) Set(ctx context.Context, packID string, hostExecution bool, token string) error {
	grantedBy := "system"
	if m.securityMode == config.SecurityStrict && hostExecution {
		if m.authn == nil {
			return rumierr.New(rumierr.TypePermission, rumierr.CategoryAuth, 20, "host execution grants require an operator authenticator in strict mode")
		}
		operatorID, err := m.authn.Validate(token)
		if err != nil {
			m.auditor.Record(ctx, audit.SeverityWarning, "hostpriv.operator_auth_failed", packID, map[string]any{"error": err.Error()})
			return rumierr.Wrap(rumierr.TypePermission, rumierr.CategoryAuth, 21, "operator authentication failed", err)
		}
		grantedBy = operatorID
	}

	_, err := m.doc.Mutate(func(current document, existed bool) (document, error) {
		if !existed || current.Entries == nil {
			current.Entries = map[string]Entry{}
		}
		current.Entries[packID] = Entry{
			PackID:        packID,
			HostExecution: hostExecution,
			GrantedAt:     m.clock(),
			GrantedBy:     grantedBy,
		}
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("hostpriv: set %q: %w", packID, err)
	}
	return m.Reload()
}

// Get returns the current entry for packID, if any.
func (m *Manager) Get(packID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache.Entries[packID]
	return e, ok
}
