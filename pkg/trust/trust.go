// Package trust implements the signed trust store: per-principal trust
// records (fingerprint pinning, revocation) that gate capability dispatch
// before the grant manager is ever consulted.
//
// Grounded in the signed/versioned record shape and revocation lifecycle of
// _examples/Mindburn-Labs-helm/core/pkg/trust/install_receipt.go and
// pack_loader.go's load/verify pattern, persisted via pkg/signeddoc (itself
// grounded on pkg/store/ledger/file_ledger.go).
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rumi-ai/rumi-core/pkg/audit"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
	"github.com/rumi-ai/rumi-core/pkg/signeddoc"
)

// Record is one principal's trust entry.
type Record struct {
	PrincipalID string    `json:"principal_id"`
	Fingerprint string    `json:"fingerprint"`
	GrantedBy   string    `json:"granted_by"`
	GrantedAt   time.Time `json:"granted_at"`
	Revoked     bool      `json:"revoked"`
	RevokedAt   time.Time `json:"revoked_at,omitempty"`
}

// document is the on-disk shape: principal_id -> Record.
type document struct {
	Records map[string]Record `json:"records"`
}

// Invalidator is notified whenever the trust document changes, so multiple
// host processes sharing one trust file can reload their cache; nothing
// else tells a process that another one changed the file. The Redis pub/sub-backed implementation
// lives in redis.go; the default is a no-op.
type Invalidator interface {
	Publish(ctx context.Context) error
}

type noopInvalidator struct{}

func (noopInvalidator) Publish(context.Context) error { return nil }

// Auditor is the subset of *audit.Logger the trust store records signature
// failures and fingerprint invalidations to.
type Auditor interface {
	Record(ctx context.Context, severity audit.Severity, action, resource string, metadata map[string]any) error
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Severity, string, string, map[string]any) error {
	return nil
}

// Manager is the in-memory view of the trust document, with mutation
// methods that go straight to disk. The view is refreshed only by Open, by
// this Manager's own mutations and by explicit Reload calls; the file is
// not watched or polled.
type Manager struct {
	doc    *signeddoc.Doc[document]
	log    *slog.Logger
	invalidator Invalidator
	auditor Auditor
	clock  func() time.Time

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

// WithInvalidator wires a hot-reload fan-out (e.g. Redis pub/sub) triggered
// on every successful mutation.
func WithInvalidator(inv Invalidator) Option {
	return func(m *Manager) { m.invalidator = inv }
}

// WithAuditor wires the audit log that records signature failures and
// fingerprint-mismatch invalidations.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// Open loads (or initializes empty) the trust document at path.
func Open(path string, signer signeddoc.Signer, opts ...Option) (*Manager, error) {
	m := &Manager{
		doc:         signeddoc.New[document](path, signer),
		log:         slog.Default(),
		invalidator: noopInvalidator{},
		auditor:     noopAuditor{},
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the signed document from disk. Open and every mutation
// call it; a caller reacting to an invalidation message (see
// RedisInvalidator.Subscribe) calls it directly.
func (m *Manager) Reload() error {
	doc, ok, err := m.doc.Load()
	if err != nil {
		m.log.Warn("trust store signature invalid, dropping cache", "error", err)
		m.auditor.Record(context.Background(), audit.SeverityWarning, "trust.signature_invalid", "trust_store", map[string]any{"error": err.Error()})
		m.mu.Lock()
		m.cache = document{Records: map[string]Record{}}
		m.mu.Unlock()
		return err
	}
	if !ok {
		doc = document{Records: map[string]Record{}}
	}
	m.mu.Lock()
	m.cache = doc
	m.mu.Unlock()
	return nil
}

// Check returns nil if principalID holds an unrevoked trust record pinned to
// fingerprint; an absent or revoked record yields an error wrapping
// ErrTrustDenied, and a different pin a fingerprint-mismatch error. fingerprint must be the hash the caller itself computed
// over the handler it is about to invoke (see pkg/capexec) — never a value
// taken from the request payload, or pinning is meaningless. A mismatch
// revokes the principal's trust record on the spot, since a changed
// fingerprint means the previously-trusted artifact no longer exists.
func (m *Manager) Check(ctx context.Context, principalID, fingerprint string) error {
	m.mu.RLock()
	rec, ok := m.cache.Records[principalID]
	m.mu.RUnlock()

	if !ok {
		return rumierr.Wrap(rumierr.TypeTrustDenied, rumierr.CategoryAuth, 1, fmt.Sprintf("no trust record for principal %q", principalID), rumierr.ErrTrustDenied)
	}
	if rec.Revoked {
		return rumierr.Wrap(rumierr.TypeTrustDenied, rumierr.CategoryAuth, 2, fmt.Sprintf("principal %q is revoked", principalID), rumierr.ErrTrustDenied)
	}
	if rec.Fingerprint != fingerprint {
		if err := m.invalidate(ctx, principalID); err != nil {
			m.log.Warn("trust: failed to invalidate principal after fingerprint mismatch", "principal_id", principalID, "error", err)
		}
		m.auditor.Record(ctx, audit.SeverityWarning, "trust.fingerprint_mismatch", principalID, map[string]any{"expected": rec.Fingerprint})
		return rumierr.New(rumierr.TypeFingerprint, rumierr.CategoryAuth, 3, fmt.Sprintf("fingerprint mismatch for principal %q", principalID))
	}
	return nil
}

// invalidate revokes principalID's trust record in place: a fingerprint
// mismatch means the handler this principal was pinned to has changed, so
// the old pin must not keep being honored until an operator re-grants it.
func (m *Manager) invalidate(ctx context.Context, principalID string) error {
	_, err := m.doc.Mutate(func(current document, existed bool) (document, error) {
		if !existed || current.Records == nil {
			return current, nil
		}
		rec, ok := current.Records[principalID]
		if !ok || rec.Revoked {
			return current, nil
		}
		rec.Revoked = true
		rec.RevokedAt = m.clock()
		current.Records[principalID] = rec
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("trust: invalidate %q: %w", principalID, err)
	}
	if err := m.Reload(); err != nil {
		return err
	}
	return m.invalidator.Publish(ctx)
}

// Grant adds or updates the trust record for principalID, signed and
// persisted atomically, then reloads the in-memory cache.
func (m *Manager) Grant(ctx context.Context, principalID, fingerprint, grantedBy string) error {
	_, err := m.doc.Mutate(func(current document, existed bool) (document, error) {
		if !existed || current.Records == nil {
			current.Records = map[string]Record{}
		}
		current.Records[principalID] = Record{
			PrincipalID: principalID,
			Fingerprint: fingerprint,
			GrantedBy:   grantedBy,
			GrantedAt:   m.clock(),
		}
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("trust: grant %q: %w", principalID, err)
	}
	if err := m.Reload(); err != nil {
		return err
	}
	return m.invalidator.Publish(ctx)
}

// Revoke marks principalID's trust record revoked without deleting history.
func (m *Manager) Revoke(ctx context.Context, principalID string) error {
	_, err := m.doc.Mutate(func(current document, existed bool) (document, error) {
		if !existed || current.Records == nil {
			return current, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryAuth, 4, fmt.Sprintf("no trust record for principal %q", principalID))
		}
		rec, ok := current.Records[principalID]
		if !ok {
			return current, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryAuth, 4, fmt.Sprintf("no trust record for principal %q", principalID))
		}
		rec.Revoked = true
		rec.RevokedAt = m.clock()
		current.Records[principalID] = rec
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("trust: revoke %q: %w", principalID, err)
	}
	if err := m.Reload(); err != nil {
		return err
	}
	return m.invalidator.Publish(ctx)
}
