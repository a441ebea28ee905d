// Package signeddoc implements the single-writer, atomically-rewritten,
// HMAC-signed JSON document pattern shared by the trust store, grant
// manager, and host-privilege manager (spec.md §4.3/§4.5/C13): a whole
// document is loaded, mutated under a mutex, re-signed, and atomically
// rewritten — never a partial record update.
//
// Grounded on the atomic tmp+rename persistence of
// _examples/Mindburn-Labs-helm/core/pkg/store/ledger/file_ledger.go and the
// signed/versioned record shape of pkg/trust/install_receipt.go, using
// pkg/hmackey (itself grounded on pkg/kms/kms.go) for the signature instead
// of a bespoke MAC.
package signeddoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rumi-ai/rumi-core/pkg/hmackey"
)

// Signer is the subset of *hmackey.Manager that signeddoc needs.
type Signer interface {
	Sign(record any) (string, error)
	Verify(record any, sigHex string) bool
}

var _ Signer = (*hmackey.Manager)(nil)

// Envelope wraps any signable document with its signature.
type Envelope[T any] struct {
	Document      T      `json:"document"`
	SignatureHMAC string `json:"signature_hmac"`
}

// Doc manages one signed JSON document at path, single-writer via Mutex.
type Doc[T any] struct {
	mu     sync.Mutex
	path   string
	signer Signer
}

// New returns a Doc manager rooted at path.
func New[T any](path string, signer Signer) *Doc[T] {
	return &Doc[T]{path: path, signer: signer}
}

// Load reads and signature-verifies the document at path. If the file is
// absent, it returns the zero value of T and ok=false with no error — the
// caller bootstraps an empty document on first write. A present-but-invalid
// signature is a hard error (fail closed), never a silent empty document.
func (d *Doc[T]) Load() (doc T, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked()
}

func (d *Doc[T]) loadLocked() (doc T, ok bool, err error) {
	raw, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("signeddoc: read %s: %w", d.path, err)
	}

	var env Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return doc, false, fmt.Errorf("signeddoc: parse %s: %w", d.path, err)
	}

	if !d.signer.Verify(env.Document, env.SignatureHMAC) {
		return doc, false, fmt.Errorf("signeddoc: signature invalid for %s", d.path)
	}
	return env.Document, true, nil
}

// Mutate loads the current document (or the zero value if absent), applies
// fn, re-signs, and atomically rewrites the file — all under the Doc's
// mutex so concurrent mutations from the same process serialize.
func (d *Doc[T]) Mutate(fn func(current T, existed bool) (T, error)) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, existed, err := d.loadLocked()
	if err != nil {
		var zero T
		return zero, err
	}

	next, err := fn(current, existed)
	if err != nil {
		var zero T
		return zero, err
	}

	sig, err := d.signer.Sign(next)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("signeddoc: sign: %w", err)
	}

	env := Envelope[T]{Document: next, SignatureHMAC: sig}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		var zero T
		return zero, fmt.Errorf("signeddoc: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0700); err != nil {
		var zero T
		return zero, fmt.Errorf("signeddoc: mkdir: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		var zero T
		return zero, fmt.Errorf("signeddoc: write temp: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		var zero T
		return zero, fmt.Errorf("signeddoc: rename: %w", err)
	}

	return next, nil
}
