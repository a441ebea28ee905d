// Package hmackey manages the rotatable HMAC-SHA256 signing key family used
// to sign and verify the core's signed documents: trust records, grant
// records and host-privilege entries. Installer candidates are not signed.
//
// Grounded on the versioned, file-backed keystore in
// _examples/Mindburn-Labs-helm/core/pkg/kms/kms.go (there used to wrap
// credential ciphertext; generalized here to wrap signing-key material and
// to sign/verify arbitrary JSON-able records) and the RFC 8785
// canonicalization contract spec.md section 4.1 requires, implemented with
// the gowebpki/jcs library rather than a hand-rolled canonicalizer.
package hmackey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/argon2"
)

const signatureField = "signature_hmac"

// Keystore is the on-disk JSON format. Each key may be stored raw
// (base64) or, when a password is configured, AES-256-GCM wrapped.
type keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"`
	Wrapped       bool              `json:"wrapped"`
	Salt          string            `json:"salt,omitempty"` // argon2id salt, only when Wrapped
}

// Manager signs and verifies records with a versioned HMAC-SHA256 key
// family, optionally wrapping the keys at rest with a password-derived
// AES-256-GCM key.
type Manager struct {
	mu    sync.RWMutex
	path  string
	ks    keystore
	keys  map[int][]byte // decoded signing keys, version -> 32 bytes
	wrap  cipher.AEAD    // nil if not wrapped
	salt  []byte
}

// Option configures a new Manager.
type Option func(*managerOpts)

type managerOpts struct {
	password string
}

// WithPassword enables at-rest wrapping of the signing keys using an
// Argon2id-derived AES-256-GCM key. Typically sourced from RUMI_HMAC_SECRET.
func WithPassword(password string) Option {
	return func(o *managerOpts) { o.password = password }
}

// Load opens (or creates, if absent) a key manager at path.
func Load(path string, opts ...Option) (*Manager, error) {
	var o managerOpts
	for _, fn := range opts {
		fn(&o)
	}

	m := &Manager{path: path, keys: make(map[int][]byte)}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := m.bootstrap(o.password); err != nil {
			return nil, err
		}
		return m, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hmackey: read keystore: %w", err)
	}
	if err := json.Unmarshal(raw, &m.ks); err != nil {
		return nil, fmt.Errorf("hmackey: parse keystore: %w", err)
	}

	if m.ks.Wrapped {
		if o.password == "" {
			return nil, errors.New("hmackey: keystore is password-wrapped but no password configured")
		}
		salt, err := base64.StdEncoding.DecodeString(m.ks.Salt)
		if err != nil {
			return nil, fmt.Errorf("hmackey: decode salt: %w", err)
		}
		m.salt = salt
		aead, err := deriveAEAD(o.password, salt)
		if err != nil {
			return nil, err
		}
		m.wrap = aead
	}

	for vStr, encoded := range m.ks.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("hmackey: invalid version %q: %w", vStr, err)
		}
		key, err := m.unwrap(encoded)
		if err != nil {
			return nil, fmt.Errorf("hmackey: unwrap key v%d: %w", v, err)
		}
		m.keys[v] = key
	}

	if _, ok := m.keys[m.ks.ActiveVersion]; !ok {
		return nil, fmt.Errorf("hmackey: active version %d missing from keystore", m.ks.ActiveVersion)
	}
	return m, nil
}

func (m *Manager) bootstrap(password string) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("hmackey: mkdir: %w", err)
	}

	m.ks = keystore{ActiveVersion: 1, Keys: map[string]string{}}

	if password != "" {
		salt := make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("hmackey: generate salt: %w", err)
		}
		m.salt = salt
		aead, err := deriveAEAD(password, salt)
		if err != nil {
			return err
		}
		m.wrap = aead
		m.ks.Wrapped = true
		m.ks.Salt = base64.StdEncoding.EncodeToString(salt)
	}

	key, err := randomKey()
	if err != nil {
		return err
	}
	m.keys[1] = key

	wrapped, err := m.wrapKey(key)
	if err != nil {
		return err
	}
	m.ks.Keys["1"] = wrapped

	return m.persist()
}

// Rotate adds a new active key version; older versions remain available for
// Verify so in-flight records signed with them still validate.
func (m *Manager) Rotate() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := randomKey()
	if err != nil {
		return 0, err
	}

	newVersion := m.ks.ActiveVersion + 1
	wrapped, err := m.wrapKey(key)
	if err != nil {
		return 0, err
	}

	m.keys[newVersion] = key
	m.ks.Keys[strconv.Itoa(newVersion)] = wrapped
	m.ks.ActiveVersion = newVersion

	if err := m.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current signing key version.
func (m *Manager) ActiveVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ks.ActiveVersion
}

// Sign canonicalizes record (dropping any "signature_hmac" field) per RFC
// 8785 and returns hex(HMAC-SHA256(activeKey, canonical)).
func (m *Manager) Sign(record any) (string, error) {
	m.mu.RLock()
	version := m.ks.ActiveVersion
	key := m.keys[version]
	m.mu.RUnlock()

	canonical, err := canonicalize(record)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sigHex against record using every non-retired key version
// (constant-time comparison), so a record signed under an older version
// still verifies after rotation.
func (m *Manager) Verify(record any, sigHex string) bool {
	canonical, err := canonicalize(record)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range m.keys {
		mac := hmac.New(sha256.New, key)
		mac.Write(canonical)
		if hmac.Equal(mac.Sum(nil), want) {
			return true
		}
	}
	return false
}

func canonicalize(record any) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("hmackey: marshal record: %w", err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("hmackey: record is not a JSON object: %w", err)
	}
	delete(generic, signatureField)

	stripped, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("hmackey: re-marshal record: %w", err)
	}

	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("hmackey: jcs transform: %w", err)
	}
	return canonical, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("hmackey: generate key: %w", err)
	}
	return key, nil
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("hmackey: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (m *Manager) wrapKey(key []byte) (string, error) {
	if m.wrap == nil {
		return base64.StdEncoding.EncodeToString(key), nil
	}
	nonce := make([]byte, m.wrap.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("hmackey: nonce: %w", err)
	}
	sealed := m.wrap.Seal(nonce, nonce, key, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (m *Manager) unwrap(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if m.wrap == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("unwrapped key has invalid length %d", len(raw))
		}
		return raw, nil
	}
	nonceSize := m.wrap.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("wrapped key ciphertext too short")
	}
	nonce, ct := raw[:nonceSize], raw[nonceSize:]
	return m.wrap.Open(nil, nonce, ct, nil)
}

func (m *Manager) persist() error {
	data, err := json.MarshalIndent(m.ks, "", "  ")
	if err != nil {
		return fmt.Errorf("hmackey: marshal keystore: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("hmackey: write keystore: %w", err)
	}
	return nil
}
