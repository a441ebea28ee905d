package hmackey

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	PrincipalID    string `json:"principal_id"`
	Fingerprint    string `json:"fingerprint"`
	SignatureHMAC  string `json:"signature_hmac,omitempty"`
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "hmac_keys.json"))
	require.NoError(t, err)

	rec := sampleRecord{PrincipalID: "acme__team-a", Fingerprint: "sha256:deadbeef"}
	sig, err := m.Sign(rec)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	rec.SignatureHMAC = sig
	require.True(t, m.Verify(rec, sig))
}

func TestVerifyRejectsTamperedRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "hmac_keys.json"))
	require.NoError(t, err)

	rec := sampleRecord{PrincipalID: "acme__team-a", Fingerprint: "sha256:deadbeef"}
	sig, err := m.Sign(rec)
	require.NoError(t, err)

	rec.Fingerprint = "sha256:tampered"
	require.False(t, m.Verify(rec, sig))
}

func TestVerifyRejectsSingleByteFlip(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "hmac_keys.json"))
	require.NoError(t, err)

	rec := sampleRecord{PrincipalID: "p1", Fingerprint: "sha256:abc"}
	sig, err := m.Sign(rec)
	require.NoError(t, err)

	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	require.False(t, m.Verify(rec, string(flipped)))
}

func TestRotatePreservesOldVersionVerification(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "hmac_keys.json"))
	require.NoError(t, err)

	rec := sampleRecord{PrincipalID: "p1", Fingerprint: "sha256:abc"}
	sigV1, err := m.Sign(rec)
	require.NoError(t, err)

	newVersion, err := m.Rotate()
	require.NoError(t, err)
	require.Equal(t, 2, newVersion)

	require.True(t, m.Verify(rec, sigV1))

	sigV2, err := m.Sign(rec)
	require.NoError(t, err)
	require.NotEqual(t, sigV1, sigV2)
	require.True(t, m.Verify(rec, sigV2))
}

func TestLoadPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hmac_keys.json")

	m1, err := Load(path)
	require.NoError(t, err)
	rec := sampleRecord{PrincipalID: "p1", Fingerprint: "sha256:abc"}
	sig, err := m1.Sign(rec)
	require.NoError(t, err)

	m2, err := Load(path)
	require.NoError(t, err)
	require.True(t, m2.Verify(rec, sig))
}

func TestLoadWithPasswordWrapsKeysAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hmac_keys.json")

	m1, err := Load(path, WithPassword("correct horse battery staple"))
	require.NoError(t, err)
	rec := sampleRecord{PrincipalID: "p1", Fingerprint: "sha256:abc"}
	sig, err := m1.Sign(rec)
	require.NoError(t, err)

	_, err = Load(path)
	require.Error(t, err, "loading a wrapped keystore without the password must fail")

	m2, err := Load(path, WithPassword("correct horse battery staple"))
	require.NoError(t, err)
	require.True(t, m2.Verify(rec, sig))
}
