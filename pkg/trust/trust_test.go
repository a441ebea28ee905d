package trust

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rumi-ai/rumi-core/pkg/hmackey"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) *hmackey.Manager {
	t.Helper()
	m, err := hmackey.Load(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	return m
}

func TestCheckDeniesUnknownPrincipal(t *testing.T) {
	signer := newSigner(t)
	mgr, err := Open(filepath.Join(t.TempDir(), "trust.json"), signer)
	require.NoError(t, err)

	err = mgr.Check(context.Background(), "acme__team-a", "")
	require.Error(t, err)
	require.Equal(t, rumierr.TypeTrustDenied, rumierr.TypeOf(err))
}

func TestGrantThenCheckSucceeds(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	mgr, err := Open(filepath.Join(t.TempDir(), "trust.json"), signer)
	require.NoError(t, err)

	require.NoError(t, mgr.Grant(ctx, "acme__team-a", "sha256:abc", "operator-1"))
	require.NoError(t, mgr.Check(ctx, "acme__team-a", "sha256:abc"))
}

func TestCheckDetectsFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	mgr, err := Open(filepath.Join(t.TempDir(), "trust.json"), signer)
	require.NoError(t, err)

	require.NoError(t, mgr.Grant(ctx, "p1", "sha256:abc", "operator-1"))
	err = mgr.Check(ctx, "p1", "sha256:different")
	require.Error(t, err)
	require.Equal(t, rumierr.TypeFingerprint, rumierr.TypeOf(err))
}

func TestCheckInvalidatesRecordOnFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	mgr, err := Open(filepath.Join(t.TempDir(), "trust.json"), signer)
	require.NoError(t, err)

	require.NoError(t, mgr.Grant(ctx, "p1", "sha256:abc", "operator-1"))
	err = mgr.Check(ctx, "p1", "sha256:tampered")
	require.Error(t, err)
	require.Equal(t, rumierr.TypeFingerprint, rumierr.TypeOf(err))

	// The mismatch must have revoked the record: even re-presenting the
	// originally-pinned fingerprint is now denied until re-granted.
	err = mgr.Check(ctx, "p1", "sha256:abc")
	require.Error(t, err)
	require.Equal(t, rumierr.TypeTrustDenied, rumierr.TypeOf(err))
}

func TestRevokeDeniesSubsequentChecks(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	mgr, err := Open(filepath.Join(t.TempDir(), "trust.json"), signer)
	require.NoError(t, err)

	require.NoError(t, mgr.Grant(ctx, "p1", "sha256:abc", "operator-1"))
	require.NoError(t, mgr.Revoke(ctx, "p1"))

	err = mgr.Check(ctx, "p1", "sha256:abc")
	require.Error(t, err)
	require.Equal(t, rumierr.TypeTrustDenied, rumierr.TypeOf(err))
}

func TestReloadPicksUpPersistedChangesAcrossInstances(t *testing.T) {
	ctx := context.Background()
	signer := newSigner(t)
	path := filepath.Join(t.TempDir(), "trust.json")

	mgr1, err := Open(path, signer)
	require.NoError(t, err)
	require.NoError(t, mgr1.Grant(ctx, "p1", "sha256:abc", "operator-1"))

	mgr2, err := Open(path, signer)
	require.NoError(t, err)
	require.NoError(t, mgr2.Check(ctx, "p1", "sha256:abc"))
}
