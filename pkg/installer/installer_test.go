package installer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

func open(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "index.json"), filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	return r
}

const (
	sha256A = "sha256:aaaa"
	sha256B = "sha256:bbbb"
)

func TestDiscoverCreatesPendingCandidate(t *testing.T) {
	r := open(t)
	c, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)
	require.Equal(t, StatePending, c.State)
	require.Equal(t, sha256A, c.ArtifactSHA256)
}

func TestDiscoverReusesExistingCandidateWhenHashUnchanged(t *testing.T) {
	r := open(t)
	c1, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)

	c2, err := r.Discover("pack-a", "artifacts/tool.bin", "1.1.0", sha256A)
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	require.Equal(t, "1.1.0", c2.Version)
	require.Equal(t, sha256A, c2.ArtifactSHA256)
}

func TestDiscoverCreatesNewCandidateWhenHashDiffers(t *testing.T) {
	r := open(t)
	c1, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)

	c2, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256B)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c2.ID)
	require.Equal(t, sha256B, c2.ArtifactSHA256)

	stillPending, ok := r.Get(c1.ID)
	require.True(t, ok)
	require.Equal(t, StatePending, stillPending.State)
	require.Equal(t, sha256A, stillPending.ArtifactSHA256)
}

func TestInstallTransitionsPendingToInstalled(t *testing.T) {
	r := open(t)
	c, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)

	installed, err := r.Install(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateInstalled, installed.State)
}

func TestRejectThreeTimesBlocksPermanently(t *testing.T) {
	r := open(t)
	c, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rejected, err := r.Reject(c.ID)
		require.NoError(t, err)
		require.Equal(t, StatePending, rejected.State)
		require.True(t, rejected.InCooldown(rejected.UpdatedAt))
	}

	blocked, err := r.Reject(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateBlocked, blocked.State)

	_, err = r.Reject(c.ID)
	require.Error(t, err)
}

func TestInstallOnBlockedCandidateFails(t *testing.T) {
	r := open(t)
	c, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = r.Reject(c.ID)
		require.NoError(t, err)
	}

	_, err = r.Install(c.ID)
	require.Error(t, err)
	require.Equal(t, rumierr.TypeBlocked, rumierr.TypeOf(err))
}

func TestUnblockReturnsCandidateToPending(t *testing.T) {
	r := open(t)
	c, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = r.Reject(c.ID)
		require.NoError(t, err)
	}

	unblocked, err := r.Unblock(c.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, unblocked.State)
	require.Zero(t, unblocked.RejectCount)

	installed, err := r.Install(c.ID)
	require.NoError(t, err)
	require.Equal(t, StateInstalled, installed.State)
}

func TestJournalPersistsHashChainAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.json")
	journalPath := filepath.Join(dir, "journal.jsonl")

	r1, err := Open(indexPath, journalPath)
	require.NoError(t, err)
	c, err := r1.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)
	_, err = r1.Install(c.ID)
	require.NoError(t, err)

	r2, err := Open(indexPath, journalPath)
	require.NoError(t, err)
	got, ok := r2.Get(c.ID)
	require.True(t, ok)
	require.Equal(t, StateInstalled, got.State)

	_, err = r2.Discover("pack-b", "artifacts/other.bin", "2.0.0", sha256B)
	require.NoError(t, err)
	require.NotEmpty(t, r2.lastHash)
}

func TestWithClockInjectsDeterministicTimestamps(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := Open(filepath.Join(dir, "index.json"), filepath.Join(dir, "journal.jsonl"), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	c, err := r.Discover("pack-a", "artifacts/tool.bin", "1.0.0", sha256A)
	require.NoError(t, err)
	require.Equal(t, fixed, c.CreatedAt)
}
