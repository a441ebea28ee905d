package signeddoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rumi-ai/rumi-core/pkg/hmackey"
	"github.com/stretchr/testify/require"
)

func readAll(path string) ([]byte, error)       { return os.ReadFile(path) }
func writeAll(path string, data []byte) error   { return os.WriteFile(path, data, 0600) }

type testDoc struct {
	Entries map[string]string `json:"entries"`
}

func newManager(t *testing.T) *hmackey.Manager {
	t.Helper()
	m, err := hmackey.Load(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	return m
}

func TestLoadAbsentDocumentReturnsNotOK(t *testing.T) {
	signer := newManager(t)
	doc := New[testDoc](filepath.Join(t.TempDir(), "doc.json"), signer)

	_, ok, err := doc.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMutateCreatesSignsAndPersists(t *testing.T) {
	signer := newManager(t)
	path := filepath.Join(t.TempDir(), "doc.json")
	doc := New[testDoc](path, signer)

	_, err := doc.Mutate(func(current testDoc, existed bool) (testDoc, error) {
		require.False(t, existed)
		return testDoc{Entries: map[string]string{"a": "1"}}, nil
	})
	require.NoError(t, err)

	loaded, ok, err := doc.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", loaded.Entries["a"])
}

func TestLoadRejectsTamperedFile(t *testing.T) {
	signer := newManager(t)
	path := filepath.Join(t.TempDir(), "doc.json")
	doc := New[testDoc](path, signer)

	_, err := doc.Mutate(func(current testDoc, existed bool) (testDoc, error) {
		return testDoc{Entries: map[string]string{"a": "1"}}, nil
	})
	require.NoError(t, err)

	reloaded := New[testDoc](path, signer)
	raw, err := readAll(path)
	require.NoError(t, err)
	tampered := append([]byte{}, raw...)
	for i, b := range tampered {
		if b == '1' {
			tampered[i] = '2'
			break
		}
	}
	require.NoError(t, writeAll(path, tampered))

	_, _, err = reloaded.Load()
	require.Error(t, err)
}

func TestMutateSerializesUnderLock(t *testing.T) {
	signer := newManager(t)
	path := filepath.Join(t.TempDir(), "doc.json")
	doc := New[testDoc](path, signer)

	for i := 0; i < 5; i++ {
		_, err := doc.Mutate(func(current testDoc, existed bool) (testDoc, error) {
			if current.Entries == nil {
				current.Entries = map[string]string{}
			}
			current.Entries["count"] = current.Entries["count"] + "x"
			return current, nil
		})
		require.NoError(t, err)
	}

	final, ok, err := doc.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xxxxx", final.Entries["count"])
}
