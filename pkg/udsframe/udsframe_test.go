package udsframe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"action":"store.get"}`)
	require.NoError(t, WriteFrame(&buf, payload, MaxRequestSize))

	got, err := ReadFrame(&buf, MaxRequestSize)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, 10)
	err := WriteFrame(&buf, big, 4)
	require.Error(t, err)
}

func TestReadFrameRejectsOversizedDeclaredLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 10), 0))

	_, err := ReadFrame(&buf, 4)
	require.Error(t, err)
}

func TestReadFrameOnTruncatedStreamErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10})
	buf.Write([]byte("short"))

	_, err := ReadFrame(&buf, 0)
	require.Error(t, err)
}
