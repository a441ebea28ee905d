package capproxy

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/paths"
	"github.com/rumi-ai/rumi-core/pkg/udsframe"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, principalID, permissionID string, args map[string]any) (handler.Response, error) {
	return handler.Response{Success: true, Result: map[string]any{"principal_id": principalID, "permission_id": permissionID}}, nil
}

func TestListenAndHandleOneRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dirs, err := paths.NewDirs(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(dirs, fakeDispatcher{})
	require.NoError(t, srv.Listen(ctx, "acme__team-a"))
	defer srv.Close()

	socketPath := dirs.CapabilitySocketPath("acme__team-a")

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	reqBody, err := json.Marshal(map[string]any{"permission_id": "store.get", "args": map[string]any{"key": "k"}})
	require.NoError(t, err)
	require.NoError(t, udsframe.WriteFrame(conn, reqBody, udsframe.MaxRequestSize))

	respBody, err := udsframe.ReadFrame(conn, udsframe.MaxResponseSize)
	require.NoError(t, err)

	var resp handler.Response
	require.NoError(t, json.Unmarshal(respBody, &resp))
	require.True(t, resp.Success)
	require.Equal(t, "acme__team-a", resp.Result["principal_id"])
	require.Equal(t, "store.get", resp.Result["permission_id"])
}
