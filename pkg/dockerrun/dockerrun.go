// Package dockerrun implements builtin.ContainerRunner against a live
// Docker Engine API daemon, backing the docker.run/exec/list/logs
// built-in handlers (spec.md C13's "pack-scoped host execution").
//
// Grounded in _examples/Aureuma-si/agents/shared/docker/client.go: the
// same client.NewClientWithOpts + ping-then-fallback construction, the
// same ContainerExecCreate/Attach/Inspect exec sequence, stdcopy for
// demultiplexing container output, and nat.Port for reading back a
// published host port from ContainerInspect.
package dockerrun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/rumi-ai/rumi-core/pkg/builtin"
)

// Client wraps a docker/docker Engine API client to satisfy
// builtin.ContainerRunner.
type Client struct {
	api *client.Client
}

// New connects to the Docker daemon found via the environment (DOCKER_HOST
// or the platform default socket), negotiating the API version the way
// Aureuma-si's docker client does.
func New() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerrun: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := api.Ping(pingCtx); err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("dockerrun: ping daemon: %w", err)
	}
	return &Client{api: api}, nil
}

// Close releases the underlying Engine API connection.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Run creates and starts a container from image, running cmd with env set,
// returning the new container's id. The caller (docker.run's built-in
// handler) has already checked the calling pack holds a host-execution
// grant and that image is in its allowed_images list.
func (c *Client) Run(ctx context.Context, image string, cmd []string, env map[string]string) (string, error) {
	created, err := c.api.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   cmd,
		Env:   envSlice(env),
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("dockerrun: create container: %w", err)
	}
	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("dockerrun: start container: %w", err)
	}
	return created.ID, nil
}

// Exec runs cmd inside an already-running container and returns its
// combined stdout/stderr and exit code.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", 0, fmt.Errorf("dockerrun: exec create: %w", err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return "", 0, fmt.Errorf("dockerrun: exec attach: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil && err != io.EOF {
		return "", 0, fmt.Errorf("dockerrun: read exec output: %w", err)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("dockerrun: exec inspect: %w", err)
	}
	return buf.String(), inspect.ExitCode, nil
}

// List reports every container, or only running ones when all is false.
func (c *Client) List(ctx context.Context, all bool) ([]builtin.ContainerInfo, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("dockerrun: list containers: %w", err)
	}
	out := make([]builtin.ContainerInfo, len(list))
	for i, item := range list {
		image := item.Image
		status := item.Status
		id := item.ID
		out[i] = builtin.ContainerInfo{ID: id, Image: image, Status: status}
	}
	return out, nil
}

// HostPortFor reports the host port the daemon published for
// containerPort/protocol on containerID, so a caller that started a
// container without knowing its randomly-assigned host port ahead of time
// can discover it afterward.
func (c *Client) HostPortFor(ctx context.Context, containerID string, containerPort int, protocol string) (string, error) {
	if protocol == "" {
		protocol = "tcp"
	}
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("dockerrun: inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("dockerrun: container %s has no network settings", containerID)
	}
	key := nat.Port(fmt.Sprintf("%d/%s", containerPort, protocol))
	bindings, ok := info.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("dockerrun: no host port bound for %s", key)
	}
	for _, binding := range bindings {
		if binding.HostPort != "" {
			return binding.HostPort, nil
		}
	}
	return "", fmt.Errorf("dockerrun: no host port bound for %s", key)
}

// Logs returns up to tail lines of a container's combined output (all
// buffered output when tail is 0).
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	reader, err := c.api.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return "", fmt.Errorf("dockerrun: read logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("dockerrun: demux logs: %w", err)
	}
	return buf.String(), nil
}
