package builtin

import (
	"context"
	"fmt"

	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/hostpriv"
	"github.com/rumi-ai/rumi-core/pkg/paths"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

// ContainerInfo is the subset of container state docker.list reports.
type ContainerInfo struct {
	ID     string
	Image  string
	Status string
}

// ContainerRunner is the narrow surface docker.* builtins need from a
// container engine. The concrete implementation wraps
// github.com/docker/docker/client the way
// _examples/Aureuma-si/agents/shared/docker/client.go wraps it; this
// interface exists so tests can supply a fake instead of a live daemon.
type ContainerRunner interface {
	Run(ctx context.Context, image string, cmd []string, env map[string]string) (containerID string, err error)
	Exec(ctx context.Context, containerID string, cmd []string) (output string, exitCode int, err error)
	List(ctx context.Context, all bool) ([]ContainerInfo, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	HostPortFor(ctx context.Context, containerID string, containerPort int, protocol string) (string, error)
}

// RegisterDockerHandlers wires docker.run/exec/list/logs. The original's
// four handler.py delegators (docker_run, docker_exec, docker_list,
// docker_logs) each forward to a shared DockerCapabilityHandler not present
// in the retrieved corpus; this registers the same four operations against
// priv so every call requires the owning pack to hold an explicit
// host-execution grant (spec.md C13), on top of the ordinary capability
// grant that routed the call here at all.
func RegisterDockerHandlers(reg *handler.Registry, runner ContainerRunner, priv *hostpriv.Manager) {
	reg.RegisterBuiltin("docker.run", "docker.run", dockerRun(runner, priv))
	reg.RegisterBuiltin("docker.exec", "docker.exec", dockerExec(runner, priv))
	reg.RegisterBuiltin("docker.list", "docker.list", dockerList(runner, priv))
	reg.RegisterBuiltin("docker.logs", "docker.logs", dockerLogs(runner, priv))
}

func packIDOf(principalID string) string {
	principal, err := paths.ParsePrincipal(principalID)
	if err != nil {
		return principalID
	}
	return principal.Chain()[0]
}

func requireHostExecution(priv *hostpriv.Manager, principalID string) error {
	if !priv.AllowsHostExecution(packIDOf(principalID)) {
		return rumierr.New(rumierr.TypeGrantDenied, rumierr.CategoryAuth, 40, "pack has no host-execution grant")
	}
	return nil
}

func imageAllowed(cfg map[string]any, image string) bool {
	allowed, _ := cfg["allowed_images"].([]any)
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if s, ok := a.(string); ok && s == image {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func dockerRun(runner ContainerRunner, priv *hostpriv.Manager) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		if err := requireHostExecution(priv, req.PrincipalID); err != nil {
			return errResponse(err), nil
		}
		image, _ := req.Args["image"].(string)
		if image == "" {
			return handler.Response{Success: false, Error: "missing image", ErrType: rumierr.TypeValidation}, nil
		}
		if !imageAllowed(req.GrantConfig, image) {
			return handler.Response{Success: false, Error: fmt.Sprintf("image %q not in allowed_images", image), ErrType: rumierr.TypeGrantDenied}, nil
		}
		cmd := stringSlice(req.Args["cmd"])
		env := map[string]string{}
		if rawEnv, ok := req.Args["env"].(map[string]any); ok {
			for k, v := range rawEnv {
				if s, ok := v.(string); ok {
					env[k] = s
				}
			}
		}
		containerID, err := runner.Run(ctx, image, cmd, env)
		if err != nil {
			return handler.Response{Success: false, Error: err.Error(), ErrType: rumierr.TypeInternal}, nil
		}
		return handler.Response{Success: true, Result: map[string]any{"container_id": containerID}}, nil
	}
}

func dockerExec(runner ContainerRunner, priv *hostpriv.Manager) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		if err := requireHostExecution(priv, req.PrincipalID); err != nil {
			return errResponse(err), nil
		}
		containerID, _ := req.Args["container_id"].(string)
		if containerID == "" {
			return handler.Response{Success: false, Error: "missing container_id", ErrType: rumierr.TypeValidation}, nil
		}
		cmd := stringSlice(req.Args["cmd"])
		if len(cmd) == 0 {
			return handler.Response{Success: false, Error: "missing cmd", ErrType: rumierr.TypeValidation}, nil
		}
		output, exitCode, err := runner.Exec(ctx, containerID, cmd)
		if err != nil {
			return handler.Response{Success: false, Error: err.Error(), ErrType: rumierr.TypeInternal}, nil
		}
		return handler.Response{Success: true, Result: map[string]any{"output": output, "exit_code": exitCode}}, nil
	}
}

func dockerList(runner ContainerRunner, priv *hostpriv.Manager) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		if err := requireHostExecution(priv, req.PrincipalID); err != nil {
			return errResponse(err), nil
		}
		all, _ := req.Args["all"].(bool)
		containers, err := runner.List(ctx, all)
		if err != nil {
			return handler.Response{Success: false, Error: err.Error(), ErrType: rumierr.TypeInternal}, nil
		}
		items := make([]any, len(containers))
		for i, c := range containers {
			items[i] = map[string]any{"id": c.ID, "image": c.Image, "status": c.Status}
		}
		return handler.Response{Success: true, Result: map[string]any{"containers": items}}, nil
	}
}

func dockerLogs(runner ContainerRunner, priv *hostpriv.Manager) handler.BuiltinFunc {
	return func(ctx context.Context, req handler.Request) (handler.Response, error) {
		if err := requireHostExecution(priv, req.PrincipalID); err != nil {
			return errResponse(err), nil
		}
		containerID, _ := req.Args["container_id"].(string)
		if containerID == "" {
			return handler.Response{Success: false, Error: "missing container_id", ErrType: rumierr.TypeValidation}, nil
		}
		tail := 0
		if v, ok := req.Args["tail"].(float64); ok {
			tail = int(v)
		}
		logs, err := runner.Logs(ctx, containerID, tail)
		if err != nil {
			return handler.Response{Success: false, Error: err.Error(), ErrType: rumierr.TypeInternal}, nil
		}
		return handler.Response{Success: true, Result: map[string]any{"logs": logs}}, nil
	}
}
