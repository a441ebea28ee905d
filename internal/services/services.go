// Package services assembles the capability brokerage core's components
// into one explicitly-constructed Services value, replacing the
// package-level globals spec.md's Design Notes flag for removal with a
// single struct built once at startup and threaded through every
// entrypoint (cmd/rumicore, and tests that need the wired whole).
package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rumi-ai/rumi-core/pkg/audit"
	"github.com/rumi-ai/rumi-core/pkg/builtin"
	"github.com/rumi-ai/rumi-core/pkg/capexec"
	"github.com/rumi-ai/rumi-core/pkg/capproxy"
	"github.com/rumi-ai/rumi-core/pkg/config"
	"github.com/rumi-ai/rumi-core/pkg/dockerrun"
	"github.com/rumi-ai/rumi-core/pkg/egress"
	"github.com/rumi-ai/rumi-core/pkg/flow"
	"github.com/rumi-ai/rumi-core/pkg/grant"
	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/hmackey"
	"github.com/rumi-ai/rumi-core/pkg/hostpriv"
	"github.com/rumi-ai/rumi-core/pkg/installer"
	"github.com/rumi-ai/rumi-core/pkg/kv"
	"github.com/rumi-ai/rumi-core/pkg/opauth"
	"github.com/rumi-ai/rumi-core/pkg/paths"
	"github.com/rumi-ai/rumi-core/pkg/trust"
	"github.com/rumi-ai/rumi-core/pkg/vocab"
	"github.com/rumi-ai/rumi-core/pkg/wasmrun"
)

// Services holds every long-lived component the core needs, constructed
// once in New and passed by value (as a pointer) to whatever drives it —
// cmd/rumicore's main, or a test harness.
type Services struct {
	Config *config.Config
	Dirs   *paths.Dirs
	Log    *slog.Logger

	HMACKeys *hmackey.Manager
	Audit    *audit.Logger

	Trust     *trust.Manager
	Grants    *grant.Manager
	HostPriv  *hostpriv.Manager
	Vocab     *vocab.Registry
	Installer *installer.Registry
	Stores    *kv.Registry

	Handlers *handler.Registry
	WASM     *wasmrun.Runner
	Flows    *flow.Executor
	Exec     *capexec.Executor

	CapProxy *capproxy.Server
	Egress   *egress.Server
}

// New wires every component under dataRoot, in dependency order: config,
// then the signed stores (trust/grant/hostpriv all share the hmackey
// Manager as their signeddoc.Signer), then the handler registry with
// every built-in registered, then the executors, then the two UDS
// servers. Nothing here starts accepting connections; call OpenPrincipal for
// that once the caller has decided which principals to listen for.
func New(ctx context.Context, dataRoot string) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("services: load config: %w", err)
	}

	dirs, err := paths.NewDirs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("services: resolve dirs: %w", err)
	}

	log := slog.Default()

	keys, err := hmackey.Load(dirs.HMACKeysDir+"/hmac_keys.json", hmackey.WithPassword(cfg.HMACSecret))
	if err != nil {
		return nil, fmt.Errorf("services: load hmac keys: %w", err)
	}

	auditLog, err := audit.Open(dirs.UserData + "/audit.log")
	if err != nil {
		return nil, fmt.Errorf("services: open audit log: %w", err)
	}

	trustMgr, err := trust.Open(dirs.TrustDir+"/trust.json", keys, trust.WithAuditor(auditLog))
	if err != nil {
		return nil, fmt.Errorf("services: open trust store: %w", err)
	}

	grantMgr, err := grant.Open(dirs.GrantsDir+"/grants.json", keys, grant.WithLogger(log), grant.WithAuditor(auditLog))
	if err != nil {
		return nil, fmt.Errorf("services: open grant store: %w", err)
	}

	hostPrivOpts := []hostpriv.Option{hostpriv.WithSecurityMode(cfg.SecurityMode), hostpriv.WithAuditor(auditLog)}
	if cfg.HMACSecret != "" {
		hostPrivOpts = append(hostPrivOpts, hostpriv.WithOperatorAuthenticator(opauth.NewValidator([]byte(cfg.HMACSecret))))
	}
	hostPriv, err := hostpriv.Open(dirs.UserData+"/hostpriv.json", keys, hostPrivOpts...)
	if err != nil {
		return nil, fmt.Errorf("services: open host-privilege store: %w", err)
	}

	seed, err := config.LoadSeedFile(cfg.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("services: load seed file: %w", err)
	}
	if seed != nil {
		if err := applySeed(ctx, seed, trustMgr, grantMgr, hostPriv); err != nil {
			return nil, fmt.Errorf("services: apply seed file: %w", err)
		}
		log.Info("services: applied seed file", "path", cfg.SeedFile,
			"trust_entries", len(seed.Trust), "grants", len(seed.Grants), "host_privileges", len(seed.HostPrivs))
	}

	vocabReg := vocab.NewRegistry(vocab.WithLogger(log))

	installerReg, err := installer.Open(dirs.UserData+"/installer_index.json", dirs.UserData+"/installer_journal.jsonl")
	if err != nil {
		return nil, fmt.Errorf("services: open installer registry: %w", err)
	}

	stores := kv.NewRegistry(dirs.StoresDir)

	handlers := handler.NewRegistry()

	svc := &Services{
		Config:    cfg,
		Dirs:      dirs,
		Log:       log,
		HMACKeys:  keys,
		Audit:     auditLog,
		Trust:     trustMgr,
		Grants:    grantMgr,
		HostPriv:  hostPriv,
		Vocab:     vocabReg,
		Installer: installerReg,
		Stores:    stores,
		Handlers:  handlers,
	}

	wasmRunner, err := wasmrun.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: start wasm runtime: %w", err)
	}
	svc.WASM = wasmRunner

	builtin.RegisterSecretsGet(handlers, envSecretsStore{})
	builtin.RegisterStoreHandlers(handlers, stores)

	if docker, dockerErr := dockerrun.New(); dockerErr != nil {
		log.Warn("docker.* builtins unavailable: no daemon reachable", "error", dockerErr)
	} else {
		builtin.RegisterDockerHandlers(handlers, docker, hostPriv)
	}

	exec := capexec.New(trustMgr, grantMgr, handlers, capexec.WithLogger(log), capexec.WithWASM(wasmRunner), capexec.WithPermissionMode(cfg.PermissionMode), capexec.WithAuditor(auditLog))
	flowExec := flow.New(dispatchAdapter{exec: exec})
	svc.Flows = flowExec

	// capexec intercepts flow.run and calls back into flowExec, which in
	// turn dispatches every non-flow step back through exec: rebuild exec
	// with the flow runner now that flowExec exists.
	exec = capexec.New(trustMgr, grantMgr, handlers,
		capexec.WithLogger(log),
		capexec.WithWASM(wasmRunner),
		capexec.WithFlowRunner(flowRunnerAdapter{flows: flowExec}),
		capexec.WithPermissionMode(cfg.PermissionMode),
		capexec.WithAuditor(auditLog),
	)
	svc.Exec = exec

	svc.CapProxy = capproxy.NewServer(dirs, exec, capproxy.WithLogger(log), capproxy.WithAuditor(auditLog))
	svc.Egress = egress.NewServer(dirs, egress.WithLogger(log))

	return svc, nil
}

// OpenPrincipal opens both the capability and egress UDS listeners for
// principalID, resolving the egress allow-list from the grant manager
// (C6) before C10 starts accepting connections: a pack with no
// "egress.http" grant anywhere in its principal chain gets an empty
// allow-list, which denies every host.
func (s *Services) OpenPrincipal(ctx context.Context, principalID string) error {
	if err := s.CapProxy.Listen(ctx, principalID); err != nil {
		return fmt.Errorf("services: capability proxy for %s: %w", principalID, err)
	}

	decision, err := s.Grants.Check(ctx, principalID, egress.PermissionID)
	if err != nil {
		s.Log.Warn("services: no egress grant, defaulting to deny-all", "principal_id", principalID, "error", err)
	} else {
		s.Egress.SetAllowList(principalID, allowListFromConfig(decision.ResolvedConfig))
	}

	if err := s.Egress.Listen(ctx, principalID); err != nil {
		return fmt.Errorf("services: egress proxy for %s: %w", principalID, err)
	}
	return nil
}

// allowListFromConfig converts a resolved grant.Config into an
// egress.AllowList, reading "allowed_domains", "allowed_ports" and
// "blocked_domains" the way builtin.RegisterStoreHandlers reads
// "allowed_store_ids" out of its own grant configs.
func allowListFromConfig(cfg grant.Config) egress.AllowList {
	return egress.AllowList{
		Domains:        stringsFromConfig(cfg["allowed_domains"]),
		Ports:          intsFromConfig(cfg["allowed_ports"]),
		BlockedDomains: stringsFromConfig(cfg["blocked_domains"]),
	}
}

func stringsFromConfig(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intsFromConfig(v any) []int {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		switch n := item.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

// Close releases every resource Services opened.
func (s *Services) Close() error {
	var firstErr error
	for _, closer := range []func() error{
		s.CapProxy.Close,
		s.Egress.Close,
		s.Audit.Close,
	} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applySeed upserts every entry from an operator-supplied bootstrap
// document. Seeding runs once per process start and is idempotent: a
// second run with the same file just re-grants the same records.
func applySeed(ctx context.Context, seed *config.Seed, trustMgr *trust.Manager, grantMgr *grant.Manager, hostPriv *hostpriv.Manager) error {
	for _, t := range seed.Trust {
		if err := trustMgr.Grant(ctx, t.PrincipalID, t.Fingerprint, t.GrantedBy); err != nil {
			return fmt.Errorf("seed trust for %q: %w", t.PrincipalID, err)
		}
	}
	for _, g := range seed.Grants {
		if err := grantMgr.Grant(ctx, g.PrincipalID, g.PermissionID, grant.Config(g.Config), g.GrantedBy); err != nil {
			return fmt.Errorf("seed grant for %q/%q: %w", g.PrincipalID, g.PermissionID, err)
		}
	}
	for _, h := range seed.HostPrivs {
		if err := hostPriv.Set(ctx, h.PackID, h.HostExecution, h.OperatorToken); err != nil {
			return fmt.Errorf("seed host privilege for %q: %w", h.PackID, err)
		}
	}
	return nil
}

// dispatchAdapter satisfies flow.CapabilityRunner by discarding the
// structured handler.Response down to the bare any the flow executor's
// variable resolution expects.
type dispatchAdapter struct {
	exec *capexec.Executor
}

func (a dispatchAdapter) Dispatch(ctx context.Context, principalID, permissionID string, args map[string]any) (any, error) {
	resp, err := a.exec.Dispatch(ctx, principalID, permissionID, args)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("capability %s denied: %s", permissionID, resp.Error)
	}
	return resp.Result, nil
}

// flowRunnerAdapter satisfies capexec.FlowRunner, letting capexec's
// flow.run interception hand the whole call straight to a flow.Executor.
type flowRunnerAdapter struct {
	flows *flow.Executor
}

func (a flowRunnerAdapter) Run(ctx context.Context, principalID string, flowArgs map[string]any) (map[string]any, error) {
	def, env, err := flow.DecodeRunArgs(flowArgs)
	if err != nil {
		return nil, err
	}
	return a.flows.Run(ctx, principalID, def, env)
}

// envSecretsStore resolves secrets.get against the process environment,
// the simplest SecretsStore a deployment can start from; production
// deployments supply their own (vault-backed, KMS-backed) implementation.
type envSecretsStore struct{}

func (envSecretsStore) Get(ctx context.Context, key string) (string, bool) {
	return os.LookupEnv(key)
}
