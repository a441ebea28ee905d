// Package config reads the RUMI_* environment variables spec.md §6
// recognizes and produces an immutable Config threaded through Services.
//
// Grounded in the env-var Load() idiom of
// _examples/Mindburn-Labs-helm/core/pkg/config/config.go, generalized from
// a handful of server settings to the security-mode / socket-override /
// key-management variables this core recognizes.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// SecurityMode selects the default posture for permission checks.
type SecurityMode string

const (
	SecurityStrict     SecurityMode = "strict"
	SecurityPermissive SecurityMode = "permissive"
)

// PermissionMode controls whether built-in handlers bypass trust checks:
// under RUMI_PERMISSION_MODE=permissive they do, while pack-provided
// handlers are always trust-checked (see DESIGN.md's resolution of
// spec.md's open question on this).
type PermissionMode string

const (
	PermissionSecure     PermissionMode = "secure"
	PermissionPermissive PermissionMode = "permissive"
)

// Config is the immutable set of RUMI_* settings resolved at startup.
type Config struct {
	SecurityMode   SecurityMode
	PermissionMode PermissionMode

	CapabilitySocketDir  string
	CapabilitySocketMode os.FileMode
	CapabilitySocketGID  int

	HMACSecret string
	HMACRotate bool

	SeedFile string
}

// Load reads the RUMI_* environment variables and validates the
// strict/permissive combination spec.md §6 requires. In strict mode,
// launching with RUMI_PERMISSION_MODE=permissive is refused outright
// (returns a non-nil error, leaving process-exit to the caller, exactly
// the way a bootstrap CLI outside this package's scope would act on it).
func Load() (*Config, error) {
	c := &Config{
		SecurityMode:   SecurityMode(envOr("RUMI_SECURITY_MODE", string(SecurityStrict))),
		CapabilitySocketDir:  os.Getenv("RUMI_CAPABILITY_SOCKET"),
		HMACSecret:           os.Getenv("RUMI_HMAC_SECRET"),
		HMACRotate:           os.Getenv("RUMI_HMAC_ROTATE") == "true",
		CapabilitySocketMode: 0o660,
		SeedFile:             os.Getenv("RUMI_SEED_FILE"),
	}

	if c.SecurityMode != SecurityStrict && c.SecurityMode != SecurityPermissive {
		return nil, fmt.Errorf("config: invalid RUMI_SECURITY_MODE %q", c.SecurityMode)
	}

	defaultPermMode := PermissionPermissive
	if c.SecurityMode == SecurityStrict {
		defaultPermMode = PermissionSecure
	}
	c.PermissionMode = PermissionMode(envOr("RUMI_PERMISSION_MODE", string(defaultPermMode)))
	if c.PermissionMode != PermissionSecure && c.PermissionMode != PermissionPermissive {
		return nil, fmt.Errorf("config: invalid RUMI_PERMISSION_MODE %q", c.PermissionMode)
	}

	if c.SecurityMode == SecurityStrict && c.PermissionMode == PermissionPermissive {
		return nil, fmt.Errorf("config: RUMI_SECURITY_MODE=strict refuses to launch with RUMI_PERMISSION_MODE=permissive")
	}

	if modeStr := os.Getenv("RUMI_CAPABILITY_SOCKET_MODE"); modeStr != "" {
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid RUMI_CAPABILITY_SOCKET_MODE %q: %w", modeStr, err)
		}
		c.CapabilitySocketMode = os.FileMode(mode)
	}

	if gidStr := os.Getenv("RUMI_CAPABILITY_SOCKET_GID"); gidStr != "" {
		gid, err := strconv.Atoi(gidStr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid RUMI_CAPABILITY_SOCKET_GID %q: %w", gidStr, err)
		}
		c.CapabilitySocketGID = gid
	} else {
		c.CapabilitySocketGID = -1
	}

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
