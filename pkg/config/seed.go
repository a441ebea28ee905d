package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is an optional one-time bootstrap document an operator can hand to a
// fresh deployment so trust/grant/host-privilege records exist before the
// first capability call arrives, instead of requiring a separate
// provisioning step outside this binary.
//
// Grounded in the YAML-profile-load idiom of
// _examples/Mindburn-Labs-helm/core/pkg/config/profile_loader.go, adapted
// from "regional compliance profile" to "initial grant seed".
type Seed struct {
	Trust      []TrustSeed      `yaml:"trust"`
	Grants     []GrantSeed      `yaml:"grants"`
	HostPrivs  []HostPrivSeed   `yaml:"host_privileges"`
}

// TrustSeed mirrors pkg/trust.Manager.Grant's arguments.
type TrustSeed struct {
	PrincipalID string `yaml:"principal_id"`
	Fingerprint string `yaml:"fingerprint"`
	GrantedBy   string `yaml:"granted_by"`
}

// GrantSeed mirrors pkg/grant.Manager.Grant's arguments.
type GrantSeed struct {
	PrincipalID  string         `yaml:"principal_id"`
	PermissionID string         `yaml:"permission_id"`
	Config       map[string]any `yaml:"config"`
	GrantedBy    string         `yaml:"granted_by"`
}

// HostPrivSeed mirrors pkg/hostpriv.Manager.Set's arguments. OperatorToken
// is only consulted when RUMI_SECURITY_MODE=strict and HostExecution is
// true: strict mode requires an operator-authenticated mutation even for
// a seed file, so granting host execution at bootstrap under strict mode
// means embedding a valid bearer token here.
type HostPrivSeed struct {
	PackID        string `yaml:"pack_id"`
	HostExecution bool   `yaml:"host_execution"`
	OperatorToken string `yaml:"operator_token,omitempty"`
}

// LoadSeedFile parses a YAML seed document from path. A missing file is not
// an error: callers treat a nil Seed as "nothing to seed".
func LoadSeedFile(path string) (*Seed, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read seed file %q: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("config: parse seed file %q: %w", path, err)
	}
	return &s, nil
}
