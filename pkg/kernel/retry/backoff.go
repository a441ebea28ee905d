// Package retry computes deterministic, jittered retry backoff for flow
// step retries. The delay for a given attempt depends only on the policy
// and attempt inputs, never on wall-clock randomness, so two replays of the
// same flow produce an identical retry schedule.
//
// Grounded in _examples/Mindburn-Labs-helm/core/pkg/kernel/retry/backoff.go
// and plan.go, carried over unchanged where the original served kernel
// effect-retry policies, and generalized here to flow step retries (pkg/flow's
// StepRetry).
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one retry attempt for jitter derivation.
type BackoffParams struct {
	PolicyID     string
	AdapterID    string
	EffectID     string
	AttemptIndex int
	EnvSnapHash  string
}

// BackoffPolicy bounds a retry series.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// ComputeBackoff returns the delay before attempt params.AttemptIndex,
// exponential in the attempt index (capped at 2^30 to avoid overflow) plus
// deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(params, policy)
	return time.Duration(baseDelay+jitter) * time.Millisecond
}

// ComputeDeterministicJitter derives a jitter value in [0, MaxJitterMs) from
// a SHA-256 PRF seeded by the attempt's identifying fields, so the same
// attempt always produces the same jitter.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	seed := fmt.Sprintf("%s:%s:%s:%d:%s",
		params.PolicyID,
		params.AdapterID,
		params.EffectID,
		params.AttemptIndex,
		params.EnvSnapHash,
	)

	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	if policy.MaxJitterMs == 0 {
		return 0
	}
	return int64(jitterBasis % uint64(policy.MaxJitterMs))
}
