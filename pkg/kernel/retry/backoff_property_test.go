//go:build property
// +build property

// Package retry_test contains property-based tests for deterministic retry
// backoff, grounded in the teacher's kernel addenda property tests.
package retry_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rumi-ai/rumi-core/pkg/kernel/retry"
)

// TestComputeBackoffDeterministic verifies two calls with identical params
// produce an identical delay, the property flow replay depends on.
func TestComputeBackoffDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	policy := retry.BackoffPolicy{PolicyID: "p", BaseMs: 200, MaxMs: 30000, MaxJitterMs: 100, MaxAttempts: 5}

	properties.Property("ComputeBackoff is deterministic for identical inputs", prop.ForAll(
		func(adapterID, effectID string, attempt int) bool {
			params := retry.BackoffParams{
				PolicyID:     policy.PolicyID,
				AdapterID:    adapterID,
				EffectID:     effectID,
				AttemptIndex: attempt,
			}
			return retry.ComputeBackoff(params, policy) == retry.ComputeBackoff(params, policy)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

// TestComputeBackoffNeverExceedsCap verifies the exponential base delay
// plus jitter never exceeds MaxMs + MaxJitterMs, regardless of attempt index.
func TestComputeBackoffNeverExceedsCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := retry.BackoffPolicy{PolicyID: "p", BaseMs: 200, MaxMs: 30000, MaxJitterMs: 100, MaxAttempts: 10}

	properties.Property("ComputeBackoff stays within base cap plus jitter", prop.ForAll(
		func(attempt int) bool {
			params := retry.BackoffParams{PolicyID: policy.PolicyID, AttemptIndex: attempt}
			delay := retry.ComputeBackoff(params, policy)
			return delay.Milliseconds() <= policy.MaxMs+policy.MaxJitterMs
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
