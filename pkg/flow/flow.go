// Package flow implements the flow.run step executor: loop/branch/parallel/
// group/retry steps with $ctx./$flow./$env. variable resolution, CEL-backed
// condition evaluation, and topologically-ordered dependency execution.
//
// Grounded in the CEL-as-deterministic-evaluator pattern of
// _examples/Mindburn-Labs-helm/core/pkg/kernel/cel_dp.go (here applied to
// flow step conditions instead of kernel effect policies) and the
// deterministic jittered backoff of pkg/kernel/retry/backoff.go
// (ComputeBackoff/ComputeDeterministicJitter), generalized from "effect
// retry policy" to "flow step retry".
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rumi-ai/rumi-core/pkg/kernel/retry"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

// MaxResolveDepth bounds recursive $ctx./$flow./$env. variable resolution.
const MaxResolveDepth = 20

// StepKind enumerates the step types spec.md §4.8 lists.
type StepKind string

const (
	StepCall     StepKind = "call"
	StepLoop     StepKind = "loop"
	StepBranch   StepKind = "branch"
	StepParallel StepKind = "parallel"
	StepGroup    StepKind = "group"
	StepRetry    StepKind = "retry"
)

// Step is one node in a flow definition.
type Step struct {
	ID          string         `json:"id"`
	Kind        StepKind       `json:"kind"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	When        string         `json:"when,omitempty"`
	ExitWhen    string         `json:"exit_when,omitempty"`
	Permission  string         `json:"permission,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`        // loop body / branch arms / group / parallel members
	MaxAttempts int            `json:"max_attempts,omitempty"` // retry
	MaxLoops    int            `json:"max_loops,omitempty"`    // loop
}

// Definition is a full flow.
type Definition struct {
	FlowID string `json:"flow_id"`
	Steps  []Step `json:"steps"`
}

// runArgsShape is the flow.run capability's args shape: a flow definition
// plus the initial $env. bindings, exactly as capexec hands it off
// wholesale when permission_id is "flow.run".
type runArgsShape struct {
	FlowID string         `json:"flow_id"`
	Steps  []Step         `json:"steps"`
	Env    map[string]any `json:"env,omitempty"`
}

// DecodeRunArgs splits a flow.run capability call's args into the
// Definition and $env. bindings Executor.Run expects, round-tripping
// through JSON so callers can hand it the same generic map[string]any
// capexec.Dispatch already received.
func DecodeRunArgs(args map[string]any) (Definition, map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Definition{}, nil, fmt.Errorf("flow: encode run args: %w", err)
	}
	var shape runArgsShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Definition{}, nil, rumierr.Wrap(rumierr.TypeValidation, rumierr.CategoryFlow, 30, "flow.run args do not match {flow_id, steps, env}", err)
	}
	return Definition{FlowID: shape.FlowID, Steps: shape.Steps}, shape.Env, nil
}

// CapabilityRunner is the subset of capexec.Executor flow steps call into.
type CapabilityRunner interface {
	Dispatch(ctx context.Context, principalID, permissionID string, args map[string]any) (any, error)
}

// Executor runs a Definition, resolving variables and evaluating
// conditions through CEL with a truthiness fallback.
type Executor struct {
	runner      CapabilityRunner
	parallelism int
	backoffPolicy retry.BackoffPolicy
}

// Option configures an Executor.
type Option func(*Executor)

// WithParallelism bounds the worker pool used by "parallel" steps.
func WithParallelism(n int) Option {
	return func(e *Executor) { e.parallelism = n }
}

// WithBackoffPolicy overrides the retry step's backoff policy.
func WithBackoffPolicy(p retry.BackoffPolicy) Option {
	return func(e *Executor) { e.backoffPolicy = p }
}

// New builds an Executor dispatching capability calls through runner.
func New(runner CapabilityRunner, opts ...Option) *Executor {
	e := &Executor{
		runner:      runner,
		parallelism: 4,
		backoffPolicy: retry.BackoffPolicy{PolicyID: "flow-step-retry", BaseMs: 200, MaxMs: 30000, MaxJitterMs: 100, MaxAttempts: 3},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// vars is the $ctx./$flow./$env. variable namespace threaded through
// execution.
type vars struct {
	mu   sync.RWMutex
	ctx  map[string]any
	flow map[string]any
	env  map[string]any
}

func newVars(env map[string]any) *vars {
	return &vars{ctx: map[string]any{}, flow: map[string]any{}, env: env}
}

func (v *vars) setCtx(key string, val any) {
	v.mu.Lock()
	v.ctx[key] = val
	v.mu.Unlock()
}

func (v *vars) snapshot() map[string]map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return map[string]map[string]any{"ctx": v.ctx, "flow": v.flow, "env": v.env}
}

// Run executes definition's top-level steps in dependency order (a cycle
// falls back to declared order, with no error — the executor never fails a
// flow purely because its dependency graph could not be sorted) and returns
// the final $ctx namespace.
func (e *Executor) Run(ctx context.Context, principalID string, def Definition, env map[string]any) (map[string]any, error) {
	v := newVars(env)
	ordered := topoSort(def.Steps)

	for _, step := range ordered {
		if err := e.runStep(ctx, principalID, step, v, 0); err != nil {
			return nil, err
		}
	}
	return v.snapshot()["ctx"], nil
}

func (e *Executor) runStep(ctx context.Context, principalID string, step Step, v *vars, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if step.When != "" {
		ok, err := e.evalCondition(step.When, v)
		if err != nil {
			return fmt.Errorf("flow: evaluate when for step %s: %w", step.ID, err)
		}
		if !ok {
			return nil
		}
	}

	switch step.Kind {
	case StepCall, "":
		return e.runCall(ctx, principalID, step, v)
	case StepLoop:
		return e.runLoop(ctx, principalID, step, v, depth)
	case StepBranch:
		return e.runBranch(ctx, principalID, step, v, depth)
	case StepParallel:
		return e.runParallel(ctx, principalID, step, v, depth)
	case StepGroup:
		return e.runGroup(ctx, principalID, step, v, depth)
	case StepRetry:
		return e.runRetry(ctx, principalID, step, v, depth)
	default:
		return rumierr.New(rumierr.TypeValidation, rumierr.CategoryFlow, 1, fmt.Sprintf("unknown step kind %q", step.Kind))
	}
}

func (e *Executor) runCall(ctx context.Context, principalID string, step Step, v *vars) error {
	args, err := e.resolveArgs(step.Args, v, 0)
	if err != nil {
		return err
	}
	result, err := e.runner.Dispatch(ctx, principalID, step.Permission, args)
	if err != nil {
		return fmt.Errorf("flow: step %s dispatch: %w", step.ID, err)
	}
	v.setCtx(step.ID, result)
	return nil
}

func (e *Executor) runLoop(ctx context.Context, principalID string, step Step, v *vars, depth int) error {
	max := step.MaxLoops
	if max <= 0 {
		max = 1000
	}
	for i := 0; i < max; i++ {
		if step.ExitWhen != "" {
			ok, err := e.evalCondition(step.ExitWhen, v)
			if err != nil {
				return fmt.Errorf("flow: evaluate exit_when for loop %s: %w", step.ID, err)
			}
			if ok {
				return nil
			}
		}
		for _, inner := range topoSort(step.Steps) {
			if err := e.runStep(ctx, principalID, inner, v, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) runBranch(ctx context.Context, principalID string, step Step, v *vars, depth int) error {
	for _, arm := range step.Steps {
		ok := true
		if arm.When != "" {
			var err error
			ok, err = e.evalCondition(arm.When, v)
			if err != nil {
				return fmt.Errorf("flow: evaluate branch arm %s: %w", arm.ID, err)
			}
		}
		if ok {
			return e.runStep(ctx, principalID, arm, v, depth+1)
		}
	}
	return nil
}

func (e *Executor) runGroup(ctx context.Context, principalID string, step Step, v *vars, depth int) error {
	for _, inner := range topoSort(step.Steps) {
		if err := e.runStep(ctx, principalID, inner, v, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runParallel(ctx context.Context, principalID string, step Step, v *vars, depth int) error {
	sem := make(chan struct{}, e.parallelism)
	errs := make(chan error, len(step.Steps))
	var wg sync.WaitGroup

	for _, inner := range step.Steps {
		inner := inner
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs <- e.runStep(ctx, principalID, inner, v, depth+1)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runRetry(ctx context.Context, principalID string, step Step, v *vars, depth int) error {
	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.backoffPolicy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.ComputeBackoff(retry.BackoffParams{
				PolicyID:     e.backoffPolicy.PolicyID,
				EffectID:     step.ID,
				AttemptIndex: attempt,
			}, e.backoffPolicy)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = nil
		for _, inner := range topoSort(step.Steps) {
			if err := e.runStep(ctx, principalID, inner, v, depth+1); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("flow: step %s exhausted %d retry attempts: %w", step.ID, maxAttempts, lastErr)
}

// evalCondition compiles and evaluates expr as a restricted CEL boolean
// program (google/cel-go). An unparseable or unsupported-operator
// expression falls back to resolved-truthiness over the raw variable
// namespace, exactly as spec.md §4.8 documents.
func (e *Executor) evalCondition(expr string, v *vars) (bool, error) {
	snap := v.snapshot()
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.DynType),
		cel.Variable("flow", cel.DynType),
		cel.Variable("env", cel.DynType),
	)
	if err != nil {
		return false, fmt.Errorf("flow: build cel env: %w", err)
	}

	// $ctx./$flow./$env. references name the CEL variables ctx, flow and env.
	celExpr := strings.NewReplacer("$ctx.", "ctx.", "$flow.", "flow.", "$env.", "env.").Replace(expr)
	ast, issues := env.Compile(celExpr)
	if issues != nil && issues.Err() != nil {
		return truthiness(resolveVar(expr, snap)), nil
	}

	program, err := env.Program(ast)
	if err != nil {
		return truthiness(resolveVar(expr, snap)), nil
	}

	out, _, err := program.Eval(map[string]any{
		"ctx":  snap["ctx"],
		"flow": snap["flow"],
		"env":  snap["env"],
	})
	if err != nil {
		return truthiness(resolveVar(expr, snap)), nil
	}

	if b, ok := out.Value().(bool); ok {
		return b, nil
	}
	return truthiness(out.Value()), nil
}

func truthiness(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func resolveVar(expr string, snap map[string]map[string]any) any {
	val, err := ResolveVariable(expr, snap, 0)
	if err != nil {
		return nil
	}
	return val
}

// resolveArgs walks args resolving any string value that is a
// $ctx./$flow./$env. reference.
func (e *Executor) resolveArgs(args map[string]any, v *vars, depth int) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	snap := v.snapshot()
	resolved := make(map[string]any, len(args))
	for k, val := range args {
		r, err := resolveValue(val, snap, depth)
		if err != nil {
			return nil, err
		}
		resolved[k] = r
	}
	return resolved, nil
}

func resolveValue(val any, snap map[string]map[string]any, depth int) (any, error) {
	switch t := val.(type) {
	case string:
		if len(t) > 0 && t[0] == '$' {
			return ResolveVariable(t, snap, depth)
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			r, err := resolveValue(v, snap, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			r, err := resolveValue(v, snap, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

// ResolveVariable resolves a "$ctx.foo.bar" / "$flow.x" / "$env.y" reference
// against snap, to a maximum depth of MaxResolveDepth.
func ResolveVariable(ref string, snap map[string]map[string]any, depth int) (any, error) {
	if depth > MaxResolveDepth {
		return nil, rumierr.New(rumierr.TypeValidation, rumierr.CategoryFlow, 2, fmt.Sprintf("variable resolution exceeded max depth %d", MaxResolveDepth))
	}
	if len(ref) == 0 || ref[0] != '$' {
		return ref, nil
	}

	rest := ref[1:]
	var ns string
	var path string
	for i, c := range rest {
		if c == '.' {
			ns = rest[:i]
			path = rest[i+1:]
			break
		}
	}
	if ns == "" {
		ns = rest
	}

	root, ok := snap[ns]
	if !ok {
		return nil, rumierr.New(rumierr.TypeValidation, rumierr.CategoryFlow, 3, fmt.Sprintf("unknown variable namespace %q", ns))
	}

	var current any = root
	if path == "" {
		return current, nil
	}
	for _, seg := range splitDot(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, rumierr.New(rumierr.TypeValidation, rumierr.CategoryFlow, 4, fmt.Sprintf("cannot resolve %q: %q is not an object", ref, seg))
		}
		current, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return current, nil
}

func splitDot(s string) []string {
	var parts []string
	start := 0
	for i, c := range s {
		if c == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// topoSort orders steps by depends_on, stable tie-break on declared order.
// A cycle falls back to declared order entirely, logged as a warning, per
// spec.md §4.8's "never an error" rule.
func topoSort(steps []Step) []Step {
	byID := make(map[string]Step, len(steps))
	indexOf := make(map[string]int, len(steps))
	for i, s := range steps {
		byID[s.ID] = s
		indexOf[s.ID] = i
	}

	visited := make(map[string]int) // 0=unvisited, 1=visiting, 2=done
	var order []Step
	var cyclic bool

	var visit func(id string)
	visit = func(id string) {
		if cyclic {
			return
		}
		switch visited[id] {
		case 2:
			return
		case 1:
			cyclic = true
			return
		}
		visited[id] = 1
		step := byID[id]
		deps := append([]string{}, step.DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return indexOf[deps[i]] < indexOf[deps[j]] })
		for _, dep := range deps {
			if _, ok := byID[dep]; ok {
				visit(dep)
			}
		}
		visited[id] = 2
		order = append(order, step)
	}

	for _, s := range steps {
		visit(s.ID)
		if cyclic {
			slog.Warn("flow: depends_on cycle detected, falling back to declared step order")
			return steps
		}
	}
	return order
}
