package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/netconverge/netconverge/pkg/engine"
)

// Guard evaluates Rego policies against plans. It implements engine.PlanGuard.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy  Policy
	query   rego.PreparedEvalQuery
	builtin bool
}

var _ engine.PlanGuard = (*Guard)(nil)

// NewGuard creates a guard loaded with the built-in policies.
func NewGuard(logger zerolog.Logger) (*Guard, error) {
	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-guard").Logger(),
		now:      time.Now,
	}

	for _, p := range BuiltinPolicies() {
		cp, err := compile(context.Background(), p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		cp.builtin = true
		g.policies[p.Name] = cp
	}

	return g, nil
}

// EvaluatePlan runs every enabled policy against plan. Blocking violations
// are returned as an error wrapping engine.ErrPolicyDenied; the rest become
// plan warnings.
func (g *Guard) EvaluatePlan(ctx context.Context, plan *engine.Plan, current *engine.SystemState) (*engine.GuardResult, error) {
	res, err := g.Evaluate(ctx, plan, current)
	if err != nil {
		return nil, err
	}

	out := &engine.GuardResult{}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}

	if !res.Allowed {
		msgs := make([]string, len(res.Violations))
		for i, v := range res.Violations {
			msgs[i] = v.String()
		}
		return out, engine.NewPermanentError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
			WithCode(engine.ErrCodePolicyDenied).
			WithTarget("location/"+plan.Location).
			WithDetail("violations", msgs)
	}

	return out, nil
}

// Evaluate runs every enabled policy against plan and reports all findings.
func (g *Guard) Evaluate(ctx context.Context, plan *engine.Plan, current *engine.SystemState) (*Result, error) {
	start := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	input := &Input{Plan: plan, Current: current, EvaluatedAt: start}
	res := &Result{Allowed: true}

	for _, name := range g.sortedNames() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		violations, err := g.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}

	res.Duration = time.Since(start)
	g.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("Plan policy evaluation completed")

	return res, nil
}

// LoadPolicies compiles the policies found under paths and adds them to the
// guard. A file that fails to compile aborts the load.
func (g *Guard) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(g.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return g.ReplaceUserPolicies(ctx, policies)
}

// ReplaceUserPolicies swaps every non-built-in policy for policies. Nothing
// changes if any of them fails to compile or reuses a built-in name.
func (g *Guard) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for name := range compiled {
		if existing, ok := g.policies[name]; ok && existing.builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range g.policies {
		if !cp.builtin {
			delete(g.policies, name)
		}
	}
	for name, cp := range compiled {
		g.policies[name] = cp
	}

	g.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, name := range g.sortedNames() {
		out = append(out, g.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, ok := g.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (g *Guard) sortedNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// compile parses the module and prepares a query for its deny set.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query}, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (g *Guard) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation converts one deny element. Elements may be plain strings
// or objects with message, target and severity keys.
func createViolation(p Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if target, ok := r["target"].(string); ok {
			v.Target = target
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}
