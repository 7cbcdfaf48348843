package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates invocations against a set of compiled Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtins map[string]bool
	loader   *Loader
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared for evaluation.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtins: make(map[string]bool),
		logger:   logger.With().Str("component", "policy_engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	for _, p := range BuiltinPolicies() {
		cp, err := compile(context.Background(), &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
		e.builtins[p.Name] = true
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("built-in policies loaded")
	return e, nil
}

// compile parses a policy and prepares a query for its deny set.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query}, nil
}

// Authorize evaluates every enabled policy against in. A policy that fails
// to evaluate blocks the invocation.
func (e *Engine) Authorize(ctx context.Context, in Input) (*Decision, error) {
	start := time.Now()
	if in.Timestamp.IsZero() {
		in.Timestamp = start.UTC()
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	compiled := make([]*compiledPolicy, len(names))
	for i, name := range names {
		compiled[i] = e.policies[name]
	}
	e.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedPolicies: names}
	for _, cp := range compiled {
		denials, err := evaluate(ctx, cp, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			denials = []Denial{{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err),
				Severity: SeverityError,
			}}
		}
		for _, d := range denials {
			if d.Severity.Blocks() {
				decision.Allowed = false
				decision.Denials = append(decision.Denials, d)
			} else {
				decision.Warnings = append(decision.Warnings, d)
			}
		}
	}
	decision.Duration = time.Since(start)

	e.logger.Debug().
		Str("operation", in.Operation).
		Str("caller_principal", in.CallerPrincipal).
		Bool("allowed", decision.Allowed).
		Int("denials", len(decision.Denials)).
		Dur("duration", decision.Duration).
		Msg("invocation authorized")

	return decision, nil
}

// evaluate runs one policy's deny query.
func evaluate(ctx context.Context, cp *compiledPolicy, in Input) ([]Denial, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}

	var denials []Denial
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, v := range set {
			denials = append(denials, toDenial(cp.policy, v))
		}
	}
	sort.Slice(denials, func(i, j int) bool { return denials[i].Message < denials[j].Message })
	return denials, nil
}

func toDenial(p *Policy, v interface{}) Denial {
	d := Denial{Policy: p.Name, Severity: p.Severity}
	switch val := v.(type) {
	case string:
		d.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			d.Message = msg
		}
		if sev, ok := val["severity"].(string); ok && sev != "" {
			d.Severity = Severity(sev)
		}
	default:
		d.Message = fmt.Sprintf("%v", v)
	}
	if d.Severity == "" {
		d.Severity = SeverityError
	}
	return d
}

// LoadPolicies loads .rego and .json policies from paths and adds them to
// the engine. Nothing is added if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.addPolicies(ctx, policies, false)
}

// ReplacePolicies swaps every non-built-in policy for policies.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	return e.addPolicies(ctx, policies, true)
}

func (e *Engine) addPolicies(ctx context.Context, policies []Policy, replace bool) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if e.builtins[p.Name] {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if replace {
		for name := range e.policies {
			if !e.builtins[name] {
				delete(e.policies, name)
			}
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Bool("replace", replace).Msg("policies loaded")
	return nil
}

// Watch reloads the policies under paths whenever they change, until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	p.Enabled = enabled
	e.policies[name] = &compiledPolicy{policy: &p, query: cp.query}

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}
