// Package policy evaluates usage and access policies against a participant
// agent. Constraints are CEL expressions over the agent, the evaluation scope
// and the current time. A policy holds when every permission evaluates to
// true and no prohibition does; anything else, including evaluation errors,
// is a denial.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

const costLimit = 10_000

// Policy is a named set of constraints.
type Policy struct {
	ID           string   `json:"id" yaml:"id"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions  []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Prohibitions []string `json:"prohibitions,omitempty" yaml:"prohibitions,omitempty"`
}

// Agent is the identity and claims a counter-party presented.
type Agent struct {
	Identity   string            `json:"identity"`
	Claims     map[string]any    `json:"claims,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (a Agent) activation() map[string]any {
	claims := a.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	attrs := make(map[string]any, len(a.Attributes))
	for k, v := range a.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"id":         a.Identity,
		"claims":     claims,
		"attributes": attrs,
	}
}

// DeniedError lists why a policy did not hold.
type DeniedError struct {
	PolicyID string
	Scope    string
	Reasons  []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy %s denied in scope %s: %s", e.PolicyID, e.Scope, strings.Join(e.Reasons, "; "))
}

// IsDenied reports whether err is a policy denial.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

type scopeRule struct {
	name string
	expr string
}

// Engine compiles and evaluates policy constraints. Compiled programs are
// cached by source.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	programs   map[string]cel.Program
	scopeRules map[string][]scopeRule
	clock      func() time.Time
}

// NewEngine initializes the CEL environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("agent", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("scope", types.StringType),
			decls.NewVariable("now", types.TimestampType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Engine{
		env:        env,
		programs:   make(map[string]cel.Program),
		scopeRules: make(map[string][]scopeRule),
		clock:      time.Now,
	}, nil
}

// WithClock overrides the time source used for the "now" variable.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Validate compiles every constraint of p without evaluating it.
func (e *Engine) Validate(p Policy) error {
	for _, expr := range append(append([]string{}, p.Permissions...), p.Prohibitions...) {
		if _, err := e.program(expr); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// RegisterScopeRule adds a constraint every policy evaluated in scope must
// also satisfy.
func (e *Engine) RegisterScopeRule(scope, name, expr string) error {
	if _, err := e.program(expr); err != nil {
		return fmt.Errorf("scope rule %s: %w", name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopeRules[scope] = append(e.scopeRules[scope], scopeRule{name: name, expr: expr})
	return nil
}

// Evaluate returns nil when p holds for agent in scope and a *DeniedError
// otherwise. It fails closed.
func (e *Engine) Evaluate(ctx context.Context, scope string, p Policy, agent Agent) error {
	input := map[string]any{
		"agent": agent.activation(),
		"scope": scope,
		"now":   e.clock(),
	}

	e.mu.RLock()
	rules := append([]scopeRule(nil), e.scopeRules[scope]...)
	e.mu.RUnlock()

	var reasons []string
	for _, expr := range p.Permissions {
		ok, err := e.eval(ctx, expr, input)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("permission %q: %v", expr, err))
		} else if !ok {
			reasons = append(reasons, fmt.Sprintf("permission %q not satisfied", expr))
		}
	}
	for _, expr := range p.Prohibitions {
		ok, err := e.eval(ctx, expr, input)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("prohibition %q: %v", expr, err))
		} else if ok {
			reasons = append(reasons, fmt.Sprintf("prohibition %q applies", expr))
		}
	}
	for _, r := range rules {
		ok, err := e.eval(ctx, r.expr, input)
		if err != nil || !ok {
			reasons = append(reasons, fmt.Sprintf("scope rule %s not satisfied", r.name))
		}
	}

	if len(reasons) > 0 {
		return &DeniedError{PolicyID: p.ID, Scope: scope, Reasons: reasons}
	}
	return nil
}

func (e *Engine) eval(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression yielded %T, want bool", out.Value())
	}
	return allowed, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
