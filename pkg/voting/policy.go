package voting

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Policy decides the automatic local vote cast when a proposal arrives.
// The expression sees `proposal` (the proposal payload plus id and
// creator) and `self` (the local peer identity) and must evaluate to a
// boolean decision.
type Policy struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPolicy creates a policy evaluator.
func NewPolicy() (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.DynType),
		cel.Variable("self", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("voting: create policy environment: %w", err)
	}
	return &Policy{env: env, cache: make(map[string]cel.Program)}, nil
}

// Decide evaluates the expression against a proposal and returns the vote
// decision. The expression is required; a peer with no expression does not
// vote at all rather than voting either way.
func (p *Policy) Decide(expr string, proposal map[string]any, self string) (bool, error) {
	if expr == "" {
		return false, fmt.Errorf("voting: empty policy expression")
	}
	prg, err := p.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"proposal": proposal, "self": self})
	if err != nil {
		return false, fmt.Errorf("voting: policy eval: %w", err)
	}
	decision, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("voting: policy result is %T, want bool", out.Value())
	}
	return decision, nil
}

func (p *Policy) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.cache[expr]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("voting: policy compile: %w", issues.Err())
	}
	prg, err := p.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("voting: policy program: %w", err)
	}
	p.cache[expr] = prg
	return prg, nil
}
