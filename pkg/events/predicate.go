package events

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// PredicateEngine compiles and caches CEL payload predicates used by
// subscriptions. Expressions see a single "payload" map variable.
type PredicateEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPredicateEngine creates the shared predicate environment.
func NewPredicateEngine() (*PredicateEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("predicate env: %w", err)
	}
	return &PredicateEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile validates an expression eagerly so Subscribe can reject bad
// predicates instead of failing at delivery time.
func (pe *PredicateEngine) Compile(expression string) error {
	_, err := pe.program(expression)
	return err
}

// Match evaluates the predicate against an event payload. A nil payload is
// presented as an empty map so predicates can use has()/membership safely.
func (pe *PredicateEngine) Match(expression string, payload map[string]any) (bool, error) {
	prg, err := pe.program(expression)
	if err != nil {
		return false, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"payload": payload})
	if err != nil {
		return false, fmt.Errorf("predicate eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q did not return bool", expression)
	}
	return matched, nil
}

func (pe *PredicateEngine) program(expression string) (cel.Program, error) {
	pe.mu.RLock()
	prg, hit := pe.cache[expression]
	pe.mu.RUnlock()
	if hit {
		return prg, nil
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()
	if prg, hit = pe.cache[expression]; hit {
		return prg, nil
	}
	ast, issues := pe.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("predicate compile: %w", issues.Err())
	}
	p, err := pe.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("predicate program: %w", err)
	}
	pe.cache[expression] = p
	return p, nil
}
