// Package cond evaluates boolean expressions against a variable environment,
// used for connection guards (core.WithCondition, evaluated before a
// connection fires). It is a compiled-program cache keyed by expression text,
// built on github.com/expr-lang/expr.
package cond

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches boolean expr-lang expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns an empty evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Eval compiles (or reuses a cached compile of) expression and runs it
// against env, requiring a boolean result.
func (e *Evaluator) Eval(expression string, env map[string]any) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("cond: evaluating %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("cond: expression %q did not yield a bool, got %T", expression, out)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("cond: compiling %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
