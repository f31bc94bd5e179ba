package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and caches the CEL programs behind conditional edges.
// Expressions see the workflow state as the `state` variable; the "$."
// shorthand is rewritten to "state." so edge conditions can say
// $.developerStatus == "blocked".
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// EvaluateBool evaluates expr against vars and requires a boolean result.
func (e *Evaluator) EvaluateBool(expr string, vars map[string]any) (bool, error) {
	normalized := strings.ReplaceAll(expr, "$.", "state.")

	e.mu.RLock()
	prg, ok := e.cache[normalized]
	e.mu.RUnlock()

	if !ok {
		var err error
		prg, err = compileCEL(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("cel evaluation of %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}
	return result, nil
}

func compileCEL(expr string) (cel.Program, error) {
	// State reaches CEL through JSON, so numeric fields are doubles; the
	// cross-type option lets conditions compare them against int literals.
	env, err := cel.NewEnv(
		cel.Variable("state", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compilation of %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of compiled expressions held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
