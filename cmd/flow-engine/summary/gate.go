package summary

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// QualityGate evaluates the deployment-configurable pass/fail
// expression over summary metrics. Expressions compile once and stay
// cached; the default expression is
//
//	completeness >= 0.8 && accuracy >= 0.8 && !has_validation_errors
type QualityGate struct {
	expression string

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewQualityGate creates a gate with the given expression
func NewQualityGate(expression string) *QualityGate {
	return &QualityGate{
		expression: expression,
		cache:      make(map[string]cel.Program),
	}
}

// Evaluate runs the gate expression over the computed metrics
func (g *QualityGate) Evaluate(completeness, accuracy float64, hasValidationErrors bool) (bool, error) {
	prg, err := g.program(g.expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"completeness":          completeness,
		"accuracy":              accuracy,
		"has_validation_errors": hasValidationErrors,
	})
	if err != nil {
		return false, fmt.Errorf("quality gate evaluation: %w", err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("quality gate expression returned %T, want boolean", out.Value())
	}

	return passed, nil
}

// program returns the compiled expression, compiling on first use
func (g *QualityGate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("completeness", cel.DoubleType),
		cel.Variable("accuracy", cel.DoubleType),
		cel.Variable("has_validation_errors", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile quality gate %q: %w", expr, issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build quality gate program: %w", err)
	}

	g.mu.Lock()
	g.cache[expr] = prg
	g.mu.Unlock()

	return prg, nil
}
