package definitions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// filterCostLimit bounds evaluation of a single predicate against one record.
const filterCostLimit = 100000

// maxCachedFilters caps the compiled program cache; it is cleared when full.
const maxCachedFilters = 256

// Filter compiles CEL predicates over definition fields and caches the programs.
// Available variables: id, kind, name, content, readyToDeploy, deployed, version.
type Filter struct {
	env      *cel.Env
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// NewFilter creates a filter with the definition variables declared.
func NewFilter() (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("readyToDeploy", cel.BoolType),
		cel.Variable("deployed", cel.BoolType),
		cel.Variable("version", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Filter{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile type-checks expr and caches the resulting program.
// The expression must evaluate to a bool.
func (f *Filter) Compile(expr string) (cel.Program, error) {
	f.mu.RLock()
	prog, ok := f.programs[expr]
	f.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: filter: %w", ErrInvalid, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: filter must be boolean, got %s", ErrInvalid, ast.OutputType())
	}

	prog, err := f.env.Program(ast, cel.CostLimit(filterCostLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: filter program: %w", ErrInvalid, err)
	}

	f.mu.Lock()
	if len(f.programs) >= maxCachedFilters {
		f.programs = make(map[string]cel.Program)
	}
	f.programs[expr] = prog
	f.mu.Unlock()

	return prog, nil
}

// Match reports whether def satisfies expr.
func (f *Filter) Match(expr string, def *Definition) (bool, error) {
	prog, err := f.Compile(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(map[string]any{
		"id":            def.ID,
		"kind":          string(def.Kind),
		"name":          def.Name,
		"content":       def.Content,
		"readyToDeploy": def.ReadyToDeploy,
		"deployed":      def.Deployed,
		"version":       def.Version,
	})
	if err != nil {
		return false, fmt.Errorf("filter evaluation on %s: %w", def.ID, err)
	}

	matched, ok := out.Value().(bool)
	return ok && matched, nil
}
