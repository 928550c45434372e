// Package expression evaluates step conditions against approval parameters.
//
// Conditions use expr syntax: relational operators, and/or/not (also && ||
// !), string and numeric literals, with parameter names as identifiers:
//
//	amount > 10000 or category == "Travel"
//
// Evaluation fails closed. A condition that does not compile, fails at
// runtime or yields a non-boolean value evaluates to false. So does any
// condition that references a parameter which is absent or null, whatever the
// operator: `category != "Travel"` is false when category is not given.
package expression

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize bounds the number of compiled conditions kept in memory.
const DefaultCacheSize = 512

// Evaluator compiles conditions once and runs them per call. It is safe for
// concurrent use.
type Evaluator struct {
	cache *lru.Cache[string, *compiled]
	log   zerolog.Logger
}

// compiled is a program together with the parameter names it reads.
type compiled struct {
	program    *vm.Program
	parameters []string
}

// NewEvaluator creates an Evaluator with a compiled-program cache of the
// given size (DefaultCacheSize when size <= 0).
func NewEvaluator(size int, log zerolog.Logger) *Evaluator {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *compiled](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Evaluator{cache: cache, log: log}
}

// Evaluate returns the boolean value of condition against parameters.
func (e *Evaluator) Evaluate(condition string, parameters map[string]any) bool {
	program, err := e.compile(condition)
	if err != nil {
		e.log.Debug().Err(err).Str("condition", condition).Msg("condition does not compile; treating as false")
		return false
	}

	for _, name := range program.parameters {
		if parameters[name] == nil {
			e.log.Debug().Str("condition", condition).Str("parameter", name).Msg("condition parameter is missing; treating as false")
			return false
		}
	}

	result, err := e.run(program.program, parameters)
	if err != nil {
		e.log.Debug().Err(err).Str("condition", condition).Msg("condition evaluation failed; treating as false")
		return false
	}

	value, ok := result.(bool)
	if !ok {
		e.log.Debug().Str("condition", condition).Str("type", fmt.Sprintf("%T", result)).Msg("condition is not boolean; treating as false")
		return false
	}
	return value
}

func (e *Evaluator) compile(condition string) (*compiled, error) {
	if c, ok := e.cache.Get(condition); ok {
		return c, nil
	}
	program, err := expr.Compile(condition, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	tree, err := parser.Parse(condition)
	if err != nil {
		return nil, err
	}

	collector := &identifierCollector{locals: map[string]struct{}{}}
	ast.Walk(&tree.Node, collector)

	c := &compiled{program: program, parameters: collector.parameters()}
	e.cache.Add(condition, c)
	return c, nil
}

// identifierCollector gathers the free identifiers of a condition. Function
// callees, let-bound names and $env are not parameters.
type identifierCollector struct {
	names  []string
	locals map[string]struct{}
}

func (c *identifierCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.names = append(c.names, n.Value)
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.locals[callee.Value] = struct{}{}
		}
	case *ast.VariableDeclaratorNode:
		c.locals[n.Name] = struct{}{}
	}
}

func (c *identifierCollector) parameters() []string {
	seen := make(map[string]struct{}, len(c.names))
	out := make([]string, 0, len(c.names))
	for _, name := range c.names {
		if _, local := c.locals[name]; local || strings.HasPrefix(name, "$") {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (e *Evaluator) run(program *vm.Program, parameters map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("condition panicked: %v", r)
		}
	}()
	env := parameters
	if env == nil {
		env = map[string]any{}
	}
	return expr.Run(program, env)
}
