package expression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru"
)

// Expressions are user-authored: they run in expr's VM, which has no access to
// the filesystem or network, and every evaluation is bounded by a timeout.

var (
	ErrCompile = errors.New("expression does not compile")
	ErrEval    = errors.New("expression evaluation failed")
	ErrTimeout = errors.New("expression timed out")
	ErrNotBool = errors.New("expression is not a boolean")
)

const (
	DefaultTimeout   = 250 * time.Millisecond
	DefaultCacheSize = 512
)

type Evaluator struct {
	timeout time.Duration
	cache   *lru.Cache
}

type Option func(*Evaluator)

func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	// only fails on a non-positive size
	e.cache, _ = lru.New(DefaultCacheSize)
	return e
}

// Check verifies src parses and only references the given names. Function
// callees are not names.
func (e *Evaluator) Check(src string, names []string) error {
	tree, err := parser.Parse(src)
	if err != nil {
		return errors.Join(ErrCompile, err)
	}
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}
	v := &identVisitor{callees: map[string]bool{}}
	ast.Walk(&tree.Node, v)

	var unknown []string
	for _, id := range v.idents {
		if _, ok := known[id]; ok || v.callees[id] {
			continue
		}
		unknown = append(unknown, id)
	}
	if len(unknown) > 0 {
		return errors.Join(ErrCompile, fmt.Errorf("unknown name %s in %q", strings.Join(unknown, ", "), src))
	}
	return nil
}

type identVisitor struct {
	idents  []string
	callees map[string]bool
}

func (v *identVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		v.idents = append(v.idents, n.Value)
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			v.callees[id.Value] = true
		}
	}
}

// Syntax only checks that src parses; any name is accepted.
func (e *Evaluator) Syntax(src string) error {
	_, err := e.program(src)
	return err
}

func (e *Evaluator) program(src string) (*vm.Program, error) {
	if p, ok := e.cache.Get(src); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errors.Join(ErrCompile, err)
	}
	e.cache.Add(src, p)
	return p, nil
}

type result struct {
	value any
	err   error
}

// Eval evaluates src against env within the evaluator timeout.
func (e *Evaluator) Eval(ctx context.Context, src string, env map[string]any) (any, error) {
	p, err := e.program(src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := expr.Run(p, env)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.Join(ErrEval, fmt.Errorf("%q: %w", src, r.err))
		}
		return r.value, nil
	case <-ctx.Done():
		return nil, errors.Join(ErrTimeout, fmt.Errorf("%q", src))
	}
}

// Bool evaluates a condition.
func (e *Evaluator) Bool(ctx context.Context, src string, env map[string]any) (bool, error) {
	v, err := e.Eval(ctx, src, env)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, errors.Join(ErrNotBool, fmt.Errorf("%q returned %T", src, v))
	}
}

// Map evaluates every expression of a mapping; keys are kept as-is.
func (e *Evaluator) Map(ctx context.Context, mapping map[string]string, env map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(mapping))
	for k, src := range mapping {
		v, err := e.Eval(ctx, src, env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
