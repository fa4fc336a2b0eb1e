// Package rule evaluates the declarative predicate every Rule document
// carries against a nested value context. It is a small JSON-logic
// dialect interpreter: the corpus this Guardian is grounded on has no
// Go JSON-logic library, so this is the one component built directly
// on the standard library rather than a third-party dependency (see
// DESIGN.md).
//
// A predicate tree is one of:
//   - a literal (number, string, bool)
//   - {"var": "a.b.c"} — a dotted lookup into the context
//   - {"op": [args...]} for op in and, or, not, ==, !=, <, <=, >, >=,
//     +, -, *, /
//
// Evaluation is pure, side-effect-free, and terminates in time linear
// in the tree size for any acyclic tree.
package rule

import (
	"fmt"

	"github.com/serverless-containers/guardian/internal/domain"
)

// Context is the nested value map a predicate is evaluated against.
type Context map[string]any

// Eval evaluates predicate against ctx and returns its boolean result.
// A malformed predicate (unknown operator, wrong arity, missing
// variable, non-boolean result at the top) is reported as
// domain.ErrRuleMalformed, wrapping the offending detail.
func Eval(predicate any, ctx Context) (bool, error) {
	v, err := eval(predicate, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("rule: predicate did not evaluate to a boolean (got %T): %w", v, domain.ErrRuleMalformed)
	}
	return b, nil
}

func eval(node any, ctx Context) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if len(n) != 1 {
			return nil, fmt.Errorf("rule: node must have exactly one operator, got %d: %w", len(n), domain.ErrRuleMalformed)
		}
		for op, args := range n {
			return evalOp(op, args, ctx)
		}
	case float64, int, string, bool, nil:
		return n, nil
	}
	return nil, fmt.Errorf("rule: unsupported node type %T: %w", node, domain.ErrRuleMalformed)
}

func evalOp(op string, args any, ctx Context) (any, error) {
	if op == "var" {
		path, ok := args.(string)
		if !ok {
			return nil, fmt.Errorf("rule: var argument must be a string: %w", domain.ErrRuleMalformed)
		}
		return lookup(ctx, path)
	}

	list, err := argList(args)
	if err != nil {
		return nil, err
	}

	switch op {
	case "and":
		for _, a := range list {
			v, err := eval(a, ctx)
			if err != nil {
				return nil, err
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("rule: and operand not boolean: %w", domain.ErrRuleMalformed)
			}
			if !b {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range list {
			v, err := eval(a, ctx)
			if err != nil {
				return nil, err
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("rule: or operand not boolean: %w", domain.ErrRuleMalformed)
			}
			if b {
				return true, nil
			}
		}
		return false, nil
	case "not":
		if len(list) != 1 {
			return nil, fmt.Errorf("rule: not takes exactly one argument: %w", domain.ErrRuleMalformed)
		}
		v, err := eval(list[0], ctx)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("rule: not operand not boolean: %w", domain.ErrRuleMalformed)
		}
		return !b, nil
	case "==", "!=", "<", "<=", ">", ">=":
		return evalComparison(op, list, ctx)
	case "+", "-", "*", "/":
		return evalArithmetic(op, list, ctx)
	default:
		return nil, fmt.Errorf("rule: unknown operator %q: %w", op, domain.ErrRuleMalformed)
	}
}

func argList(args any) ([]any, error) {
	list, ok := args.([]any)
	if !ok {
		return nil, fmt.Errorf("rule: operator arguments must be a list: %w", domain.ErrRuleMalformed)
	}
	return list, nil
}

func evalComparison(op string, list []any, ctx Context) (any, error) {
	if len(list) != 2 {
		return nil, fmt.Errorf("rule: comparison %q takes exactly two arguments: %w", op, domain.ErrRuleMalformed)
	}
	lv, err := eval(list[0], ctx)
	if err != nil {
		return nil, err
	}
	rv, err := eval(list[1], ctx)
	if err != nil {
		return nil, err
	}

	if op == "==" || op == "!=" {
		eq := equalValues(lv, rv)
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}

	lf, lok := asFloat(lv)
	rf, rok := asFloat(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("rule: comparison %q requires numeric operands: %w", op, domain.ErrRuleMalformed)
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	panic("unreachable")
}

func evalArithmetic(op string, list []any, ctx Context) (any, error) {
	if len(list) != 2 {
		return nil, fmt.Errorf("rule: arithmetic %q takes exactly two arguments: %w", op, domain.ErrRuleMalformed)
	}
	lv, err := eval(list[0], ctx)
	if err != nil {
		return nil, err
	}
	rv, err := eval(list[1], ctx)
	if err != nil {
		return nil, err
	}
	lf, lok := asFloat(lv)
	rf, rok := asFloat(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("rule: arithmetic %q requires numeric operands: %w", op, domain.ErrRuleMalformed)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("rule: division by zero: %w", domain.ErrRuleMalformed)
		}
		return lf / rf, nil
	}
	panic("unreachable")
}

func equalValues(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func lookup(ctx Context, path string) (any, error) {
	cur := any(ctx)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				if asCtx, ok := cur.(Context); ok {
					m = asCtx
				} else {
					return nil, fmt.Errorf("rule: path %q does not resolve to an object at %q: %w", path, key, domain.ErrRuleMalformed)
				}
			}
			v, ok := m[key]
			if !ok {
				return nil, fmt.Errorf("rule: missing field %q in path %q: %w", key, path, domain.ErrRuleMalformed)
			}
			cur = v
			start = i + 1
		}
	}
	return cur, nil
}
