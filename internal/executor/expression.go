package executor

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"sync"

	"github.com/Knetic/govaluate"
)

// ExpressionPrefix marks a parameter value as a govaluate expression, e.g.
// "= $s1.count * 2".
const ExpressionPrefix = "="

var (
	// exprRefPattern finds $step.field[0] references inside expressions.
	exprRefPattern = regexp.MustCompile(`\$([a-zA-Z0-9_]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)`)
	pathSegment    = regexp.MustCompile(`\.([a-zA-Z0-9_]+)|\[([0-9]+)\]`)
)

// ExpressionFunctionRegistry holds the functions callable from parameter
// expressions.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}

// RegisterExpressionFunction makes fn callable from parameter expressions.
// A registered function shadows a builtin with the same name.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// builtinFunctions are always available to expressions.
var builtinFunctions = map[string]govaluate.ExpressionFunction{
	"len": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
		}
		if args[0] == nil {
			return 0.0, nil
		}
		v := reflect.ValueOf(args[0])
		switch v.Kind() {
		case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
			return float64(v.Len()), nil
		default:
			return nil, fmt.Errorf("len: unsupported type %T", args[0])
		}
	},
	"min": func(args ...any) (any, error) { return foldNumbers("min", args, func(a, b float64) bool { return b < a }) },
	"max": func(args ...any) (any, error) { return foldNumbers("max", args, func(a, b float64) bool { return b > a }) },
}

func foldNumbers(name string, args []any, better func(a, b float64) bool) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s expects at least 1 argument", name)
	}
	var best float64
	for i, arg := range args {
		f, ok := arg.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not a number", name, i)
		}
		if i == 0 || better(best, f) {
			best = f
		}
	}
	return best, nil
}

// getWhitelistedFunctions returns the builtins plus every registered function.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	whitelist := make(map[string]govaluate.ExpressionFunction, len(builtinFunctions))
	for k, v := range builtinFunctions {
		whitelist[k] = v
	}
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

// reference is one $step.path occurrence in a parameter value.
type reference struct {
	stepID string
	path   []any // string keys and int indexes
}

func parsePath(raw string) []any {
	var path []any
	for _, m := range pathSegment.FindAllStringSubmatch(raw, -1) {
		if m[1] != "" {
			path = append(path, m[1])
			continue
		}
		idx, _ := strconv.Atoi(m[2])
		path = append(path, idx)
	}
	return path
}

// compiledExpression is an expression whose $references were rewritten to
// plain govaluate variables.
type compiledExpression struct {
	expr *govaluate.EvaluableExpression
	refs map[string]reference
}

func compileExpression(expression string) (*compiledExpression, error) {
	refs := make(map[string]reference)
	n := 0
	rewritten := exprRefPattern.ReplaceAllStringFunc(expression, func(match string) string {
		m := exprRefPattern.FindStringSubmatch(match)
		name := fmt.Sprintf("dsref%d", n)
		n++
		refs[name] = reference{stepID: m[1], path: parsePath(m[2])}
		return name
	})
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, getWhitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	return &compiledExpression{expr: expr, refs: refs}, nil
}

// exprList hides a list from govaluate, which spreads a []any argument
// into separate function arguments.
type exprList []any

// evaluate resolves every reference through lookup and evaluates the
// expression. Integer values are widened to float64 for govaluate.
func (c *compiledExpression) evaluate(lookup func(reference) (any, error)) (any, error) {
	params := make(map[string]any, len(c.refs))
	for name, ref := range c.refs {
		v, err := lookup(ref)
		if err != nil {
			return nil, err
		}
		if list, ok := v.([]any); ok {
			params[name] = exprList(list)
			continue
		}
		params[name] = normalizeNumber(v)
	}
	v, err := c.expr.Evaluate(params)
	if list, ok := v.(exprList); ok {
		return []any(list), err
	}
	return v, err
}

// ValidateExpression checks that an expression parses, with or without the
// leading "=" marker. References are not resolved.
func ValidateExpression(expression string) error {
	if len(expression) > 0 && expression[:1] == ExpressionPrefix {
		expression = expression[1:]
	}
	_, err := compileExpression(expression)
	return err
}

func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
