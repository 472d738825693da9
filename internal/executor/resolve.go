package executor

import (
	"fmt"
	"regexp"
	"strings"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// SharedRef is the pseudo step ID that addresses the execution's shared
// state: "$shared.key".
const SharedRef = "shared"

// refPattern matches a parameter value that is exactly one reference.
var refPattern = regexp.MustCompile(`^\$([a-zA-Z0-9_\-]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)$`)

// resolveParameters returns a copy of the step's parameters with every
// reference and expression replaced by its value. results holds the terminal
// results of the step's dependencies.
func resolveParameters(step *dragonscale.PlanStep, results map[string]dragonscale.StepResult, ectx *dragonscale.ExecutionContext) (map[string]any, error) {
	r := &paramResolver{step: step, results: results, ectx: ectx}
	resolved := make(map[string]any, len(step.Parameters))
	for name, value := range step.Parameters {
		v, err := r.value(value)
		if err != nil {
			return nil, dragonscale.NewArgResolutionError(stage, step.ID, name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}

type paramResolver struct {
	step    *dragonscale.PlanStep
	results map[string]dragonscale.StepResult
	ectx    *dragonscale.ExecutionContext
}

func (r *paramResolver) value(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.str(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *paramResolver) str(s string) (any, error) {
	switch {
	case strings.HasPrefix(s, "$$"):
		return s[1:], nil
	case strings.HasPrefix(s, ExpressionPrefix):
		expr, err := compileExpression(strings.TrimSpace(s[len(ExpressionPrefix):]))
		if err != nil {
			return nil, err
		}
		return expr.evaluate(r.lookup)
	}
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}
	return r.lookup(reference{stepID: m[1], path: parsePath(m[2])})
}

// lookup resolves a reference. A failed dependency and a missing field both
// resolve to nil; referencing a step that is not a dependency is an error.
func (r *paramResolver) lookup(ref reference) (any, error) {
	if ref.stepID == SharedRef {
		if len(ref.path) == 0 {
			return r.ectx.SharedState(), nil
		}
		key, ok := ref.path[0].(string)
		if !ok {
			return nil, fmt.Errorf("shared state reference needs a key")
		}
		v, found := r.ectx.SharedValue(key)
		if !found {
			return nil, nil
		}
		return walk(v, ref.path[1:]), nil
	}

	if !r.dependsOn(ref.stepID) {
		return nil, fmt.Errorf("step '%s' is not a dependency of '%s'", ref.stepID, r.step.ID)
	}
	res, ok := r.results[ref.stepID]
	if !ok || !res.Success {
		return nil, nil
	}
	if len(ref.path) == 0 {
		return res.Output, nil
	}
	return walk(res.Output, ref.path), nil
}

func (r *paramResolver) dependsOn(id string) bool {
	for _, dep := range r.step.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

func walk(v any, path []any) any {
	for _, seg := range path {
		switch key := seg.(type) {
		case string:
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[key]
		case int:
			list, ok := v.([]any)
			if !ok || key >= len(list) {
				return nil
			}
			v = list[key]
		}
	}
	return v
}
