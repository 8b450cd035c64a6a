package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/taskmill-ai/taskmill"
)

// placeholderPattern matches ${...} references in task descriptions.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate resolves ${dep}, ${dep.field} and ${= expr} placeholders in a
// task's description against the outcomes of its direct dependencies. Only
// direct dependencies are in scope; anything else is an error so a typo fails
// loudly instead of silently handing the responder a raw placeholder.
func Interpolate(plan *taskmill.Plan, task *taskmill.Task) (string, error) {
	if !strings.Contains(task.Description, "${") {
		return task.Description, nil
	}

	scope := make(map[string]*taskmill.Outcome, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		if outcome, ok := plan.Outcome(depID); ok {
			scope[depID] = outcome
		}
	}

	var firstErr error
	resolved := placeholderPattern.ReplaceAllStringFunc(task.Description, func(match string) string {
		if firstErr != nil {
			return match
		}
		ref := strings.TrimSpace(match[2 : len(match)-1])

		value, err := resolveReference(ref, scope)
		if err != nil {
			firstErr = err
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return resolved, nil
}

// resolveReference resolves one placeholder body against the dependency scope.
func resolveReference(ref string, scope map[string]*taskmill.Outcome) (string, error) {
	if expr, ok := strings.CutPrefix(ref, "="); ok {
		return evaluateExpression(strings.TrimSpace(expr), scope)
	}

	depID, field, hasField := strings.Cut(ref, ".")
	outcome, ok := scope[depID]
	if !ok {
		return "", fmt.Errorf("reference '%s' is not a resolved direct dependency", depID)
	}
	if !hasField {
		return outcome.Text, nil
	}
	return structuredField(outcome, depID, field)
}

// structuredField extracts a named field from a dependency's structured
// outcome. Nested fields use dot paths.
func structuredField(outcome *taskmill.Outcome, depID, path string) (string, error) {
	if outcome.Structured == nil {
		return "", fmt.Errorf("dependency '%s' has no structured outcome for field '%s'", depID, path)
	}

	current := outcome.Structured
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("dependency '%s': '%s' is not an object", depID, path)
		}
		current, ok = object[segment]
		if !ok {
			return "", fmt.Errorf("dependency '%s' has no field '%s'", depID, path)
		}
	}
	return stringify(current), nil
}

// evaluateExpression evaluates a ${= expr} placeholder with dependency results
// bound as parameters. Dependency text is available under the task id and
// structured fields under dotted names.
func evaluateExpression(expr string, scope map[string]*taskmill.Outcome) (string, error) {
	parameters := make(map[string]any, len(scope))
	for depID, outcome := range scope {
		if outcome.Structured != nil {
			parameters[depID] = outcome.Structured
			flattenInto(parameters, depID, outcome.Structured)
		} else {
			parameters[depID] = outcome.Text
		}
	}

	evaluable, err := govaluate.NewEvaluableExpressionWithFunctions(expr, expressionFunctions)
	if err != nil {
		return "", fmt.Errorf("invalid expression '%s': %w", expr, err)
	}
	result, err := evaluable.Evaluate(parameters)
	if err != nil {
		return "", fmt.Errorf("expression '%s' failed: %w", expr, err)
	}
	return stringify(result), nil
}

// flattenInto adds dotted-path entries for every nested field of a structured
// value, so expressions can reference them directly.
func flattenInto(parameters map[string]any, prefix string, value any) {
	object, ok := value.(map[string]any)
	if !ok {
		return
	}
	for key, nested := range object {
		name := prefix + "." + key
		parameters[name] = nested
		flattenInto(parameters, name, nested)
	}
}

var expressionFunctions = map[string]govaluate.ExpressionFunction{
	"len": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects one argument")
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len does not support %T", args[0])
		}
	},
	"upper": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("upper expects one argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("upper expects a string")
		}
		return strings.ToUpper(s), nil
	},
	"lower": func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("lower expects one argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("lower expects a string")
		}
		return strings.ToLower(s), nil
	},
}

// stringify renders an interpolated value for inclusion in a description.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
