package executor

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/smilemakc/wfcore/internal/domain"
)

// interpolationPattern matches {{var}} placeholders in an edge expression.
var interpolationPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// ConditionEvaluator evaluates whether an edge should be traversed given the
// output of its source node and the run's variables. It implements the
// restricted expression grammar documented for this core: interpolated
// {{var}} tokens compared with == or != only. Graph validation does not
// inspect expressions: an expression outside this grammar is caught only
// when the edge is evaluated, where it yields a warning and the edge is
// not taken.
type ConditionEvaluator struct {
	mu            sync.RWMutex
	compiledCache map[string]*vm.Program
	enableCache   bool
}

// NewConditionEvaluator creates a new condition evaluator.
func NewConditionEvaluator(enableCache bool) *ConditionEvaluator {
	return &ConditionEvaluator{
		compiledCache: make(map[string]*vm.Program),
		enableCache:   enableCache,
	}
}

// EvaluateEdge decides whether edge should be traversed given the producing
// node's output and the run's current variables. warning is non-empty when
// an expression failed to parse; in that case taken is always false and err
// is nil, matching the "treated as not taken with a warning event" rule.
func (ce *ConditionEvaluator) EvaluateEdge(edge *domain.Edge, output map[string]any, variables map[string]any) (taken bool, warning string, err error) {
	switch edge.ConditionKind() {
	case domain.EdgeConditionAlways:
		return true, "", nil

	case domain.EdgeConditionSuccess:
		return statusOrResultEquals(output, "success"), "", nil

	case domain.EdgeConditionFailure:
		return statusOrResultEquals(output, "failure"), "", nil

	case domain.EdgeConditionExpression:
		return ce.evaluateExpression(edge.Expression(), output, variables)

	default:
		return false, "", fmt.Errorf("unrecognized edge condition kind %q", edge.ConditionKind())
	}
}

// statusOrResultEquals matches the spec's literal string-condition rule:
// a condition matches when output.status == condition or output.result ==
// condition.
func statusOrResultEquals(output map[string]any, want string) bool {
	if output == nil {
		return false
	}
	if s, ok := output["status"]; ok {
		if fmt.Sprintf("%v", s) == want {
			return true
		}
	}
	if r, ok := output["result"]; ok {
		if fmt.Sprintf("%v", r) == want {
			return true
		}
	}
	return false
}

func (ce *ConditionEvaluator) evaluateExpression(rawExpr string, output, variables map[string]any) (bool, string, error) {
	if strings.TrimSpace(rawExpr) == "" {
		return false, "empty expression, edge not taken", nil
	}

	merged := make(map[string]any, len(output)+len(variables))
	for k, v := range variables {
		merged[k] = normalizeValue(v)
	}
	for k, v := range output {
		merged[k] = normalizeValue(v)
	}

	interpolated, missing := interpolate(rawExpr, merged)
	if missing != "" {
		return false, fmt.Sprintf("variable %q not available, edge not taken", missing), nil
	}

	op, ok := extractComparisonOp(interpolated)
	if !ok {
		return false, fmt.Sprintf("expression %q is not a supported == / != comparison, edge not taken", rawExpr), nil
	}

	program, err := ce.getCompiledProgram(interpolated)
	if err != nil {
		return false, fmt.Sprintf("failed to parse expression %q, edge not taken", rawExpr), nil
	}

	result, err := expr.Run(program, map[string]any{})
	if err != nil {
		return false, fmt.Sprintf("failed to evaluate expression %q, edge not taken", rawExpr), nil
	}

	resultBool, ok := result.(bool)
	if !ok {
		return false, fmt.Sprintf("expression %q did not evaluate to a boolean, edge not taken", rawExpr), nil
	}

	_ = op
	return resultBool, "", nil
}

func (ce *ConditionEvaluator) getCompiledProgram(expression string) (*vm.Program, error) {
	if ce.enableCache {
		ce.mu.RLock()
		program, cached := ce.compiledCache[expression]
		ce.mu.RUnlock()
		if cached {
			return program, nil
		}
	}

	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, err
	}

	if ce.enableCache {
		ce.mu.Lock()
		ce.compiledCache[expression] = program
		ce.mu.Unlock()
	}
	return program, nil
}

// extractComparisonOp reports whether s contains at least one of the two
// supported comparison operators, returning "==" when present and "!="
// otherwise. It does not check how many operators s contains.
func extractComparisonOp(s string) (string, bool) {
	if strings.Contains(s, "==") {
		return "==", true
	}
	if strings.Contains(s, "!=") {
		return "!=", true
	}
	return "", false
}

// interpolate substitutes every {{var}} token in s from vars. It returns the
// name of the first variable it could not resolve, or "" if all resolved.
// Resolved values are quoted as Go/expr string literals so the surrounding
// comparison remains a plain string equality check.
func interpolate(s string, vars map[string]any) (result string, missingVar string) {
	var firstMissing string
	out := interpolationPattern.ReplaceAllStringFunc(s, func(tok string) string {
		m := interpolationPattern.FindStringSubmatch(tok)
		name := strings.TrimSpace(m[1])
		val, ok := vars[name]
		if !ok {
			if firstMissing == "" {
				firstMissing = name
			}
			return tok
		}
		return fmt.Sprintf("%q", fmt.Sprintf("%v", val))
	})
	return out, firstMissing
}

// normalizeValue trims whitespace from strings recursively so interpolated
// comparisons are not sensitive to incidental padding upstream.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for k, val := range v {
			normalized[k] = normalizeValue(val)
		}
		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, val := range v {
			normalized[i] = normalizeValue(val)
		}
		return normalized
	default:
		return v
	}
}
