package executor

import (
	"fmt"
	"strings"
)

// TemplateProcessor substitutes {{var}} and {{var.nested.path}} tokens into
// node configuration values ahead of dispatch. This is the only templating
// grammar API_CALL, WEBHOOK, and EMAIL bodies support; the richer
// expression grammar belongs to edge conditions, not node bodies.
type TemplateProcessor struct {
	strict bool // true = fail on an unresolved variable; false = leave the token in place
}

// NewTemplateProcessor creates a processor. strict controls whether a
// missing variable is an error or a no-op substitution.
func NewTemplateProcessor(strict bool) *TemplateProcessor {
	return &TemplateProcessor{strict: strict}
}

// Process recursively interpolates every string value reachable from value:
// strings directly, and strings nested in maps and slices.
func (tp *TemplateProcessor) Process(value any, variables map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return tp.processString(v, variables)
	case map[string]any:
		return tp.processMap(v, variables)
	case []any:
		return tp.processSlice(v, variables)
	default:
		return value, nil
	}
}

func (tp *TemplateProcessor) processString(s string, variables map[string]any) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var missing string
	result := interpolationPattern.ReplaceAllStringFunc(s, func(tok string) string {
		m := interpolationPattern.FindStringSubmatch(tok)
		path := strings.TrimSpace(m[1])
		val, ok := lookupPath(variables, path)
		if !ok {
			if missing == "" {
				missing = path
			}
			return tok
		}
		return fmt.Sprint(val)
	})

	if missing != "" && tp.strict {
		return "", fmt.Errorf("variable %q not found", missing)
	}
	return result, nil
}

func (tp *TemplateProcessor) processMap(m map[string]any, variables map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(m))
	for k, v := range m {
		processed, err := tp.Process(v, variables)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		result[k] = processed
	}
	return result, nil
}

func (tp *TemplateProcessor) processSlice(s []any, variables map[string]any) ([]any, error) {
	result := make([]any, len(s))
	for i, v := range s {
		processed, err := tp.Process(v, variables)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		result[i] = processed
	}
	return result, nil
}

// lookupPath resolves a dotted path ("user.email") against nested maps.
// Array indices are not supported, matching the restricted grammar.
func lookupPath(vars map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = vars
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = val
	}
	return cur, true
}
