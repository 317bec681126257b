package expressions

import "context"

// Engine evaluates dependency predicates against node output data.
// Three implementations: Expr (logic, default), CEL (guard conditions),
// GoJQ (JSON filtering/projection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Truthy interprets an evaluation result as a predicate outcome.
// nil, false, zero numbers, empty strings/slices/maps are false;
// everything else is true. jq result slices are true only when every
// element is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		if len(val) == 0 {
			return false
		}
		for _, item := range val {
			if !Truthy(item) {
				return false
			}
		}
		return true
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
