package schema

import "encoding/json"

// DependencyType enumerates the supported dependency rule kinds.
type DependencyType string

const (
	// DependencySequence requires the upstream node to be completed.
	DependencySequence DependencyType = "sequence"
	// DependencyConditional requires the upstream node to be completed and
	// its output to satisfy the rule's predicate.
	DependencyConditional DependencyType = "conditional"
	// DependencyTimeout is satisfied when the upstream node completes or the
	// configured timeout elapses since the instance started, whichever first.
	DependencyTimeout DependencyType = "timeout"
)

// DependencyRule ties a node to one upstream node under a dependency policy.
// Rules are immutable once attached to a node registration. All rules for a
// node must be satisfied for the node to become ready.
type DependencyRule struct {
	UpstreamID string         `json:"upstream_id"`
	Type       DependencyType `json:"type"`

	// Predicate is evaluated against the upstream output for conditional
	// dependencies. PredicateEngine selects the evaluation language
	// ("expr", "cel" or "jq"; default "expr").
	Predicate       string `json:"predicate,omitempty"`
	PredicateEngine string `json:"predicate_engine,omitempty"`

	// TimeoutSeconds bounds a timeout dependency, measured from the
	// instance start timestamp.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// RetryCount is a declared input for the orchestration layer's retry
	// policy. It is never executed by this core.
	RetryCount int `json:"retry_count,omitempty"`
}

// Validate checks rule shape constraints.
func (r DependencyRule) Validate() error {
	if r.UpstreamID == "" {
		return NewError(ErrCodeValidation, "dependency rule has empty upstream ID")
	}
	switch r.Type {
	case DependencySequence, "":
	case DependencyConditional:
		if r.Predicate == "" {
			return NewErrorf(ErrCodeValidation, "conditional dependency on %s has no predicate", r.UpstreamID)
		}
	case DependencyTimeout:
		if r.TimeoutSeconds <= 0 {
			return NewErrorf(ErrCodeValidation, "timeout dependency on %s must have timeout_seconds > 0", r.UpstreamID)
		}
	default:
		return NewErrorf(ErrCodeValidation, "unknown dependency type: %s", r.Type)
	}
	return nil
}

// SequenceRules builds plain sequence rules for a set of upstream IDs.
func SequenceRules(upstream []string) []DependencyRule {
	rules := make([]DependencyRule, 0, len(upstream))
	for _, id := range upstream {
		rules = append(rules, DependencyRule{UpstreamID: id, Type: DependencySequence})
	}
	return rules
}

// NodeRegistrationSpec is the caller-facing description of one node instance
// within a workflow instance.
type NodeRegistrationSpec struct {
	NodeInstanceID   string           `json:"node_instance_id"`
	NodeDefinitionID string           `json:"node_definition_id"`
	Rules            []DependencyRule `json:"rules,omitempty"`

	// OutputSchema optionally carries a JSON schema the node's completion
	// output is validated against. Violations are logged, never rejected.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}
