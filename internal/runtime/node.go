package runtime

import (
	"encoding/json"

	"github.com/tessira/flowrt/pkg/schema"
)

// NodeRegistration is the runtime record tracking one node instance's
// dependency state within a single workflow instance. It is owned exclusively
// by the InstanceContext that created it and is only touched under that
// context's lock.
type NodeRegistration struct {
	NodeInstanceID   string
	NodeDefinitionID string

	// Rules drives readiness. A plain upstream set registers as sequence
	// rules; conditional and timeout rules are attached explicitly.
	// Immutable after registration.
	Rules []schema.DependencyRule

	// Upstream is the set of upstream node definition IDs, derived from Rules.
	Upstream map[string]struct{}

	// CompletedUpstream is the subset of Upstream that has completed so far.
	CompletedUpstream map[string]struct{}

	// Ready is true once every dependency is satisfied. The flip to true
	// happens exactly once; it guards duplicate triggering when concurrent
	// completions unlock the same node.
	Ready bool

	Status schema.NodeStatus

	// OutputSchema optionally validates the node's completion output.
	OutputSchema json.RawMessage
}

// newNodeRegistration builds a pending registration from a spec.
// Ready is pre-computed: a node with zero upstream dependencies models a
// start node and is ready at registration.
func newNodeRegistration(spec schema.NodeRegistrationSpec) *NodeRegistration {
	upstream := make(map[string]struct{}, len(spec.Rules))
	for _, rule := range spec.Rules {
		upstream[rule.UpstreamID] = struct{}{}
	}

	return &NodeRegistration{
		NodeInstanceID:    spec.NodeInstanceID,
		NodeDefinitionID:  spec.NodeDefinitionID,
		Rules:             spec.Rules,
		Upstream:          upstream,
		CompletedUpstream: make(map[string]struct{}, len(upstream)),
		Ready:             len(upstream) == 0,
		Status:            schema.NodeStatusPending,
		OutputSchema:      spec.OutputSchema,
	}
}

// dependsOn reports whether the registration has an edge from the given
// upstream definition ID.
func (n *NodeRegistration) dependsOn(defID string) bool {
	_, ok := n.Upstream[defID]
	return ok
}

// upstreamComplete reports whether every upstream edge has a completed source.
func (n *NodeRegistration) upstreamComplete() bool {
	return len(n.CompletedUpstream) == len(n.Upstream)
}

// sameDependencies reports whether another rule set describes the same
// upstream edges. Used to detect conflicting duplicate registrations.
func (n *NodeRegistration) sameDependencies(rules []schema.DependencyRule) bool {
	if len(rules) != len(n.Rules) {
		return false
	}
	other := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		other[rule.UpstreamID] = struct{}{}
	}
	if len(other) != len(n.Upstream) {
		return false
	}
	for id := range n.Upstream {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}
