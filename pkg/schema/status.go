package schema

// NodeStatus is the lifecycle state of a single node registration.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusExecuting NodeStatus = "executing"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// InstanceStatus is the derived overall state of a workflow instance.
// It is always computed from node counts, never stored.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusUnknown   InstanceStatus = "unknown"
)

// ValidNodeTransitions defines the allowed state transitions for nodes.
// Terminal states have no outgoing transitions.
var ValidNodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusPending:   {NodeStatusExecuting},
	NodeStatusExecuting: {NodeStatusCompleted, NodeStatusFailed},
	NodeStatusCompleted: {},
	NodeStatusFailed:    {},
}

// IsValidNodeTransition reports whether from → to is an allowed node transition.
func IsValidNodeTransition(from, to NodeStatus) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsTerminalNode reports whether the status permits no further transitions.
func IsTerminalNode(s NodeStatus) bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

// IsTerminalInstance reports whether an instance status is terminal.
func IsTerminalInstance(s InstanceStatus) bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// DeriveInstanceStatus computes the overall instance status from node counts.
// The rules, in order:
//   - failed if any node failed and every node is terminal
//   - completed if all nodes completed and none failed
//   - running if any node is still executing or pending
//   - unknown otherwise (zero registered nodes)
func DeriveInstanceStatus(total, completed, failed, executing, pending int) InstanceStatus {
	switch {
	case failed > 0 && completed+failed == total:
		return InstanceStatusFailed
	case total > 0 && completed == total && failed == 0:
		return InstanceStatusCompleted
	case executing > 0 || pending > 0:
		return InstanceStatusRunning
	default:
		return InstanceStatusUnknown
	}
}
