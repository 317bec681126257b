package schema

// Event type constants for the instance history log.
const (
	EventInstanceCreated   = "instance_created"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceRemoved   = "instance_removed"

	EventNodeRegistered = "node_registered"
	EventNodeReady      = "node_ready"
	EventNodeExecuting  = "node_executing"
	EventNodeCompleted  = "node_completed"
	EventNodeFailed     = "node_failed"

	EventSweepCompleted = "sweep_completed"
	EventSweepFailed    = "sweep_failed"
)
