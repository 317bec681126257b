package store

import (
	"time"

	"github.com/tessira/flowrt/pkg/schema"
)

// InstanceRecord is the persisted summary of one workflow instance.
type InstanceRecord struct {
	ID           string                `json:"id"`
	DefinitionID string                `json:"definition_id"`
	Name         string                `json:"name,omitempty"`
	Executor     string                `json:"executor,omitempty"`
	Status       schema.InstanceStatus `json:"status"`
	NodesCreated int                   `json:"nodes_created"`
	NodesFailed  int                   `json:"nodes_failed"`
	Path         []string              `json:"path,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// InstanceUpdate carries the mutable subset of an instance record. Nil fields
// are left untouched.
type InstanceUpdate struct {
	Status       *schema.InstanceStatus
	NodesCreated *int
	NodesFailed  *int
	Path         []string
	EndedAt      *time.Time
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	Status   *schema.InstanceStatus
	Executor string
	Limit    int
}

// EventRecord is an immutable entry in the instance lifecycle log.
type EventRecord struct {
	ID               int64          `json:"id"`
	InstanceID       string         `json:"instance_id"`
	NodeInstanceID   string         `json:"node_instance_id,omitempty"`
	NodeDefinitionID string         `json:"node_definition_id,omitempty"`
	Type             string         `json:"event_type"`
	Payload          map[string]any `json:"payload,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Sequence         int64          `json:"sequence"`
}
