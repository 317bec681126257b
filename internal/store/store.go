package store

import "context"

// Store is the history boundary. The runtime core is authoritative and fully
// in-memory; the store only records instance summaries and lifecycle events
// for inspection after the in-memory state is reclaimed. Writes are
// best-effort from the caller's point of view.
// All implementations must be safe for concurrent use.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, rec *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)
	DeleteInstance(ctx context.Context, id string) error

	// Lifecycle events (append-only)
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*EventRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
