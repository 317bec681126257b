package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessira/flowrt/pkg/schema"
)

// Event is a notification emitted by the execution core.
type Event struct {
	Type             string         `json:"type"`
	InstanceID       string         `json:"instance_id"`
	NodeInstanceID   string         `json:"node_instance_id,omitempty"`
	NodeDefinitionID string         `json:"node_definition_id,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Handler consumes a single event. Handlers run on the hub's dispatch pool,
// never on the goroutine that performed the state transition. A panicking
// handler is recovered and counted; it cannot corrupt instance state or
// prevent delivery to other handlers.
type Handler func(ctx context.Context, ev Event)

// Hub is a typed event-subscription dispatcher. Subscriptions are keyed by
// event type; dispatch goes through a bounded pool so a slow or failing
// subscriber cannot block state transitions.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	pool     *Pool
	logger   *slog.Logger
	dropped  atomic.Int64
}

// DefaultDispatchPoolSize bounds concurrent handler executions.
const DefaultDispatchPoolSize = 8

// NewHub creates a Hub with a dispatch pool of the given size.
func NewHub(logger *slog.Logger, poolSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = DefaultDispatchPoolSize
	}
	return &Hub{
		handlers: make(map[string][]Handler),
		pool:     NewPool(poolSize),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type.
func (h *Hub) Subscribe(eventType string, fn Handler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.handlers[eventType] = append(h.handlers[eventType], fn)
	h.mu.Unlock()
}

// OnReady registers a handler invoked when a node becomes ready.
func (h *Hub) OnReady(fn Handler) { h.Subscribe(schema.EventNodeReady, fn) }

// OnCompleted registers a handler invoked when a node completes.
func (h *Hub) OnCompleted(fn Handler) { h.Subscribe(schema.EventNodeCompleted, fn) }

// OnFailed registers a handler invoked when a node fails.
func (h *Hub) OnFailed(fn Handler) { h.Subscribe(schema.EventNodeFailed, fn) }

// OnInstanceDone registers a handler invoked when an instance reaches a
// terminal status (completed or failed).
func (h *Hub) OnInstanceDone(fn Handler) {
	h.Subscribe(schema.EventInstanceCompleted, fn)
	h.Subscribe(schema.EventInstanceFailed, fn)
}

// Publish dispatches an event to every handler registered for its type.
// Fire-and-forget: each handler runs as its own pool task. When the pool is
// saturated the delivery is dropped and counted rather than blocking the
// publisher.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	handlers := h.handlers[ev.Type]
	h.mu.RUnlock()

	for _, fn := range handlers {
		handler := fn
		err := h.pool.TrySubmit(ctx, func(taskCtx context.Context) error {
			handler(taskCtx, ev)
			return nil
		})
		if err != nil {
			h.dropped.Add(1)
			h.logger.Warn("event delivery dropped",
				slog.String("event_type", ev.Type),
				slog.String("instance_id", ev.InstanceID),
				slog.String("reason", err.Error()),
			)
		}
	}
}

// Dropped returns the number of deliveries dropped due to pool saturation
// or shutdown.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// PoolMetrics exposes dispatch pool metrics.
func (h *Hub) PoolMetrics() PoolMetrics {
	return h.pool.Metrics()
}

// Drain waits for in-flight handler executions to finish.
func (h *Hub) Drain() {
	h.pool.Wait()
}

// Close shuts down the dispatch pool after draining in-flight handlers.
func (h *Hub) Close() {
	h.pool.Shutdown()
}
