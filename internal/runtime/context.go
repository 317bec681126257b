package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tessira/flowrt/internal/deps"
	"github.com/tessira/flowrt/internal/events"
	"github.com/tessira/flowrt/internal/expressions"
	"github.com/tessira/flowrt/internal/logging"
	"github.com/tessira/flowrt/internal/validation"
	"github.com/tessira/flowrt/pkg/schema"
)

// Options wires an InstanceContext's collaborators. Zero values get defaults;
// a nil Hub disables event publication.
type Options struct {
	Tracker   *deps.Tracker
	Hub       *events.Hub
	Validator *validation.OutputValidator
	Logger    *slog.Logger
}

// InstanceContext owns the live DAG state of exactly one workflow instance:
// node statuses, completed outputs, dependency satisfaction and triggering.
//
// All operations execute under a single mutual-exclusion domain; the
// downstream-triggering scan runs under the same lock as the completion it
// reacts to, so readiness flips are atomic with respect to concurrent
// completions. Event publication happens after the lock is released, on the
// hub's dispatch pool.
type InstanceContext struct {
	mu sync.Mutex

	instanceID   string
	definitionID string

	startedAt    time.Time
	endedAt      *time.Time
	lastActivity time.Time

	nodes   map[string]*NodeRegistration   // node instance ID → registration
	byDef   map[string][]*NodeRegistration // node definition ID → registrations
	outputs map[string]map[string]any      // node definition ID → last output
	path    []string                       // definition IDs in completion order
	globals map[string]any

	// readyQueue holds node instance IDs that flipped to ready and have not
	// been drained yet. Consume-once: ReadyNodes returns each exactly once.
	readyQueue []string

	created   int
	executing int
	completed int
	failed    int

	cleaned bool

	tracker   *deps.Tracker
	hub       *events.Hub
	validator *validation.OutputValidator
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
}

// NewInstanceContext creates the runtime state holder for one workflow
// instance. The start timestamp is taken at construction.
func NewInstanceContext(instanceID, definitionID string, opts Options) *InstanceContext {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = deps.NewTracker(logger)
	}
	validator := opts.Validator
	if validator == nil {
		validator = validation.NewOutputValidator()
	}

	now := time.Now().UTC()
	return &InstanceContext{
		instanceID:   instanceID,
		definitionID: definitionID,
		startedAt:    now,
		lastActivity: now,
		nodes:        make(map[string]*NodeRegistration),
		byDef:        make(map[string][]*NodeRegistration),
		outputs:      make(map[string]map[string]any),
		globals:      make(map[string]any),
		tracker:      tracker,
		hub:          opts.Hub,
		validator:    validator,
		jq:           expressions.NewGoJQEngine(),
		logger:       logger.With(slog.String("instance_id", instanceID)),
	}
}

// InstanceID returns the instance identifier.
func (c *InstanceContext) InstanceID() string { return c.instanceID }

// DefinitionID returns the workflow definition identifier.
func (c *InstanceContext) DefinitionID() string { return c.definitionID }

// StartedAt returns the instance start timestamp.
func (c *InstanceContext) StartedAt() time.Time { return c.startedAt }

// Register adds a node registration in PENDING state with a plain upstream
// set (every edge is an unconditional sequence dependency). A node with an
// empty upstream set is ready immediately.
//
// Returns false only on an internal invariant violation: a duplicate
// registration whose dependency set conflicts with the existing one.
// Re-registering with an identical dependency set is a harmless no-op.
func (c *InstanceContext) Register(ctx context.Context, nodeInstanceID, nodeDefinitionID string, upstream []string) bool {
	return c.RegisterSpec(ctx, schema.NodeRegistrationSpec{
		NodeInstanceID:   nodeInstanceID,
		NodeDefinitionID: nodeDefinitionID,
		Rules:            schema.SequenceRules(upstream),
	})
}

// RegisterSpec adds a node registration with explicit dependency rules and
// an optional output schema.
func (c *InstanceContext) RegisterSpec(ctx context.Context, spec schema.NodeRegistrationSpec) bool {
	log := logging.LogWith(ctx, c.logger)

	if spec.NodeInstanceID == "" || spec.NodeDefinitionID == "" {
		log.Error("node registration with empty identifier",
			slog.String("node_instance_id", spec.NodeInstanceID),
			slog.String("node_definition_id", spec.NodeDefinitionID),
		)
		return false
	}
	for _, rule := range spec.Rules {
		if err := rule.Validate(); err != nil {
			log.Error("invalid dependency rule",
				slog.String("node_instance_id", spec.NodeInstanceID),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	if err := c.validator.CheckSchema(spec.OutputSchema); err != nil {
		log.Error("invalid output schema",
			slog.String("node_instance_id", spec.NodeInstanceID),
			slog.String("error", err.Error()),
		)
		return false
	}

	c.mu.Lock()
	if existing, ok := c.nodes[spec.NodeInstanceID]; ok {
		same := existing.NodeDefinitionID == spec.NodeDefinitionID && existing.sameDependencies(spec.Rules)
		c.mu.Unlock()
		if !same {
			log.Error("duplicate node registration with conflicting dependency set",
				slog.String("node_instance_id", spec.NodeInstanceID),
			)
		}
		return same
	}

	node := newNodeRegistration(spec)
	c.nodes[node.NodeInstanceID] = node
	c.byDef[node.NodeDefinitionID] = append(c.byDef[node.NodeDefinitionID], node)
	c.created++
	c.touchLocked()

	var published []events.Event
	published = append(published, c.eventLocked(schema.EventNodeRegistered, node, nil))
	if node.Ready {
		c.readyQueue = append(c.readyQueue, node.NodeInstanceID)
		published = append(published, c.eventLocked(schema.EventNodeReady, node, nil))
	}
	c.mu.Unlock()

	c.publish(ctx, published)
	return true
}

// MarkExecuting transitions a node from PENDING to EXECUTING. The caller
// dispatches the node to its executor around this call; the context never
// auto-dispatches.
//
// Returns false if the node is unknown, belongs to a different definition,
// or is not currently PENDING (caller error, not retried internally).
func (c *InstanceContext) MarkExecuting(ctx context.Context, nodeDefinitionID, nodeInstanceID string) bool {
	c.mu.Lock()
	node, ok := c.nodes[nodeInstanceID]
	if !ok || node.NodeDefinitionID != nodeDefinitionID {
		c.mu.Unlock()
		return false
	}
	if !schema.IsValidNodeTransition(node.Status, schema.NodeStatusExecuting) {
		c.mu.Unlock()
		return false
	}
	node.Status = schema.NodeStatusExecuting
	c.executing++
	c.touchLocked()
	ev := c.eventLocked(schema.EventNodeExecuting, node, nil)
	c.mu.Unlock()

	c.publish(ctx, []events.Event{ev})
	return true
}

// MarkCompleted transitions a node from EXECUTING to COMPLETED, records its
// output, appends to the execution path, and atomically re-evaluates every
// registered node that depends on this definition ID. Nodes whose dependency
// set is now satisfied flip to ready exactly once (the ready-flag transition
// guards against duplicate triggering under concurrent completions) and their
// node instance IDs are returned as newly triggered.
//
// The second return is false when the node is unknown or not EXECUTING,
// including a second MarkCompleted for the same node instance, which is
// rejected without double counting.
func (c *InstanceContext) MarkCompleted(ctx context.Context, nodeDefinitionID, nodeInstanceID string, output map[string]any) ([]string, bool) {
	log := logging.LogWith(ctx, c.logger)

	c.mu.Lock()
	node, ok := c.nodes[nodeInstanceID]
	if !ok || node.NodeDefinitionID != nodeDefinitionID {
		c.mu.Unlock()
		return nil, false
	}
	if !schema.IsValidNodeTransition(node.Status, schema.NodeStatusCompleted) {
		c.mu.Unlock()
		return nil, false
	}

	if err := c.validator.Validate(output, node.OutputSchema); err != nil {
		// Schema violations are observability, not control flow: the
		// completion stands, the violation is logged.
		log.Warn("node output violates declared schema",
			slog.String("node_instance_id", nodeInstanceID),
			slog.String("error", err.Error()),
		)
	}

	node.Status = schema.NodeStatusCompleted
	c.executing--
	c.completed++
	c.outputs[nodeDefinitionID] = output
	c.path = append(c.path, nodeDefinitionID)
	c.touchLocked()

	published := []events.Event{c.eventLocked(schema.EventNodeCompleted, node, output)}

	triggered := c.triggerDownstreamLocked(ctx, nodeDefinitionID, &published)

	if done := c.checkInstanceDoneLocked(); done != "" {
		published = append(published, events.Event{
			Type:       done,
			InstanceID: c.instanceID,
			Payload:    map[string]any{"path": append([]string(nil), c.path...)},
		})
	}
	c.mu.Unlock()

	c.publish(ctx, published)
	return triggered, true
}

// MarkFailed transitions a node from EXECUTING to FAILED. Downstream nodes
// are neither triggered nor cancelled: a failed node simply never satisfies
// its downstream edges, so dependents stay PENDING indefinitely. That is the
// documented policy, not an oversight.
func (c *InstanceContext) MarkFailed(ctx context.Context, nodeDefinitionID, nodeInstanceID string, failure error) bool {
	c.mu.Lock()
	node, ok := c.nodes[nodeInstanceID]
	if !ok || node.NodeDefinitionID != nodeDefinitionID {
		c.mu.Unlock()
		return false
	}
	if !schema.IsValidNodeTransition(node.Status, schema.NodeStatusFailed) {
		c.mu.Unlock()
		return false
	}

	node.Status = schema.NodeStatusFailed
	c.executing--
	c.failed++
	c.touchLocked()

	payload := map[string]any{}
	if failure != nil {
		payload["error"] = failure.Error()
	}
	published := []events.Event{c.eventLocked(schema.EventNodeFailed, node, payload)}

	if done := c.checkInstanceDoneLocked(); done != "" {
		published = append(published, events.Event{
			Type:       done,
			InstanceID: c.instanceID,
			Payload:    map[string]any{"path": append([]string(nil), c.path...)},
		})
	}
	c.mu.Unlock()

	c.publish(ctx, published)
	return true
}

// ReadyNodes drains and returns the node instance IDs that transitioned to
// ready since the last drain. Consume-once semantics: under the DAG
// invariant a node cannot be re-triggered, so each ID is returned exactly
// once over the context's lifetime.
func (c *InstanceContext) ReadyNodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.readyQueue) == 0 {
		return nil
	}
	drained := c.readyQueue
	c.readyQueue = nil
	return drained
}

// RefreshTimeouts re-evaluates pending nodes whose rule sets contain timeout
// dependencies, which can become satisfied by the passage of time alone.
// Returns the node instance IDs that flipped to ready.
func (c *InstanceContext) RefreshTimeouts(ctx context.Context) []string {
	c.mu.Lock()
	var published []events.Event
	var triggered []string

	view := c.viewLocked()
	for _, node := range c.nodes {
		if node.Ready || node.Status != schema.NodeStatusPending || !deps.HasTimeoutRules(node.Rules) {
			continue
		}
		ok, err := c.tracker.AllSatisfied(ctx, node.Rules, view)
		if err != nil || !ok {
			continue
		}
		node.Ready = true
		c.readyQueue = append(c.readyQueue, node.NodeInstanceID)
		triggered = append(triggered, node.NodeInstanceID)
		published = append(published, c.eventLocked(schema.EventNodeReady, node, nil))
	}
	if len(triggered) > 0 {
		c.touchLocked()
	}
	c.mu.Unlock()

	c.publish(ctx, published)
	return triggered
}

// UpstreamContext is a read-only projection of the state a node's executor
// typically wants: its immediate upstream outputs plus an instance-global
// snapshot.
type UpstreamContext struct {
	Results map[string]map[string]any `json:"results"`
	Count   int                       `json:"count"`
	Path    []string                  `json:"path"`
	Globals map[string]any            `json:"globals"`
}

// GetUpstreamContext returns the output payloads of the node's immediate
// upstream nodes plus a snapshot of instance-global data. Unknown node IDs
// yield an empty projection, not an error.
func (c *InstanceContext) GetUpstreamContext(nodeInstanceID string) UpstreamContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	projection := UpstreamContext{
		Results: make(map[string]map[string]any),
		Path:    append([]string(nil), c.path...),
		Globals: copyMap(c.globals),
	}

	node, ok := c.nodes[nodeInstanceID]
	if !ok {
		return projection
	}

	for defID := range node.Upstream {
		if out, ok := c.outputs[defID]; ok {
			projection.Results[defID] = out
		}
	}
	projection.Count = len(projection.Results)
	return projection
}

// QueryUpstream evaluates a jq expression against a node's upstream
// projection. The input object exposes "results", "path" and "globals".
func (c *InstanceContext) QueryUpstream(ctx context.Context, nodeInstanceID, expression string) (any, error) {
	projection := c.GetUpstreamContext(nodeInstanceID)

	results := make(map[string]any, len(projection.Results))
	for defID, out := range projection.Results {
		results[defID] = out
	}
	pathVals := make([]any, len(projection.Path))
	for i, p := range projection.Path {
		pathVals[i] = p
	}

	return c.jq.Evaluate(ctx, expression, map[string]any{
		"results": results,
		"path":    pathVals,
		"globals": projection.Globals,
	})
}

// SetGlobal stores an instance-global key/value pair, visible to upstream
// projections and conditional predicates.
func (c *InstanceContext) SetGlobal(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globals[key] = value
	c.touchLocked()
}

// StatusSnapshot is a consistent point-in-time view of the instance.
type StatusSnapshot struct {
	InstanceID   string                `json:"instance_id"`
	DefinitionID string                `json:"definition_id"`
	Overall      schema.InstanceStatus `json:"overall_status"`
	Created      int                   `json:"created"`
	Pending      int                   `json:"pending"`
	Executing    int                   `json:"executing"`
	Completed    int                   `json:"completed"`
	Failed       int                   `json:"failed"`
	Path         []string              `json:"path"`
	StartedAt    time.Time             `json:"started_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	LastActivity time.Time             `json:"last_activity"`
}

// Status derives the overall instance status from node counts, never from
// stored state, so it cannot drift. The whole snapshot is taken under the
// instance lock to rule out torn reads.
func (c *InstanceContext) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.created - c.executing - c.completed - c.failed
	return StatusSnapshot{
		InstanceID:   c.instanceID,
		DefinitionID: c.definitionID,
		Overall:      schema.DeriveInstanceStatus(c.created, c.completed, c.failed, c.executing, pending),
		Created:      c.created,
		Pending:      pending,
		Executing:    c.executing,
		Completed:    c.completed,
		Failed:       c.failed,
		Path:         append([]string(nil), c.path...),
		StartedAt:    c.startedAt,
		EndedAt:      c.endedAt,
		LastActivity: c.lastActivity,
	}
}

// Cleanup clears all internal maps and sets. Idempotent; safe to call
// multiple times. After cleanup every lookup behaves as if nothing was ever
// registered.
func (c *InstanceContext) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleaned {
		return
	}
	c.cleaned = true
	c.nodes = make(map[string]*NodeRegistration)
	c.byDef = make(map[string][]*NodeRegistration)
	c.outputs = make(map[string]map[string]any)
	c.globals = make(map[string]any)
	c.path = nil
	c.readyQueue = nil
	c.created, c.executing, c.completed, c.failed = 0, 0, 0, 0
}

// --- internals (all require c.mu held) ---

// triggerDownstreamLocked scans every registration depending on the completed
// definition ID, records the completion, and flips newly satisfied nodes to
// ready. Returns the newly triggered node instance IDs.
func (c *InstanceContext) triggerDownstreamLocked(ctx context.Context, completedDefID string, published *[]events.Event) []string {
	var triggered []string
	view := c.viewLocked()

	for _, node := range c.nodes {
		if !node.dependsOn(completedDefID) {
			continue
		}
		node.CompletedUpstream[completedDefID] = struct{}{}

		if node.Ready || node.Status != schema.NodeStatusPending {
			continue
		}

		satisfied := false
		if plainSequence(node.Rules) {
			satisfied = node.upstreamComplete()
		} else {
			ok, err := c.tracker.AllSatisfied(ctx, node.Rules, view)
			if err != nil {
				c.logger.Warn("dependency evaluation failed; node stays blocked",
					slog.String("node_instance_id", node.NodeInstanceID),
					slog.String("error", err.Error()),
				)
				continue
			}
			satisfied = ok
		}

		if satisfied {
			node.Ready = true
			c.readyQueue = append(c.readyQueue, node.NodeInstanceID)
			triggered = append(triggered, node.NodeInstanceID)
			*published = append(*published, c.eventLocked(schema.EventNodeReady, node, nil))
		}
	}
	return triggered
}

// checkInstanceDoneLocked stamps the end timestamp once every registered node
// is terminal and returns the instance-level event type to publish, if any.
// The end timestamp is set if and only if all nodes are terminal.
func (c *InstanceContext) checkInstanceDoneLocked() string {
	if c.endedAt != nil || c.created == 0 {
		return ""
	}
	if c.completed+c.failed != c.created {
		return ""
	}
	now := time.Now().UTC()
	c.endedAt = &now
	if c.failed > 0 {
		return schema.EventInstanceFailed
	}
	return schema.EventInstanceCompleted
}

// viewLocked builds the read-only view the dependency tracker evaluates
// against. Per-definition status comes from the most recent registration.
func (c *InstanceContext) viewLocked() deps.InstanceView {
	nodes := make(map[string]deps.UpstreamNode, len(c.byDef))
	for defID, regs := range c.byDef {
		latest := regs[len(regs)-1]
		nodes[defID] = deps.UpstreamNode{
			Status: latest.Status,
			Output: c.outputs[defID],
		}
	}
	return deps.InstanceView{
		StartedAt: c.startedAt,
		Nodes:     nodes,
		Globals:   copyMap(c.globals),
		Meta: map[string]any{
			"instance_id":   c.instanceID,
			"definition_id": c.definitionID,
		},
	}
}

func (c *InstanceContext) touchLocked() {
	c.lastActivity = time.Now().UTC()
}

func (c *InstanceContext) eventLocked(eventType string, node *NodeRegistration, payload map[string]any) events.Event {
	return events.Event{
		Type:             eventType,
		InstanceID:       c.instanceID,
		NodeInstanceID:   node.NodeInstanceID,
		NodeDefinitionID: node.NodeDefinitionID,
		Payload:          payload,
	}
}

// publish delivers events after the instance lock is released.
func (c *InstanceContext) publish(ctx context.Context, evs []events.Event) {
	if c.hub == nil {
		return
	}
	for _, ev := range evs {
		c.hub.Publish(ctx, ev)
	}
}

// plainSequence reports whether every rule is an unconditional sequence edge,
// in which case readiness reduces to set equality with no evaluation.
func plainSequence(rules []schema.DependencyRule) bool {
	for _, rule := range rules {
		if rule.Type != schema.DependencySequence && rule.Type != "" {
			return false
		}
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
