package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tessira/flowrt/internal/deps"
	"github.com/tessira/flowrt/internal/events"
	"github.com/tessira/flowrt/internal/runtime"
	"github.com/tessira/flowrt/internal/store"
	"github.com/tessira/flowrt/internal/validation"
	"github.com/tessira/flowrt/pkg/schema"
)

// DefaultCleanupInterval is the sweep period when the config leaves it unset.
const DefaultCleanupInterval = 5 * time.Minute

// Config bounds the registry's retention behavior.
type Config struct {
	// CleanupInterval is the period of the background sweep.
	CleanupInterval time.Duration
	// MaxCompletedAge is how long completed instances stay resident after
	// their end timestamp.
	MaxCompletedAge time.Duration
	// MaxFailedAge is the same bound for failed instances. Failed state is
	// usually kept longer for inspection.
	MaxFailedAge time.Duration
	// MaxConcurrentInstances is a soft ceiling. Crossing it is recorded in
	// stats and logged, never enforced.
	MaxConcurrentInstances int
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MaxCompletedAge <= 0 {
		c.MaxCompletedAge = 30 * time.Minute
	}
	if c.MaxFailedAge <= 0 {
		c.MaxFailedAge = 2 * time.Hour
	}
	return c
}

// Options wires the registry's collaborators. Store is optional; without it
// the registry is purely in-memory and keeps no history.
type Options struct {
	Store     store.Store
	Hub       *events.Hub
	Tracker   *deps.Tracker
	Validator *validation.OutputValidator
	Logger    *slog.Logger
}

// InstanceMeta carries caller-supplied metadata attached at creation.
type InstanceMeta struct {
	Name     string
	Executor string
}

// Summary is the registry's listing view of one instance: the full status
// snapshot an instance reports for itself plus the registry's own metadata.
type Summary struct {
	runtime.StatusSnapshot
	Name      string    `json:"name,omitempty"`
	Executor  string    `json:"executor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status   schema.InstanceStatus
	Executor string
}

// Stats is a point-in-time view of the registry's counters.
type Stats struct {
	Active             int   `json:"active"`
	Peak               int   `json:"peak"`
	CeilingBreaches    int64 `json:"ceiling_breaches"`
	SweepsRun          int64 `json:"sweeps_run"`
	InstancesReclaimed int64 `json:"instances_reclaimed"`
	OrphanRecordsFixed int64 `json:"orphan_records_fixed"`
}

type entry struct {
	instance  *runtime.InstanceContext
	meta      InstanceMeta
	createdAt time.Time
}

// Registry owns the live instance map. It hands out InstanceContexts, evicts
// terminal ones on a schedule, and mirrors lifecycle summaries into the
// history store when one is configured.
//
// The registry lock guards only the map; per-instance calls never run under
// it, so a slow instance cannot stall registry operations.
type Registry struct {
	cfg    Config
	store  store.Store
	hub    *events.Hub
	opts   runtime.Options
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*entry

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	statsMu            sync.Mutex
	peak               int
	ceilingBreaches    int64
	sweepsRun          int64
	instancesReclaimed int64
	orphansFixed       int64

	now func() time.Time
}

// New creates a Registry. Start must be called to run the background sweep;
// Create/Get/Remove work without it.
func New(cfg Config, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		cfg:   cfg.withDefaults(),
		store: opts.Store,
		hub:   opts.Hub,
		opts: runtime.Options{
			Tracker:   opts.Tracker,
			Hub:       opts.Hub,
			Validator: opts.Validator,
			Logger:    logger,
		},
		logger:    logger,
		instances: make(map[string]*entry),
		now:       time.Now,
	}

	if r.hub != nil && r.store != nil {
		r.hub.OnInstanceDone(r.persistFinalState)
	}
	return r
}

// Start launches the background sweep loop.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.done != nil {
		return fmt.Errorf("registry already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(sweepCtx)
	r.logger.Info("registry started",
		slog.Duration("cleanup_interval", r.cfg.CleanupInterval),
	)
	return nil
}

// Stop halts the sweep loop, waits for it to drain, and runs one final
// synchronous sweep so nothing reclaimable is left behind on shutdown.
func (r *Registry) Stop() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.Sweep(context.Background())
	r.logger.Info("registry stopped")
	return nil
}

// Create returns the InstanceContext for the given instance ID, creating it
// if absent. Idempotent by ID: a second Create with the same ID returns the
// existing context untouched, and the second return reports whether a new
// context was created.
func (r *Registry) Create(ctx context.Context, instanceID, definitionID string, meta InstanceMeta) (*runtime.InstanceContext, bool) {
	r.mu.Lock()
	if existing, ok := r.instances[instanceID]; ok {
		r.mu.Unlock()
		return existing.instance, false
	}

	instance := runtime.NewInstanceContext(instanceID, definitionID, r.opts)
	r.instances[instanceID] = &entry{
		instance:  instance,
		meta:      meta,
		createdAt: r.now().UTC(),
	}
	active := len(r.instances)
	r.mu.Unlock()

	r.recordActive(active)

	r.logger.Info("instance created",
		slog.String("instance_id", instanceID),
		slog.String("definition_id", definitionID),
		slog.Int("active", active),
	)

	if r.store != nil {
		if err := r.store.CreateInstance(ctx, &store.InstanceRecord{
			ID:           instanceID,
			DefinitionID: definitionID,
			Name:         meta.Name,
			Executor:     meta.Executor,
			Status:       schema.InstanceStatusRunning,
		}); err != nil {
			// History is best effort; the in-memory instance is authoritative.
			r.logger.Warn("history write failed",
				slog.String("instance_id", instanceID),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.hub != nil {
		r.hub.Publish(ctx, events.Event{
			Type:       schema.EventInstanceCreated,
			InstanceID: instanceID,
			Payload:    map[string]any{"definition_id": definitionID},
		})
	}
	return instance, true
}

// Get returns the live InstanceContext for an ID, if resident.
func (r *Registry) Get(instanceID string) (*runtime.InstanceContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.instances[instanceID]
	if !ok {
		return nil, false
	}
	return e.instance, true
}

// Remove evicts an instance. Without force, only instances in a terminal
// status are removed; a running instance stays resident and queryable and
// Remove reports false. With force, the instance is cleaned up and evicted
// regardless of status and its history record is purged.
func (r *Registry) Remove(ctx context.Context, instanceID string, force bool) bool {
	r.mu.Lock()
	e, ok := r.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if !force {
		status := e.instance.Status().Overall
		if !schema.IsTerminalInstance(status) {
			r.logger.Warn("refusing to remove non-terminal instance",
				slog.String("instance_id", instanceID),
				slog.String("status", string(status)),
			)
			return false
		}
	}

	r.mu.Lock()
	delete(r.instances, instanceID)
	r.mu.Unlock()

	e.instance.Cleanup()

	if force && r.store != nil {
		if err := r.store.DeleteInstance(ctx, instanceID); err != nil {
			r.logger.Warn("history purge failed",
				slog.String("instance_id", instanceID),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.hub != nil {
		r.hub.Publish(ctx, events.Event{
			Type:       schema.EventInstanceRemoved,
			InstanceID: instanceID,
			Payload:    map[string]any{"forced": force},
		})
	}

	r.logger.Info("instance removed",
		slog.String("instance_id", instanceID),
		slog.Bool("forced", force),
	)
	return true
}

// List returns summaries of resident instances matching the filter.
// Statuses are computed outside the registry lock.
func (r *Registry) List(filter ListFilter) []Summary {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.instances))
	for id, e := range r.instances {
		entries[id] = e
	}
	r.mu.RUnlock()

	var out []Summary
	for _, e := range entries {
		if filter.Executor != "" && e.meta.Executor != filter.Executor {
			continue
		}
		snap := e.instance.Status()
		if filter.Status != "" && snap.Overall != filter.Status {
			continue
		}
		out = append(out, Summary{
			StatusSnapshot: snap,
			Name:           e.meta.Name,
			Executor:       e.meta.Executor,
			CreatedAt:      e.createdAt,
		})
	}
	return out
}

// Active returns the number of resident instances.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// CleanupCompleted evicts terminal instances whose last activity is older
// than maxAge and returns how many were removed. With maxAge zero every
// terminal instance goes immediately. Running instances are never touched.
// Callable repeatedly; repeat calls have no effect beyond actual removals.
func (r *Registry) CleanupCompleted(ctx context.Context, maxAge time.Duration) int {
	removed := r.cleanupTerminal(ctx, schema.InstanceStatusCompleted, maxAge)
	removed += r.cleanupTerminal(ctx, schema.InstanceStatusFailed, maxAge)
	return removed
}

// Stats returns the registry's counters.
func (r *Registry) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return Stats{
		Active:             r.Active(),
		Peak:               r.peak,
		CeilingBreaches:    r.ceilingBreaches,
		SweepsRun:          r.sweepsRun,
		InstancesReclaimed: r.instancesReclaimed,
		OrphanRecordsFixed: r.orphansFixed,
	}
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass: timeout re-evaluation on running instances,
// completed instances past MaxCompletedAge, failed instances past
// MaxFailedAge, and orphaned history records. Failures are logged, never
// fatal; the next tick retries.
func (r *Registry) Sweep(ctx context.Context) {
	timeouts := r.refreshTimeouts(ctx)
	removed := r.cleanupTerminal(ctx, schema.InstanceStatusCompleted, r.cfg.MaxCompletedAge)
	removed += r.cleanupTerminal(ctx, schema.InstanceStatusFailed, r.cfg.MaxFailedAge)
	orphans := r.fixOrphanRecords(ctx)

	r.statsMu.Lock()
	r.sweepsRun++
	r.statsMu.Unlock()

	if removed > 0 || orphans > 0 || timeouts > 0 {
		r.logger.Info("registry sweep",
			slog.Int("removed", removed),
			slog.Int("orphans_fixed", orphans),
			slog.Int("timeouts_triggered", timeouts),
		)
	}
	if r.hub != nil {
		r.hub.Publish(ctx, events.Event{
			Type: schema.EventSweepCompleted,
			Payload: map[string]any{
				"removed":            removed,
				"orphans_fixed":      orphans,
				"timeouts_triggered": timeouts,
			},
		})
	}
}

// refreshTimeouts gives every running instance a chance to flip nodes whose
// timeout rules were satisfied by the passage of time alone, so a node
// blocked only on a timeout becomes ready without caller-driven polling.
func (r *Registry) refreshTimeouts(ctx context.Context) int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.instances))
	for _, e := range r.instances {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	triggered := 0
	for _, e := range entries {
		if e.instance.Status().Overall != schema.InstanceStatusRunning {
			continue
		}
		triggered += len(e.instance.RefreshTimeouts(ctx))
	}
	return triggered
}

func (r *Registry) cleanupTerminal(ctx context.Context, status schema.InstanceStatus, maxAge time.Duration) int {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.instances))
	for id, e := range r.instances {
		entries[id] = e
	}
	r.mu.RUnlock()

	cutoff := r.now().UTC().Add(-maxAge)
	removed := 0
	for id, e := range entries {
		snap := e.instance.Status()
		if snap.Overall != status || snap.LastActivity.After(cutoff) {
			continue
		}

		r.mu.Lock()
		// Re-check under the lock; a force-remove may have raced us.
		if _, still := r.instances[id]; !still {
			r.mu.Unlock()
			continue
		}
		delete(r.instances, id)
		r.mu.Unlock()

		e.instance.Cleanup()
		removed++

		if r.hub != nil {
			r.hub.Publish(ctx, events.Event{
				Type:       schema.EventInstanceRemoved,
				InstanceID: id,
				Payload:    map[string]any{"forced": false, "swept": true},
			})
		}
	}

	if removed > 0 {
		r.statsMu.Lock()
		r.instancesReclaimed += int64(removed)
		r.statsMu.Unlock()
	}
	return removed
}

// fixOrphanRecords reconciles history records stuck in RUNNING with no
// resident instance backing them, which happens after a process restart.
func (r *Registry) fixOrphanRecords(ctx context.Context) int {
	if r.store == nil {
		return 0
	}

	running := schema.InstanceStatusRunning
	records, err := r.store.ListInstances(ctx, store.InstanceFilter{Status: &running})
	if err != nil {
		r.logger.Warn("orphan scan failed", slog.String("error", err.Error()))
		if r.hub != nil {
			r.hub.Publish(ctx, events.Event{
				Type:    schema.EventSweepFailed,
				Payload: map[string]any{"error": err.Error()},
			})
		}
		return 0
	}

	fixed := 0
	for _, rec := range records {
		if _, resident := r.Get(rec.ID); resident {
			continue
		}
		unknown := schema.InstanceStatusUnknown
		if err := r.store.UpdateInstance(ctx, rec.ID, store.InstanceUpdate{Status: &unknown}); err != nil {
			r.logger.Warn("orphan record update failed",
				slog.String("instance_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		fixed++
	}

	if fixed > 0 {
		r.statsMu.Lock()
		r.orphansFixed += int64(fixed)
		r.statsMu.Unlock()
	}
	return fixed
}

// persistFinalState mirrors an instance's terminal state into the history
// store. Runs on the event dispatch pool, never on the mutation path.
func (r *Registry) persistFinalState(ctx context.Context, ev events.Event) {
	instance, ok := r.Get(ev.InstanceID)
	if !ok {
		return
	}
	snap := instance.Status()
	now := r.now().UTC()
	endedAt := snap.EndedAt
	if endedAt == nil {
		endedAt = &now
	}

	update := store.InstanceUpdate{
		Status:       &snap.Overall,
		NodesCreated: &snap.Created,
		NodesFailed:  &snap.Failed,
		Path:         snap.Path,
		EndedAt:      endedAt,
	}
	if err := r.store.UpdateInstance(ctx, ev.InstanceID, update); err != nil {
		r.logger.Warn("final state write failed",
			slog.String("instance_id", ev.InstanceID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) recordActive(active int) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if active > r.peak {
		r.peak = active
	}
	if r.cfg.MaxConcurrentInstances > 0 && active > r.cfg.MaxConcurrentInstances {
		r.ceilingBreaches++
		r.logger.Warn("instance ceiling exceeded",
			slog.Int("active", active),
			slog.Int("ceiling", r.cfg.MaxConcurrentInstances),
		)
	}
}
