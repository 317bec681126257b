package reclaim

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind classifies a tracked resource.
type Kind string

const (
	KindInstance   Kind = "instance"
	KindCacheEntry Kind = "cache_entry"
	KindTempFile   Kind = "temp_file"
)

// TrackedResource is one reclaimable resource under the reclaimer's watch.
type TrackedResource struct {
	Handle      string         `json:"handle"`
	Kind        Kind           `json:"kind"`
	CreatedAt   time.Time      `json:"created_at"`
	LastTouched time.Time      `json:"last_touched"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Destroy     DestroyFunc    `json:"-"`
}

// DestroyFunc releases one tracked resource when its age crosses the policy
// threshold for its kind. It reports the bytes freed by the release.
type DestroyFunc func() (bytesFreed int64, err error)

// CleanupFunc reclaims resources of one concern. It returns how many
// resources it removed and how many bytes it freed. Errors are counted and
// logged by the reclaimer, never propagated to the schedule.
type CleanupFunc func(ctx context.Context) (removed int, bytesFreed int64, err error)

// Stats is a point-in-time view of the reclaimer's counters.
type Stats struct {
	TotalCleanups int64          `json:"total_cleanups"`
	BytesFreed    int64          `json:"bytes_freed"`
	CleanupErrors int64          `json:"cleanup_errors"`
	PerKind       map[Kind]int64 `json:"per_kind"`
	Tracked       int            `json:"tracked"`
}

type cleanerEntry struct {
	name     string
	interval time.Duration
	fn       CleanupFunc
}

// Reclaimer runs periodic memory and disk reclamation. Each registered
// cleaner gets its own cron schedule; sweep failures are swallowed after
// counting so one bad cleaner cannot stop the others.
type Reclaimer struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	tracked  map[string]*TrackedResource
	cleaners []cleanerEntry
	started  bool

	statsMu       sync.Mutex
	totalCleanups int64
	bytesFreed    int64
	cleanupErrors int64
	perKind       map[Kind]int64

	now func() time.Time
}

// New creates a Reclaimer. Cleaners registered before Start are scheduled
// when Start runs; later registrations are scheduled immediately.
func New(logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		logger:  logger,
		cron:    cron.New(),
		tracked: make(map[string]*TrackedResource),
		perKind: make(map[Kind]int64),
		now:     time.Now,
	}
}

// RegisterCleaner schedules a named cleanup function at the given interval.
func (r *Reclaimer) RegisterCleaner(name string, interval time.Duration, fn CleanupFunc) error {
	if fn == nil {
		return fmt.Errorf("cleaner %q has nil function", name)
	}
	if interval <= 0 {
		return fmt.Errorf("cleaner %q has non-positive interval", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := cleanerEntry{name: name, interval: interval, fn: fn}
	r.cleaners = append(r.cleaners, entry)
	if r.started {
		return r.scheduleLocked(entry)
	}
	return nil
}

// Start launches the cron schedule with every registered cleaner.
func (r *Reclaimer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("reclaimer already started")
	}
	for _, entry := range r.cleaners {
		if err := r.scheduleLocked(entry); err != nil {
			return err
		}
	}
	r.started = true
	r.cron.Start()
	r.logger.Info("reclaimer started", slog.Int("cleaners", len(r.cleaners)))
	return nil
}

// Stop halts the schedule and waits for in-flight sweeps to finish. The cron
// is rebuilt empty so a later Start schedules each cleaner exactly once.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stopped := r.cron
	r.cron = cron.New()
	r.mu.Unlock()

	<-stopped.Stop().Done()
	r.logger.Info("reclaimer stopped")
}

func (r *Reclaimer) scheduleLocked(entry cleanerEntry) error {
	spec := "@every " + entry.interval.String()
	_, err := r.cron.AddFunc(spec, func() {
		r.runCleaner(context.Background(), entry)
	})
	if err != nil {
		return fmt.Errorf("schedule cleaner %q: %w", entry.name, err)
	}
	return nil
}

// Track puts a resource under the reclaimer's watch. Re-tracking an existing
// handle refreshes its last-touched timestamp.
func (r *Reclaimer) Track(handle string, kind Kind, metadata map[string]any) {
	r.TrackWithDestroy(handle, kind, metadata, nil)
}

// TrackWithDestroy is Track with a destroy hook invoked when an age-based
// sweep reclaims the resource.
func (r *Reclaimer) TrackWithDestroy(handle string, kind Kind, metadata map[string]any, destroy DestroyFunc) {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tracked[handle]; ok {
		existing.LastTouched = now
		return
	}
	r.tracked[handle] = &TrackedResource{
		Handle:      handle,
		Kind:        kind,
		CreatedAt:   now,
		LastTouched: now,
		Metadata:    metadata,
		Destroy:     destroy,
	}
}

// Untrack removes a resource from the watch without reclaiming it.
func (r *Reclaimer) Untrack(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, handle)
}

// TrackedCount returns the number of watched resources of a kind, or all
// kinds when kind is empty.
func (r *Reclaimer) TrackedCount(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" {
		return len(r.tracked)
	}
	n := 0
	for _, res := range r.tracked {
		if res.Kind == kind {
			n++
		}
	}
	return n
}

// SweepTempFiles removes tracked temp files and directories untouched for
// longer than maxAge and reports bytes freed. Usable directly or as a
// registered cleaner via TempFileCleaner.
func (r *Reclaimer) SweepTempFiles(ctx context.Context, maxAge time.Duration) (int, int64, error) {
	cutoff := r.now().UTC().Add(-maxAge)

	r.mu.Lock()
	var expired []*TrackedResource
	for _, res := range r.tracked {
		if res.Kind == KindTempFile && !res.LastTouched.After(cutoff) {
			expired = append(expired, res)
		}
	}
	r.mu.Unlock()

	removed := 0
	var freed int64
	var firstErr error
	for _, res := range expired {
		if ctx.Err() != nil {
			break
		}
		size := pathSize(res.Handle)
		if err := os.RemoveAll(res.Handle); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("temp file removal failed",
				slog.String("path", res.Handle),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.Untrack(res.Handle)
		removed++
		freed += size
	}
	r.recordKind(KindTempFile, int64(removed))
	return removed, freed, firstErr
}

// SweepCacheEntries drops tracked cache entries untouched for longer than
// maxAge. Entries tracked with a destroy hook have it invoked first; a hook
// failure leaves the entry tracked for the next sweep. Usable directly or as
// a registered cleaner via CacheEntryCleaner.
func (r *Reclaimer) SweepCacheEntries(ctx context.Context, maxAge time.Duration) (int, int64, error) {
	cutoff := r.now().UTC().Add(-maxAge)

	r.mu.Lock()
	var expired []*TrackedResource
	for _, res := range r.tracked {
		if res.Kind == KindCacheEntry && !res.LastTouched.After(cutoff) {
			expired = append(expired, res)
		}
	}
	r.mu.Unlock()

	removed := 0
	var freed int64
	var firstErr error
	for _, res := range expired {
		if ctx.Err() != nil {
			break
		}
		if res.Destroy != nil {
			n, err := res.Destroy()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				r.logger.Warn("cache entry destroy failed",
					slog.String("handle", res.Handle),
					slog.String("error", err.Error()),
				)
				continue
			}
			freed += n
		}
		r.Untrack(res.Handle)
		removed++
	}
	r.recordKind(KindCacheEntry, int64(removed))
	return removed, freed, firstErr
}

// CacheEntryCleaner adapts SweepCacheEntries to the CleanupFunc signature.
func (r *Reclaimer) CacheEntryCleaner(maxAge time.Duration) CleanupFunc {
	return func(ctx context.Context) (int, int64, error) {
		return r.SweepCacheEntries(ctx, maxAge)
	}
}

// TempFileCleaner adapts SweepTempFiles to the CleanupFunc signature.
func (r *Reclaimer) TempFileCleaner(maxAge time.Duration) CleanupFunc {
	return func(ctx context.Context) (int, int64, error) {
		return r.SweepTempFiles(ctx, maxAge)
	}
}

// ForceCleanupAll runs every registered cleaner synchronously, regardless of
// schedule. Intended for shutdown and for operators forcing reclamation.
func (r *Reclaimer) ForceCleanupAll(ctx context.Context) {
	r.mu.Lock()
	cleaners := append([]cleanerEntry(nil), r.cleaners...)
	r.mu.Unlock()

	for _, entry := range cleaners {
		r.runCleaner(ctx, entry)
	}
}

// RecordReclaimed adds externally performed reclamation to the per-kind
// counters, for callers that free resources outside a registered cleaner.
func (r *Reclaimer) RecordReclaimed(kind Kind, count int64) {
	r.recordKind(kind, count)
}

// Stats returns the reclaimer's counters.
func (r *Reclaimer) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	perKind := make(map[Kind]int64, len(r.perKind))
	for k, v := range r.perKind {
		perKind[k] = v
	}
	return Stats{
		TotalCleanups: r.totalCleanups,
		BytesFreed:    r.bytesFreed,
		CleanupErrors: r.cleanupErrors,
		PerKind:       perKind,
		Tracked:       r.TrackedCount(""),
	}
}

func (r *Reclaimer) runCleaner(ctx context.Context, entry cleanerEntry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.statsMu.Lock()
			r.cleanupErrors++
			r.statsMu.Unlock()
			r.logger.Error("cleaner panicked",
				slog.String("cleaner", entry.name),
				slog.Any("panic", rec),
			)
		}
	}()

	removed, freed, err := entry.fn(ctx)

	r.statsMu.Lock()
	r.totalCleanups++
	r.bytesFreed += freed
	if err != nil {
		r.cleanupErrors++
	}
	r.statsMu.Unlock()

	if err != nil {
		r.logger.Warn("cleanup sweep failed",
			slog.String("cleaner", entry.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 || freed > 0 {
		r.logger.Info("cleanup sweep",
			slog.String("cleaner", entry.name),
			slog.Int("removed", removed),
			slog.Int64("bytes_freed", freed),
		)
	}
}

func (r *Reclaimer) recordKind(kind Kind, count int64) {
	if count == 0 {
		return
	}
	r.statsMu.Lock()
	r.perKind[kind] += count
	r.statsMu.Unlock()
}

// pathSize returns the recursive size of a file or directory. Unreadable
// entries count as zero.
func pathSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
