package registry

import (
	"context"
	"testing"
	"time"

	"github.com/tessira/flowrt/internal/events"
	"github.com/tessira/flowrt/internal/store"
	"github.com/tessira/flowrt/pkg/schema"
)

func completeInstance(t *testing.T, r *Registry, instanceID string) {
	t.Helper()
	ctx := context.Background()
	instance, ok := r.Get(instanceID)
	if !ok {
		t.Fatalf("instance %s not resident", instanceID)
	}
	instance.Register(ctx, "n1_i", "n1", nil)
	instance.MarkExecuting(ctx, "n1", "n1_i")
	instance.MarkCompleted(ctx, "n1", "n1_i", map[string]any{"ok": true})
}

func TestCreate_IdempotentByID(t *testing.T) {
	r := New(Config{}, Options{})
	ctx := context.Background()

	first, created := r.Create(ctx, "wf-1", "def-1", InstanceMeta{Name: "a"})
	if !created {
		t.Fatal("first create reported existing")
	}
	second, created := r.Create(ctx, "wf-1", "def-2", InstanceMeta{Name: "b"})
	if created {
		t.Error("second create reported new")
	}
	if first != second {
		t.Error("second create returned a different context")
	}
	if second.DefinitionID() != "def-1" {
		t.Errorf("existing context mutated: definition = %s", second.DefinitionID())
	}
	if r.Active() != 1 {
		t.Errorf("active = %d, want 1", r.Active())
	}
}

func TestRemove_RequiresTerminalUnlessForced(t *testing.T) {
	r := New(Config{}, Options{})
	ctx := context.Background()

	instance, _ := r.Create(ctx, "wf-1", "def-1", InstanceMeta{})
	instance.Register(ctx, "n1_i", "n1", nil)

	if r.Remove(ctx, "wf-1", false) {
		t.Fatal("removed a running instance without force")
	}
	// Still resident, still queryable.
	if _, ok := r.Get("wf-1"); !ok {
		t.Fatal("refused removal must leave the instance resident")
	}

	if !r.Remove(ctx, "wf-1", true) {
		t.Fatal("force removal failed")
	}
	if _, ok := r.Get("wf-1"); ok {
		t.Error("instance resident after force removal")
	}
	if r.Remove(ctx, "wf-1", true) {
		t.Error("removing an absent instance must report false")
	}
}

func TestRemove_TerminalWithoutForce(t *testing.T) {
	r := New(Config{}, Options{})
	ctx := context.Background()

	r.Create(ctx, "wf-1", "def-1", InstanceMeta{})
	completeInstance(t, r, "wf-1")

	if !r.Remove(ctx, "wf-1", false) {
		t.Fatal("terminal instance not removable without force")
	}
}

func TestCleanupCompleted_AgeBound(t *testing.T) {
	r := New(Config{}, Options{})
	ctx := context.Background()

	r.Create(ctx, "a", "def-1", InstanceMeta{})
	completeInstance(t, r, "a")
	r.Create(ctx, "b", "def-1", InstanceMeta{})
	completeInstance(t, r, "b")
	r.Create(ctx, "running", "def-1", InstanceMeta{})

	// Inside the age bound nothing is evicted.
	if removed := r.CleanupCompleted(ctx, 30*time.Minute); removed != 0 {
		t.Fatalf("removed %d fresh instances", removed)
	}

	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	removed := r.CleanupCompleted(ctx, 30*time.Minute)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := r.Get("running"); !ok {
		t.Error("running instance was swept")
	}

	// Nothing left to remove.
	if again := r.CleanupCompleted(ctx, 0); again != 0 {
		t.Errorf("second cleanup removed %d", again)
	}
}

func TestSweep_FailedInstancesUseOwnBound(t *testing.T) {
	r := New(Config{MaxCompletedAge: time.Minute, MaxFailedAge: 10 * time.Hour}, Options{})
	ctx := context.Background()

	instance, _ := r.Create(ctx, "wf-f", "def-1", InstanceMeta{})
	instance.Register(ctx, "n1_i", "n1", nil)
	instance.MarkExecuting(ctx, "n1", "n1_i")
	instance.MarkFailed(ctx, "n1", "n1_i", nil)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.Sweep(ctx)

	// Failed past MaxCompletedAge but inside MaxFailedAge stays resident.
	if _, ok := r.Get("wf-f"); !ok {
		t.Error("failed instance swept before its age bound")
	}

	r.now = func() time.Time { return time.Now().Add(11 * time.Hour) }
	r.Sweep(ctx)
	if _, ok := r.Get("wf-f"); ok {
		t.Error("failed instance not swept after its age bound")
	}

	stats := r.Stats()
	if stats.SweepsRun != 2 || stats.InstancesReclaimed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSweep_FixesOrphanRecords(t *testing.T) {
	mem := store.NewMemoryStore()
	r := New(Config{}, Options{Store: mem})
	ctx := context.Background()

	// A record left RUNNING by a previous process, with no resident instance.
	mem.CreateInstance(ctx, &store.InstanceRecord{
		ID:           "ghost",
		DefinitionID: "def-1",
		Status:       schema.InstanceStatusRunning,
	})
	// A resident running instance must not be touched.
	r.Create(ctx, "alive", "def-1", InstanceMeta{})

	r.Sweep(ctx)

	rec, err := mem.GetInstance(ctx, "ghost")
	if err != nil {
		t.Fatalf("get ghost: %v", err)
	}
	if rec.Status != schema.InstanceStatusUnknown {
		t.Errorf("ghost status = %s, want unknown", rec.Status)
	}
	alive, _ := mem.GetInstance(ctx, "alive")
	if alive.Status != schema.InstanceStatusRunning {
		t.Errorf("alive status = %s, want running", alive.Status)
	}
	if r.Stats().OrphanRecordsFixed != 1 {
		t.Errorf("orphans fixed = %d, want 1", r.Stats().OrphanRecordsFixed)
	}
}

func TestSoftCeiling_NeverBlocks(t *testing.T) {
	r := New(Config{MaxConcurrentInstances: 2}, Options{})
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		if _, created := r.Create(ctx, id, "def-1", InstanceMeta{}); !created {
			t.Fatalf("create %d refused; ceiling must be soft", i)
		}
	}

	stats := r.Stats()
	if stats.Active != 4 {
		t.Errorf("active = %d, want 4", stats.Active)
	}
	if stats.CeilingBreaches != 2 {
		t.Errorf("ceiling breaches = %d, want 2", stats.CeilingBreaches)
	}
	if stats.Peak != 4 {
		t.Errorf("peak = %d, want 4", stats.Peak)
	}
}

func TestList_Filters(t *testing.T) {
	r := New(Config{}, Options{})
	ctx := context.Background()

	r.Create(ctx, "wf-1", "def-1", InstanceMeta{Name: "sync", Executor: "w1"})
	completeInstance(t, r, "wf-1")
	r.Create(ctx, "wf-2", "def-1", InstanceMeta{Executor: "w2"})

	all := r.List(ListFilter{})
	if len(all) != 2 {
		t.Fatalf("unfiltered list = %d, want 2", len(all))
	}

	completed := r.List(ListFilter{Status: schema.InstanceStatusCompleted})
	if len(completed) != 1 || completed[0].InstanceID != "wf-1" {
		t.Errorf("status filter returned %v", completed)
	}
	if completed[0].Name != "sync" || completed[0].Created != 1 {
		t.Errorf("summary = %+v", completed[0])
	}

	// A summary carries everything a status query would report, not just
	// the headline counts.
	sum := completed[0]
	if sum.Overall != schema.InstanceStatusCompleted {
		t.Errorf("overall = %s, want completed", sum.Overall)
	}
	if sum.Completed != 1 || sum.Pending != 0 || sum.Executing != 0 || sum.Failed != 0 {
		t.Errorf("counts = %+v", sum.StatusSnapshot)
	}
	if len(sum.Path) != 1 || sum.Path[0] != "n1" {
		t.Errorf("path = %v", sum.Path)
	}
	if sum.StartedAt.IsZero() || sum.EndedAt == nil || sum.LastActivity.IsZero() {
		t.Errorf("timestamps missing: %+v", sum.StatusSnapshot)
	}
	if sum.CreatedAt.IsZero() {
		t.Error("registry created_at missing")
	}

	byExec := r.List(ListFilter{Executor: "w2"})
	if len(byExec) != 1 || byExec[0].InstanceID != "wf-2" {
		t.Errorf("executor filter returned %v", byExec)
	}
}

func TestSweep_RefreshesTimeouts(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real timeout deadline")
	}
	r := New(Config{}, Options{})
	ctx := context.Background()

	instance, _ := r.Create(ctx, "wf-1", "def-1", InstanceMeta{})
	instance.Register(ctx, "A_i", "A", nil)
	instance.RegisterSpec(ctx, schema.NodeRegistrationSpec{
		NodeInstanceID:   "B_i",
		NodeDefinitionID: "B",
		Rules: []schema.DependencyRule{{
			UpstreamID:     "A",
			Type:           schema.DependencyTimeout,
			TimeoutSeconds: 1,
		}},
	})
	instance.ReadyNodes() // drain the start node

	time.Sleep(1100 * time.Millisecond)
	r.Sweep(ctx)

	if got := instance.ReadyNodes(); len(got) != 1 || got[0] != "B_i" {
		t.Fatalf("sweep readied %v, want [B_i]", got)
	}
}

func TestPersistFinalState(t *testing.T) {
	mem := store.NewMemoryStore()
	hub := events.NewHub(nil, 2)
	defer hub.Close()

	r := New(Config{}, Options{Store: mem, Hub: hub})
	ctx := context.Background()

	r.Create(ctx, "wf-1", "def-1", InstanceMeta{Executor: "w1"})
	completeInstance(t, r, "wf-1")
	hub.Drain()

	rec, err := mem.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != schema.InstanceStatusCompleted {
		t.Errorf("persisted status = %s, want completed", rec.Status)
	}
	if rec.EndedAt == nil {
		t.Error("ended_at not persisted")
	}
	if len(rec.Path) != 1 || rec.Path[0] != "n1" {
		t.Errorf("persisted path = %v", rec.Path)
	}
}

func TestStartStop(t *testing.T) {
	r := New(Config{CleanupInterval: 10 * time.Millisecond}, Options{})
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Error("double start must fail")
	}

	r.Create(ctx, "wf-1", "def-1", InstanceMeta{})
	completeInstance(t, r, "wf-1")
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := r.Get("wf-1"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background sweep never evicted the aged instance")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop is idempotent.
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
