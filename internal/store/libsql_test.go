package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tessira/flowrt/pkg/schema"
)

func newTestLibSQL(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "flowrt_test.db")
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestLibSQL_MigrateIdempotent(t *testing.T) {
	s := newTestLibSQL(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestLibSQL_InstanceRoundTrip(t *testing.T) {
	s := newTestLibSQL(t)
	ctx := context.Background()

	ended := time.Now().UTC().Truncate(time.Second)
	rec := &InstanceRecord{
		ID:           "wf-1",
		DefinitionID: "def-1",
		Name:         "nightly-sync",
		Executor:     "worker-a",
		Status:       schema.InstanceStatusCompleted,
		NodesCreated: 5,
		NodesFailed:  0,
		Path:         []string{"s", "p", "e"},
		EndedAt:      &ended,
	}
	if err := s.CreateInstance(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	// ON CONFLICT DO NOTHING: a second create is not an error.
	if err := s.CreateInstance(ctx, rec); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}

	got, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "nightly-sync" || got.Status != schema.InstanceStatusCompleted {
		t.Errorf("record = %+v", got)
	}
	if len(got.Path) != 3 || got.Path[1] != "p" {
		t.Errorf("path = %v", got.Path)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not persisted")
	}
}

func TestLibSQL_UpdateAndFilter(t *testing.T) {
	s := newTestLibSQL(t)
	ctx := context.Background()

	running := schema.InstanceStatusRunning
	failed := schema.InstanceStatusFailed
	s.CreateInstance(ctx, &InstanceRecord{ID: "a", DefinitionID: "d", Status: running, Executor: "w1"})
	s.CreateInstance(ctx, &InstanceRecord{ID: "b", DefinitionID: "d", Status: running, Executor: "w2"})

	nf := 2
	if err := s.UpdateInstance(ctx, "b", InstanceUpdate{Status: &failed, NodesFailed: &nf}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateInstance(ctx, "ghost", InstanceUpdate{Status: &failed}); err == nil {
		t.Error("updating a missing instance must fail")
	}

	got, err := s.ListInstances(ctx, InstanceFilter{Status: &failed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" || got[0].NodesFailed != 2 {
		t.Errorf("filtered list = %+v", got)
	}
}

func TestLibSQL_EventLog(t *testing.T) {
	s := newTestLibSQL(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.AppendEvent(ctx, &EventRecord{
			InstanceID:       "wf-1",
			NodeInstanceID:   "n1_i",
			NodeDefinitionID: "n1",
			Type:             schema.EventNodeCompleted,
			Payload:          map[string]any{"i": i},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// Sequences are per instance.
	if err := s.AppendEvent(ctx, &EventRecord{InstanceID: "wf-2", Type: schema.EventInstanceCreated}); err != nil {
		t.Fatalf("append other instance: %v", err)
	}

	events, err := s.GetEvents(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("event count = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("sequence[%d] = %d", i, ev.Sequence)
		}
	}
	if events[0].Payload["i"] != float64(0) {
		t.Errorf("payload = %v", events[0].Payload)
	}

	other, _ := s.GetEvents(ctx, "wf-2", 0)
	if len(other) != 1 || other[0].Sequence != 1 {
		t.Errorf("per-instance sequencing broken: %+v", other)
	}
}

func TestLibSQL_DeleteCascadesEvents(t *testing.T) {
	s := newTestLibSQL(t)
	ctx := context.Background()

	s.CreateInstance(ctx, &InstanceRecord{ID: "wf-1", DefinitionID: "d", Status: schema.InstanceStatusCompleted})
	s.AppendEvent(ctx, &EventRecord{InstanceID: "wf-1", Type: schema.EventInstanceCompleted})

	if err := s.DeleteInstance(ctx, "wf-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, _ := s.GetEvents(ctx, "wf-1", 0)
	if len(events) != 0 {
		t.Errorf("events survived instance deletion: %d", len(events))
	}
}
