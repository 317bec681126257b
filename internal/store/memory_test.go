package store

import (
	"context"
	"testing"

	"github.com/tessira/flowrt/pkg/schema"
)

func TestMemoryStore_InstanceLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &InstanceRecord{
		ID:           "wf-1",
		DefinitionID: "def-1",
		Executor:     "worker-a",
		Status:       schema.InstanceStatusRunning,
		NodesCreated: 3,
	}
	if err := s.CreateInstance(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Create is idempotent by ID.
	if err := s.CreateInstance(ctx, rec); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}

	status := schema.InstanceStatusCompleted
	if err := s.UpdateInstance(ctx, "wf-1", InstanceUpdate{
		Status: &status,
		Path:   []string{"a", "b", "c"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schema.InstanceStatusCompleted || len(got.Path) != 3 {
		t.Errorf("record = %+v", got)
	}

	if _, err := s.GetInstance(ctx, "ghost"); err == nil {
		t.Error("expected not-found error")
	}

	if err := s.DeleteInstance(ctx, "wf-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetInstance(ctx, "wf-1"); err == nil {
		t.Error("deleted instance still readable")
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	running := schema.InstanceStatusRunning
	completed := schema.InstanceStatusCompleted
	s.CreateInstance(ctx, &InstanceRecord{ID: "a", DefinitionID: "d", Status: running, Executor: "w1"})
	s.CreateInstance(ctx, &InstanceRecord{ID: "b", DefinitionID: "d", Status: completed, Executor: "w1"})
	s.CreateInstance(ctx, &InstanceRecord{ID: "c", DefinitionID: "d", Status: running, Executor: "w2"})

	got, err := s.ListInstances(ctx, InstanceFilter{Status: &running})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("running count = %d, want 2", len(got))
	}

	got, _ = s.ListInstances(ctx, InstanceFilter{Executor: "w2"})
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("executor filter returned %v", got)
	}

	got, _ = s.ListInstances(ctx, InstanceFilter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("limit ignored, got %d records", len(got))
	}
}

func TestMemoryStore_EventSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &EventRecord{InstanceID: "wf-1", Type: schema.EventNodeCompleted}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Sequence != int64(i+1) {
			t.Errorf("sequence = %d, want %d", ev.Sequence, i+1)
		}
	}

	got, err := s.GetEvents(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("events since 1 = %d, want 2", len(got))
	}
}
