package deps

import (
	"context"
	"testing"
	"time"

	"github.com/tessira/flowrt/pkg/schema"
)

func testView(status schema.NodeStatus, output map[string]any) InstanceView {
	return InstanceView{
		StartedAt: time.Now().Add(-10 * time.Second),
		Nodes: map[string]UpstreamNode{
			"up": {Status: status, Output: output},
		},
	}
}

func TestSatisfied_Sequence(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()
	rule := schema.DependencyRule{UpstreamID: "up", Type: schema.DependencySequence}

	ok, err := tr.Satisfied(ctx, rule, testView(schema.NodeStatusCompleted, nil))
	if err != nil || !ok {
		t.Fatalf("completed upstream should satisfy sequence rule, ok=%v err=%v", ok, err)
	}

	for _, status := range []schema.NodeStatus{schema.NodeStatusPending, schema.NodeStatusExecuting, schema.NodeStatusFailed} {
		ok, err := tr.Satisfied(ctx, rule, testView(status, nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Errorf("status %s should not satisfy sequence rule", status)
		}
	}
}

func TestSatisfied_SequenceUnknownUpstream(t *testing.T) {
	tr := NewTracker(nil)
	rule := schema.DependencyRule{UpstreamID: "ghost", Type: schema.DependencySequence}
	ok, err := tr.Satisfied(context.Background(), rule, testView(schema.NodeStatusCompleted, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("unknown upstream must never satisfy")
	}
}

func TestSatisfied_Conditional(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	rule := schema.DependencyRule{
		UpstreamID: "up",
		Type:       schema.DependencyConditional,
		Predicate:  `output.score > 0.5`,
	}

	ok, err := tr.Satisfied(ctx, rule, testView(schema.NodeStatusCompleted, map[string]any{"score": 0.9}))
	if err != nil || !ok {
		t.Fatalf("passing predicate should satisfy, ok=%v err=%v", ok, err)
	}

	ok, err = tr.Satisfied(ctx, rule, testView(schema.NodeStatusCompleted, map[string]any{"score": 0.1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("failing predicate must not satisfy")
	}

	// Predicate is never consulted before the upstream completes.
	ok, err = tr.Satisfied(ctx, rule, testView(schema.NodeStatusExecuting, map[string]any{"score": 0.9}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("executing upstream must not satisfy conditional rule")
	}
}

func TestSatisfied_ConditionalEngines(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()
	view := testView(schema.NodeStatusCompleted, map[string]any{"status": "ok"})

	cases := []struct {
		engine    string
		predicate string
	}{
		{"expr", `output.status == "ok"`},
		{"cel", `output.status == "ok"`},
		{"jq", `.output.status == "ok"`},
	}
	for _, tc := range cases {
		t.Run(tc.engine, func(t *testing.T) {
			rule := schema.DependencyRule{
				UpstreamID:      "up",
				Type:            schema.DependencyConditional,
				Predicate:       tc.predicate,
				PredicateEngine: tc.engine,
			}
			ok, err := tr.Satisfied(ctx, rule, view)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !ok {
				t.Errorf("%s predicate should satisfy", tc.engine)
			}
		})
	}
}

func TestSatisfied_ConditionalBadPredicate(t *testing.T) {
	tr := NewTracker(nil)
	rule := schema.DependencyRule{
		UpstreamID: "up",
		Type:       schema.DependencyConditional,
		Predicate:  `output ===`,
	}
	ok, err := tr.Satisfied(context.Background(), rule, testView(schema.NodeStatusCompleted, nil))
	if err == nil {
		t.Fatal("expected predicate error")
	}
	if ok {
		t.Error("erroring predicate must count as unsatisfied")
	}
}

func TestSatisfied_Timeout(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()
	rule := schema.DependencyRule{UpstreamID: "up", Type: schema.DependencyTimeout, TimeoutSeconds: 30}

	// Upstream completed: satisfied regardless of elapsed time.
	ok, err := tr.Satisfied(ctx, rule, testView(schema.NodeStatusCompleted, nil))
	if err != nil || !ok {
		t.Fatalf("completed upstream should satisfy timeout rule, ok=%v err=%v", ok, err)
	}

	// Not completed, timeout not yet elapsed.
	view := testView(schema.NodeStatusExecuting, nil)
	ok, err = tr.Satisfied(ctx, rule, view)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("timeout rule satisfied too early")
	}

	// Not completed, timeout elapsed: satisfied-by-timeout.
	tr.now = func() time.Time { return view.StartedAt.Add(31 * time.Second) }
	ok, err = tr.Satisfied(ctx, rule, view)
	if err != nil || !ok {
		t.Fatalf("elapsed timeout should satisfy, ok=%v err=%v", ok, err)
	}
}

func TestAllSatisfied_Conjunctive(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	view := InstanceView{
		StartedAt: time.Now(),
		Nodes: map[string]UpstreamNode{
			"a": {Status: schema.NodeStatusCompleted},
			"b": {Status: schema.NodeStatusExecuting},
		},
	}

	rules := []schema.DependencyRule{
		{UpstreamID: "a", Type: schema.DependencySequence},
		{UpstreamID: "b", Type: schema.DependencySequence},
	}

	ok, err := tr.AllSatisfied(ctx, rules, view)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("one unsatisfied rule must block the set")
	}

	view.Nodes["b"] = UpstreamNode{Status: schema.NodeStatusCompleted}
	ok, err = tr.AllSatisfied(ctx, rules, view)
	if err != nil || !ok {
		t.Fatalf("all completed should satisfy the set, ok=%v err=%v", ok, err)
	}
}

func TestAllSatisfied_EmptyRuleSet(t *testing.T) {
	tr := NewTracker(nil)
	ok, err := tr.AllSatisfied(context.Background(), nil, InstanceView{})
	if err != nil || !ok {
		t.Fatalf("empty rule set models a start node and is always satisfied, ok=%v err=%v", ok, err)
	}
}

func TestHasTimeoutRules(t *testing.T) {
	if HasTimeoutRules([]schema.DependencyRule{{UpstreamID: "a", Type: schema.DependencySequence}}) {
		t.Error("sequence-only set misreported as having timeout rules")
	}
	if !HasTimeoutRules([]schema.DependencyRule{{UpstreamID: "a", Type: schema.DependencyTimeout, TimeoutSeconds: 5}}) {
		t.Error("timeout rule not detected")
	}
}
