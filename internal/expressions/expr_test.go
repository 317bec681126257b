package expressions

import (
	"context"
	"testing"
)

func TestExprEngine_Predicates(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"output": map[string]any{
			"status": "ok",
			"count":  3,
			"items":  []any{1, 2, 3},
		},
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"field equality", `output.status == "ok"`, true},
		{"numeric comparison", `output.count > 5`, false},
		{"array length", `len(output.items) == 3`, true},
		{"optional chaining on missing key", `output?.missing == nil`, true},
		{"nil coalescing", `(output.missing ?? "fallback") == "fallback"`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tc.expr, data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if Truthy(out) != tc.want {
				t.Errorf("predicate %q = %v, want %v", tc.expr, out, tc.want)
			}
		})
	}
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	if _, err := e.Evaluate(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty predicate")
	}
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()
	if _, err := e.Evaluate(context.Background(), "output ===", nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestExprEngine_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(ctx, "1 + 1", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != 2 {
			t.Errorf("got %v, want 2", out)
		}
	}

	if len(e.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(e.cache))
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{0, false},
		{1, true},
		{"", false},
		{"x", true},
		{[]any{}, false},
		{[]any{true, true}, true},
		{[]any{true, false}, false},
		{map[string]any{}, false},
		{map[string]any{"k": 1}, true},
	}
	for _, tc := range cases {
		if got := Truthy(tc.in); got != tc.want {
			t.Errorf("Truthy(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
