package deps

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessira/flowrt/internal/expressions"
	"github.com/tessira/flowrt/pkg/schema"
)

// UpstreamNode is the tracker's read-only view of one upstream node.
type UpstreamNode struct {
	Status schema.NodeStatus
	Output map[string]any
}

// InstanceView is the read-only slice of instance state a rule evaluation
// needs: upstream node states keyed by node definition ID, the instance
// start timestamp (timeout rules measure from it), instance-global data and
// instance metadata.
type InstanceView struct {
	StartedAt time.Time
	Nodes     map[string]UpstreamNode
	Globals   map[string]any
	Meta      map[string]any
}

// Tracker evaluates dependency rules. It is stateless per call and safe to
// share across instances; predicate programs are cached inside the engines.
type Tracker struct {
	engines map[string]expressions.Engine
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a Tracker with all three predicate engines installed.
// The CEL engine is optional: if its environment fails to build, conditional
// rules requesting "cel" fail evaluation rather than the constructor.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	engines := map[string]expressions.Engine{
		"expr": expressions.NewExprEngine(),
		"jq":   expressions.NewGoJQEngine(),
	}
	if celEngine, err := expressions.NewCELEngine(); err == nil {
		engines["cel"] = celEngine
	} else {
		logger.Error("CEL engine unavailable", slog.String("error", err.Error()))
	}

	return &Tracker{
		engines: engines,
		logger:  logger,
		now:     time.Now,
	}
}

// Satisfied reports whether a single dependency rule is satisfied given the
// current instance view.
func (t *Tracker) Satisfied(ctx context.Context, rule schema.DependencyRule, view InstanceView) (bool, error) {
	upstream, known := view.Nodes[rule.UpstreamID]

	switch rule.Type {
	case schema.DependencySequence, "":
		return known && upstream.Status == schema.NodeStatusCompleted, nil

	case schema.DependencyConditional:
		if !known || upstream.Status != schema.NodeStatusCompleted {
			return false, nil
		}
		out, err := t.evalPredicate(ctx, rule, upstream, view)
		if err != nil {
			// A failing predicate never satisfies the edge; the node stays blocked.
			t.logger.Warn("conditional predicate evaluation failed",
				slog.String("upstream_id", rule.UpstreamID),
				slog.String("error", err.Error()),
			)
			return false, err
		}
		return expressions.Truthy(out), nil

	case schema.DependencyTimeout:
		if known && upstream.Status == schema.NodeStatusCompleted {
			return true, nil
		}
		deadline := view.StartedAt.Add(time.Duration(rule.TimeoutSeconds) * time.Second)
		return !t.now().Before(deadline), nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown dependency type: %s", rule.Type)
	}
}

// AllSatisfied reports whether every rule in the set is satisfied
// (conjunctive semantics; there is no OR-combination of rules).
// The first unsatisfied rule short-circuits. Evaluation errors count as
// unsatisfied and are returned to the caller.
func (t *Tracker) AllSatisfied(ctx context.Context, rules []schema.DependencyRule, view InstanceView) (bool, error) {
	for _, rule := range rules {
		ok, err := t.Satisfied(ctx, rule, view)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// HasTimeoutRules reports whether any rule in the set can become satisfied
// by the passage of time alone. Contexts use this to decide which pending
// nodes need periodic re-evaluation.
func HasTimeoutRules(rules []schema.DependencyRule) bool {
	for _, rule := range rules {
		if rule.Type == schema.DependencyTimeout {
			return true
		}
	}
	return false
}

func (t *Tracker) evalPredicate(ctx context.Context, rule schema.DependencyRule, upstream UpstreamNode, view InstanceView) (any, error) {
	engineName := rule.PredicateEngine
	if engineName == "" {
		engineName = "expr"
	}
	engine, ok := t.engines[engineName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown predicate engine: %s", engineName)
	}

	outputs := make(map[string]any, len(view.Nodes))
	for defID, node := range view.Nodes {
		if node.Status == schema.NodeStatusCompleted && node.Output != nil {
			outputs[defID] = node.Output
		}
	}

	data := map[string]any{
		"output":   upstream.Output,
		"outputs":  outputs,
		"globals":  view.Globals,
		"instance": view.Meta,
	}
	if data["output"] == nil {
		data["output"] = map[string]any{}
	}

	return engine.Evaluate(ctx, rule.Predicate, data)
}
