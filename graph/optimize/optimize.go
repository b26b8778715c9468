// Package optimize applies local, semantics-preserving rewrites to an
// inferred graph until none applies.
package optimize

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/infer"
	"github.com/inference-sim/graphprof/graph/trace"
)

const (
	// DefaultBudgetFactor scales the rewrite budget with the node count.
	DefaultBudgetFactor = 4
	// DefaultFoldLimit is the largest constant (in elements) folding may create.
	DefaultFoldLimit = 1 << 16
)

type config struct {
	budgetFactor int
	foldLimit    int
	trace        *trace.PipelineTrace
	rules        []Rule
}

// Option configures Optimize.
type Option func(*config)

// WithBudgetFactor sets the rewrite budget to factor*nodes+8.
func WithBudgetFactor(factor int) Option { return func(c *config) { c.budgetFactor = factor } }

// WithFoldLimit bounds the size of folded constants.
func WithFoldLimit(elements int) Option { return func(c *config) { c.foldLimit = elements } }

// WithTrace records every applied rewrite in pt.
func WithTrace(pt *trace.PipelineTrace) Option { return func(c *config) { c.trace = pt } }

// WithRules replaces the rule list.
func WithRules(rules ...Rule) Option { return func(c *config) { c.rules = rules } }

// Optimize rewrites g to a fixpoint. Each pass applies the first rule (in
// priority order) matching at the first node (in topological order), then
// re-infers. More rewrites than the budget allows is an
// OptimizerDivergence; g itself is never modified.
func Optimize(g *graph.Graph, opts ...Option) (*graph.Graph, error) {
	c := &config{budgetFactor: DefaultBudgetFactor, foldLimit: DefaultFoldLimit, rules: Rules}
	for _, opt := range opts {
		opt(c)
	}
	budget := c.budgetFactor*g.NumNodes() + 8
	inputs := sourceFacts(g)

	cur := g
	for iteration := 1; ; iteration++ {
		next, rule, node, err := step(cur, c)
		if err != nil {
			return nil, err
		}
		if next == nil {
			logrus.Debugf("[optimize] fixpoint after %d rewrites: %d -> %d nodes", iteration-1, g.NumNodes(), cur.NumNodes())
			return cur, nil
		}
		if iteration > budget {
			return nil, graph.Errorf(graph.OptimizerDivergence, node, "rewrite budget of %d exhausted (last rule %s)", budget, rule)
		}
		logrus.Debugf("[optimize] #%d %s at %s", iteration, rule, node)
		c.trace.RecordRewrite(trace.RewriteRecord{Rule: rule, Node: node, Iteration: iteration})
		if cur, _, err = infer.Infer(next, inputs); err != nil {
			return nil, err
		}
	}
}

// step applies one rewrite. It returns a nil graph at fixpoint.
func step(g *graph.Graph, c *config) (*graph.Graph, string, string, error) {
	order := g.TopologicalOrder()
	for _, r := range c.rules {
		for _, n := range order {
			edits, ok, err := r.Match(g, n, c)
			if err != nil {
				return nil, "", "", err
			}
			if !ok {
				continue
			}
			next, err := rebuild(g, edits)
			if err != nil {
				return nil, "", "", graph.Wrap(err, graph.MalformedGraph, n.Name(), "applying %s", r.Name)
			}
			return next, r.Name, n.Name(), nil
		}
	}
	return nil, "", "", nil
}

// sourceFacts recovers the input facts an inferred graph was built from.
func sourceFacts(g *graph.Graph) map[string]graph.TensorFact {
	out := make(map[string]graph.TensorFact)
	for _, n := range g.Inputs() {
		if f, ok := n.Fact(0); ok {
			out[n.Name()] = f
		}
	}
	return out
}
