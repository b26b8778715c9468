// Package infer propagates tensor facts (dtype and possibly symbolic
// shape) through a graph in one forward pass.
package infer

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/graphprof/graph"
)

// Guess records an input fact replaced because it contradicted the model.
type Guess struct {
	Input string
	Given graph.TensorFact
	Used  graph.TensorFact
}

// Result summarizes one inference pass.
type Result struct {
	Constraints []graph.Constraint
	Guessed     []Guess
	// Unresolved lists the nodes left without facts because an input had none.
	Unresolved []string
}

type options struct {
	allowRandomInput bool
}

// Option configures Infer.
type Option func(*options)

// WithAllowRandomInput turns a contradicting input fact into a guess
// instead of a ShapeMismatch.
func WithAllowRandomInput(allow bool) Option {
	return func(o *options) { o.allowRandomInput = allow }
}

// Infer returns a copy of g whose outlets carry the facts implied by the
// input facts. Facts and constraints already on g are discarded, so
// running Infer on its own output with the same inputs is a no-op.
func Infer(g *graph.Graph, inputs map[string]graph.TensorFact, opts ...Option) (*graph.Graph, *Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	b := graph.CopyOf(g)
	b.ClearFacts()
	res := &Result{}
	facts := make(map[graph.Outlet]graph.TensorFact, g.NumNodes())

	for _, n := range g.TopologicalOrder() {
		var outs []graph.TensorFact
		var err error
		u := NewUnifier(n.Name())
		if n.Op() == graph.OpSource {
			var f graph.TensorFact
			var ok bool
			f, ok, err = sourceFact(n, inputs, u, o, res)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				res.Unresolved = append(res.Unresolved, n.Name())
				continue
			}
			outs = one(f)
		} else {
			in := make([]graph.TensorFact, n.NumInputs())
			missing := false
			for i, ref := range n.Inputs() {
				f, ok := facts[ref]
				if !ok {
					missing = true
					break
				}
				in[i] = f
			}
			if missing {
				res.Unresolved = append(res.Unresolved, n.Name())
				continue
			}
			rule, ok := RuleFor(n.Op())
			if !ok {
				return nil, nil, graph.Errorf(graph.UnsupportedOperator, n.Name(), "no inference rule for %q", n.Op())
			}
			if outs, err = rule(n, in, u); err != nil {
				return nil, nil, err
			}
		}
		if len(outs) != n.NumOutputs() {
			return nil, nil, graph.Errorf(graph.MalformedGraph, n.Name(), "%d facts for %d output slots", len(outs), n.NumOutputs())
		}
		for i := range outs {
			facts[n.Outlet(i)] = outs[i]
			b.SetFact(n.Outlet(i), &outs[i])
		}
		for _, c := range u.Constraints() {
			logrus.Debugf("[infer] %s: assuming %s", n.Name(), c)
		}
		res.Constraints = append(res.Constraints, u.Constraints()...)
	}
	b.SetConstraints(res.Constraints)
	out, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return out, res, nil
}

// sourceFact combines the user fact of a Source with its declared fact.
func sourceFact(n *graph.Node, inputs map[string]graph.TensorFact, u *Unifier, o options, res *Result) (graph.TensorFact, bool, error) {
	declared, hasDeclared, err := n.DeclaredFact()
	if err != nil {
		return graph.TensorFact{}, false, graph.Wrap(err, graph.MalformedGraph, n.Name(), "declared fact")
	}
	given, hasGiven := inputs[n.Name()]
	switch {
	case !hasGiven && !hasDeclared:
		return graph.TensorFact{}, false, nil
	case !hasGiven:
		return declared, true, nil
	case !hasDeclared:
		return given.Clone(), true, nil
	}
	if given.Rank() != declared.Rank() {
		return graph.TensorFact{}, false, graph.Errorf(graph.IncompatibleRank, n.Name(),
			"input fact %s has rank %d, model declares %s", given, given.Rank(), declared)
	}
	merged, err := mergeFacts(given, declared, u)
	if err == nil {
		return merged, true, nil
	}
	if !o.allowRandomInput {
		return graph.TensorFact{}, false, err
	}
	guess := declared.Clone()
	for i, d := range declared.Shape {
		if !d.IsConcrete() {
			guess.Shape[i] = given.Shape[i]
		}
	}
	logrus.Warnf("[infer] input %s: %s does not match model fact %s, using %s", n.Name(), given, declared, guess)
	res.Guessed = append(res.Guessed, Guess{Input: n.Name(), Given: given, Used: guess})
	return guess, true, nil
}

func mergeFacts(given, declared graph.TensorFact, u *Unifier) (graph.TensorFact, error) {
	if err := u.DType(given.DType, declared.DType); err != nil {
		return graph.TensorFact{}, err
	}
	out := given.Clone()
	probe := NewUnifier(u.node)
	for i := range given.Shape {
		d, err := probe.Dim(given.Shape[i], declared.Shape[i])
		if err != nil {
			return graph.TensorFact{}, err
		}
		out.Shape[i] = d
	}
	for _, c := range probe.Constraints() {
		u.record(c.Left, c.Right)
	}
	return out, nil
}
