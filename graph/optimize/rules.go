package optimize

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/exec"
)

// Rule is one local rewrite. Match inspects node n of an inferred graph
// and returns the edits to apply, or ok=false.
type Rule struct {
	Name  string
	Match func(g *graph.Graph, n *graph.Node, c *config) (edits map[graph.NodeID]edit, ok bool, err error)
}

// Rules lists the rewrites in priority order.
var Rules = []Rule{
	{Name: "eliminate-identity", Match: eliminateIdentity},
	{Name: "fold-constants", Match: foldConstants},
	{Name: "eliminate-neutral", Match: eliminateNeutral},
	{Name: "fuse-scale", Match: fuseScale},
	{Name: "merge-scale", Match: mergeScale},
	{Name: "fuse-gemm", Match: fuseGemm},
	{Name: "collapse-idempotent", Match: collapseIdempotent},
	{Name: "prune-dead", Match: pruneDead},
}

func bypass(n *graph.Node, to graph.Outlet) map[graph.NodeID]edit {
	return map[graph.NodeID]edit{n.ID(): {drop: true, alias: []graph.Outlet{to}}}
}

func replaceWith(n *graph.Node, spec graph.NodeSpec) map[graph.NodeID]edit {
	spec.Name = n.Name()
	return map[graph.NodeID]edit{n.ID(): {replace: &spec}}
}

// constInput returns the literal produced by input i of n, if it is a Const.
func constInput(g *graph.Graph, n *graph.Node, i int) (*graph.Literal, bool) {
	p := g.Node(n.Input(i).Node)
	if p.Op() != graph.OpConst {
		return nil, false
	}
	return p.Literal("value")
}

// sameFact reports whether n's output fact equals the fact of outlet o,
// i.e. whether n can be bypassed in favor of o without changing shapes.
func sameFact(g *graph.Graph, n *graph.Node, o graph.Outlet) bool {
	a, ok1 := n.Fact(0)
	b, ok2 := g.Fact(o)
	return ok1 && ok2 && a.Equal(b)
}

func eliminateIdentity(_ *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() != graph.OpIdentity {
		return nil, false, nil
	}
	return bypass(n, n.Input(0)), true, nil
}

func foldConstants(g *graph.Graph, n *graph.Node, c *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op().IsSource() || n.NumInputs() == 0 || n.NumOutputs() != 1 || !n.Op().Known() {
		return nil, false, nil
	}
	inputs := make([]*exec.Tensor, n.NumInputs())
	for i := range inputs {
		lit, ok := constInput(g, n, i)
		if !ok {
			return nil, false, nil
		}
		inputs[i] = exec.FromLiteral(lit)
	}
	fact, ok := n.Fact(0)
	if !ok {
		return nil, false, nil
	}
	if size, ok := fact.Elements(); !ok || size > int64(c.foldLimit) {
		return nil, false, nil
	}
	outs, err := exec.Eval(n, inputs, exec.Session{})
	if err != nil {
		return nil, false, graph.Wrap(err, graph.ShapeMismatch, n.Name(), "folding constants")
	}
	return replaceWith(n, graph.NodeSpec{Op: graph.OpConst, Attrs: graph.Attrs{"value": outs[0].Literal()}}), true, nil
}

func eliminateNeutral(g *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() == graph.OpScale && n.Float("factor", 1) == 1 {
		return bypass(n, n.Input(0)), true, nil
	}
	if !n.Op().IsBinary() {
		return nil, false, nil
	}
	// Candidate (neutral input, other input) pairs per kind.
	var pairs [][2]int
	var neutral float64
	switch n.Op() {
	case graph.OpAdd:
		pairs, neutral = [][2]int{{1, 0}, {0, 1}}, 0
	case graph.OpSub:
		pairs, neutral = [][2]int{{1, 0}}, 0
	case graph.OpMul:
		pairs, neutral = [][2]int{{1, 0}, {0, 1}}, 1
	case graph.OpDiv:
		pairs, neutral = [][2]int{{1, 0}}, 1
	default:
		return nil, false, nil
	}
	for _, p := range pairs {
		lit, ok := constInput(g, n, p[0])
		if !ok || !lit.IsFilledWith(neutral) {
			continue
		}
		x := n.Input(p[1])
		if sameFact(g, n, x) {
			return bypass(n, x), true, nil
		}
	}
	return nil, false, nil
}

func fuseScale(g *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() != graph.OpMul {
		return nil, false, nil
	}
	for _, p := range [][2]int{{1, 0}, {0, 1}} {
		lit, ok := constInput(g, n, p[0])
		if !ok || lit.Size() != 1 {
			continue
		}
		x := n.Input(p[1])
		if g.Node(x.Node).Op() == graph.OpConst || !sameFact(g, n, x) {
			continue
		}
		return replaceWith(n, graph.NodeSpec{
			Op: graph.OpScale, Attrs: graph.Attrs{"factor": lit.Data[0]}, Inputs: []graph.Outlet{x},
		}), true, nil
	}
	return nil, false, nil
}

func mergeScale(g *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() != graph.OpScale {
		return nil, false, nil
	}
	inner := g.Node(n.Input(0).Node)
	if inner.Op() != graph.OpScale {
		return nil, false, nil
	}
	a, b := inner.Float("factor", 1), n.Float("factor", 1)
	if !exactProduct(n, a, b) {
		return nil, false, nil
	}
	return replaceWith(n, graph.NodeSpec{
		Op: graph.OpScale, Attrs: graph.Attrs{"factor": a * b}, Inputs: []graph.Outlet{inner.Input(0)},
	}), true, nil
}

// exactProduct reports whether scaling by a then b equals scaling by a*b
// once results are rounded to n's dtype. f16 and bf16 round after every
// kernel; integer dtypes truncate, so only integral factors merge there.
func exactProduct(n *graph.Node, a, b float64) bool {
	f, ok := n.Fact(0)
	if !ok {
		return false
	}
	switch {
	case f.DType == dtypes.Float32 || f.DType == dtypes.Float64:
		return true
	case f.DType.IsInt():
		return a == math.Trunc(a) && b == math.Trunc(b)
	}
	return false
}

func fuseGemm(g *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() != graph.OpAdd {
		return nil, false, nil
	}
	consumers := g.Consumers()
	for _, p := range [][2]int{{0, 1}, {1, 0}} {
		mmOut := n.Input(p[0])
		mm := g.Node(mmOut.Node)
		if mm.Op() != graph.OpMatMul || len(consumers[mmOut]) != 1 || isGraphOutput(g, mmOut) {
			continue
		}
		if _, ok := constInput(g, n, p[1]); !ok || !sameFact(g, n, mmOut) {
			continue
		}
		edits := replaceWith(n, graph.NodeSpec{
			Op: graph.OpGemm, Inputs: []graph.Outlet{mm.Input(0), mm.Input(1), n.Input(p[1])},
		})
		edits[mm.ID()] = edit{drop: true}
		return edits, true, nil
	}
	return nil, false, nil
}

func collapseIdempotent(g *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() != graph.OpRelu && n.Op() != graph.OpAbs {
		return nil, false, nil
	}
	if g.Node(n.Input(0).Node).Op() != n.Op() {
		return nil, false, nil
	}
	return bypass(n, n.Input(0)), true, nil
}

func pruneDead(g *graph.Graph, n *graph.Node, _ *config) (map[graph.NodeID]edit, bool, error) {
	if n.Op() == graph.OpSource {
		return nil, false, nil
	}
	consumers := g.Consumers()
	for i := 0; i < n.NumOutputs(); i++ {
		o := n.Outlet(i)
		if len(consumers[o]) > 0 || isGraphOutput(g, o) || isStateOutput(g, o) {
			return nil, false, nil
		}
	}
	for _, s := range g.States() {
		if s.Input == n.ID() {
			return nil, false, nil
		}
	}
	return map[graph.NodeID]edit{n.ID(): {drop: true}}, true, nil
}

func isGraphOutput(g *graph.Graph, o graph.Outlet) bool {
	for _, out := range g.Outputs() {
		if out == o {
			return true
		}
	}
	return false
}

func isStateOutput(g *graph.Graph, o graph.Outlet) bool {
	for _, s := range g.States() {
		if s.Output == o {
			return true
		}
	}
	return false
}
