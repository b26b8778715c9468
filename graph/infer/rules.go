package infer

import (
	"github.com/inference-sim/graphprof/graph"
)

// Rule computes the output facts of a node from its input facts.
type Rule func(n *graph.Node, in []graph.TensorFact, u *Unifier) ([]graph.TensorFact, error)

var rules = map[graph.OpKind]Rule{
	graph.OpState:      stateRule,
	graph.OpConst:      constRule,
	graph.OpMatMul:     matMulRule,
	graph.OpGemm:       gemmRule,
	graph.OpTranspose:  transposeRule,
	graph.OpConcat:     concatRule,
	graph.OpSplit:      splitRule,
	graph.OpSlice:      sliceRule,
	graph.OpWindow:     windowRule,
	graph.OpDelay:      sameAxisRule,
	graph.OpStreamMask: sameAxisRule,
}

// RuleFor returns the inference rule of a kind.
func RuleFor(op graph.OpKind) (Rule, bool) {
	switch {
	case op.IsUnary():
		return unaryRule, true
	case op.IsBinary():
		return binaryRule, true
	case op.IsReduce():
		return reduceRule, true
	}
	r, ok := rules[op]
	return r, ok
}

func one(f graph.TensorFact) []graph.TensorFact { return []graph.TensorFact{f} }

func rankError(n *graph.Node, format string, args ...any) error {
	return graph.Errorf(graph.IncompatibleRank, n.Name(), format, args...)
}

// Axis normalizes a possibly negative axis attribute against rank.
func Axis(n *graph.Node, rank int) (int, error) {
	a := n.Int("axis", 0)
	if a < 0 {
		a += int64(rank)
	}
	if a < 0 || a >= int64(rank) {
		return 0, rankError(n, "axis %d out of range for rank %d", n.Int("axis", 0), rank)
	}
	return int(a), nil
}

func stateRule(n *graph.Node, _ []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	f, ok, err := n.DeclaredFact()
	if err != nil {
		return nil, graph.Wrap(err, graph.MalformedGraph, n.Name(), "declared fact")
	}
	if !ok {
		return nil, graph.Errorf(graph.MalformedGraph, n.Name(), "State without fact")
	}
	return one(f), nil
}

func constRule(n *graph.Node, _ []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	lit, ok := n.Literal("value")
	if !ok {
		return nil, graph.Errorf(graph.MalformedGraph, n.Name(), "Const without value")
	}
	return one(lit.Fact()), nil
}

func unaryRule(_ *graph.Node, in []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	return one(in[0].Clone()), nil
}

func binaryRule(_ *graph.Node, in []graph.TensorFact, u *Unifier) ([]graph.TensorFact, error) {
	if err := u.DType(in[0].DType, in[1].DType); err != nil {
		return nil, err
	}
	shape, err := u.BroadcastShapes(in[0].Shape, in[1].Shape)
	if err != nil {
		return nil, err
	}
	return one(graph.Fact(in[0].DType, shape...)), nil
}

func matMulRule(n *graph.Node, in []graph.TensorFact, u *Unifier) ([]graph.TensorFact, error) {
	a, b := in[0], in[1]
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, rankError(n, "MatMul needs rank >= 2 operands, got %d and %d", a.Rank(), b.Rank())
	}
	if err := u.DType(a.DType, b.DType); err != nil {
		return nil, err
	}
	ra, rb := a.Rank(), b.Rank()
	if _, err := u.Dim(a.Shape[ra-1], b.Shape[rb-2]); err != nil {
		return nil, err
	}
	batch, err := u.BroadcastShapes(a.Shape[:ra-2], b.Shape[:rb-2])
	if err != nil {
		return nil, err
	}
	shape := append(batch, a.Shape[ra-2], b.Shape[rb-1])
	return one(graph.Fact(a.DType, shape...)), nil
}

func gemmRule(n *graph.Node, in []graph.TensorFact, u *Unifier) ([]graph.TensorFact, error) {
	out, err := matMulRule(n, in[:2], u)
	if err != nil {
		return nil, err
	}
	mm, bias := out[0], in[2]
	if err := u.DType(mm.DType, bias.DType); err != nil {
		return nil, err
	}
	if bias.Rank() > mm.Rank() {
		return nil, rankError(n, "Gemm bias rank %d exceeds result rank %d", bias.Rank(), mm.Rank())
	}
	shape, err := u.BroadcastShapes(mm.Shape, bias.Shape)
	if err != nil {
		return nil, err
	}
	for i := range shape {
		if !shape[i].Equal(mm.Shape[i]) {
			return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "Gemm bias %s would grow result %s", bias.ShapeString(), mm.ShapeString())
		}
	}
	return out, nil
}

func reduceRule(n *graph.Node, in []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	axis, err := Axis(n, in[0].Rank())
	if err != nil {
		return nil, err
	}
	shape := append(append(graph.Shape{}, in[0].Shape[:axis]...), in[0].Shape[axis+1:]...)
	return one(graph.Fact(in[0].DType, shape...)), nil
}

func transposeRule(n *graph.Node, in []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	perm := n.Ints("perm")
	if len(perm) != in[0].Rank() {
		return nil, rankError(n, "perm %v does not match rank %d", perm, in[0].Rank())
	}
	seen := make([]bool, len(perm))
	shape := make(graph.Shape, len(perm))
	for i, p := range perm {
		if p < 0 || int(p) >= len(perm) || seen[p] {
			return nil, rankError(n, "perm %v is not a permutation", perm)
		}
		seen[p] = true
		shape[i] = in[0].Shape[p]
	}
	return one(graph.Fact(in[0].DType, shape...)), nil
}

func concatRule(n *graph.Node, in []graph.TensorFact, u *Unifier) ([]graph.TensorFact, error) {
	first := in[0]
	axis, err := Axis(n, first.Rank())
	if err != nil {
		return nil, err
	}
	shape := append(graph.Shape{}, first.Shape...)
	for _, f := range in[1:] {
		if f.Rank() != first.Rank() {
			return nil, rankError(n, "Concat operands have ranks %d and %d", first.Rank(), f.Rank())
		}
		if err := u.DType(first.DType, f.DType); err != nil {
			return nil, err
		}
		for i := range shape {
			if i == axis {
				shape[i] = shape[i].Add(f.Shape[i])
				continue
			}
			if shape[i], err = u.Dim(shape[i], f.Shape[i]); err != nil {
				return nil, err
			}
		}
	}
	return one(graph.Fact(first.DType, shape...)), nil
}

func splitRule(n *graph.Node, in []graph.TensorFact, u *Unifier) ([]graph.TensorFact, error) {
	axis, err := Axis(n, in[0].Rank())
	if err != nil {
		return nil, err
	}
	sizes := n.Ints("sizes")
	if len(sizes) != n.NumOutputs() {
		return nil, graph.Errorf(graph.MalformedGraph, n.Name(), "%d sizes for %d outputs", len(sizes), n.NumOutputs())
	}
	var total int64
	outs := make([]graph.TensorFact, len(sizes))
	for i, s := range sizes {
		if s < 0 {
			return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "negative split size %d", s)
		}
		total += s
		outs[i] = in[0].WithDim(axis, graph.Int(s))
	}
	if _, err := u.Dim(in[0].Shape[axis], graph.Int(total)); err != nil {
		return nil, err
	}
	return outs, nil
}

func sliceRule(n *graph.Node, in []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	axis, err := Axis(n, in[0].Rank())
	if err != nil {
		return nil, err
	}
	start, end := n.Int("start", 0), n.Int("end", -1)
	if start < 0 || end < start {
		return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "bad slice [%d,%d)", start, end)
	}
	if d, ok := in[0].Shape[axis].Value(); ok && end > d {
		return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "slice end %d exceeds dimension %d", end, d)
	}
	return one(in[0].WithDim(axis, graph.Int(end-start))), nil
}

// WindowFrames returns the frame count of a window over a dim of length d.
func WindowFrames(d graph.Dim, size, before, after int64) graph.Dim {
	return d.AddConst(before + after - size + 1)
}

func windowRule(n *graph.Node, in []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	axis, err := Axis(n, in[0].Rank())
	if err != nil {
		return nil, err
	}
	size, before, after := n.Int("size", 1), n.Int("pad_before", 0), n.Int("pad_after", 0)
	if size < 1 || before < 0 || after < 0 {
		return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "bad window size=%d pad=%d+%d", size, before, after)
	}
	frames := WindowFrames(in[0].Shape[axis], size, before, after)
	if v, ok := frames.Value(); ok && v < 1 {
		return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "window of %d does not fit dimension %s", size, in[0].Shape[axis])
	}
	shape := append(graph.Shape{}, in[0].Shape[:axis]...)
	shape = append(shape, frames, graph.Int(size))
	shape = append(shape, in[0].Shape[axis+1:]...)
	return one(graph.Fact(in[0].DType, shape...)), nil
}

func sameAxisRule(n *graph.Node, in []graph.TensorFact, _ *Unifier) ([]graph.TensorFact, error) {
	if _, err := Axis(n, in[0].Rank()); err != nil {
		return nil, err
	}
	if n.Int("delay", 0) < 0 {
		return nil, graph.Errorf(graph.ShapeMismatch, n.Name(), "negative delay %d", n.Int("delay", 0))
	}
	return one(in[0].Clone()), nil
}
