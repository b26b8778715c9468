package exec

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/inference-sim/graphprof/graph"
)

// Session carries the per-run context kernels need. Streaming is set by
// the pulse runner: StreamMask is the identity otherwise.
type Session struct {
	Streaming bool
	// Step is the index of the current chunk.
	Step int
	// Bindings gives the full stream length for each streaming symbol.
	Bindings map[string]int64
}

// Eval runs the kernel of n on inputs. Kernel failures are returned as
// errors, never panics.
func Eval(n *graph.Node, inputs []*Tensor, s Session) (outs []*Tensor, err error) {
	if len(inputs) != n.NumInputs() {
		return nil, errors.Errorf("node %q: %d inputs given, want %d", n.Name(), len(inputs), n.NumInputs())
	}
	err = exceptions.TryCatch[error](func() { outs = eval(n, inputs, s) })
	if err != nil {
		return nil, errors.Wrapf(err, "evaluating %s node %q", n.Op(), n.Name())
	}
	for _, t := range outs {
		t.round()
	}
	return outs, nil
}

func eval(n *graph.Node, in []*Tensor, s Session) []*Tensor {
	op := n.Op()
	if fn, ok := unaryFns[op]; ok {
		return []*Tensor{unary(in[0], fn)}
	}
	if fn, ok := binaryFns[op]; ok {
		if in[0].DType != in[1].DType {
			exceptions.Panicf("dtype mismatch %s vs %s", in[0].DType, in[1].DType)
		}
		return []*Tensor{binary(in[0], in[1], fn)}
	}
	switch op {
	case graph.OpConst:
		lit, ok := n.Literal("value")
		if !ok {
			exceptions.Panicf("Const without value")
		}
		return []*Tensor{FromLiteral(lit)}
	case graph.OpScale:
		f := n.Float("factor", 1)
		return []*Tensor{unary(in[0], func(x float64) float64 { return x * f })}
	case graph.OpMatMul:
		return []*Tensor{matMul(in[0], in[1])}
	case graph.OpGemm:
		return []*Tensor{binary(matMul(in[0], in[1]), in[2], binaryFns[graph.OpAdd])}
	case graph.OpReduceSum, graph.OpReduceMean, graph.OpReduceMax:
		return []*Tensor{reduce(in[0], normalizeAxis(n.Int("axis", 0), in[0].Rank()), op)}
	case graph.OpTranspose:
		return []*Tensor{transpose(in[0], n.Ints("perm"))}
	case graph.OpConcat:
		return []*Tensor{concat(in, normalizeAxis(n.Int("axis", 0), in[0].Rank()))}
	case graph.OpSplit:
		return split(in[0], normalizeAxis(n.Int("axis", 0), in[0].Rank()), n.Ints("sizes"))
	case graph.OpSlice:
		axis := normalizeAxis(n.Int("axis", 0), in[0].Rank())
		return []*Tensor{slice(in[0], axis, int(n.Int("start", 0)), int(n.Int("end", int64(in[0].Dims[axis]))))}
	case graph.OpWindow:
		axis := normalizeAxis(n.Int("axis", 0), in[0].Rank())
		return []*Tensor{window(in[0], axis, int(n.Int("size", 1)), int(n.Int("pad_before", 0)), int(n.Int("pad_after", 0)))}
	case graph.OpDelay:
		axis := normalizeAxis(n.Int("axis", 0), in[0].Rank())
		return []*Tensor{delay(in[0], axis, int(n.Int("delay", 0)))}
	case graph.OpStreamMask:
		if !s.Streaming {
			return []*Tensor{in[0].Clone()}
		}
		axis := normalizeAxis(n.Int("axis", 0), in[0].Rank())
		length, err := graph.ParseDim(n.Str("dim", ""))
		if err != nil {
			panic(errors.Wrap(err, "StreamMask dim"))
		}
		total, ok := length.Eval(s.Bindings)
		if !ok {
			exceptions.Panicf("StreamMask: stream length %s is unbound", length)
		}
		chunk := int64(in[0].Dims[axis])
		first := int64(s.Step)*chunk - n.Int("delay", 0)
		return []*Tensor{streamMask(in[0], axis, first, total)}
	case graph.OpSource, graph.OpState:
		exceptions.Panicf("%s nodes take their value from the run inputs", op)
	}
	exceptions.Panicf("no kernel for operator kind %q", op)
	return nil
}

// Run evaluates every node of g in topological order. inputs holds the
// values of Source and State nodes by node name. The returned map holds
// every computed outlet.
func Run(ctx context.Context, g *graph.Graph, inputs map[string]*Tensor, s Session) (map[graph.Outlet]*Tensor, error) {
	values := make(map[graph.Outlet]*Tensor, g.NumNodes())
	for _, n := range g.TopologicalOrder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.Op() == graph.OpSource || n.Op() == graph.OpState {
			v, ok := inputs[n.Name()]
			if !ok {
				return nil, errors.Errorf("no value for %s %q", n.Op(), n.Name())
			}
			values[n.Outlet(0)] = v
			continue
		}
		args := make([]*Tensor, n.NumInputs())
		for i, in := range n.Inputs() {
			args[i] = values[in]
		}
		outs, err := Eval(n, args, s)
		if err != nil {
			return nil, err
		}
		for i, t := range outs {
			values[n.Outlet(i)] = t
		}
	}
	return values, nil
}

// Outputs runs g and returns the graph output values in order.
func Outputs(ctx context.Context, g *graph.Graph, inputs map[string]*Tensor, s Session) ([]*Tensor, error) {
	values, err := Run(ctx, g, inputs, s)
	if err != nil {
		return nil, err
	}
	outs := make([]*Tensor, 0, len(g.Outputs()))
	for _, o := range g.Outputs() {
		outs = append(outs, values[o])
	}
	return outs, nil
}
