// Package pulse rewrites a graph over a full-length streaming axis into a
// graph that processes one fixed-size chunk ("pulse") per call, carrying
// explicit state between calls.
package pulse

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/infer"
)

// Stream describes a streaming outlet: the axis carrying the stream, the
// number of frames the chunked output lags behind the input, and the
// full-length dimension expression.
type Stream struct {
	Axis  int
	Delay int64
	Dim   graph.Dim
}

func (s Stream) String() string {
	return fmt.Sprintf("axis=%d delay=%d len=%s", s.Axis, s.Delay, s.Dim)
}

// Pulsed is the result of Pulsify.
type Pulsed struct {
	Graph  *graph.Graph
	Symbol string
	Pulse  int64
	// Outputs holds one entry per graph output, nil when it does not stream.
	Outputs []*Stream
	// Streams maps output slot names of the pulsed graph to their stream.
	Streams map[string]Stream
	// Inputs maps streaming Source names to their stream.
	Inputs map[string]Stream
}

type pulsifier struct {
	src     *graph.Graph
	symbol  string
	pulse   int64
	b       *graph.Builder
	mapped  map[graph.Outlet]graph.Outlet
	streams map[graph.Outlet]Stream // keyed by source-graph outlets
	inputs  map[string]Stream
}

// Pulsify rewrites the inferred graph g so that the axis carrying symbol is
// processed pulse frames at a time.
func Pulsify(g *graph.Graph, symbol string, pulse int64) (*Pulsed, error) {
	if pulse < 1 {
		return nil, graph.Errorf(graph.ArgumentError, "", "pulse must be positive, got %d", pulse)
	}
	p := &pulsifier{
		src:     g,
		symbol:  symbol,
		pulse:   pulse,
		b:       graph.NewBuilder(g.Name()),
		mapped:  make(map[graph.Outlet]graph.Outlet, g.NumNodes()),
		streams: make(map[graph.Outlet]Stream),
		inputs:  make(map[string]Stream),
	}
	for _, n := range g.TopologicalOrder() {
		if err := p.node(n); err != nil {
			return nil, err
		}
	}
	if len(p.inputs) == 0 {
		return nil, graph.Errorf(graph.ArgumentError, "", "no input carries the streaming symbol %s", symbol)
	}
	outputs := g.Outputs()
	result := &Pulsed{Symbol: symbol, Pulse: pulse, Outputs: make([]*Stream, len(outputs)), Inputs: p.inputs}
	for i, o := range outputs {
		if s, ok := p.streams[o]; ok {
			result.Outputs[i] = &s
		}
		outputs[i] = p.mapped[o]
	}
	p.b.SetOutputs(outputs...)
	built, err := p.b.Build()
	if err != nil {
		return nil, err
	}
	pulsed, _, err := infer.Infer(built, nil)
	if err != nil {
		return nil, graph.Wrap(err, graph.NonPulsableOperator, graph.NodeOf(err), "pulsed graph does not infer")
	}
	for _, n := range pulsed.TopologicalOrder() {
		for i := 0; i < n.NumOutputs(); i++ {
			if f, ok := n.Fact(i); ok && len(f.Vars()) > 0 {
				for _, v := range f.Vars() {
					if v == symbol {
						return nil, graph.Errorf(graph.NonPulsableOperator, n.Name(), "%s remains in pulsed fact %s", symbol, f)
					}
				}
			}
		}
	}
	result.Graph = pulsed
	result.Streams = make(map[string]Stream, len(p.streams))
	for o, s := range p.streams {
		result.Streams[pulsed.OutletName(p.mapped[o])] = s
	}
	logrus.Debugf("[pulse] %s: %d -> %d nodes, %d states", g.Name(), g.NumNodes(), pulsed.NumNodes(), len(pulsed.States()))
	return result, nil
}

func (p *pulsifier) nonPulsable(n *graph.Node, format string, args ...any) error {
	return graph.Errorf(graph.NonPulsableOperator, n.Name(), format, args...)
}

// fact returns the inferred fact of a source-graph outlet.
func (p *pulsifier) fact(o graph.Outlet) (graph.TensorFact, error) {
	f, ok := p.src.Fact(o)
	if !ok {
		return graph.TensorFact{}, graph.Errorf(graph.NonPulsableOperator, p.src.Node(o.Node).Name(), "outlet has no fact; infer the graph first")
	}
	return f, nil
}

// chunkFact replaces the symbol by the pulse size.
func (p *pulsifier) chunkFact(f graph.TensorFact) graph.TensorFact {
	return f.Substitute(p.symbol, graph.Int(p.pulse))
}

// copyNode adds n with mapped inputs, keeping its name and slots.
func (p *pulsifier) copyNode(n *graph.Node, attrs graph.Attrs, inputs []graph.Outlet) {
	spec := graph.NodeSpec{Name: n.Name(), Op: n.Op(), Attrs: attrs, Inputs: inputs}
	for i := 0; i < n.NumOutputs(); i++ {
		spec.Outputs = append(spec.Outputs, graph.OutputSlot{Name: n.Output(i).Name})
	}
	id := p.b.AddNode(spec)
	for i := 0; i < n.NumOutputs(); i++ {
		p.mapped[n.Outlet(i)] = graph.Outlet{Node: id, Slot: i}
	}
}

func (p *pulsifier) mappedInputs(n *graph.Node) []graph.Outlet {
	out := make([]graph.Outlet, n.NumInputs())
	for i, in := range n.Inputs() {
		out[i] = p.mapped[in]
	}
	return out
}

func (p *pulsifier) node(n *graph.Node) error {
	if n.Op() == graph.OpSource {
		return p.source(n)
	}
	var streaming []int
	for i, in := range n.Inputs() {
		if _, ok := p.streams[in]; ok {
			streaming = append(streaming, i)
		}
	}
	if len(streaming) == 0 {
		p.copyNode(n, n.Attrs(), p.mappedInputs(n))
		return nil
	}
	op := n.Op()
	switch {
	case op.IsUnary():
		p.copyNode(n, n.Attrs(), p.mappedInputs(n))
		p.streams[n.Outlet(0)] = p.streams[n.Input(0)]
		return nil
	case op.IsBinary():
		return p.aligned(n, nil)
	case op.IsReduce():
		return p.reduce(n)
	}
	switch op {
	case graph.OpMatMul, graph.OpGemm:
		return p.matMul(n)
	case graph.OpTranspose:
		return p.transpose(n)
	case graph.OpConcat, graph.OpSplit, graph.OpSlice:
		return p.alongOtherAxis(n)
	case graph.OpWindow:
		return p.window(n)
	case graph.OpDelay:
		return p.delay(n)
	}
	return p.nonPulsable(n, "%s has no chunked equivalent", op)
}

func (p *pulsifier) source(n *graph.Node) error {
	f, err := p.fact(n.Outlet(0))
	if err != nil {
		return err
	}
	attrs := n.Attrs()
	axis := -1
	for i, d := range f.Shape {
		if !d.Has(p.symbol) {
			continue
		}
		if axis >= 0 || !d.Equal(graph.Sym(p.symbol)) {
			return p.nonPulsable(n, "input fact %s must carry %s alone on exactly one axis", f, p.symbol)
		}
		axis = i
	}
	if axis >= 0 {
		s := Stream{Axis: axis, Dim: graph.Sym(p.symbol)}
		p.streams[n.Outlet(0)] = s
		p.inputs[n.Name()] = s
		f = p.chunkFact(f)
	}
	attrs["fact"] = f.String()
	p.copyNode(n, attrs, nil)
	return nil
}

// delayLine delays the new-graph outlet x (whose source fact is f) by
// frames on axis.
func (p *pulsifier) delayLine(base string, x graph.Outlet, f graph.TensorFact, axis int, frames int64) graph.Outlet {
	buf := p.buffered(base, x, f, axis, frames)
	return p.b.AddOp(p.b.UniqueName(base+".delayed"), graph.OpSlice,
		graph.Attrs{"axis": int64(axis), "start": int64(0), "end": p.pulse}, buf)
}

// mask zeroes the frames of a chunk lying outside the stream.
func (p *pulsifier) mask(base string, x graph.Outlet, s Stream) graph.Outlet {
	return p.b.AddOp(p.b.UniqueName(base+".mask"), graph.OpStreamMask,
		graph.Attrs{"axis": int64(s.Axis), "delay": s.Delay, "dim": s.Dim.String()}, x)
}

// aligned handles broadcasting kinds. The inputs listed in indices (all
// of them when nil) must stream on the same right-aligned output axis;
// lagging ones go through a delay line. The others must be absent or of
// size 1 on that axis.
func (p *pulsifier) aligned(n *graph.Node, indices []int) error {
	if indices == nil {
		for i := 0; i < n.NumInputs(); i++ {
			indices = append(indices, i)
		}
	}
	outFact, err := p.fact(n.Outlet(0))
	if err != nil {
		return err
	}
	rank := outFact.Rank()
	pos := -1
	var maxDelay int64
	var dim graph.Dim
	for _, i := range indices {
		in := n.Input(i)
		f, err := p.fact(in)
		if err != nil {
			return err
		}
		offset := rank - f.Rank()
		s, ok := p.streams[in]
		if !ok {
			continue
		}
		if pos >= 0 && (s.Axis+offset != pos || !s.Dim.Equal(dim)) {
			return p.nonPulsable(n, "inputs stream on different axes or lengths")
		}
		pos, dim = s.Axis+offset, s.Dim
		maxDelay = max(maxDelay, s.Delay)
	}
	inputs := p.mappedInputs(n)
	for _, i := range indices {
		in := n.Input(i)
		f, _ := p.fact(in)
		offset := rank - f.Rank()
		s, ok := p.streams[in]
		if !ok {
			if j := pos - offset; j >= 0 && !f.Shape[j].IsOne() {
				return p.nonPulsable(n, "input %d does not stream but has dimension %s on the streaming axis", i, f.Shape[j])
			}
			continue
		}
		if s.Delay < maxDelay {
			inputs[i] = p.delayLine(n.Name()+fmt.Sprintf(".in%d", i), inputs[i], f, s.Axis, maxDelay-s.Delay)
		}
	}
	p.copyNode(n, n.Attrs(), inputs)
	p.streams[n.Outlet(0)] = Stream{Axis: pos, Delay: maxDelay, Dim: dim}
	return nil
}

func (p *pulsifier) matMul(n *graph.Node) error {
	if _, ok := p.streams[n.Input(1)]; ok {
		return p.nonPulsable(n, "the right-hand operand streams")
	}
	if s, ok := p.streams[n.Input(0)]; ok {
		lhs, err := p.fact(n.Input(0))
		if err != nil {
			return err
		}
		rhs, err := p.fact(n.Input(1))
		if err != nil {
			return err
		}
		if s.Axis == lhs.Rank()-1 {
			return p.nonPulsable(n, "streaming axis is contracted")
		}
		// A streaming batch axis must not meet a real rhs batch axis.
		if j := s.Axis + rhs.Rank() - lhs.Rank(); s.Axis < lhs.Rank()-2 && j >= 0 && !rhs.Shape[j].IsOne() {
			return p.nonPulsable(n, "rhs batch dimension %s meets the streaming axis", rhs.Shape[j])
		}
	}
	if n.Op() == graph.OpGemm {
		return p.aligned(n, []int{0, 2})
	}
	return p.aligned(n, []int{0})
}

func (p *pulsifier) reduce(n *graph.Node) error {
	s := p.streams[n.Input(0)]
	f, err := p.fact(n.Input(0))
	if err != nil {
		return err
	}
	axis, err := infer.Axis(n, f.Rank())
	if err != nil {
		return err
	}
	if axis == s.Axis {
		return p.nonPulsable(n, "%s over the streaming axis needs the full sequence", n.Op())
	}
	if axis < s.Axis {
		s.Axis--
	}
	p.copyNode(n, n.Attrs(), p.mappedInputs(n))
	p.streams[n.Outlet(0)] = s
	return nil
}

func (p *pulsifier) transpose(n *graph.Node) error {
	s := p.streams[n.Input(0)]
	for i, a := range n.Ints("perm") {
		if int(a) == s.Axis {
			s.Axis = i
			p.copyNode(n, n.Attrs(), p.mappedInputs(n))
			p.streams[n.Outlet(0)] = s
			return nil
		}
	}
	return p.nonPulsable(n, "perm %v drops the streaming axis", n.Ints("perm"))
}

// alongOtherAxis handles Concat, Split and Slice, which only pulse when
// they work on an axis other than the stream.
func (p *pulsifier) alongOtherAxis(n *graph.Node) error {
	f, err := p.fact(n.Input(0))
	if err != nil {
		return err
	}
	axis, err := infer.Axis(n, f.Rank())
	if err != nil {
		return err
	}
	var s Stream
	for i, in := range n.Inputs() {
		si, ok := p.streams[in]
		if !ok {
			return p.nonPulsable(n, "input %d does not stream", i)
		}
		if i > 0 && (si.Axis != s.Axis || !si.Dim.Equal(s.Dim)) {
			return p.nonPulsable(n, "inputs stream on different axes or lengths")
		}
		s = si
	}
	if axis == s.Axis {
		return p.nonPulsable(n, "%s along the streaming axis needs the full sequence", n.Op())
	}
	inputs := p.mappedInputs(n)
	if n.Op() == graph.OpConcat {
		var maxDelay int64
		for _, in := range n.Inputs() {
			maxDelay = max(maxDelay, p.streams[in].Delay)
		}
		for i, in := range n.Inputs() {
			if d := p.streams[in].Delay; d < maxDelay {
				fi, _ := p.fact(in)
				inputs[i] = p.delayLine(n.Name()+fmt.Sprintf(".in%d", i), inputs[i], fi, s.Axis, maxDelay-d)
			}
		}
		s.Delay = maxDelay
	}
	p.copyNode(n, n.Attrs(), inputs)
	for i := 0; i < n.NumOutputs(); i++ {
		p.streams[n.Outlet(i)] = s
	}
	return nil
}

func (p *pulsifier) window(n *graph.Node) error {
	s := p.streams[n.Input(0)]
	f, err := p.fact(n.Input(0))
	if err != nil {
		return err
	}
	axis, err := infer.Axis(n, f.Rank())
	if err != nil {
		return err
	}
	if axis != s.Axis {
		if axis < s.Axis {
			s.Axis++
		}
		p.copyNode(n, n.Attrs(), p.mappedInputs(n))
		p.streams[n.Outlet(0)] = s
		return nil
	}
	size, before, after := n.Int("size", 1), n.Int("pad_before", 0), n.Int("pad_after", 0)
	if before > size-1 {
		return p.nonPulsable(n, "pad_before %d exceeds window history %d", before, size-1)
	}
	x := p.mask(n.Name(), p.mapped[n.Input(0)], s)
	history := size - 1
	if history > 0 {
		x = p.buffered(n.Name(), x, f, axis, history)
	}
	p.copyNode(n, graph.Attrs{"axis": int64(axis), "size": size, "pad_before": int64(0), "pad_after": int64(0)}, []graph.Outlet{x})
	p.streams[n.Outlet(0)] = Stream{
		Axis:  axis,
		Delay: s.Delay + history - before,
		Dim:   infer.WindowFrames(s.Dim, size, before, after),
	}
	return nil
}

// buffered prepends the last frames values of x (fact f) along axis and
// returns the extended chunk of pulse+frames values.
func (p *pulsifier) buffered(base string, x graph.Outlet, f graph.TensorFact, axis int, frames int64) graph.Outlet {
	stateFact := p.chunkFact(f).WithDim(axis, graph.Int(frames))
	stateName := p.b.UniqueName(base + ".state")
	state := p.b.AddOp(stateName, graph.OpState, graph.Attrs{"fact": stateFact.String(), "id": stateName})
	buf := p.b.AddOp(p.b.UniqueName(base+".buffer"), graph.OpConcat, graph.Attrs{"axis": int64(axis)}, state, x)
	next := p.b.AddOp(p.b.UniqueName(base+".next"), graph.OpSlice,
		graph.Attrs{"axis": int64(axis), "start": p.pulse, "end": p.pulse + frames}, buf)
	p.b.AddState(graph.StateBinding{ID: stateName, Input: state.Node, Output: next, Fact: stateFact})
	return buf
}

func (p *pulsifier) delay(n *graph.Node) error {
	s := p.streams[n.Input(0)]
	f, err := p.fact(n.Input(0))
	if err != nil {
		return err
	}
	axis, err := infer.Axis(n, f.Rank())
	if err != nil {
		return err
	}
	d := n.Int("delay", 0)
	if axis != s.Axis || d == 0 {
		p.copyNode(n, n.Attrs(), p.mappedInputs(n))
		p.streams[n.Outlet(0)] = s
		return nil
	}
	x := p.mask(n.Name(), p.mapped[n.Input(0)], s)
	buf := p.buffered(n.Name(), x, f, axis, d)
	id := p.b.AddNode(graph.NodeSpec{
		Name:   n.Name(),
		Op:     graph.OpSlice,
		Attrs:  graph.Attrs{"axis": int64(axis), "start": int64(0), "end": p.pulse},
		Inputs: []graph.Outlet{buf},
	})
	p.mapped[n.Outlet(0)] = graph.Outlet{Node: id}
	p.streams[n.Outlet(0)] = s
	return nil
}
