package pulse

import (
	"context"

	"github.com/pkg/errors"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/exec"
)

// RunStats summarizes a chunked run.
type RunStats struct {
	Steps int
	// PaddedFrames counts the zero frames appended to complete the last chunk.
	PaddedFrames int64
}

// Steps returns the number of chunks needed to flush every streaming
// output of p for a stream of the given length.
func (p *Pulsed) Steps(length int64) (int, error) {
	bindings := map[string]int64{p.Symbol: length}
	frames := length
	for _, s := range p.Outputs {
		if s == nil {
			continue
		}
		n, ok := s.Dim.Eval(bindings)
		if !ok {
			return 0, graph.Errorf(graph.UnresolvedSymbol, "", "output length %s is unbound", s.Dim)
		}
		frames = max(frames, s.Delay+n)
	}
	return int((frames + p.Pulse - 1) / p.Pulse), nil
}

// Run feeds full-length inputs to the pulsed graph one chunk at a time and
// reassembles full-length outputs, dropping each output's delay.
// Non-streaming inputs are passed unchanged at every step.
func Run(ctx context.Context, p *Pulsed, inputs map[string]*exec.Tensor, length int64) ([]*exec.Tensor, RunStats, error) {
	steps, err := p.Steps(length)
	if err != nil {
		return nil, RunStats{}, err
	}
	stats := RunStats{Steps: steps, PaddedFrames: int64(steps)*p.Pulse - length}
	for name, s := range p.Inputs {
		t, ok := inputs[name]
		if !ok {
			return nil, stats, errors.Errorf("no value for streaming input %q", name)
		}
		if int64(t.Dims[s.Axis]) != length {
			return nil, stats, errors.Errorf("input %q has %d frames on axis %d, want %d", name, t.Dims[s.Axis], s.Axis, length)
		}
	}

	state := make(map[string]*exec.Tensor)
	for _, b := range p.Graph.States() {
		dims, ok := b.Fact.Dims()
		if !ok {
			return nil, stats, graph.Errorf(graph.UnresolvedSymbol, b.ID, "state fact %s is not concrete", b.Fact)
		}
		state[p.Graph.Node(b.Input).Name()] = exec.Zeros(b.Fact.DType, dims...)
	}

	session := exec.Session{Streaming: true, Bindings: map[string]int64{p.Symbol: length}}
	chunks := make([][]*exec.Tensor, len(p.Outputs))
	for step := 0; step < steps; step++ {
		feed := make(map[string]*exec.Tensor, len(inputs)+len(state))
		for name, t := range inputs {
			if s, ok := p.Inputs[name]; ok {
				feed[name] = chunkOf(t, s.Axis, int64(step)*p.Pulse, p.Pulse)
			} else {
				feed[name] = t
			}
		}
		for name, t := range state {
			feed[name] = t
		}
		session.Step = step
		values, err := exec.Run(ctx, p.Graph, feed, session)
		if err != nil {
			return nil, stats, errors.Wrapf(err, "step %d", step)
		}
		for i, o := range p.Graph.Outputs() {
			chunks[i] = append(chunks[i], values[o])
		}
		for _, b := range p.Graph.States() {
			state[p.Graph.Node(b.Input).Name()] = values[b.Output]
		}
	}

	outs := make([]*exec.Tensor, len(p.Outputs))
	for i, s := range p.Outputs {
		if s == nil {
			outs[i] = chunks[i][0]
			continue
		}
		n, _ := s.Dim.Eval(session.Bindings)
		outs[i] = chunkOf(exec.Concat(chunks[i], s.Axis), s.Axis, s.Delay, n)
	}
	return outs, stats, nil
}

// chunkOf returns frames [start, start+n) of t along axis, zero-filled
// past the end.
func chunkOf(t *exec.Tensor, axis int, start, n int64) *exec.Tensor {
	dims := append([]int{}, t.Dims...)
	dims[axis] = int(n)
	out := exec.Zeros(t.DType, dims...)
	outer, inner := 1, 1
	for _, d := range t.Dims[:axis] {
		outer *= d
	}
	for _, d := range t.Dims[axis+1:] {
		inner *= d
	}
	mid := t.Dims[axis]
	for o := 0; o < outer; o++ {
		for j := int64(0); j < n; j++ {
			src := start + j
			if src < 0 || src >= int64(mid) {
				continue
			}
			copy(out.Data[(o*int(n)+int(j))*inner:(o*int(n)+int(j)+1)*inner],
				t.Data[(o*mid+int(src))*inner:(o*mid+int(src)+1)*inner])
		}
	}
	return out
}
