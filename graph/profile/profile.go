// Package profile produces one cost record per node of a graph: an
// analytic roofline estimate, a measured duration on the reference
// executor, or both.
package profile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/exec"
)

// Status tells how a record was obtained.
type Status int

const (
	// Estimated records carry only the analytic cost.
	Estimated Status = iota
	// Profiled records carry a measured duration.
	Profiled
	// Unprofiled records could not be concretized; Reason says why.
	Unprofiled
)

func (s Status) String() string {
	switch s {
	case Estimated:
		return "estimated"
	case Profiled:
		return "profiled"
	case Unprofiled:
		return "unprofiled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// CostRecord is the cost of one node.
type CostRecord struct {
	Node   string
	Op     graph.OpKind
	Shape  string // output facts, bound
	Status Status

	Duration  time.Duration // median measured time
	Estimated time.Duration // roofline estimate
	FLOPs     float64
	Bytes     int64
	Bound     string

	Reason  string
	Padding string
}

// Options configures Profile.
type Options struct {
	// Measure runs every node on the reference executor.
	Measure bool
	// Analytic fills the roofline estimate from Hardware.
	Analytic bool
	Hardware HardwareCalib

	// Partial reports nodes that cannot be concretized as Unprofiled
	// instead of failing with UnresolvedSymbol.
	Partial bool
	// Bindings give values to symbols left in the facts.
	Bindings map[string]int64

	// Inputs holds Source values; missing ones are drawn from RNG.
	Inputs map[string]*exec.Tensor
	RNG    *exec.InputRNG

	// Repeat is the number of timed runs per node (default 1).
	Repeat int
	// Workers bounds the nodes measured concurrently (default 1).
	Workers int
	// Progress is called after each node with the number of nodes done.
	Progress func(done, total int)
	// Padding documents the chunking policy of a pulsed graph.
	Padding string
}

type profiler struct {
	g    *graph.Graph
	opts Options

	mu     sync.Mutex
	values map[graph.Outlet]*exec.Tensor
	done   int
}

// Profile returns one record per node of g in topological order.
// Cancelling ctx aborts the run and no records are returned.
func Profile(ctx context.Context, g *graph.Graph, opts Options) ([]CostRecord, error) {
	if opts.Analytic {
		if err := opts.Hardware.Validate(); err != nil {
			return nil, graph.Wrap(err, graph.ArgumentError, "", "hardware calibration")
		}
	}
	if opts.Repeat < 1 {
		opts.Repeat = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RNG == nil {
		opts.RNG = exec.NewInputRNG(0)
	}
	p := &profiler{g: g, opts: opts, values: make(map[graph.Outlet]*exec.Tensor)}

	order := g.TopologicalOrder()
	records := make([]CostRecord, len(order))
	finished := make(map[graph.NodeID]chan struct{}, len(order))
	for _, n := range order {
		finished[n.ID()] = make(chan struct{})
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Workers)
	for i, n := range order {
		// Nodes start in topological order, so the earliest running node
		// always has its producers finished.
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, in := range n.Inputs() {
				select {
				case <-finished[in.Node]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			rec, err := p.node(ctx, n)
			if err != nil {
				return err
			}
			records[i] = rec
			p.progress(len(order))
			close(finished[n.ID()])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	logrus.Debugf("[profile] %d nodes, %d workers, repeat %d", len(order), opts.Workers, opts.Repeat)
	return records, nil
}

func (p *profiler) progress(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if p.opts.Progress != nil {
		p.opts.Progress(p.done, total)
	}
}

func (p *profiler) value(o graph.Outlet) (*exec.Tensor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[o]
	return v, ok
}

func (p *profiler) store(n *graph.Node, outs []*exec.Tensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range outs {
		p.values[n.Outlet(i)] = t
	}
}

// unprofiled returns the record of a node that cannot be concretized, or
// the UnresolvedSymbol error when partial results are not allowed.
func (p *profiler) unprofiled(rec CostRecord, n *graph.Node, format string, args ...any) (CostRecord, error) {
	reason := fmt.Sprintf(format, args...)
	if !p.opts.Partial {
		return CostRecord{}, graph.Errorf(graph.UnresolvedSymbol, n.Name(), "%s (use --set or --partial)", reason)
	}
	rec.Status = Unprofiled
	rec.Reason = reason
	return rec, nil
}

func (p *profiler) concrete(facts []graph.TensorFact) (string, bool) {
	var shapes []string
	concrete := true
	for _, f := range facts {
		f = f.Bind(p.opts.Bindings)
		shapes = append(shapes, f.String())
		concrete = concrete && f.IsConcrete()
	}
	return strings.Join(shapes, " "), concrete
}

func (p *profiler) node(ctx context.Context, n *graph.Node) (CostRecord, error) {
	rec := CostRecord{Node: n.Name(), Op: n.Op(), Padding: p.opts.Padding}

	out := make([]graph.TensorFact, n.NumOutputs())
	for i := range out {
		f, ok := n.Fact(i)
		if !ok {
			rec.Shape = "<unresolved>"
			return p.unprofiled(rec, n, "output %s has no fact", n.Output(i).Name)
		}
		out[i] = f.Bind(p.opts.Bindings)
	}
	in := make([]graph.TensorFact, n.NumInputs())
	for i, o := range n.Inputs() {
		f, ok := p.g.Fact(o)
		if !ok {
			return p.unprofiled(rec, n, "input %s has no fact", p.g.OutletName(o))
		}
		in[i] = f.Bind(p.opts.Bindings)
	}
	shape, ok := p.concrete(out)
	rec.Shape = shape
	if !ok {
		return p.unprofiled(rec, n, "unbound symbols in %s", shape)
	}
	if _, ok := p.concrete(in); !ok {
		return p.unprofiled(rec, n, "unbound symbols in inputs")
	}

	rec.FLOPs = opFLOPs(n, in, out)
	rec.Bytes = opBytes(n, in, out)
	rec.Status = Estimated
	if p.opts.Analytic {
		rec.Estimated, rec.Bound = rooflineTime(rec.FLOPs, rec.Bytes, p.opts.Hardware)
	}
	if !p.opts.Measure {
		return rec, nil
	}

	args := make([]*exec.Tensor, n.NumInputs())
	for i, o := range n.Inputs() {
		v, ok := p.value(o)
		if !ok {
			return p.unprofiled(rec, n, "input %s was not computed", p.g.OutletName(o))
		}
		args[i] = v
	}
	outs, elapsed, err := p.measure(ctx, n, args, out)
	if err != nil {
		return CostRecord{}, err
	}
	p.store(n, outs)
	rec.Status = Profiled
	rec.Duration = elapsed
	return rec, nil
}

// measure runs n Repeat times and returns its outputs and median duration.
func (p *profiler) measure(ctx context.Context, n *graph.Node, args []*exec.Tensor, out []graph.TensorFact) ([]*exec.Tensor, time.Duration, error) {
	switch n.Op() {
	case graph.OpSource:
		if v, ok := p.opts.Inputs[n.Name()]; ok {
			return []*exec.Tensor{v}, 0, nil
		}
		v, err := p.opts.RNG.RandomInput(n.Name(), out[0])
		return []*exec.Tensor{v}, 0, err
	case graph.OpState:
		dims, _ := out[0].Dims()
		return []*exec.Tensor{exec.Zeros(out[0].DType, dims...)}, 0, nil
	}
	samples := make([]float64, p.opts.Repeat)
	var outs []*exec.Tensor
	for r := range samples {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		start := time.Now()
		res, err := exec.Eval(n, args, exec.Session{Bindings: p.opts.Bindings})
		samples[r] = float64(time.Since(start))
		if err != nil {
			return nil, 0, graph.Wrap(err, graph.UnsupportedOperator, n.Name(), "executing")
		}
		outs = res
	}
	sort.Float64s(samples)
	return outs, time.Duration(stat.Quantile(0.5, stat.Empirical, samples, nil)), nil
}
