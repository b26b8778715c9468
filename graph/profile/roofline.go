package profile

import (
	"math"
	"time"

	"github.com/inference-sim/graphprof/graph"
)

// Bound names the roofline limit of an operator.
const (
	BoundCompute = "compute"
	BoundMemory  = "memory"
)

// opFLOPs counts the floating point operations of n given concrete input
// and output facts. Data movement kinds cost no FLOPs.
func opFLOPs(n *graph.Node, in, out []graph.TensorFact) float64 {
	elements := func(f graph.TensorFact) float64 {
		e, _ := f.Elements()
		return float64(e)
	}
	op := n.Op()
	switch {
	case op == graph.OpIdentity:
		return 0
	case op.IsUnary(), op.IsBinary():
		return elements(out[0])
	case op.IsReduce():
		return elements(in[0])
	}
	switch op {
	case graph.OpMatMul, graph.OpGemm:
		// 2*M*K*N per batch element; the output already counts batch*M*N.
		k := float64(0)
		if d, ok := in[0].Shape[in[0].Rank()-1].Value(); ok {
			k = float64(d)
		}
		flops := 2 * elements(out[0]) * k
		if op == graph.OpGemm {
			flops += elements(out[0])
		}
		return flops
	}
	return 0
}

// opBytes is the memory traffic of n: every input read once, every output
// written once. Sources, States and Consts move nothing by themselves.
func opBytes(n *graph.Node, in, out []graph.TensorFact) int64 {
	if n.Op().IsSource() {
		return 0
	}
	var total int64
	for _, f := range append(append([]graph.TensorFact{}, in...), out...) {
		b, _ := f.Bytes()
		total += b
	}
	return total
}

// rooflineTime estimates the duration of an operator:
//
//	time = max(flops / (peakFlops * mfu), bytes / (peakBW * efficiency)) + overhead
//
// Precondition: hw.Validate() returns nil.
func rooflineTime(flops float64, bytes int64, hw HardwareCalib) (time.Duration, string) {
	peakFlops := hw.TFlopsPeak * 1e12
	if hw.MFU != 0 {
		peakFlops *= hw.MFU
	}
	peakBW := hw.BwPeakTBs * 1e12
	if hw.BwEfficiency != 0 {
		peakBW *= hw.BwEfficiency
	}
	var computeS, memoryS float64
	if peakFlops > 0 {
		computeS = flops / peakFlops
	}
	if peakBW > 0 {
		memoryS = float64(bytes) / peakBW
	}
	bound := BoundMemory
	if computeS > memoryS {
		bound = BoundCompute
	}
	seconds := math.Max(computeS, memoryS) + hw.PerOpOverheadUs*1e-6
	return time.Duration(math.Round(seconds * 1e9)), bound
}
