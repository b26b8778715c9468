// Package exec is a small reference executor for graphs: one float64-backed
// kernel per operator kind. It is used for measured profiling, constant
// folding and to check that graph rewrites preserve results.
package exec

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/inference-sim/graphprof/graph"
)

// Tensor is a dense row-major tensor. Data holds values already rounded to DType.
type Tensor struct {
	DType dtypes.DType
	Dims  []int
	Data  []float64
}

// Zeros returns a zero-filled tensor.
func Zeros(dt dtypes.DType, dims ...int) *Tensor {
	return &Tensor{DType: dt, Dims: append([]int{}, dims...), Data: make([]float64, size(dims))}
}

// FromData wraps data, rounding it to dt. It panics if len(data) does not match dims.
func FromData(dt dtypes.DType, dims []int, data []float64) *Tensor {
	if len(data) != size(dims) {
		panic(fmt.Sprintf("exec.FromData: %d values for dims %v", len(data), dims))
	}
	t := &Tensor{DType: dt, Dims: append([]int{}, dims...), Data: append([]float64{}, data...)}
	t.round()
	return t
}

// FromLiteral converts a Const literal.
func FromLiteral(l *graph.Literal) *Tensor { return FromData(l.DType, l.Dims, l.Data) }

// Literal converts t back to a graph literal.
func (t *Tensor) Literal() *graph.Literal {
	return &graph.Literal{DType: t.DType, Dims: append([]int{}, t.Dims...), Data: append([]float64{}, t.Data...)}
}

// Random returns a tensor with values drawn from rng: uniform in [-1, 1)
// for floating point types, small integers otherwise.
func Random(rng *rand.Rand, dt dtypes.DType, dims ...int) *Tensor {
	t := Zeros(dt, dims...)
	for i := range t.Data {
		switch {
		case dt == dtypes.Bool:
			t.Data[i] = float64(rng.Intn(2))
		case dt.IsFloat():
			t.Data[i] = rng.Float64()*2 - 1
		default:
			t.Data[i] = float64(rng.Intn(16))
		}
	}
	t.round()
	return t
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Dims) }

// Fact returns the concrete fact describing t.
func (t *Tensor) Fact() graph.TensorFact { return graph.ConcreteFact(t.DType, t.Dims...) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{DType: t.DType, Dims: append([]int{}, t.Dims...), Data: append([]float64{}, t.Data...)}
}

func (t *Tensor) String() string { return fmt.Sprintf("Tensor(%s)", t.Fact()) }

// round applies the precision of t.DType to every element.
func (t *Tensor) round() {
	for i, v := range t.Data {
		t.Data[i] = RoundTo(t.DType, v)
	}
}

// RoundTo rounds v to the precision of dt.
func RoundTo(dt dtypes.DType, v float64) float64 {
	switch dt {
	case dtypes.Float64:
		return v
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Trunc(v)
}

func size(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// strides returns row-major strides of dims.
func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// splitAt views dims as [outer, dims[axis], inner].
func splitAt(dims []int, axis int) (outer, mid, inner int) {
	return size(dims[:axis]), dims[axis], size(dims[axis+1:])
}

// Concat joins tensors of equal dtype along axis. All other dims must match.
func Concat(xs []*Tensor, axis int) *Tensor { return concat(xs, axis) }
