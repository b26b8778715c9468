package graph

import (
	"sort"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// OpKind tags the computation of a node. Loading accepts any non-empty
// kind; only the kinds below have inference, pulse and execution rules.
type OpKind string

const (
	OpSource     OpKind = "Source"
	OpState      OpKind = "State"
	OpConst      OpKind = "Const"
	OpIdentity   OpKind = "Identity"
	OpNeg        OpKind = "Neg"
	OpAbs        OpKind = "Abs"
	OpRelu       OpKind = "Relu"
	OpSigmoid    OpKind = "Sigmoid"
	OpTanh       OpKind = "Tanh"
	OpExp        OpKind = "Exp"
	OpScale      OpKind = "Scale"
	OpAdd        OpKind = "Add"
	OpSub        OpKind = "Sub"
	OpMul        OpKind = "Mul"
	OpDiv        OpKind = "Div"
	OpMax        OpKind = "Max"
	OpMin        OpKind = "Min"
	OpMatMul     OpKind = "MatMul"
	OpGemm       OpKind = "Gemm"
	OpReduceSum  OpKind = "ReduceSum"
	OpReduceMean OpKind = "ReduceMean"
	OpReduceMax  OpKind = "ReduceMax"
	OpTranspose  OpKind = "Transpose"
	OpConcat     OpKind = "Concat"
	OpSplit      OpKind = "Split"
	OpSlice      OpKind = "Slice"
	OpWindow     OpKind = "Window"
	OpDelay      OpKind = "Delay"
	OpStreamMask OpKind = "StreamMask"
)

// variadic marks kinds taking one or more inputs.
const variadic = -1

var arity = map[OpKind]int{
	OpSource: 0, OpState: 0, OpConst: 0,
	OpIdentity: 1, OpNeg: 1, OpAbs: 1, OpRelu: 1, OpSigmoid: 1, OpTanh: 1, OpExp: 1, OpScale: 1,
	OpAdd: 2, OpSub: 2, OpMul: 2, OpDiv: 2, OpMax: 2, OpMin: 2,
	OpMatMul: 2, OpGemm: 3,
	OpReduceSum: 1, OpReduceMean: 1, OpReduceMax: 1,
	OpTranspose: 1, OpConcat: variadic, OpSplit: 1, OpSlice: 1,
	OpWindow: 1, OpDelay: 1, OpStreamMask: 1,
}

// Known reports whether k belongs to the closed set of operator kinds.
func (k OpKind) Known() bool {
	_, ok := arity[k]
	return ok
}

// IsUnary reports whether k is a pointwise single-input kind.
func (k OpKind) IsUnary() bool {
	switch k {
	case OpIdentity, OpNeg, OpAbs, OpRelu, OpSigmoid, OpTanh, OpExp, OpScale:
		return true
	}
	return false
}

// IsBinary reports whether k is a broadcasting elementwise binary kind.
func (k OpKind) IsBinary() bool {
	switch k {
	case OpAdd, OpSub, OpMul, OpDiv, OpMax, OpMin:
		return true
	}
	return false
}

// IsReduce reports whether k reduces one axis.
func (k OpKind) IsReduce() bool {
	return k == OpReduceSum || k == OpReduceMean || k == OpReduceMax
}

// IsSource reports whether k produces a value without inputs.
func (k OpKind) IsSource() bool { return k == OpSource || k == OpState || k == OpConst }

// KnownKinds returns the closed set, sorted.
func KnownKinds() []OpKind {
	kinds := make([]OpKind, 0, len(arity))
	for k := range arity {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// checkArity validates the input count of a known kind.
func checkArity(k OpKind, n int) error {
	want, ok := arity[k]
	if !ok {
		return nil
	}
	if want == variadic {
		if n < 1 {
			return errors.Errorf("%s needs at least one input, got %d", k, n)
		}
		return nil
	}
	if n != want {
		return errors.Errorf("%s needs %d inputs, got %d", k, want, n)
	}
	return nil
}

// Literal is a constant tensor value carried as an attribute.
type Literal struct {
	DType dtypes.DType
	Dims  []int
	Data  []float64
}

// Size returns the number of elements implied by Dims.
func (l *Literal) Size() int {
	n := 1
	for _, d := range l.Dims {
		n *= d
	}
	return n
}

// Fact returns the concrete fact of the literal.
func (l *Literal) Fact() TensorFact { return ConcreteFact(l.DType, l.Dims...) }

// IsFilledWith reports whether every element equals v.
func (l *Literal) IsFilledWith(v float64) bool {
	for _, x := range l.Data {
		if x != v {
			return false
		}
	}
	return len(l.Data) > 0
}

// Attrs maps attribute names to literal values. Values are one of
// int64, []int64, float64, []float64, string or *Literal.
type Attrs map[string]any

func (a Attrs) clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		switch x := v.(type) {
		case []int64:
			out[k] = append([]int64{}, x...)
		case []float64:
			out[k] = append([]float64{}, x...)
		case *Literal:
			out[k] = &Literal{DType: x.DType, Dims: append([]int{}, x.Dims...), Data: append([]float64{}, x.Data...)}
		default:
			out[k] = v
		}
	}
	return out
}
