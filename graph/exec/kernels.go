package exec

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/inference-sim/graphprof/graph"
)

var unaryFns = map[graph.OpKind]func(float64) float64{
	graph.OpIdentity: func(x float64) float64 { return x },
	graph.OpNeg:      func(x float64) float64 { return -x },
	graph.OpAbs:      math.Abs,
	graph.OpRelu:     func(x float64) float64 { return math.Max(x, 0) },
	graph.OpSigmoid:  func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
	graph.OpTanh:     math.Tanh,
	graph.OpExp:      math.Exp,
}

var binaryFns = map[graph.OpKind]func(a, b float64) float64{
	graph.OpAdd: func(a, b float64) float64 { return a + b },
	graph.OpSub: func(a, b float64) float64 { return a - b },
	graph.OpMul: func(a, b float64) float64 { return a * b },
	graph.OpDiv: func(a, b float64) float64 { return a / b },
	graph.OpMax: math.Max,
	graph.OpMin: math.Min,
}

func unary(x *Tensor, fn func(float64) float64) *Tensor {
	out := Zeros(x.DType, x.Dims...)
	for i, v := range x.Data {
		out.Data[i] = fn(v)
	}
	return out
}

// broadcastDims returns the numpy broadcast of a and b.
func broadcastDims(a, b []int) []int {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da, db := 1, 1
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			exceptions.Panicf("cannot broadcast %v with %v", a, b)
		}
	}
	return out
}

// broadcastStrides returns strides of dims viewed as outDims (0 on broadcast axes).
func broadcastStrides(dims, outDims []int) []int {
	s := strides(dims)
	out := make([]int, len(outDims))
	offset := len(outDims) - len(dims)
	for i := range dims {
		if dims[i] != 1 {
			out[offset+i] = s[i]
		}
	}
	return out
}

func binary(a, b *Tensor, fn func(a, b float64) float64) *Tensor {
	dims := broadcastDims(a.Dims, b.Dims)
	out := Zeros(a.DType, dims...)
	sa, sb := broadcastStrides(a.Dims, dims), broadcastStrides(b.Dims, dims)
	idx := make([]int, len(dims))
	for i := range out.Data {
		ia, ib := 0, 0
		for k, v := range idx {
			ia += v * sa[k]
			ib += v * sb[k]
		}
		out.Data[i] = fn(a.Data[ia], b.Data[ib])
		increment(idx, dims)
	}
	return out
}

// increment advances a row-major multi-index.
func increment(idx, dims []int) {
	for k := len(idx) - 1; k >= 0; k-- {
		idx[k]++
		if idx[k] < dims[k] {
			return
		}
		idx[k] = 0
	}
}

func matMul(a, b *Tensor) *Tensor {
	if a.Rank() < 2 || b.Rank() < 2 {
		exceptions.Panicf("MatMul needs rank >= 2, got %v x %v", a.Dims, b.Dims)
	}
	m, k := a.Dims[a.Rank()-2], a.Dims[a.Rank()-1]
	k2, n := b.Dims[b.Rank()-2], b.Dims[b.Rank()-1]
	if k != k2 {
		exceptions.Panicf("MatMul contracted dims differ: %v x %v", a.Dims, b.Dims)
	}
	batch := broadcastDims(a.Dims[:a.Rank()-2], b.Dims[:b.Rank()-2])
	out := Zeros(a.DType, append(append([]int{}, batch...), m, n)...)
	sa := broadcastStrides(a.Dims[:a.Rank()-2], batch)
	sb := broadcastStrides(b.Dims[:b.Rank()-2], batch)
	idx := make([]int, len(batch))
	for bi := 0; bi < size(batch); bi++ {
		offA, offB := 0, 0
		for j, v := range idx {
			offA += v * sa[j]
			offB += v * sb[j]
		}
		offA *= m * k
		offB *= k * n
		offOut := bi * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var acc float64
				for p := 0; p < k; p++ {
					acc += a.Data[offA+i*k+p] * b.Data[offB+p*n+j]
				}
				out.Data[offOut+i*n+j] = acc
			}
		}
		increment(idx, batch)
	}
	return out
}

func normalizeAxis(axis int64, rank int) int {
	a := int(axis)
	if a < 0 {
		a += rank
	}
	if a < 0 || a >= rank {
		exceptions.Panicf("axis %d out of range for rank %d", axis, rank)
	}
	return a
}

func reduce(x *Tensor, axis int, op graph.OpKind) *Tensor {
	outer, mid, inner := splitAt(x.Dims, axis)
	dims := append(append([]int{}, x.Dims[:axis]...), x.Dims[axis+1:]...)
	out := Zeros(x.DType, dims...)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			acc := 0.0
			if op == graph.OpReduceMax {
				acc = math.Inf(-1)
			}
			for m := 0; m < mid; m++ {
				v := x.Data[(o*mid+m)*inner+i]
				if op == graph.OpReduceMax {
					acc = math.Max(acc, v)
				} else {
					acc += v
				}
			}
			if op == graph.OpReduceMean && mid > 0 {
				acc /= float64(mid)
			}
			out.Data[o*inner+i] = acc
		}
	}
	return out
}

func transpose(x *Tensor, perm []int64) *Tensor {
	if len(perm) != x.Rank() {
		exceptions.Panicf("perm %v does not match rank %d", perm, x.Rank())
	}
	dims := make([]int, len(perm))
	inStrides := strides(x.Dims)
	permStrides := make([]int, len(perm))
	for i, p := range perm {
		dims[i] = x.Dims[p]
		permStrides[i] = inStrides[p]
	}
	out := Zeros(x.DType, dims...)
	idx := make([]int, len(dims))
	for i := range out.Data {
		src := 0
		for k, v := range idx {
			src += v * permStrides[k]
		}
		out.Data[i] = x.Data[src]
		increment(idx, dims)
	}
	return out
}

func concat(xs []*Tensor, axis int) *Tensor {
	dims := append([]int{}, xs[0].Dims...)
	dims[axis] = 0
	for _, x := range xs {
		if x.Rank() != len(dims) {
			exceptions.Panicf("Concat rank mismatch: %v vs %v", xs[0].Dims, x.Dims)
		}
		dims[axis] += x.Dims[axis]
	}
	out := Zeros(xs[0].DType, dims...)
	outer, total, inner := splitAt(dims, axis)
	pos := 0
	for _, x := range xs {
		_, mid, _ := splitAt(x.Dims, axis)
		for o := 0; o < outer; o++ {
			copy(out.Data[(o*total+pos)*inner:(o*total+pos+mid)*inner], x.Data[o*mid*inner:(o+1)*mid*inner])
		}
		pos += mid
	}
	return out
}

// slice keeps [start, end) of axis.
func slice(x *Tensor, axis, start, end int) *Tensor {
	if start < 0 || end < start || end > x.Dims[axis] {
		exceptions.Panicf("slice [%d,%d) out of range for dim %d", start, end, x.Dims[axis])
	}
	dims := append([]int{}, x.Dims...)
	dims[axis] = end - start
	out := Zeros(x.DType, dims...)
	outer, mid, inner := splitAt(x.Dims, axis)
	n := end - start
	for o := 0; o < outer; o++ {
		copy(out.Data[o*n*inner:(o+1)*n*inner], x.Data[(o*mid+start)*inner:(o*mid+end)*inner])
	}
	return out
}

func split(x *Tensor, axis int, sizes []int64) []*Tensor {
	var total int64
	for _, s := range sizes {
		total += s
	}
	if int(total) != x.Dims[axis] {
		exceptions.Panicf("split sizes %v do not add up to %d", sizes, x.Dims[axis])
	}
	outs := make([]*Tensor, len(sizes))
	start := 0
	for i, s := range sizes {
		outs[i] = slice(x, axis, start, start+int(s))
		start += int(s)
	}
	return outs
}

// window unfolds axis into frames of size after zero padding it.
func window(x *Tensor, axis, size, before, after int) *Tensor {
	outer, mid, inner := splitAt(x.Dims, axis)
	frames := mid + before + after - size + 1
	if frames < 1 || size < 1 {
		exceptions.Panicf("window of size %d does not fit dim %d padded by %d+%d", size, mid, before, after)
	}
	dims := append(append([]int{}, x.Dims[:axis]...), frames, size)
	dims = append(dims, x.Dims[axis+1:]...)
	out := Zeros(x.DType, dims...)
	for o := 0; o < outer; o++ {
		for t := 0; t < frames; t++ {
			for k := 0; k < size; k++ {
				src := t + k - before
				if src < 0 || src >= mid {
					continue
				}
				dst := ((o*frames+t)*size + k) * inner
				copy(out.Data[dst:dst+inner], x.Data[(o*mid+src)*inner:(o*mid+src+1)*inner])
			}
		}
	}
	return out
}

// delay shifts axis right by d frames with zero fill.
func delay(x *Tensor, axis, d int) *Tensor {
	out := Zeros(x.DType, x.Dims...)
	outer, mid, inner := splitAt(x.Dims, axis)
	for o := 0; o < outer; o++ {
		for t := d; t < mid; t++ {
			copy(out.Data[(o*mid+t)*inner:(o*mid+t+1)*inner], x.Data[(o*mid+t-d)*inner:(o*mid+t-d+1)*inner])
		}
	}
	return out
}

// streamMask zeroes the frames of a chunk whose global index falls outside [0, length).
func streamMask(x *Tensor, axis int, first, length int64) *Tensor {
	out := x.Clone()
	outer, mid, inner := splitAt(x.Dims, axis)
	for o := 0; o < outer; o++ {
		for j := 0; j < mid; j++ {
			g := first + int64(j)
			if g >= 0 && g < length {
				continue
			}
			start := (o*mid + j) * inner
			for i := start; i < start+inner; i++ {
				out.Data[i] = 0
			}
		}
	}
	return out
}
