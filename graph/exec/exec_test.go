package exec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/graphprof/graph"
)

// node builds a one-node graph around op and returns the node.
func node(t *testing.T, op graph.OpKind, attrs graph.Attrs, nInputs int) *graph.Node {
	t.Helper()
	b := graph.NewBuilder("t")
	var ins []graph.Outlet
	for i := 0; i < nInputs; i++ {
		ins = append(ins, b.AddOp(fmt.Sprintf("in%d", i), graph.OpSource, nil))
	}
	out := b.AddOp("op", op, attrs, ins...)
	b.SetOutputs(out)
	g, err := b.Build()
	require.NoError(t, err)
	n, _ := g.NodeByName("op")
	return n
}

func f32(dims []int, data ...float64) *Tensor { return FromData(dtypes.Float32, dims, data) }

func evalOne(t *testing.T, op graph.OpKind, attrs graph.Attrs, inputs ...*Tensor) *Tensor {
	t.Helper()
	outs, err := Eval(node(t, op, attrs, len(inputs)), inputs, Session{})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	return outs[0]
}

func TestEval_BroadcastBinary(t *testing.T) {
	a := f32([]int{2, 3}, 1, 2, 3, 4, 5, 6)
	b := f32([]int{3}, 10, 20, 30)
	got := evalOne(t, graph.OpAdd, nil, a, b)
	assert.Equal(t, []int{2, 3}, got.Dims)
	assert.Equal(t, []float64{11, 22, 33, 14, 25, 36}, got.Data)

	col := f32([]int{2, 1}, 2, 3)
	got = evalOne(t, graph.OpMul, nil, a, col)
	assert.Equal(t, []float64{2, 4, 6, 12, 15, 18}, got.Data)
}

func TestEval_MatMulWithBatchBroadcast(t *testing.T) {
	// GIVEN a batch of two 1x2 rows and a single 2x2 matrix
	a := f32([]int{2, 1, 2}, 1, 2, 3, 4)
	w := f32([]int{2, 2}, 1, 0, 1, 1)

	got := evalOne(t, graph.OpMatMul, nil, a, w)

	// THEN each row is multiplied by the shared matrix
	assert.Equal(t, []int{2, 1, 2}, got.Dims)
	assert.Equal(t, []float64{3, 2, 7, 4}, got.Data)

	bias := f32([]int{2}, 0.5, -0.5)
	gemm := evalOne(t, graph.OpGemm, nil, a, w, bias)
	assert.Equal(t, []float64{3.5, 1.5, 7.5, 3.5}, gemm.Data)
}

func TestEval_Reductions(t *testing.T) {
	x := f32([]int{2, 3}, 1, 5, 3, -1, -2, 9)
	tests := []struct {
		op   graph.OpKind
		axis int64
		want []float64
	}{
		{graph.OpReduceSum, 1, []float64{9, 6}},
		{graph.OpReduceMean, 0, []float64{0, 1.5, 6}},
		{graph.OpReduceMax, -1, []float64{5, 9}},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got := evalOne(t, tt.op, graph.Attrs{"axis": tt.axis}, x)
			assert.Equal(t, tt.want, got.Data)
		})
	}
}

func TestEval_DataMovement(t *testing.T) {
	x := f32([]int{2, 3}, 1, 2, 3, 4, 5, 6)

	tr := evalOne(t, graph.OpTranspose, graph.Attrs{"perm": []int64{1, 0}}, x)
	assert.Equal(t, []int{3, 2}, tr.Dims)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, tr.Data)

	sl := evalOne(t, graph.OpSlice, graph.Attrs{"axis": int64(1), "start": int64(1), "end": int64(3)}, x)
	assert.Equal(t, []float64{2, 3, 5, 6}, sl.Data)

	cat := evalOne(t, graph.OpConcat, graph.Attrs{"axis": int64(1)}, x, sl)
	assert.Equal(t, []int{2, 5}, cat.Dims)
	assert.Equal(t, []float64{1, 2, 3, 2, 3, 4, 5, 6, 5, 6}, cat.Data)

	parts, err := Eval(node(t, graph.OpSplit, graph.Attrs{"axis": int64(1), "sizes": []int64{1, 2}}, 1), []*Tensor{x}, Session{})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []float64{1, 4}, parts[0].Data)
	assert.Equal(t, []float64{2, 3, 5, 6}, parts[1].Data)
}

func TestEval_WindowPadsThenUnfolds(t *testing.T) {
	// GIVEN 4 frames of 1 feature and a 3-frame window with one frame of lookahead
	x := f32([]int{4, 1}, 1, 2, 3, 4)
	attrs := graph.Attrs{"axis": int64(0), "size": int64(3), "pad_before": int64(1), "pad_after": int64(1)}

	got := evalOne(t, graph.OpWindow, attrs, x)

	// THEN the frame count is kept and each frame sees [t-1, t, t+1]
	assert.Equal(t, []int{4, 3, 1}, got.Dims)
	assert.Equal(t, []float64{0, 1, 2, 1, 2, 3, 2, 3, 4, 3, 4, 0}, got.Data)
}

func TestEval_DelayShiftsWithZeroFill(t *testing.T) {
	x := f32([]int{1, 4}, 1, 2, 3, 4)
	got := evalOne(t, graph.OpDelay, graph.Attrs{"axis": int64(1), "delay": int64(2)}, x)
	assert.Equal(t, []float64{0, 0, 1, 2}, got.Data)
}

func TestEval_StreamMask(t *testing.T) {
	n := node(t, graph.OpStreamMask, graph.Attrs{"axis": int64(0), "delay": int64(1), "dim": "S"}, 1)
	x := f32([]int{3}, 1, 2, 3)

	// Outside a pulsed run the mask is the identity.
	outs, err := Eval(n, []*Tensor{x}, Session{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, outs[0].Data)

	// Step 0: frame 0 is global frame -1.
	outs, err = Eval(n, []*Tensor{x}, Session{Streaming: true, Step: 0, Bindings: map[string]int64{"S": 4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 3}, outs[0].Data)

	// Step 1: frames are global 2,3,4 and 4 is past the end.
	outs, err = Eval(n, []*Tensor{x}, Session{Streaming: true, Step: 1, Bindings: map[string]int64{"S": 4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 0}, outs[0].Data)
}

func TestEval_RoundsToDType(t *testing.T) {
	tests := []struct {
		dt   dtypes.DType
		in   float64
		want float64
	}{
		{dtypes.Float64, 0.1, 0.1},
		{dtypes.Float32, 0.1, float64(float32(0.1))},
		{dtypes.Float16, 1.0 / 3, 0.333251953125},
		{dtypes.BFloat16, 1.0 / 3, float64(bfloat16.FromFloat32(float32(1.0 / 3)).Float32())},
		{dtypes.Int32, -2.7, -2},
		{dtypes.Bool, 0.2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			got := RoundTo(tt.dt, tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, RoundTo(tt.dt, got), "rounding is idempotent")
		})
	}
}

func TestEval_KernelPanicBecomesError(t *testing.T) {
	// GIVEN a MatMul whose contracted dims differ at runtime
	n := node(t, graph.OpMatMul, nil, 2)
	a := f32([]int{1, 3}, 1, 2, 3)
	w := f32([]int{2, 2}, 1, 2, 3, 4)

	// WHEN it is evaluated
	_, err := Eval(n, []*Tensor{a, w}, Session{})

	// THEN the failure is returned, not raised
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contracted dims differ")
	assert.Contains(t, err.Error(), `"op"`)
}

func TestEval_UnknownKindIsError(t *testing.T) {
	_, err := Eval(node(t, "GeluApprox", nil, 1), []*Tensor{f32([]int{1}, 1)}, Session{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no kernel")
}

func TestRun_WholeGraph(t *testing.T) {
	b := graph.NewBuilder("g")
	x := b.AddOp("x", graph.OpSource, nil)
	e := b.AddOp("e", graph.OpExp, nil, x)
	s := b.AddOp("s", graph.OpScale, graph.Attrs{"factor": 2.0}, e)
	b.SetOutputs(s)
	g, err := b.Build()
	require.NoError(t, err)

	outs, err := Outputs(context.Background(), g, map[string]*Tensor{"x": FromData(dtypes.Float64, []int{2}, []float64{0, 1})}, Session{})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.InDeltaSlice(t, []float64{2, 2 * math.E}, outs[0].Data, 1e-12)

	_, err = Run(context.Background(), g, nil, Session{})
	assert.ErrorContains(t, err, `no value for Source "x"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, g, map[string]*Tensor{"x": Zeros(dtypes.Float64, 2)}, Session{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInputRNG_DeterministicAndIsolated(t *testing.T) {
	// GIVEN two generators from the same seed
	r1 := NewInputRNG(42)
	r2 := NewInputRNG(42)
	fact := graph.ConcreteFact(dtypes.Float32, 2, 3)

	// WHEN one of them draws another input first
	_, err := r1.RandomInput("other", fact)
	require.NoError(t, err)
	a, err := r1.RandomInput("x", fact)
	require.NoError(t, err)
	b, err := r2.RandomInput("x", fact)
	require.NoError(t, err)

	// THEN the values drawn for x are identical
	assert.Equal(t, a.Data, b.Data)
	for _, v := range a.Data {
		assert.True(t, v >= -1 && v <= 1)
	}

	_, err = r1.RandomInput("s", graph.Fact(dtypes.Float32, graph.Sym("S")))
	assert.Error(t, err)
}

func TestInputRNG_ConcurrentDrawsMatchSerial(t *testing.T) {
	// GIVEN one generator shared by many goroutines
	rng := NewInputRNG(3)
	fact := graph.ConcreteFact(dtypes.Float32, 4, 4)
	const inputs = 32

	// WHEN every input is drawn concurrently
	got := make([]*Tensor, inputs)
	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := rng.RandomInput(fmt.Sprintf("x%d", i), fact)
			if err == nil {
				got[i] = v
			}
		}()
	}
	wg.Wait()

	// THEN each input has the values a serial draw produces
	for i := range inputs {
		want, err := NewInputRNG(3).RandomInput(fmt.Sprintf("x%d", i), fact)
		require.NoError(t, err)
		require.NotNil(t, got[i])
		assert.Equal(t, want.Data, got[i].Data)
	}
}
