package pulse

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/exec"
	"github.com/inference-sim/graphprof/graph/infer"
	"github.com/inference-sim/graphprof/graph/internal/testutil"
)

func inferred(t *testing.T, g *graph.Graph, inputs map[string]string) *graph.Graph {
	t.Helper()
	facts := map[string]graph.TensorFact{}
	for name, s := range inputs {
		f, err := graph.ParseFact(s)
		require.NoError(t, err)
		facts[name] = f
	}
	out, _, err := infer.Infer(g, facts)
	require.NoError(t, err)
	return out
}

func loadYAML(t *testing.T, src string) *graph.Graph {
	t.Helper()
	g, err := graph.Load([]byte(src))
	require.NoError(t, err)
	return inferred(t, g, nil)
}

// assertEquivalent runs g on full-length random inputs and the pulsed graph
// chunk by chunk, and compares the outputs.
func assertEquivalent(t *testing.T, g *graph.Graph, pulse, length int64) RunStats {
	t.Helper()
	p, err := Pulsify(g, "S", pulse)
	require.NoError(t, err)

	rng := exec.NewInputRNG(11)
	inputs := map[string]*exec.Tensor{}
	for _, n := range g.Inputs() {
		f, _ := n.Fact(0)
		v, err := rng.RandomInput(n.Name(), f.Bind(map[string]int64{"S": length}))
		require.NoError(t, err)
		inputs[n.Name()] = v
	}
	want, err := exec.Outputs(context.Background(), g, inputs, exec.Session{})
	require.NoError(t, err)

	got, stats, err := Run(context.Background(), p, inputs, length)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Dims, got[i].Dims, "output %d dims", i)
		testutil.AssertTensorsClose(t, fmt.Sprintf("output %d", i), want[i].Data, got[i].Data, 1e-5)
	}
	return stats
}

func TestPulsify_AddChunksInputWithoutState(t *testing.T) {
	// GIVEN add.yaml with x: 1,S,256,f32
	g := inferred(t, testutil.LoadModel(t, "add.yaml"), nil)

	// WHEN pulsified on S with pulse 1
	p, err := Pulsify(g, "S", 1)
	require.NoError(t, err)

	// THEN the input is one frame and no state is introduced
	x, ok := p.Graph.NodeByName("x")
	require.True(t, ok)
	f, _ := x.Fact(0)
	assert.Equal(t, "1,1,256,f32", f.String())
	assert.Empty(t, p.Graph.States())
	require.Len(t, p.Outputs, 1)
	require.NotNil(t, p.Outputs[0])
	assert.Equal(t, 1, p.Outputs[0].Axis)
	assert.Equal(t, int64(0), p.Outputs[0].Delay)
	assert.Equal(t, Stream{Axis: 1, Dim: graph.Sym("S")}, p.Inputs["x"])
	assert.True(t, p.Graph.IsResolved())
}

func TestPulsify_MultiframeIntroducesStateAndDelay(t *testing.T) {
	g := inferred(t, testutil.LoadModel(t, "multiframe.yaml"), nil)

	p, err := Pulsify(g, "S", 4)
	require.NoError(t, err)

	// Window history, Delay buffer and the alignment delay line
	assert.Len(t, p.Graph.States(), 3)
	require.NotNil(t, p.Outputs[0])
	assert.Equal(t, int64(1), p.Outputs[0].Delay)
	assert.True(t, p.Outputs[0].Dim.Equal(graph.Sym("S")))
	for _, n := range p.Graph.Nodes() {
		for i := 0; i < n.NumOutputs(); i++ {
			f, ok := n.Fact(i)
			require.True(t, ok, n.Name())
			assert.True(t, f.IsConcrete(), "%s: %s", n.Name(), f)
		}
	}
	frames, _ := p.Graph.NodeByName("frames")
	f, _ := frames.Fact(0)
	assert.Equal(t, "1,4,3,4,f32", f.String())
}

func TestRun_MatchesFullSequence(t *testing.T) {
	tests := []struct {
		model  string
		inputs map[string]string
	}{
		{model: "add.yaml"},
		{model: "multiframe.yaml"},
		{model: "split.yaml"},
		{model: "matmul.yaml", inputs: map[string]string{"a": "S,4,f32"}},
	}
	for _, tt := range tests {
		g := inferred(t, testutil.LoadModel(t, tt.model), tt.inputs)
		for _, pulse := range []int64{1, 2, 3, 5, 10, 16} {
			t.Run(fmt.Sprintf("%s/pulse=%d", tt.model, pulse), func(t *testing.T) {
				assertEquivalent(t, g, pulse, 10)
			})
		}
	}
}

func TestRun_StepsAndPadding(t *testing.T) {
	g := inferred(t, testutil.LoadModel(t, "multiframe.yaml"), nil)

	// delay 1 + 10 frames = 11 frames to flush
	stats := assertEquivalent(t, g, 4, 10)
	assert.Equal(t, 3, stats.Steps)
	assert.Equal(t, int64(2), stats.PaddedFrames)

	stats = assertEquivalent(t, g, 1, 10)
	assert.Equal(t, 11, stats.Steps)
	assert.Equal(t, int64(1), stats.PaddedFrames)
}

func TestRun_RejectsWrongInputLength(t *testing.T) {
	g := inferred(t, testutil.LoadModel(t, "add.yaml"), nil)
	p, err := Pulsify(g, "S", 2)
	require.NoError(t, err)

	inputs := map[string]*exec.Tensor{"x": exec.Zeros(dtypes.Float32, 1, 5, 256)}
	_, _, err = Run(context.Background(), p, inputs, 7)
	assert.ErrorContains(t, err, "has 5 frames")

	_, _, err = Run(context.Background(), p, map[string]*exec.Tensor{}, 7)
	assert.ErrorContains(t, err, `no value for streaming input "x"`)
}

func TestPulsify_NonPulsable(t *testing.T) {
	tests := []struct {
		name string
		g    func(t *testing.T) *graph.Graph
		node string
	}{
		{
			name: "reduction over the stream",
			g:    func(t *testing.T) *graph.Graph { return inferred(t, testutil.LoadModel(t, "reduce_stream.yaml"), nil) },
			node: "total",
		},
		{
			name: "symbol on two axes",
			g: func(t *testing.T) *graph.Graph {
				return loadYAML(t, `
nodes:
- {name: x, op: Source, attrs: {fact: "S,S,f32"}}
- {name: y, op: Neg, inputs: [x]}
outputs: [y]
`)
			},
			node: "x",
		},
		{
			name: "streaming right-hand operand",
			g: func(t *testing.T) *graph.Graph {
				return loadYAML(t, `
nodes:
- {name: a, op: Source, attrs: {fact: "2,S,f32"}}
- {name: b, op: Source, attrs: {fact: "S,3,f32"}}
- {name: mm, op: MatMul, inputs: [a, b]}
outputs: [mm]
`)
			},
			node: "mm",
		},
		{
			name: "concat along the stream",
			g: func(t *testing.T) *graph.Graph {
				return loadYAML(t, `
nodes:
- {name: x, op: Source, attrs: {fact: "S,2,f32"}}
- {name: c, op: Concat, inputs: [x, x], attrs: {axis: 0}}
outputs: [c]
`)
			},
			node: "c",
		},
		{
			name: "window looking further back than its history",
			g: func(t *testing.T) *graph.Graph {
				return loadYAML(t, `
nodes:
- {name: x, op: Source, attrs: {fact: "S,2,f32"}}
- {name: w, op: Window, inputs: [x], attrs: {axis: 0, size: 2, pad_before: 2}}
outputs: [w]
`)
			},
			node: "w",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Pulsify(tt.g(t), "S", 2)
			require.Error(t, err)
			assert.ErrorIs(t, err, &graph.Error{Kind: graph.NonPulsableOperator})
			assert.Equal(t, tt.node, graph.NodeOf(err))
		})
	}
}

func TestPulsify_UnknownOperatorIsNonPulsable(t *testing.T) {
	// GIVEN a streaming input feeding an operator with no inference rule,
	// with the input fact set by hand since inference stops at it
	g, err := graph.Load([]byte(`
nodes:
- {name: x, op: Source, attrs: {fact: "S,3,f32"}}
- {name: fancy, op: GeluApprox, inputs: [x]}
outputs: [fancy]
`))
	require.NoError(t, err)
	b := graph.CopyOf(g)
	f, err := graph.ParseFact("S,3,f32")
	require.NoError(t, err)
	x, _ := g.NodeByName("x")
	b.SetFact(x.Outlet(0), &f)
	g, err = b.Build()
	require.NoError(t, err)

	// WHEN pulsified
	_, err = Pulsify(g, "S", 1)

	// THEN the unknown node is named
	require.Error(t, err)
	assert.ErrorIs(t, err, &graph.Error{Kind: graph.NonPulsableOperator})
	assert.Equal(t, "fancy", graph.NodeOf(err))
}

func TestPulsify_ArgumentErrors(t *testing.T) {
	g := inferred(t, testutil.LoadModel(t, "add.yaml"), nil)

	_, err := Pulsify(g, "S", 0)
	assert.ErrorIs(t, err, &graph.Error{Kind: graph.ArgumentError})

	_, err = Pulsify(g, "T", 2)
	assert.ErrorIs(t, err, &graph.Error{Kind: graph.ArgumentError})
}
