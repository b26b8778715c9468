package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) *Graph {
	t.Helper()
	g, err := LoadFile(filepath.Join("..", "testdata", "models", name))
	require.NoError(t, err)
	return g
}

func nodeNames(nodes []*Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name()
	}
	return names
}

func TestLoad_Fixtures(t *testing.T) {
	entries, err := os.ReadDir(filepath.Join("..", "testdata", "models"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		t.Run(e.Name(), func(t *testing.T) {
			g := loadFixture(t, e.Name())
			assert.True(t, g.Validate())
			assert.NotEmpty(t, g.Outputs())
		})
	}
}

func TestLoad_AttributesAndSlots(t *testing.T) {
	g := loadFixture(t, "split.yaml")

	parts, ok := g.NodeByName("parts")
	require.True(t, ok)
	assert.Equal(t, OpSplit, parts.Op())
	assert.Equal(t, 2, parts.NumOutputs())
	assert.Equal(t, "high", parts.Output(1).Name)
	assert.Equal(t, []int64{2, 4}, parts.Ints("sizes"))
	assert.Equal(t, int64(2), parts.Int("axis", 0))

	high, ok := g.ResolveOutlet("high")
	require.True(t, ok)
	assert.Equal(t, Outlet{Node: parts.ID(), Slot: 1}, high)

	x, ok := g.NodeByName("x")
	require.True(t, ok)
	fact, declared, err := x.DeclaredFact()
	require.NoError(t, err)
	require.True(t, declared)
	assert.Equal(t, "2,S,6,f32", fact.String())
	require.Len(t, g.Inputs(), 1)
	assert.Equal(t, "x", g.Inputs()[0].Name())
}

func TestLoad_ConstLiteral(t *testing.T) {
	g := loadFixture(t, "matmul.yaml")
	w, ok := g.NodeByName("w")
	require.True(t, ok)
	lit, ok := w.Literal("value")
	require.True(t, ok)
	assert.Equal(t, dtypes.Float32, lit.DType)
	assert.Equal(t, []int{4, 2}, lit.Dims)
	assert.Equal(t, 0.5, lit.Data[6])
	assert.True(t, lit.Fact().Equal(ConcreteFact(dtypes.Float32, 4, 2)))
}

func TestLoad_InlineAttributeKinds(t *testing.T) {
	// GIVEN a node carrying one attribute of every supported kind
	doc := `
nodes:
  - name: x
    op: Source
    attrs:
      fact: "1,S,256,f32"
  - name: y
    op: Scale
    inputs: [x]
    attrs:
      factor: 0.5
      axis: 2
      perm: [2, 0, 1]
      weights: [0.25, 1]
      note: hello
      value: {dtype: f16, shape: [2, 2], fill: 1.5}
outputs: [y]
`
	// WHEN loaded
	g, err := Load([]byte(doc))
	require.NoError(t, err)

	// THEN each attribute decodes to its Go type
	x, _ := g.NodeByName("x")
	assert.Equal(t, "1,S,256,f32", x.Str("fact", ""))
	y, _ := g.NodeByName("y")
	assert.Equal(t, 0.5, y.Float("factor", 0))
	assert.Equal(t, int64(2), y.Int("axis", 0))
	assert.Equal(t, []int64{2, 0, 1}, y.Ints("perm"))
	assert.Equal(t, "hello", y.Str("note", ""))
	weights, ok := y.Attr("weights")
	require.True(t, ok)
	assert.Equal(t, []float64{0.25, 1}, weights)
	lit, ok := y.Literal("value")
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 1.5, 1.5, 1.5}, lit.Data)

	// AND they survive a marshal round trip
	data, err := Marshal(g)
	require.NoError(t, err)
	again, err := Load(data)
	require.NoError(t, err)
	y2, _ := again.NodeByName("y")
	assert.Equal(t, y.Attrs(), y2.Attrs())
}

func TestLoad_UnknownKindLoads(t *testing.T) {
	// GIVEN a model using an operator kind outside the closed set
	g := loadFixture(t, "custom_op.yaml")

	// THEN loading succeeds and the kind is preserved
	n, ok := g.NodeByName("fancy")
	require.True(t, ok)
	assert.False(t, n.Op().Known())
}

func TestLoad_MalformedGraph(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "dangling node reference",
			yaml: "nodes:\n- {name: x, op: Source}\n- {name: y, op: Neg, inputs: [nope]}\noutputs: [y]\n",
			want: "dangling reference",
		},
		{
			name: "dangling slot",
			yaml: "nodes:\n- {name: x, op: Source}\n- {name: y, op: Neg, inputs: [\"x:3\"]}\noutputs: [y]\n",
			want: "slot 3",
		},
		{
			name: "cycle",
			yaml: "nodes:\n- {name: a, op: Neg, inputs: [b]}\n- {name: b, op: Neg, inputs: [a]}\noutputs: [a]\n",
			want: "cycle",
		},
		{
			name: "duplicate node",
			yaml: "nodes:\n- {name: x, op: Source}\n- {name: x, op: Source}\noutputs: [x]\n",
			want: "duplicate node name",
		},
		{
			name: "duplicate slot",
			yaml: "nodes:\n- {name: x, op: Source, outputs: [v]}\n- {name: y, op: Source, outputs: [v]}\noutputs: [v]\n",
			want: "duplicate output slot",
		},
		{
			name: "wrong arity",
			yaml: "nodes:\n- {name: x, op: Source}\n- {name: y, op: Add, inputs: [x]}\noutputs: [y]\n",
			want: "needs 2 inputs",
		},
		{
			name: "bad literal",
			yaml: "nodes:\n- {name: c, op: Const, attrs: {value: {dtype: f32, shape: [2], data: [1]}}}\noutputs: [c]\n",
			want: "needs 2 values",
		},
		{
			name: "overflowing literal shape",
			yaml: "nodes:\n- {name: c, op: Const, attrs: {value: {dtype: f32, shape: [4611686018427387904, 3], fill: 1.0}}}\noutputs: [c]\n",
			want: "exceeds",
		},
		{
			name: "oversized literal",
			yaml: "nodes:\n- {name: c, op: Const, attrs: {value: {dtype: f32, shape: [65536, 65536], fill: 0}}}\noutputs: [c]\n",
			want: "exceeds",
		},
		{
			name: "bad declared fact",
			yaml: "nodes:\n- {name: x, op: Source, attrs: {fact: \"1,S,f99\"}}\noutputs: [x]\n",
			want: "unknown dtype",
		},
		{
			name: "state without fact",
			yaml: "nodes:\n- {name: s, op: State}\noutputs: [s]\n",
			want: "State requires a fact",
		},
		{
			name: "unsupported version",
			yaml: "version: 2.1.0\nnodes:\n- {name: x, op: Source}\noutputs: [x]\n",
			want: "unsupported format version",
		},
		{
			name: "unknown key",
			yaml: "nodes:\n- {name: x, op: Source, color: red}\noutputs: [x]\n",
			want: "color",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, &Error{Kind: MalformedGraph})
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile_MissingIsArgumentError(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &Error{Kind: ArgumentError})
}

func TestTopologicalOrder_DeclarationOrderBreaksTies(t *testing.T) {
	// GIVEN nodes declared out of dependency order
	src := `
nodes:
- {name: late, op: Neg, inputs: [b]}
- {name: a, op: Source}
- {name: b, op: Relu, inputs: [a]}
- {name: c, op: Source}
- {name: sum, op: Add, inputs: [late, c]}
outputs: [sum]
`
	g, err := Load([]byte(src))
	require.NoError(t, err)

	// THEN producers precede consumers and ties follow declaration order
	assert.Equal(t, []string{"a", "b", "late", "c", "sum"}, nodeNames(g.TopologicalOrder()))
	assert.Equal(t, []string{"a", "c"}, nodeNames(g.Inputs()))
}

func TestMarshal_RoundTripIsStructurallyIdentical(t *testing.T) {
	for _, name := range []string{"mlp.yaml", "split.yaml", "multiframe.yaml", "custom_op.yaml"} {
		t.Run(name, func(t *testing.T) {
			g := loadFixture(t, name)

			data, err := Marshal(g)
			require.NoError(t, err)
			back, err := Load(data)
			require.NoError(t, err)

			assertSameGraph(t, g, back)

			// Marshal is a fixpoint after one round.
			again, err := Marshal(back)
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again))
		})
	}
}

func TestMarshal_KeepsFactsStatesAndConstraints(t *testing.T) {
	// GIVEN a graph with resolved facts, a state binding and a constraint
	b := NewBuilder("stateful")
	x := b.AddOp("x", OpSource, Attrs{"fact": "1,S,f32"})
	st := b.AddOp("st", OpState, Attrs{"fact": "1,2,f32", "id": "st"})
	cat := b.AddOp("cat", OpConcat, Attrs{"axis": int64(1)}, st, x)
	next := b.AddOp("next", OpSlice, Attrs{"axis": int64(1), "start": int64(1), "end": int64(3)}, cat)
	scaled := b.AddOp("scaled", OpScale, Attrs{"factor": 2.0}, cat)
	fact := Fact(dtypes.Float32, Int(1), Sym("S").AddConst(2))
	b.SetFact(cat, &fact)
	b.SetOutputs(scaled)
	b.AddState(StateBinding{ID: "st", Input: st.Node, Output: next, Fact: ConcreteFact(dtypes.Float32, 1, 2)})
	b.AddConstraint(Constraint{Node: "cat", Left: Sym("S"), Right: Int(4)})
	g, err := b.Build()
	require.NoError(t, err)

	// WHEN it goes through the YAML format
	data, err := Marshal(g)
	require.NoError(t, err)
	back, err := Load(data)
	require.NoError(t, err)

	// THEN everything is preserved, including the float attribute type
	assertSameGraph(t, g, back)
	require.Len(t, back.States(), 1)
	assert.Equal(t, "st", back.States()[0].ID)
	assert.Equal(t, "next", back.OutletName(back.States()[0].Output))
	require.Len(t, back.Constraints(), 1)
	assert.Equal(t, "S == 4 (at cat)", back.Constraints()[0].String())
	n, _ := back.NodeByName("scaled")
	v, _ := n.Attr("factor")
	assert.IsType(t, float64(0), v)
	assert.True(t, strings.Contains(string(data), "S+2"))
}

func assertSameGraph(t *testing.T, want, got *Graph) {
	t.Helper()
	require.Equal(t, nodeNames(want.TopologicalOrder()), nodeNames(got.TopologicalOrder()))
	for _, wn := range want.Nodes() {
		gn, ok := got.NodeByName(wn.Name())
		require.True(t, ok, wn.Name())
		assert.Equal(t, wn.Op(), gn.Op(), wn.Name())
		assert.Equal(t, wn.Attrs(), gn.Attrs(), wn.Name())
		require.Equal(t, wn.NumOutputs(), gn.NumOutputs(), wn.Name())
		for i := 0; i < wn.NumOutputs(); i++ {
			wf, wok := wn.Fact(i)
			gf, gok := gn.Fact(i)
			assert.Equal(t, wok, gok, wn.Name())
			assert.True(t, wf.Equal(gf), "%s: %s vs %s", wn.Name(), wf, gf)
		}
		require.Equal(t, wn.NumInputs(), gn.NumInputs())
		for i, in := range wn.Inputs() {
			assert.Equal(t, want.OutletName(in), got.OutletName(gn.Input(i)))
		}
	}
	wantOut := want.Outputs()
	gotOut := got.Outputs()
	require.Equal(t, len(wantOut), len(gotOut))
	for i := range wantOut {
		assert.Equal(t, want.OutletName(wantOut[i]), got.OutletName(gotOut[i]))
	}
}
