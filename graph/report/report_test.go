package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/graphprof/graph"
	"github.com/inference-sim/graphprof/graph/infer"
	"github.com/inference-sim/graphprof/graph/internal/testutil"
	"github.com/inference-sim/graphprof/graph/profile"
	"github.com/inference-sim/graphprof/graph/pulse"
	"github.com/inference-sim/graphprof/graph/trace"
)

func inferred(t *testing.T, model string, inputs map[string]string) *graph.Graph {
	t.Helper()
	facts := map[string]graph.TensorFact{}
	for name, s := range inputs {
		f, err := graph.ParseFact(s)
		require.NoError(t, err)
		facts[name] = f
	}
	g, _, err := infer.Infer(testutil.LoadModel(t, model), facts)
	require.NoError(t, err)
	return g
}

func TestWrite_CostColumns(t *testing.T) {
	// GIVEN an analytic profile of matmul.yaml
	g := inferred(t, "matmul.yaml", map[string]string{"a": "3,4,f32"})
	hw := profile.HardwareCalib{TFlopsPeak: 1e-9, BwPeakTBs: 1e-9, PerOpOverheadUs: 10}
	records, err := profile.Profile(context.Background(), g, profile.Options{Analytic: true, Hardware: hw})
	require.NoError(t, err)

	// WHEN written
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Report{Graph: g, Records: records, Analytic: true}, Options{}))

	// THEN each node has one line with its fact and costs
	out := buf.String()
	assert.Contains(t, out, "=== Graph matmul (4 nodes) ===")
	assert.Contains(t, out, "MatMul")
	assert.Contains(t, out, "3,2,f32")
	assert.Contains(t, out, "est=104.01ms (memory)")
	assert.Contains(t, out, "compute=48 FLOP")
	assert.Contains(t, out, "memory=104 B")
	assert.NotContains(t, out, "time=")
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestWrite_UnresolvedAndUnprofiled(t *testing.T) {
	// GIVEN matmul.yaml without an input fact
	g := inferred(t, "matmul.yaml", nil)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Report{Graph: g}, Options{}))
	assert.Contains(t, buf.String(), "<unresolved>")

	// AND a partial profile of the same graph
	records, err := profile.Profile(context.Background(), g, profile.Options{Measure: true, Partial: true})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, Write(&buf, &Report{Graph: g, Records: records, Measured: true}, Options{}))
	assert.Contains(t, buf.String(), "UNPROFILED (output a has no fact)")
}

func TestWrite_FooterSections(t *testing.T) {
	g := inferred(t, "add.yaml", nil)
	p, err := pulse.Pulsify(g, "S", 1)
	require.NoError(t, err)
	given, _ := graph.ParseFact("1,3,f32")
	used, _ := graph.ParseFact("1,3,256,f32")

	r := &Report{
		Graph:       p.Graph,
		Pulsed:      p,
		Constraints: []graph.Constraint{{Node: "cat", Left: graph.Sym("S"), Right: graph.Int(4)}},
		Guessed:     []infer.Guess{{Input: "x", Given: given, Used: used}},
		Warnings:    []string{"--pulse ignored"},
		Trace: &trace.TraceSummary{
			TotalStages: 2, TotalDuration: time.Millisecond, TotalRewrites: 3,
			RewritesByRule: map[string]int{"prune-dead": 1, "fuse-gemm": 2},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, Options{Color: true}))
	out := buf.String()

	assert.Contains(t, out, "=== Pulse S=1 ===")
	assert.Contains(t, out, "output y: axis=1 delay=0 len=S")
	assert.Contains(t, out, "padding: final chunk zero-padded")
	assert.Contains(t, out, "S == 4 (at cat)")
	assert.Contains(t, out, "x: given 1,3,f32, using 1,3,256,f32")
	assert.Contains(t, out, "warning: --pulse ignored")
	assert.Contains(t, out, "Rewrites     : 3")
	// rules sorted by name
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("fuse-gemm")), bytes.Index(buf.Bytes(), []byte("prune-dead")))
}

func TestSummary(t *testing.T) {
	g := inferred(t, "mlp.yaml", nil)
	records, err := profile.Profile(context.Background(), g, profile.Options{Bindings: map[string]int64{"S": 2}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, &Report{Graph: g, Records: records, Warnings: []string{"w"}}))
	out := buf.String()
	assert.Contains(t, out, "mlp: 18 nodes, 18 resolved")
	assert.Contains(t, out, "FLOP")
	assert.Contains(t, out, "1 warnings")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}
