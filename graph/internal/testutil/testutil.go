// Package testutil provides shared test infrastructure for the graphprof
// packages: fixture models under testdata/ and numeric assertion helpers.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/janpfeifer/must"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/inference-sim/graphprof/graph"
)

// ModelPath returns the path of a fixture model in the repo root testdata/models/.
func ModelPath(t *testing.T, name string) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	// Navigate from graph/internal/testutil/ to repo root testdata/
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "models", name)
}

// LoadModel loads a fixture model; any failure panics.
func LoadModel(t *testing.T, name string) *graph.Graph {
	t.Helper()
	data := must.M1(os.ReadFile(ModelPath(t, name)))
	return must.M1(graph.Load(data))
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertTensorsClose compares flat tensor data element-wise. Elements are
// close when within relTol relative or relTol absolute difference.
func AssertTensorsClose(t *testing.T, name string, want, got []float64, relTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("%s: got %d elements, want %d", name, len(got), len(want))
		return
	}
	for i := range want {
		if scalar.EqualWithinAbsOrRel(want[i], got[i], relTol, relTol) {
			continue
		}
		t.Errorf("%s[%d]: got %v, want %v", name, i, got[i], want[i])
		return
	}
}
