package exec

import (
	"hash/fnv"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/inference-sim/graphprof/graph"
)

// InputRNG draws the random values fed to graph inputs during profiling
// and equivalence checks. Each input gets its own stream, seeded from the
// run seed and the input name, so the values of one input do not depend
// on which other inputs exist or on the order they are drawn in.
//
// InputRNG holds no mutable state; concurrent use is safe.
type InputRNG struct {
	seed int64
}

// NewInputRNG returns the generator for a --seed value.
func NewInputRNG(seed int64) *InputRNG {
	return &InputRNG{seed: seed}
}

// stream returns a fresh generator for one input.
func (r *InputRNG) stream(input string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(input))
	return rand.New(rand.NewSource(r.seed ^ int64(h.Sum64())))
}

// RandomInput draws a tensor for the graph input name. The fact must be
// concrete. Drawing the same input twice yields the same values.
func (r *InputRNG) RandomInput(name string, fact graph.TensorFact) (*Tensor, error) {
	dims, ok := fact.Dims()
	if !ok {
		return nil, errors.Errorf("input %q has symbolic shape %s", name, fact)
	}
	return Random(r.stream(name), fact.DType, dims...), nil
}
