package infer

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/inference-sim/graphprof/graph"
)

// Unifier resolves dimension equalities for one node and records the
// ones it cannot prove as constraints.
type Unifier struct {
	node        string
	constraints *[]graph.Constraint
}

// NewUnifier returns a unifier attributing failures and constraints to node.
func NewUnifier(node string) *Unifier {
	return &Unifier{node: node, constraints: &[]graph.Constraint{}}
}

// Constraints returns the constraints recorded so far.
func (u *Unifier) Constraints() []graph.Constraint { return *u.constraints }

func (u *Unifier) record(a, b graph.Dim) {
	for _, c := range *u.constraints {
		if (c.Left.Equal(a) && c.Right.Equal(b)) || (c.Left.Equal(b) && c.Right.Equal(a)) {
			return
		}
	}
	*u.constraints = append(*u.constraints, graph.Constraint{Node: u.node, Left: a, Right: b})
}

// Dim unifies a and b. Two different concrete dims are a ShapeMismatch.
// When a symbolic dim is involved the equality is recorded and the
// concrete side (else a) is returned.
func (u *Unifier) Dim(a, b graph.Dim) (graph.Dim, error) {
	if a.Equal(b) {
		return a, nil
	}
	if a.IsConcrete() && b.IsConcrete() {
		return graph.Dim{}, graph.Errorf(graph.ShapeMismatch, u.node, "dimension %s does not match %s", a, b)
	}
	u.record(a, b)
	if b.IsConcrete() {
		return b, nil
	}
	return a, nil
}

// Broadcast unifies a and b under numpy broadcasting: a concrete 1 yields the other dim.
func (u *Unifier) Broadcast(a, b graph.Dim) (graph.Dim, error) {
	switch {
	case a.IsOne():
		return b, nil
	case b.IsOne():
		return a, nil
	}
	return u.Dim(a, b)
}

// BroadcastShapes broadcasts two shapes right-aligned.
func (u *Unifier) BroadcastShapes(a, b graph.Shape) (graph.Shape, error) {
	rank := max(len(a), len(b))
	out := make(graph.Shape, rank)
	for i := 0; i < rank; i++ {
		da, db := graph.Int(1), graph.Int(1)
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}
		d, err := u.Broadcast(da, db)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// DType requires two element types to be equal.
func (u *Unifier) DType(a, b dtypes.DType) error {
	if a != b {
		return graph.Errorf(graph.ShapeMismatch, u.node, "dtype %s does not match %s", graph.DTypeName(a), graph.DTypeName(b))
	}
	return nil
}
