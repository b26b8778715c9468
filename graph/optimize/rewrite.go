package optimize

import (
	"github.com/inference-sim/graphprof/graph"
)

// edit describes what happens to one node when the graph is rebuilt.
// Outlets in alias and replace.Inputs refer to the old graph.
type edit struct {
	// drop removes the node; consumers of output i read alias[i] instead.
	drop  bool
	alias []graph.Outlet
	// replace swaps the node for a new one at the same position.
	replace *graph.NodeSpec
}

// rebuild copies g in topological order applying edits. Facts are dropped;
// callers re-infer the result.
func rebuild(g *graph.Graph, edits map[graph.NodeID]edit) (*graph.Graph, error) {
	b := graph.NewBuilder(g.Name())
	mapped := make(map[graph.Outlet]graph.Outlet, g.NumNodes())
	mapAll := func(outlets []graph.Outlet) []graph.Outlet {
		out := make([]graph.Outlet, len(outlets))
		for i, o := range outlets {
			out[i] = mapped[o]
		}
		return out
	}
	for _, n := range g.TopologicalOrder() {
		e, ok := edits[n.ID()]
		switch {
		case ok && e.drop:
			for i, a := range e.alias {
				mapped[n.Outlet(i)] = mapped[a]
			}
		case ok && e.replace != nil:
			spec := *e.replace
			spec.Inputs = mapAll(spec.Inputs)
			id := b.AddNode(spec)
			for i := 0; i < n.NumOutputs(); i++ {
				mapped[n.Outlet(i)] = graph.Outlet{Node: id, Slot: i}
			}
		default:
			spec := graph.NodeSpec{Name: n.Name(), Op: n.Op(), Attrs: n.Attrs(), Inputs: mapAll(n.Inputs())}
			for i := 0; i < n.NumOutputs(); i++ {
				spec.Outputs = append(spec.Outputs, graph.OutputSlot{Name: n.Output(i).Name})
			}
			id := b.AddNode(spec)
			for i := 0; i < n.NumOutputs(); i++ {
				mapped[n.Outlet(i)] = graph.Outlet{Node: id, Slot: i}
			}
		}
	}
	b.SetOutputs(mapAll(g.Outputs())...)
	for _, s := range g.States() {
		b.AddState(graph.StateBinding{ID: s.ID, Input: mapped[graph.Outlet{Node: s.Input}].Node, Output: mapped[s.Output], Fact: s.Fact})
	}
	return b.Build()
}
