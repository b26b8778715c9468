package graph

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// NodeID is the declaration index of a node in its Graph.
type NodeID int

// Outlet references one output slot of a producing node.
type Outlet struct {
	Node NodeID
	Slot int
}

func (o Outlet) String() string { return fmt.Sprintf("#%d:%d", o.Node, o.Slot) }

// OutputSlot describes one output of a node. Fact is nil until inference resolves it.
type OutputSlot struct {
	Name string
	Fact *TensorFact
}

// Constraint records an equality inference could not prove.
type Constraint struct {
	Node        string
	Left, Right Dim
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s == %s (at %s)", c.Left, c.Right, c.Node)
}

// StateBinding threads a state tensor between two pulses: the value
// produced at Output becomes the value of the State node Input at the
// next pulse. The first pulse sees zeros.
type StateBinding struct {
	ID     string
	Input  NodeID
	Output Outlet
	Fact   TensorFact
}

// Node is an operator instance. Nodes are immutable once their Graph is built.
type Node struct {
	id      NodeID
	name    string
	op      OpKind
	attrs   Attrs
	inputs  []Outlet
	outputs []OutputSlot
}

// ID is the node's position in declaration order.
func (n *Node) ID() NodeID { return n.id }

// Name is unique within the graph.
func (n *Node) Name() string { return n.name }

// Op returns the operator kind, which may be outside the known set.
func (n *Node) Op() OpKind { return n.op }

// Inputs returns a copy of the ordered input references.
func (n *Node) Inputs() []Outlet { return append([]Outlet{}, n.inputs...) }

// NumInputs returns the number of input slots.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns input slot i.
func (n *Node) Input(i int) Outlet { return n.inputs[i] }

// NumOutputs returns the number of output slots.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns a copy of output slot i.
func (n *Node) Output(i int) OutputSlot {
	s := n.outputs[i]
	if s.Fact != nil {
		f := s.Fact.Clone()
		s.Fact = &f
	}
	return s
}

// Fact returns the fact of output slot i, if resolved.
func (n *Node) Fact(i int) (TensorFact, bool) {
	if i >= len(n.outputs) || n.outputs[i].Fact == nil {
		return TensorFact{}, false
	}
	return n.outputs[i].Fact.Clone(), true
}

// Outlet returns the outlet of output slot i.
func (n *Node) Outlet(i int) Outlet { return Outlet{Node: n.id, Slot: i} }

// Attrs returns a deep copy of the attributes.
func (n *Node) Attrs() Attrs { return n.attrs.clone() }

// Attr returns the raw attribute value. Callers must not modify it.
func (n *Node) Attr(name string) (any, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

// Int returns an integer attribute or def.
func (n *Node) Int(name string, def int64) int64 {
	if v, ok := n.attrs[name].(int64); ok {
		return v
	}
	return def
}

// Ints returns a copy of an integer list attribute (nil if absent).
func (n *Node) Ints(name string) []int64 {
	if v, ok := n.attrs[name].([]int64); ok {
		return append([]int64{}, v...)
	}
	return nil
}

// Float returns a float attribute or def. Integer values are converted.
func (n *Node) Float(name string, def float64) float64 {
	switch v := n.attrs[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}

// Str returns a string attribute or def.
func (n *Node) Str(name string, def string) string {
	if v, ok := n.attrs[name].(string); ok {
		return v
	}
	return def
}

// Literal returns the tensor literal attribute. Callers must not modify it.
func (n *Node) Literal(name string) (*Literal, bool) {
	v, ok := n.attrs[name].(*Literal)
	return v, ok
}

// Graph is an immutable DAG of nodes.
type Graph struct {
	name        string
	nodes       []*Node
	byName      map[string]NodeID
	slotByName  map[string]Outlet
	inputs      []NodeID
	outputs     []Outlet
	states      []StateBinding
	constraints []Constraint
	order       []NodeID
}

// Name returns the model name from the file, possibly empty.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node { return append([]*Node{}, g.nodes...) }

// NodeByName looks a node up by name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Inputs returns the Source nodes in declaration order.
func (g *Graph) Inputs() []*Node {
	out := make([]*Node, len(g.inputs))
	for i, id := range g.inputs {
		out[i] = g.nodes[id]
	}
	return out
}

// Outputs returns the graph output outlets.
func (g *Graph) Outputs() []Outlet { return append([]Outlet{}, g.outputs...) }

// States returns the state bindings (pulsed graphs only).
func (g *Graph) States() []StateBinding { return append([]StateBinding{}, g.states...) }

// Constraints returns the equality constraints recorded by inference.
func (g *Graph) Constraints() []Constraint { return append([]Constraint{}, g.constraints...) }

// Fact returns the fact of an outlet, if resolved.
func (g *Graph) Fact(o Outlet) (TensorFact, bool) { return g.nodes[o.Node].Fact(o.Slot) }

// OutletName returns the name of an outlet's output slot.
func (g *Graph) OutletName(o Outlet) string { return g.nodes[o.Node].outputs[o.Slot].Name }

// Consumers returns, for every outlet, the consuming nodes in declaration order.
func (g *Graph) Consumers() map[Outlet][]NodeID {
	out := make(map[Outlet][]NodeID)
	for _, n := range g.nodes {
		for _, in := range n.inputs {
			out[in] = append(out[in], n.id)
		}
	}
	return out
}

// IsResolved reports whether every output slot carries a fact.
func (g *Graph) IsResolved() bool {
	for _, n := range g.nodes {
		for _, s := range n.outputs {
			if s.Fact == nil {
				return false
			}
		}
	}
	return true
}

// TopologicalOrder returns the nodes so that producers precede consumers.
// Ties are broken by declaration order, so the order is deterministic.
func (g *Graph) TopologicalOrder() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Validate reports whether the DAG and single-producer invariants hold.
func (g *Graph) Validate() bool {
	_, err := validate(g.nodes, g.outputs, g.states)
	return err == nil
}

// readyHeap orders ready nodes by declaration index.
type readyHeap []NodeID

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(NodeID)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topoSort runs Kahn's algorithm; it fails if the graph has a cycle.
func topoSort(nodes []*Node) ([]NodeID, error) {
	indegree := make([]int, len(nodes))
	consumers := make([][]NodeID, len(nodes))
	for _, n := range nodes {
		for _, in := range n.inputs {
			indegree[n.id]++
			consumers[in.Node] = append(consumers[in.Node], n.id)
		}
	}
	ready := &readyHeap{}
	for _, n := range nodes {
		if indegree[n.id] == 0 {
			*ready = append(*ready, n.id)
		}
	}
	heap.Init(ready)
	order := make([]NodeID, 0, len(nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(NodeID)
		order = append(order, id)
		for _, c := range consumers[id] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	if len(order) != len(nodes) {
		var stuck []string
		for _, n := range nodes {
			if indegree[n.id] > 0 {
				stuck = append(stuck, n.name)
			}
		}
		return nil, errors.Errorf("cycle detected through %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// validate checks the structural invariants and returns the topological order.
func validate(nodes []*Node, outputs []Outlet, states []StateBinding) ([]NodeID, error) {
	names := make(map[string]bool, len(nodes))
	slots := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.id != NodeID(i) {
			return nil, Errorf(MalformedGraph, n.name, "node id %d at position %d", n.id, i)
		}
		if n.name == "" {
			return nil, Errorf(MalformedGraph, "", "node #%d has no name", i)
		}
		if n.op == "" {
			return nil, Errorf(MalformedGraph, n.name, "missing operator kind")
		}
		if names[n.name] {
			return nil, Errorf(MalformedGraph, n.name, "duplicate node name")
		}
		names[n.name] = true
		if len(n.outputs) == 0 {
			return nil, Errorf(MalformedGraph, n.name, "node has no output slot")
		}
		for _, s := range n.outputs {
			if slots[s.Name] {
				return nil, Errorf(MalformedGraph, n.name, "duplicate output slot %q", s.Name)
			}
			slots[s.Name] = true
		}
		if err := checkArity(n.op, len(n.inputs)); err != nil {
			return nil, Wrap(err, MalformedGraph, n.name, "arity")
		}
		for j, in := range n.inputs {
			if err := checkOutlet(nodes, in); err != nil {
				return nil, Wrap(err, MalformedGraph, n.name, "input %d", j)
			}
		}
	}
	for i, o := range outputs {
		if err := checkOutlet(nodes, o); err != nil {
			return nil, Wrap(err, MalformedGraph, "", "graph output %d", i)
		}
	}
	for _, s := range states {
		if int(s.Input) < 0 || int(s.Input) >= len(nodes) || nodes[s.Input].op != OpState {
			return nil, Errorf(MalformedGraph, "", "state %q: input #%d is not a State node", s.ID, s.Input)
		}
		if err := checkOutlet(nodes, s.Output); err != nil {
			return nil, Wrap(err, MalformedGraph, "", "state %q output", s.ID)
		}
	}
	order, err := topoSort(nodes)
	if err != nil {
		return nil, Wrap(err, MalformedGraph, "", "topological sort")
	}
	return order, nil
}

func checkOutlet(nodes []*Node, o Outlet) error {
	if int(o.Node) < 0 || int(o.Node) >= len(nodes) {
		return errors.Errorf("dangling reference to node #%d", o.Node)
	}
	if o.Slot < 0 || o.Slot >= len(nodes[o.Node].outputs) {
		return errors.Errorf("dangling reference to slot %d of %q", o.Slot, nodes[o.Node].name)
	}
	return nil
}

// NodeSpec describes a node to add to a Builder. Outputs may be left
// empty; the builder then derives the slots from the kind.
type NodeSpec struct {
	Name    string
	Op      OpKind
	Attrs   Attrs
	Inputs  []Outlet
	Outputs []OutputSlot
}

// Builder accumulates nodes and produces an immutable Graph.
type Builder struct {
	name        string
	nodes       []*Node
	outputs     []Outlet
	states      []StateBinding
	constraints []Constraint
}

// NewBuilder returns an empty builder.
func NewBuilder(name string) *Builder { return &Builder{name: name} }

// CopyOf returns a builder seeded with a deep copy of g.
func CopyOf(g *Graph) *Builder {
	b := NewBuilder(g.name)
	for _, n := range g.nodes {
		outputs := make([]OutputSlot, len(n.outputs))
		for i := range n.outputs {
			outputs[i] = n.Output(i)
		}
		b.nodes = append(b.nodes, &Node{
			id: n.id, name: n.name, op: n.op, attrs: n.attrs.clone(),
			inputs: n.Inputs(), outputs: outputs,
		})
	}
	b.outputs = g.Outputs()
	b.states = g.States()
	b.constraints = g.Constraints()
	return b
}

// outputCount returns the default number of output slots of a kind.
func outputCount(op OpKind, attrs Attrs) int {
	if op == OpSplit {
		if sizes, ok := attrs["sizes"].([]int64); ok && len(sizes) > 0 {
			return len(sizes)
		}
	}
	return 1
}

// DefaultSlotName names output slot i of node name.
func DefaultSlotName(name string, i int) string {
	if i == 0 {
		return name
	}
	return fmt.Sprintf("%s:%d", name, i)
}

// AddNode appends a node and returns its id.
func (b *Builder) AddNode(spec NodeSpec) NodeID {
	id := NodeID(len(b.nodes))
	outputs := append([]OutputSlot{}, spec.Outputs...)
	if len(outputs) == 0 {
		for i := 0; i < outputCount(spec.Op, spec.Attrs); i++ {
			outputs = append(outputs, OutputSlot{Name: DefaultSlotName(spec.Name, i)})
		}
	}
	attrs := spec.Attrs
	if attrs == nil {
		attrs = Attrs{}
	}
	b.nodes = append(b.nodes, &Node{
		id: id, name: spec.Name, op: spec.Op, attrs: attrs.clone(),
		inputs: append([]Outlet{}, spec.Inputs...), outputs: outputs,
	})
	return id
}

// AddOp is a shorthand for single-output nodes; it returns the node's outlet.
func (b *Builder) AddOp(name string, op OpKind, attrs Attrs, inputs ...Outlet) Outlet {
	return Outlet{Node: b.AddNode(NodeSpec{Name: name, Op: op, Attrs: attrs, Inputs: inputs})}
}

// UniqueName returns base, or base suffixed so that no node already uses it.
func (b *Builder) UniqueName(base string) string {
	taken := make(map[string]bool, len(b.nodes))
	for _, n := range b.nodes {
		taken[n.name] = true
	}
	name := base
	for i := 1; taken[name]; i++ {
		name = fmt.Sprintf("%s.%d", base, i)
	}
	return name
}

// NumNodes returns the number of nodes added so far.
func (b *Builder) NumNodes() int { return len(b.nodes) }

// NodeName returns the name of a node already added.
func (b *Builder) NodeName(id NodeID) string { return b.nodes[id].name }

// SetOutputs sets the graph outputs.
func (b *Builder) SetOutputs(outlets ...Outlet) { b.outputs = append([]Outlet{}, outlets...) }

// SetFact sets (or with nil clears) the fact of an outlet.
func (b *Builder) SetFact(o Outlet, f *TensorFact) {
	if f != nil {
		c := f.Clone()
		f = &c
	}
	b.nodes[o.Node].outputs[o.Slot].Fact = f
}

// ClearFacts drops every fact and constraint.
func (b *Builder) ClearFacts() {
	for _, n := range b.nodes {
		for i := range n.outputs {
			n.outputs[i].Fact = nil
		}
	}
	b.constraints = nil
}

// AddConstraint records an equality constraint.
func (b *Builder) AddConstraint(c Constraint) { b.constraints = append(b.constraints, c) }

// SetConstraints replaces the recorded constraints.
func (b *Builder) SetConstraints(cs []Constraint) { b.constraints = append([]Constraint{}, cs...) }

// AddState binds a State node to the outlet producing its next value.
func (b *Builder) AddState(s StateBinding) { b.states = append(b.states, s) }

// Build validates the accumulated nodes and returns the graph.
// The builder must not be used afterwards.
func (b *Builder) Build() (*Graph, error) {
	order, err := validate(b.nodes, b.outputs, b.states)
	if err != nil {
		return nil, err
	}
	g := &Graph{
		name:        b.name,
		nodes:       b.nodes,
		byName:      make(map[string]NodeID, len(b.nodes)),
		slotByName:  make(map[string]Outlet, len(b.nodes)),
		outputs:     b.outputs,
		states:      b.states,
		constraints: b.constraints,
		order:       order,
	}
	for _, n := range b.nodes {
		g.byName[n.name] = n.id
		for i, s := range n.outputs {
			g.slotByName[s.Name] = Outlet{Node: n.id, Slot: i}
		}
		if n.op == OpSource {
			g.inputs = append(g.inputs, n.id)
		}
	}
	b.nodes = nil
	return g, nil
}

// ResolveOutlet finds an outlet by slot name ("x", "split:1") or "node:slot".
func (g *Graph) ResolveOutlet(ref string) (Outlet, bool) {
	if o, ok := g.slotByName[ref]; ok {
		return o, true
	}
	return Outlet{}, false
}

// SortedAttrNames returns the attribute names of n, sorted.
func (n *Node) SortedAttrNames() []string {
	names := make([]string, 0, len(n.attrs))
	for k := range n.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
