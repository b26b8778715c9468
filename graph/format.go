package graph

import (
	"bytes"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxLiteralElements bounds the size of a Const value in a model file.
const MaxLiteralElements = 1 << 24

// FormatVersion is written by Marshal.
const FormatVersion = "1.0.0"

var supportedVersions = semver.MustParseRange(">=1.0.0 <2.0.0")

// Loader produces a Graph from serialized bytes.
type Loader interface {
	Load(data []byte) (*Graph, error)
}

// YAMLLoader reads the bundled YAML graph format.
type YAMLLoader struct{}

// Load implements Loader.
func (YAMLLoader) Load(data []byte) (*Graph, error) { return Load(data) }

type graphDoc struct {
	Version     string          `yaml:"version,omitempty"`
	Name        string          `yaml:"name,omitempty"`
	Nodes       []nodeDoc       `yaml:"nodes"`
	Outputs     []string        `yaml:"outputs"`
	States      []stateDoc      `yaml:"states,omitempty"`
	Constraints []constraintDoc `yaml:"constraints,omitempty"`
}

type nodeDoc struct {
	Name    string                `yaml:"name"`
	Op      string                `yaml:"op"`
	Inputs  []string              `yaml:"inputs,omitempty"`
	Attrs   map[string]yaml.Node  `yaml:"attrs,omitempty"`
	Outputs []string              `yaml:"outputs,omitempty"`
	Facts   []string              `yaml:"facts,omitempty"`
}

type stateDoc struct {
	ID     string `yaml:"id"`
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Fact   string `yaml:"fact"`
}

type constraintDoc struct {
	Node  string `yaml:"node,omitempty"`
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
}

type literalDoc struct {
	DType string    `yaml:"dtype"`
	Shape []int     `yaml:"shape,flow"`
	Data  []float64 `yaml:"data,omitempty,flow"`
	Fill  *float64  `yaml:"fill,omitempty"`
}

// LoadFile reads and parses a model file. A missing or unreadable file is
// an ArgumentError; anything wrong with its content is a MalformedGraph.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(err, ArgumentError, "", "reading model file")
	}
	return Load(data)
}

// Load parses a YAML graph. Unknown keys are rejected.
func Load(data []byte) (*Graph, error) {
	var doc graphDoc
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, Wrap(err, MalformedGraph, "", "parsing model")
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}

	// First pass: names, attributes and output slots.
	b := NewBuilder(doc.Name)
	ids := make(map[string]NodeID, len(doc.Nodes))
	slots := make(map[string]Outlet, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		if _, dup := ids[nd.Name]; dup {
			return nil, Errorf(MalformedGraph, nd.Name, "duplicate node name")
		}
		attrs, err := decodeAttrs(nd.Attrs)
		if err != nil {
			return nil, Wrap(err, MalformedGraph, nd.Name, "attributes")
		}
		if err := checkDeclaredFact(OpKind(nd.Op), attrs); err != nil {
			return nil, Wrap(err, MalformedGraph, nd.Name, "declared fact")
		}
		var outputs []OutputSlot
		for _, name := range nd.Outputs {
			outputs = append(outputs, OutputSlot{Name: name})
		}
		id := b.AddNode(NodeSpec{Name: nd.Name, Op: OpKind(nd.Op), Attrs: attrs, Outputs: outputs})
		ids[nd.Name] = id
		n := b.nodes[id]
		for i, s := range n.outputs {
			if _, dup := slots[s.Name]; dup {
				return nil, Errorf(MalformedGraph, nd.Name, "duplicate output slot %q", s.Name)
			}
			slots[s.Name] = Outlet{Node: id, Slot: i}
		}
		if len(nd.Facts) > len(n.outputs) {
			return nil, Errorf(MalformedGraph, nd.Name, "%d facts for %d outputs", len(nd.Facts), len(n.outputs))
		}
		for i, s := range nd.Facts {
			if s == "" {
				continue
			}
			f, err := ParseFact(s)
			if err != nil {
				return nil, Wrap(err, MalformedGraph, nd.Name, "output fact %d", i)
			}
			n.outputs[i].Fact = &f
		}
	}

	// Second pass: edges.
	resolve := func(ref string) (Outlet, error) {
		if o, ok := slots[ref]; ok {
			return o, nil
		}
		if i := strings.LastIndexByte(ref, ':'); i >= 0 {
			if id, ok := ids[ref[:i]]; ok {
				if slot, err := strconv.Atoi(ref[i+1:]); err == nil {
					return Outlet{Node: id, Slot: slot}, nil
				}
			}
		}
		return Outlet{}, errors.Errorf("dangling reference %q", ref)
	}
	for i, nd := range doc.Nodes {
		for _, ref := range nd.Inputs {
			o, err := resolve(ref)
			if err != nil {
				return nil, Wrap(err, MalformedGraph, nd.Name, "inputs")
			}
			b.nodes[i].inputs = append(b.nodes[i].inputs, o)
		}
	}
	outputs := make([]Outlet, 0, len(doc.Outputs))
	for _, ref := range doc.Outputs {
		o, err := resolve(ref)
		if err != nil {
			return nil, Wrap(err, MalformedGraph, "", "graph outputs")
		}
		outputs = append(outputs, o)
	}
	b.SetOutputs(outputs...)
	for _, sd := range doc.States {
		in, ok := ids[sd.Input]
		if !ok {
			return nil, Errorf(MalformedGraph, "", "state %q: unknown input %q", sd.ID, sd.Input)
		}
		out, err := resolve(sd.Output)
		if err != nil {
			return nil, Wrap(err, MalformedGraph, "", "state %q", sd.ID)
		}
		f, err := ParseFact(sd.Fact)
		if err != nil {
			return nil, Wrap(err, MalformedGraph, "", "state %q", sd.ID)
		}
		b.AddState(StateBinding{ID: sd.ID, Input: in, Output: out, Fact: f})
	}
	for _, cd := range doc.Constraints {
		l, err := ParseDim(cd.Left)
		if err != nil {
			return nil, Wrap(err, MalformedGraph, cd.Node, "constraint")
		}
		r, err := ParseDim(cd.Right)
		if err != nil {
			return nil, Wrap(err, MalformedGraph, cd.Node, "constraint")
		}
		b.AddConstraint(Constraint{Node: cd.Node, Left: l, Right: r})
	}
	return b.Build()
}

func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	parsed, err := semver.ParseTolerant(v)
	if err != nil {
		return Wrap(err, MalformedGraph, "", "format version")
	}
	if !supportedVersions(parsed) {
		return Errorf(MalformedGraph, "", "unsupported format version %s (want >=1.0.0 <2.0.0)", parsed)
	}
	return nil
}

// DeclaredFact returns the fact a Source or State node declares in its "fact" attribute.
func (n *Node) DeclaredFact() (TensorFact, bool, error) {
	s, ok := n.attrs["fact"].(string)
	if !ok {
		return TensorFact{}, false, nil
	}
	f, err := ParseFact(s)
	if err != nil {
		return TensorFact{}, false, err
	}
	return f, true, nil
}

func checkDeclaredFact(op OpKind, attrs Attrs) error {
	v, ok := attrs["fact"]
	if !ok {
		if op == OpState {
			return errors.New("State requires a fact")
		}
		return nil
	}
	s, isString := v.(string)
	if !isString {
		return errors.Errorf("fact must be a string, got %T", v)
	}
	_, err := ParseFact(s)
	return err
}

func decodeAttrs(raw map[string]yaml.Node) (Attrs, error) {
	attrs := make(Attrs, len(raw))
	for name, node := range raw {
		v, err := decodeAttr(&node)
		if err != nil {
			return nil, errors.Wrapf(err, "attribute %q", name)
		}
		attrs[name] = v
	}
	return attrs, nil
}

func decodeAttr(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!int":
			var v int64
			err := node.Decode(&v)
			return v, err
		case "!!float":
			var v float64
			err := node.Decode(&v)
			return v, err
		case "!!str":
			return node.Value, nil
		}
		return nil, errors.Errorf("unsupported scalar %s", node.ShortTag())
	case yaml.SequenceNode:
		allInts := true
		for _, c := range node.Content {
			if c.Kind != yaml.ScalarNode {
				return nil, errors.New("nested lists are not supported")
			}
			switch c.ShortTag() {
			case "!!int":
			case "!!float":
				allInts = false
			default:
				return nil, errors.Errorf("unsupported list element %s", c.ShortTag())
			}
		}
		if allInts {
			var v []int64
			err := node.Decode(&v)
			return v, err
		}
		var v []float64
		err := node.Decode(&v)
		return v, err
	case yaml.MappingNode:
		var ld literalDoc
		if err := node.Decode(&ld); err != nil {
			return nil, err
		}
		return ld.literal()
	}
	return nil, errors.Errorf("unsupported attribute node kind %d", node.Kind)
}

func (ld literalDoc) literal() (*Literal, error) {
	dt, err := ParseDType(ld.DType)
	if err != nil {
		return nil, err
	}
	l := &Literal{DType: dt, Dims: append([]int{}, ld.Shape...)}
	n := 1
	for _, d := range l.Dims {
		if d < 0 {
			return nil, errors.Errorf("negative literal dim %d", d)
		}
		if d > 0 && n > MaxLiteralElements/d {
			return nil, errors.Errorf("literal of shape %v exceeds %d elements", ld.Shape, MaxLiteralElements)
		}
		n *= d
	}
	switch {
	case ld.Fill != nil && ld.Data != nil:
		return nil, errors.New("literal has both data and fill")
	case ld.Fill != nil:
		l.Data = make([]float64, n)
		for i := range l.Data {
			l.Data[i] = *ld.Fill
		}
	case len(ld.Data) == n:
		l.Data = append([]float64{}, ld.Data...)
	default:
		return nil, errors.Errorf("literal of shape %v needs %d values, got %d", ld.Shape, n, len(ld.Data))
	}
	return l, nil
}

// Marshal serializes g, including resolved facts, states and constraints.
func Marshal(g *Graph) ([]byte, error) {
	doc := graphDoc{Version: FormatVersion, Name: g.name}
	for _, n := range g.nodes {
		nd := nodeDoc{Name: n.name, Op: string(n.op)}
		for _, in := range n.inputs {
			nd.Inputs = append(nd.Inputs, g.OutletName(in))
		}
		if len(n.attrs) > 0 {
			nd.Attrs = make(map[string]yaml.Node, len(n.attrs))
			for _, name := range n.SortedAttrNames() {
				node, err := encodeAttr(n.attrs[name])
				if err != nil {
					return nil, errors.Wrapf(err, "node %q attribute %q", n.name, name)
				}
				nd.Attrs[name] = *node
			}
		}
		defaults := len(n.outputs) == outputCount(n.op, n.attrs)
		anyFact := false
		for i, s := range n.outputs {
			if s.Name != DefaultSlotName(n.name, i) {
				defaults = false
			}
			if s.Fact != nil {
				anyFact = true
			}
		}
		for _, s := range n.outputs {
			if !defaults {
				nd.Outputs = append(nd.Outputs, s.Name)
			}
			if anyFact {
				fact := ""
				if s.Fact != nil {
					fact = s.Fact.String()
				}
				nd.Facts = append(nd.Facts, fact)
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, o := range g.outputs {
		doc.Outputs = append(doc.Outputs, g.OutletName(o))
	}
	for _, s := range g.states {
		doc.States = append(doc.States, stateDoc{
			ID: s.ID, Input: g.nodes[s.Input].name, Output: g.OutletName(s.Output), Fact: s.Fact.String(),
		})
	}
	for _, c := range g.constraints {
		doc.Constraints = append(doc.Constraints, constraintDoc{Node: c.Node, Left: c.Left.String(), Right: c.Right.String()})
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, errors.Wrap(err, "encoding model")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding model")
	}
	return buf.Bytes(), nil
}

func encodeAttr(v any) (*yaml.Node, error) {
	switch x := v.(type) {
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		return floatNode(x), nil
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: x}, nil
	case []int64:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, e := range x {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(e, 10)})
		}
		return seq, nil
	case []float64:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, e := range x {
			seq.Content = append(seq.Content, floatNode(e))
		}
		return seq, nil
	case *Literal:
		node := &yaml.Node{}
		err := node.Encode(literalDoc{DType: DTypeName(x.DType), Shape: x.Dims, Data: x.Data})
		return node, err
	}
	return nil, errors.Errorf("unsupported attribute type %T", v)
}

// floatNode keeps a decimal point so the value reads back as a float.
func floatNode(f float64) *yaml.Node {
	var s string
	switch {
	case math.IsNaN(f):
		s = ".nan"
	case math.IsInf(f, 1):
		s = ".inf"
	case math.IsInf(f, -1):
		s = "-.inf"
	default:
		s = strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}
}
