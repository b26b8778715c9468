package graph

import (
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape is an ordered sequence of dimension descriptors.
type Shape []Dim

// TensorFact is what inference knows about a tensor: its element type and shape.
type TensorFact struct {
	DType dtypes.DType
	Shape Shape
}

// dtypeNames maps the short names used by input specs and the model format.
var dtypeNames = map[string]dtypes.DType{
	"f16":  dtypes.Float16,
	"bf16": dtypes.BFloat16,
	"f32":  dtypes.Float32,
	"f64":  dtypes.Float64,
	"i8":   dtypes.Int8,
	"i16":  dtypes.Int16,
	"i32":  dtypes.Int32,
	"i64":  dtypes.Int64,
	"u8":   dtypes.Uint8,
	"bool": dtypes.Bool,
}

// ParseDType parses a short dtype name ("f32", "i64", ...).
func ParseDType(s string) (dtypes.DType, error) {
	if dt, ok := dtypeNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return dt, nil
	}
	names := make([]string, 0, len(dtypeNames))
	for k := range dtypeNames {
		names = append(names, k)
	}
	sort.Strings(names)
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q (known: %s)", s, strings.Join(names, ","))
}

// DTypeName returns the short name of dt, as accepted by ParseDType.
func DTypeName(dt dtypes.DType) string {
	for k, v := range dtypeNames {
		if v == dt {
			return k
		}
	}
	return strings.ToLower(dt.String())
}

// Fact builds a TensorFact from a dtype and dims.
func Fact(dt dtypes.DType, dims ...Dim) TensorFact {
	return TensorFact{DType: dt, Shape: append(Shape{}, dims...)}
}

// ConcreteFact builds a fully concrete TensorFact.
func ConcreteFact(dt dtypes.DType, dims ...int) TensorFact {
	shape := make(Shape, len(dims))
	for i, d := range dims {
		shape[i] = Int(int64(d))
	}
	return TensorFact{DType: dt, Shape: shape}
}

// Rank returns the number of axes.
func (f TensorFact) Rank() int { return len(f.Shape) }

// IsConcrete reports whether every dimension is known.
func (f TensorFact) IsConcrete() bool {
	for _, d := range f.Shape {
		if !d.IsConcrete() {
			return false
		}
	}
	return true
}

// Dims returns the concrete dims; ok is false if any dim is symbolic.
func (f TensorFact) Dims() (dims []int, ok bool) {
	dims = make([]int, len(f.Shape))
	for i, d := range f.Shape {
		n, isConcrete := d.Value()
		if !isConcrete {
			return nil, false
		}
		dims[i] = int(n)
	}
	return dims, true
}

// Elements returns the number of elements; ok is false for symbolic shapes.
func (f TensorFact) Elements() (n int64, ok bool) {
	n = 1
	for _, d := range f.Shape {
		v, isConcrete := d.Value()
		if !isConcrete {
			return 0, false
		}
		n *= v
	}
	return n, true
}

// Bytes returns Elements() times the dtype size.
func (f TensorFact) Bytes() (int64, bool) {
	n, ok := f.Elements()
	if !ok {
		return 0, false
	}
	return n * int64(f.DType.Memory()), true
}

// Vars returns the sorted set of variables appearing in the shape.
func (f TensorFact) Vars() []string {
	seen := map[string]bool{}
	var vars []string
	for _, d := range f.Shape {
		for _, v := range d.Vars() {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	sort.Strings(vars)
	return vars
}

// Substitute replaces variable v in every dim.
func (f TensorFact) Substitute(v string, r Dim) TensorFact {
	out := TensorFact{DType: f.DType, Shape: make(Shape, len(f.Shape))}
	for i, d := range f.Shape {
		out.Shape[i] = d.Substitute(v, r)
	}
	return out
}

// Bind substitutes all bound variables.
func (f TensorFact) Bind(bindings map[string]int64) TensorFact {
	out := TensorFact{DType: f.DType, Shape: make(Shape, len(f.Shape))}
	for i, d := range f.Shape {
		out.Shape[i] = d.Bind(bindings)
	}
	return out
}

// WithDim returns a copy with axis replaced by d.
func (f TensorFact) WithDim(axis int, d Dim) TensorFact {
	out := f.Clone()
	out.Shape[axis] = d
	return out
}

// Clone returns a deep copy.
func (f TensorFact) Clone() TensorFact {
	return TensorFact{DType: f.DType, Shape: append(Shape{}, f.Shape...)}
}

// Equal compares dtypes and dims syntactically.
func (f TensorFact) Equal(o TensorFact) bool {
	if f.DType != o.DType || len(f.Shape) != len(o.Shape) {
		return false
	}
	for i := range f.Shape {
		if !f.Shape[i].Equal(o.Shape[i]) {
			return false
		}
	}
	return true
}

// ShapeString renders only the dims, e.g. "1,S,256".
func (f TensorFact) ShapeString() string {
	parts := make([]string, len(f.Shape))
	for i, d := range f.Shape {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// String renders the fact in input-spec syntax, e.g. "1,S,256,f32".
func (f TensorFact) String() string {
	if len(f.Shape) == 0 {
		return DTypeName(f.DType)
	}
	return f.ShapeString() + "," + DTypeName(f.DType)
}

// ParseFact parses "d1,...,dK,dtype". A scalar is just "dtype".
func ParseFact(s string) (TensorFact, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	dt, err := ParseDType(parts[len(parts)-1])
	if err != nil {
		return TensorFact{}, errors.Wrapf(err, "fact %q", s)
	}
	shape := make(Shape, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		d, err := ParseDim(p)
		if err != nil {
			return TensorFact{}, errors.Wrapf(err, "fact %q", s)
		}
		shape = append(shape, d)
	}
	return TensorFact{DType: dt, Shape: shape}, nil
}

// InputSpec is a parsed -i argument. Name is empty for positional specs.
type InputSpec struct {
	Name string
	Fact TensorFact
}

// ParseInputSpec parses "[name:]d1,...,dK,dtype", e.g. "1,S,256,f32" or "x:4,f32".
func ParseInputSpec(s string) (InputSpec, error) {
	var spec InputSpec
	if i := strings.IndexByte(s, ':'); i >= 0 {
		spec.Name = strings.TrimSpace(s[:i])
		s = s[i+1:]
		if !isIdentOrPath(spec.Name) {
			return InputSpec{}, Errorf(ArgumentError, "", "input spec: bad input name %q", spec.Name)
		}
	}
	fact, err := ParseFact(s)
	if err != nil {
		return InputSpec{}, Wrap(err, ArgumentError, "", "input spec")
	}
	spec.Fact = fact
	return spec, nil
}

func isIdentOrPath(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == ',' || r == ' ' {
			return false
		}
	}
	return true
}
