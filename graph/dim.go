package graph

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Term is one coef*variable summand of a LinearExpr.
type Term struct {
	Var  string
	Coef int64
}

// LinearExpr is Const + sum(Coef*Var) in canonical form: terms sorted by
// variable name, no zero coefficients, no repeated variables.
type LinearExpr struct {
	Const int64
	Terms []Term
}

func (e LinearExpr) normalize() LinearExpr {
	byVar := make(map[string]int64, len(e.Terms))
	for _, t := range e.Terms {
		byVar[t.Var] += t.Coef
	}
	terms := make([]Term, 0, len(byVar))
	for v, c := range byVar {
		if c != 0 {
			terms = append(terms, Term{Var: v, Coef: c})
		}
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].Var < terms[j].Var })
	if len(terms) == 0 {
		terms = nil
	}
	return LinearExpr{Const: e.Const, Terms: terms}
}

// Equal reports whether two canonical expressions are syntactically identical.
func (e LinearExpr) Equal(o LinearExpr) bool {
	if e.Const != o.Const || len(e.Terms) != len(o.Terms) {
		return false
	}
	for i := range e.Terms {
		if e.Terms[i] != o.Terms[i] {
			return false
		}
	}
	return true
}

// Coef returns the coefficient of v (0 if absent).
func (e LinearExpr) Coef(v string) int64 {
	for _, t := range e.Terms {
		if t.Var == v {
			return t.Coef
		}
	}
	return 0
}

func (e LinearExpr) String() string {
	var sb strings.Builder
	for i, t := range e.Terms {
		switch {
		case i == 0 && t.Coef == -1:
			sb.WriteString("-")
		case i == 0 && t.Coef == 1:
		case i == 0:
			sb.WriteString(strconv.FormatInt(t.Coef, 10) + "*")
		case t.Coef == 1:
			sb.WriteString("+")
		case t.Coef == -1:
			sb.WriteString("-")
		case t.Coef < 0:
			sb.WriteString(strconv.FormatInt(t.Coef, 10) + "*")
		default:
			sb.WriteString("+" + strconv.FormatInt(t.Coef, 10) + "*")
		}
		sb.WriteString(t.Var)
	}
	switch {
	case len(e.Terms) == 0:
		sb.WriteString(strconv.FormatInt(e.Const, 10))
	case e.Const > 0:
		sb.WriteString("+" + strconv.FormatInt(e.Const, 10))
	case e.Const < 0:
		sb.WriteString(strconv.FormatInt(e.Const, 10))
	}
	return sb.String()
}

// Dim is a dimension descriptor: either Concrete(n) or Symbolic(expr).
// The zero value is Concrete(0). A symbolic expression without
// variables is always stored as Concrete.
type Dim struct {
	symbolic bool
	n        int64
	expr     LinearExpr
}

// Int returns the concrete dimension n.
func Int(n int64) Dim { return Dim{n: n} }

// Sym returns the symbolic dimension made of the single stream variable name.
func Sym(name string) Dim {
	return FromExpr(LinearExpr{Terms: []Term{{Var: name, Coef: 1}}})
}

// FromExpr normalizes e and returns the corresponding Dim.
func FromExpr(e LinearExpr) Dim {
	e = e.normalize()
	if len(e.Terms) == 0 {
		return Int(e.Const)
	}
	return Dim{symbolic: true, expr: e}
}

// IsConcrete reports whether d holds a known integer.
func (d Dim) IsConcrete() bool { return !d.symbolic }

// Value returns the concrete value of d; ok is false for symbolic dims.
func (d Dim) Value() (n int64, ok bool) {
	if d.symbolic {
		return 0, false
	}
	return d.n, true
}

// Expr returns d as a linear expression (constant-only for concrete dims).
func (d Dim) Expr() LinearExpr {
	if !d.symbolic {
		return LinearExpr{Const: d.n}
	}
	return d.expr
}

// Vars returns the variables d depends on, sorted.
func (d Dim) Vars() []string {
	if !d.symbolic {
		return nil
	}
	vars := make([]string, len(d.expr.Terms))
	for i, t := range d.expr.Terms {
		vars[i] = t.Var
	}
	return vars
}

// Has reports whether d depends on variable v.
func (d Dim) Has(v string) bool { return d.symbolic && d.expr.Coef(v) != 0 }

// Equal reports syntactic equality after normalization.
func (d Dim) Equal(o Dim) bool {
	if d.symbolic != o.symbolic {
		return false
	}
	if !d.symbolic {
		return d.n == o.n
	}
	return d.expr.Equal(o.expr)
}

// IsOne reports whether d is Concrete(1).
func (d Dim) IsOne() bool { return !d.symbolic && d.n == 1 }

// Add returns d+o.
func (d Dim) Add(o Dim) Dim {
	a, b := d.Expr(), o.Expr()
	terms := append(append([]Term{}, a.Terms...), b.Terms...)
	return FromExpr(LinearExpr{Const: a.Const + b.Const, Terms: terms})
}

// Sub returns d-o.
func (d Dim) Sub(o Dim) Dim { return d.Add(o.MulConst(-1)) }

// AddConst returns d+c.
func (d Dim) AddConst(c int64) Dim { return d.Add(Int(c)) }

// MulConst returns k*d.
func (d Dim) MulConst(k int64) Dim {
	e := d.Expr()
	terms := make([]Term, len(e.Terms))
	for i, t := range e.Terms {
		terms[i] = Term{Var: t.Var, Coef: t.Coef * k}
	}
	return FromExpr(LinearExpr{Const: e.Const * k, Terms: terms})
}

// Substitute replaces variable v with r.
func (d Dim) Substitute(v string, r Dim) Dim {
	if !d.Has(v) {
		return d
	}
	e := d.expr
	coef := e.Coef(v)
	rest := make([]Term, 0, len(e.Terms))
	for _, t := range e.Terms {
		if t.Var != v {
			rest = append(rest, t)
		}
	}
	return FromExpr(LinearExpr{Const: e.Const, Terms: rest}).Add(r.MulConst(coef))
}

// Eval binds variables from bindings. ok is false if any variable is unbound.
func (d Dim) Eval(bindings map[string]int64) (n int64, ok bool) {
	if !d.symbolic {
		return d.n, true
	}
	n = d.expr.Const
	for _, t := range d.expr.Terms {
		v, found := bindings[t.Var]
		if !found {
			return 0, false
		}
		n += t.Coef * v
	}
	return n, true
}

// Bind substitutes every bound variable and returns the (possibly still symbolic) result.
func (d Dim) Bind(bindings map[string]int64) Dim {
	for _, v := range d.Vars() {
		if n, ok := bindings[v]; ok {
			d = d.Substitute(v, Int(n))
		}
	}
	return d
}

func (d Dim) String() string {
	if !d.symbolic {
		return strconv.FormatInt(d.n, 10)
	}
	return d.expr.String()
}

// ParseDim parses a dimension: a non-negative integer or a linear
// expression such as "S", "S+7", "2*S-1" or "S+T".
func ParseDim(s string) (Dim, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return Dim{}, errors.New("empty dimension")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return Dim{}, errors.Errorf("negative dimension %d", n)
		}
		return Int(n), nil
	}
	var e LinearExpr
	// Split into signed summands.
	start := 0
	for i := 1; i <= len(s); i++ {
		if i < len(s) && s[i] != '+' && s[i] != '-' {
			continue
		}
		if err := parseSummand(s[start:i], &e); err != nil {
			return Dim{}, errors.Wrapf(err, "dimension %q", s)
		}
		start = i
	}
	return FromExpr(e), nil
}

func parseSummand(s string, e *LinearExpr) error {
	sign := int64(1)
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	}
	if s == "" {
		return errors.New("dangling sign")
	}
	coef := int64(1)
	name := s
	if i := strings.IndexByte(s, '*'); i >= 0 {
		c, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return errors.Errorf("bad coefficient %q", s[:i])
		}
		coef, name = c, s[i+1:]
	} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		e.Const += sign * n
		return nil
	}
	if !isIdent(name) {
		return errors.Errorf("bad symbol %q", name)
	}
	e.Terms = append(e.Terms, Term{Var: name, Coef: sign * coef})
	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if !(unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r))) {
			return false
		}
	}
	return true
}
