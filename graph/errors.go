package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies pipeline failures.
type Kind int

const (
	// ArgumentError is bad CLI usage. No graph is touched.
	ArgumentError Kind = iota + 1
	// MalformedGraph is a load-time structural violation.
	MalformedGraph
	// ShapeMismatch is raised when two dims (or dtypes) required equal are concrete and differ.
	ShapeMismatch
	// UnsupportedOperator is raised when an operator kind has no rule.
	UnsupportedOperator
	// IncompatibleRank is raised when a rule requires a rank (or axis) the input does not have.
	IncompatibleRank
	// OptimizerDivergence is raised when the rewrite budget is exhausted. Callers recover from it.
	OptimizerDivergence
	// NonPulsableOperator is raised when a node touched by the stream has no chunked equivalent.
	NonPulsableOperator
	// UnresolvedSymbol is raised when a dimension cannot be concretized for profiling.
	UnresolvedSymbol
)

var kindNames = map[Kind]string{
	ArgumentError:       "ArgumentError",
	MalformedGraph:      "MalformedGraph",
	ShapeMismatch:       "ShapeMismatch",
	UnsupportedOperator: "UnsupportedOperator",
	IncompatibleRank:    "IncompatibleRank",
	OptimizerDivergence: "OptimizerDivergence",
	NonPulsableOperator: "NonPulsableOperator",
	UnresolvedSymbol:    "UnresolvedSymbol",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type of every pipeline stage.
// Node is empty for failures not tied to a node.
type Error struct {
	Kind  Kind
	Node  string
	Msg   string
	cause error
}

// Errorf creates an *Error of the given kind attached to node.
func Errorf(kind Kind, node string, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind with cause as its underlying error.
func Wrap(cause error, kind Kind, node string, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Node != "" {
		msg += fmt.Sprintf(" at node %q", e.Node)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same Kind, so errors.Is(err, &Error{Kind: ShapeMismatch})
// works without comparing node or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// NodeOf returns the node name of the first *Error in err's chain, or "".
func NodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Node
	}
	return ""
}
