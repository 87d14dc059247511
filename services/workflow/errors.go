package workflow

import (
	"errors"
	"fmt"
)

// Structural errors are fatal to the request that produced them.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrInvalidEdge     = errors.New("invalid edge")
	ErrCyclicGraph     = errors.New("cyclic graph")
)

// Node errors are local to one node and end up in the result map.
var (
	ErrEvalError         = errors.New("eval error")
	ErrMissingField      = errors.New("missing field")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrEmptyWindow       = errors.New("empty window")
	ErrNotConfigured     = errors.New("not configured")
)

var kindNames = map[error]string{
	ErrNotFound:          "NotFound",
	ErrInvalidConfig:     "InvalidConfig",
	ErrUnknownNodeType:   "UnknownNodeType",
	ErrInvalidEdge:       "InvalidEdge",
	ErrCyclicGraph:       "CyclicGraph",
	ErrEvalError:         "EvalError",
	ErrMissingField:      "MissingField",
	ErrSourceUnavailable: "SourceUnavailable",
	ErrEmptyWindow:       "EmptyWindow",
	ErrNotConfigured:     "NotConfigured",
}

// KindOf returns the taxonomy name of err, or "Internal" when it has none.
func KindOf(err error) string {
	for kind, name := range kindNames {
		if errors.Is(err, kind) {
			return name
		}
	}
	return "Internal"
}

// NodeError is a failure raised while evaluating a single node.
type NodeError struct {
	NodeID string
	Kind   error
	Err    error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s: %v: %v", e.NodeID, e.Kind, e.Err)
	}
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Kind)
}

func (e *NodeError) Is(target error) bool { return target == e.Kind }

func (e *NodeError) Unwrap() error { return e.Err }

func (e *NodeError) outcome() *OutcomeError {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &OutcomeError{Kind: KindOf(e.Kind), Message: msg, NodeID: e.NodeID}
}

func nodeErr(kind error, format string, args ...any) error {
	return &NodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}
