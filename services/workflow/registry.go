package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultReadTimeout bounds every data-source read made during an execution.
const DefaultReadTimeout = 5 * time.Second

// SourceReader gives the engine read access to live source data.
type SourceReader interface {
	Latest(ctx context.Context, sourceID string, fields []string) (map[string]any, error)
	History(ctx context.Context, sourceID string, fields []string, since time.Time) (map[string][]Sample, error)
}

// EvalInput is everything a single node evaluation may look at.
type EvalInput struct {
	NodeID string
	Inputs map[string]any
	Now    time.Time
	Series map[string][]Sample
}

// NodeResult is the output of evaluating one node. Passed is set only by gate
// nodes; a false value stops propagation along the node's outgoing edges.
type NodeResult struct {
	Output map[string]any
	Passed *bool
}

// Evaluator evaluates one node type against its decoded config.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg any, in *EvalInput) (*NodeResult, error)
}

// NodeSpec ties a node type to its config variant and its evaluator.
type NodeSpec struct {
	NewConfig func() any
	Evaluator Evaluator
}

// Registry maps node type tags to their spec.
type Registry map[NodeType]NodeSpec

// nodeSpecs is the static config catalogue; evaluators are attached by NewRegistry.
var nodeSpecs = map[NodeType]NodeSpec{
	NodeDataSource:  {NewConfig: func() any { return &DataSourceConfig{} }},
	NodeFormula:     {NewConfig: func() any { return &FormulaConfig{} }},
	NodeCondition:   {NewConfig: func() any { return &ConditionConfig{} }},
	NodeAggregation: {NewConfig: func() any { return &AggregationConfig{} }},
	NodeFilter:      {NewConfig: func() any { return &FilterConfig{} }},
	NodeTransform:   {NewConfig: func() any { return &TransformConfig{} }},
	NodeAlert:       {NewConfig: func() any { return &AlertConfig{} }},
	NodeOutput:      {NewConfig: func() any { return &OutputConfig{} }},
}

// NewRegistry creates a registry populated with all built-in node types.
func NewRegistry(reader SourceReader, readTimeout time.Duration) Registry {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	evaluators := map[NodeType]Evaluator{
		NodeDataSource:  &DataSourceEvaluator{reader: reader, timeout: readTimeout},
		NodeFormula:     &FormulaEvaluator{},
		NodeCondition:   &ConditionEvaluator{},
		NodeAggregation: &AggregationEvaluator{},
		NodeFilter:      &FilterEvaluator{},
		NodeTransform:   &TransformEvaluator{},
		NodeAlert:       &AlertEvaluator{},
		NodeOutput:      &OutputEvaluator{},
	}
	r := make(Registry, len(nodeSpecs))
	for t, spec := range nodeSpecs {
		spec.Evaluator = evaluators[t]
		r[t] = spec
	}
	return r
}

// Known reports whether t is a registered node type.
func (r Registry) Known(t NodeType) bool {
	_, ok := r[t]
	return ok
}

// Types lists the registered node types in a stable order.
func (r Registry) Types() []NodeType {
	out := make([]NodeType, 0, len(r))
	for t := range r {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode runs the shape check for t and returns the typed config variant.
func (r Registry) Decode(t NodeType, raw map[string]any) (any, error) {
	if !r.Known(t) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
	return decodeConfig(t, raw)
}

// Status derives a node's status from its raw config.
func (r Registry) Status(t NodeType, raw map[string]any) (NodeStatus, error) {
	cfg, err := r.Decode(t, raw)
	if err != nil {
		return "", err
	}
	if len(missingFields(cfg)) > 0 {
		return StatusNotConfigured, nil
	}
	return StatusConfigured, nil
}
