package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Execution statuses.
const (
	ExecutionCompleted = "completed"
	ExecutionPartial   = "partial"
)

// ExecutionInput is the snapshot an execution runs against besides the graph.
type ExecutionInput struct {
	Now    time.Time
	Series map[string][]Sample
}

// Engine evaluates a workflow graph in topological order.
type Engine struct {
	registry Registry
	reader   SourceReader
	timeout  time.Duration
}

// NewEngine creates an Engine with the given registry. The reader, when set,
// supplies sample history for aggregation nodes.
func NewEngine(registry Registry, reader SourceReader) *Engine {
	return &Engine{registry: registry, reader: reader, timeout: DefaultReadTimeout}
}

type nodeState struct {
	status string
	output map[string]any
	passed *bool
	err    *NodeError
}

func (s *nodeState) live() bool {
	return s != nil && s.status == OutcomeCompleted && (s.passed == nil || *s.passed)
}

// Execute evaluates every node of wf and reports one outcome per output node.
// A cycle aborts the run; node failures are captured in the results.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, in ExecutionInput) (*ExecutionResults, error) {
	startTime := time.Now()
	if in.Now.IsZero() {
		in.Now = startTime
	}

	order, err := executionOrder(wf)
	if err != nil {
		return nil, err
	}

	nodeMap := make(map[string]*Node, len(wf.Nodes))
	for i := range wf.Nodes {
		nodeMap[wf.Nodes[i].ID] = &wf.Nodes[i]
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	preds := predecessors(wf)
	series := e.collectSeries(ctx, wf, in)

	states := make(map[string]*nodeState, len(order))
	steps := make([]ExecutionStep, 0, len(order))
	failed := false

	for i, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := nodeMap[id]

		stepStart := time.Now()
		st := e.evaluateNode(ctx, node, orderByRank(preds[id], rank), states, in.Now, series)
		states[id] = st
		if st.status == OutcomeFailed {
			failed = true
		}

		step := ExecutionStep{
			StepNumber: i + 1,
			NodeID:     id,
			NodeType:   node.Type,
			Status:     st.status,
			Duration:   time.Since(stepStart).Milliseconds(),
			Output:     st.output,
			Passed:     st.passed,
		}
		if st.err != nil {
			step.Error = st.err.outcome()
		}
		steps = append(steps, step)
	}

	result := make(map[string]Outcome)
	nodes := make(map[string]Outcome, len(states))
	for id, st := range states {
		o := Outcome{Status: st.status}
		if st.status == OutcomeCompleted {
			o.Value = st.output
		}
		if st.err != nil {
			o.Error = st.err.outcome()
		}
		nodes[id] = o
		if nodeMap[id].Type == NodeOutput {
			result[id] = o
		}
	}

	status := ExecutionCompleted
	if failed {
		status = ExecutionPartial
	}
	endTime := time.Now()
	return &ExecutionResults{
		ExecutionID:   uuid.New().String(),
		WorkflowID:    wf.ID,
		Status:        status,
		StartTime:     startTime.UTC().Format(time.RFC3339),
		EndTime:       endTime.UTC().Format(time.RFC3339),
		TotalDuration: endTime.Sub(startTime).Milliseconds(),
		Result:        result,
		Nodes:         nodes,
		Steps:         steps,
	}, nil
}

// evaluateNode decides whether node runs, is skipped, or inherits a failure
// from upstream, and evaluates it when it runs.
func (e *Engine) evaluateNode(ctx context.Context, node *Node, preds []string, states map[string]*nodeState, now time.Time, series map[string][]Sample) *nodeState {
	inputs := make(map[string]any)
	var liveCount int
	var upstreamErr *NodeError
	for _, p := range preds {
		st := states[p]
		if st.live() {
			liveCount++
			for k, v := range st.output {
				inputs[k] = v
			}
			continue
		}
		if st != nil && st.status == OutcomeFailed && upstreamErr == nil {
			upstreamErr = st.err
		}
	}

	if len(preds) > 0 && liveCount == 0 {
		if upstreamErr != nil {
			return &nodeState{status: OutcomeFailed, err: upstreamErr}
		}
		return &nodeState{status: OutcomeSkipped}
	}

	res, err := e.evaluate(ctx, node, &EvalInput{NodeID: node.ID, Inputs: inputs, Now: now, Series: series})
	if err != nil {
		return &nodeState{status: OutcomeFailed, err: asNodeError(node.ID, err)}
	}
	return &nodeState{status: OutcomeCompleted, output: res.Output, passed: res.Passed}
}

func (e *Engine) evaluate(ctx context.Context, node *Node, in *EvalInput) (*NodeResult, error) {
	spec, ok := e.registry[node.Type]
	if !ok || spec.Evaluator == nil {
		return nil, &NodeError{Kind: ErrUnknownNodeType, Err: fmt.Errorf("no evaluator registered for node type %q", node.Type)}
	}
	cfg, err := e.registry.Decode(node.Type, node.Config)
	if err != nil {
		return nil, &NodeError{Kind: ErrInvalidConfig, Err: err}
	}
	if missing := missingFields(cfg); len(missing) > 0 {
		return nil, nodeErr(ErrNotConfigured, "missing required config: %v", missing)
	}
	res, err := spec.Evaluator.Evaluate(ctx, cfg, in)
	if err != nil {
		return nil, err
	}
	if res.Output == nil {
		res.Output = map[string]any{}
	}
	return res, nil
}

func asNodeError(nodeID string, err error) *NodeError {
	var ne *NodeError
	if errors.As(err, &ne) {
		out := *ne
		out.NodeID = nodeID
		return &out
	}
	return &NodeError{NodeID: nodeID, Kind: ErrEvalError, Err: err}
}

// collectSeries builds the sample history aggregation nodes reduce over.
// Caller-supplied series win; the rest is read from the data sources feeding
// the graph, covering the widest aggregation window. Samples of a field
// reported by several sources are pooled in time order.
func (e *Engine) collectSeries(ctx context.Context, wf *Workflow, in ExecutionInput) map[string][]Sample {
	series := make(map[string][]Sample, len(in.Series))
	for field, samples := range in.Series {
		series[field] = samples
	}
	if e.reader == nil {
		return series
	}

	var window time.Duration
	for _, n := range wf.Nodes {
		if n.Type != NodeAggregation {
			continue
		}
		cfg, err := e.registry.Decode(n.Type, n.Config)
		if err != nil {
			continue
		}
		if w := time.Duration(cfg.(*AggregationConfig).TimeWindow); w > window {
			window = w
		}
	}
	if window == 0 {
		return series
	}

	read := make(map[string][]Sample)
	for _, id := range sortedNodeIDs(wf) {
		n, _ := wf.node(id)
		if n.Type != NodeDataSource {
			continue
		}
		cfg, err := e.registry.Decode(n.Type, n.Config)
		if err != nil || len(missingFields(cfg)) > 0 {
			continue
		}
		c := cfg.(*DataSourceConfig)

		readCtx, cancel := context.WithTimeout(ctx, e.timeout)
		history, err := e.reader.History(readCtx, c.SourceID, c.Fields, in.Now.Add(-window))
		cancel()
		if err != nil {
			slog.Debug("Failed to read source history", "workflowId", wf.ID, "sourceId", c.SourceID, "error", err)
			continue
		}
		for field, samples := range history {
			if _, supplied := in.Series[field]; supplied {
				continue
			}
			read[field] = append(read[field], samples...)
		}
	}
	for field, samples := range read {
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].At.Before(samples[j].At) })
		series[field] = samples
	}
	return series
}

func orderByRank(ids []string, rank map[string]int) []string {
	out := append([]string(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}
