package workflow

import "time"

// NodeType is the discriminant that selects a node's config variant and evaluator.
type NodeType string

const (
	NodeDataSource  NodeType = "data-source"
	NodeFormula     NodeType = "formula"
	NodeCondition   NodeType = "condition"
	NodeAggregation NodeType = "aggregation"
	NodeFilter      NodeType = "filter"
	NodeTransform   NodeType = "transform"
	NodeAlert       NodeType = "alert"
	NodeOutput      NodeType = "output"
)

// NodeStatus reports whether a node's config satisfies its type's required fields.
type NodeStatus string

const (
	StatusConfigured    NodeStatus = "configured"
	StatusNotConfigured NodeStatus = "not-configured"
)

// DefaultEdgeLabel is used when a connect request carries no label.
const DefaultEdgeLabel = "data"

// Workflow is the node graph attached to exactly one dashboard widget.
type Workflow struct {
	ID        string    `json:"id"`
	WidgetID  string    `json:"widgetId"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Node is a typed unit of computation in a workflow graph.
type Node struct {
	ID       string         `json:"nodeId"`
	Type     NodeType       `json:"type"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config"`
	Status   NodeStatus     `json:"status"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed data dependency between two nodes.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

func (w *Workflow) node(id string) (*Node, int) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], i
		}
	}
	return nil, -1
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		n.Config = cloneMap(n.Config)
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge(nil), w.Edges...)
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// AddNodeRequest is the body of POST /dashboard/workflow/{workflowId}/node.
type AddNodeRequest struct {
	NodeType NodeType `json:"nodeType"`
	Position Position `json:"position"`
}

// UpdateConfigRequest is the body of PUT /dashboard/workflow/{workflowId}/node/{nodeId}.
type UpdateConfigRequest struct {
	Config map[string]any `json:"config"`
}

// UpdatePositionRequest is the body of PATCH .../node/{nodeId}/position.
type UpdatePositionRequest struct {
	Position Position `json:"position"`
}

// ConnectRequest is the body of POST /dashboard/workflow/{workflowId}/connect.
type ConnectRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Label        string `json:"label"`
	RejectCycles bool   `json:"rejectCycles"`
}

// ConnectResponse returns the stored edge and the result of the cycle pre-check.
type ConnectResponse struct {
	Edge         Edge `json:"edge"`
	CreatesCycle bool `json:"createsCycle"`
}

// DisconnectRequest is the body of POST /dashboard/workflow/{workflowId}/disconnect.
type DisconnectRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SaveRequest is the body of the bulk PUT /dashboard/workflow/{workflowId}.
type SaveRequest struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ExecuteRequest is the optional body of POST /dashboard/workflow/{workflowId}/execute.
type ExecuteRequest struct {
	Now    *time.Time          `json:"now,omitempty"`
	Series map[string][]Sample `json:"series,omitempty"`
}

// Sample is one timestamped reading of a numeric field.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Outcome statuses reported per node.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Outcome is the result of one node in an execution.
type Outcome struct {
	Status string         `json:"status"`
	Value  map[string]any `json:"value,omitempty"`
	Error  *OutcomeError  `json:"error,omitempty"`
}

// OutcomeError is the machine-checkable form of a NodeError.
type OutcomeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId"`
}

// ExecutionResults is the top-level response returned after executing a workflow.
type ExecutionResults struct {
	ExecutionID   string             `json:"executionId"`
	WorkflowID    string             `json:"workflowId"`
	Status        string             `json:"status"`
	StartTime     string             `json:"startTime"`
	EndTime       string             `json:"endTime"`
	TotalDuration int64              `json:"totalDuration"`
	Result        map[string]Outcome `json:"result"`
	Nodes         map[string]Outcome `json:"nodes"`
	Steps         []ExecutionStep    `json:"steps"`
}

// ExecutionStep records the outcome of every node, in evaluation order.
type ExecutionStep struct {
	StepNumber int            `json:"stepNumber"`
	NodeID     string         `json:"nodeId"`
	NodeType   NodeType       `json:"nodeType"`
	Status     string         `json:"status"`
	Duration   int64          `json:"duration"`
	Output     map[string]any `json:"output,omitempty"`
	Passed     *bool          `json:"passed,omitempty"`
	Error      *OutcomeError  `json:"error,omitempty"`
}
