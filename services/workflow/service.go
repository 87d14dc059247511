package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dashflow/api/pkg/events"
	"dashflow/api/pkg/metrics"
)

// Options configures a Service. Only Backend is required.
type Options struct {
	Backend     Backend
	Reader      SourceReader
	ReadTimeout time.Duration
	Events      events.Publisher
	Metrics     *metrics.Collector
}

// Service wires together the graph store and execution engine for the workflow
// domain and implements the edit protocol on top of them.
type Service struct {
	registry Registry
	store    *Store
	engine   *Engine
	events   events.Publisher
	metrics  *metrics.Collector
}

// NewService creates a Service from opts.
func NewService(opts Options) *Service {
	registry := NewRegistry(opts.Reader, opts.ReadTimeout)
	engine := NewEngine(registry, opts.Reader)
	if opts.ReadTimeout > 0 {
		engine.timeout = opts.ReadTimeout
	}
	publisher := opts.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		registry: registry,
		store:    NewStore(opts.Backend, registry),
		engine:   engine,
		events:   publisher,
		metrics:  opts.Metrics,
	}
}

// ChangeEvent is published after every successful edit.
type ChangeEvent struct {
	WorkflowID string    `json:"workflowId"`
	Operation  string    `json:"operation"`
	NodeID     string    `json:"nodeId,omitempty"`
	At         time.Time `json:"at"`
}

// ExecutedEvent is published after every finished execution.
type ExecutedEvent struct {
	WorkflowID  string `json:"workflowId"`
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Duration    int64  `json:"duration"`
}

func (s *Service) changed(ctx context.Context, op, workflowID, nodeID string, err error) {
	s.metrics.ObserveEdit(op, err)
	if err != nil {
		return
	}
	ev := ChangeEvent{WorkflowID: workflowID, Operation: op, NodeID: nodeID, At: time.Now().UTC()}
	if err := s.events.Publish(ctx, fmt.Sprintf("workflow.%s.changed", workflowID), ev); err != nil {
		slog.Warn("Failed to publish workflow change", "id", workflowID, "operation", op, "error", err)
	}
}

// GetForWidget returns the widget's workflow, creating an empty one on first access.
func (s *Service) GetForWidget(ctx context.Context, widgetID string) (*Workflow, error) {
	return s.store.GetOrCreateForWidget(ctx, widgetID)
}

// DeleteForWidget destroys the widget's workflow.
func (s *Service) DeleteForWidget(ctx context.Context, widgetID string) error {
	err := s.store.DeleteForWidget(ctx, widgetID)
	s.metrics.ObserveEdit("delete-workflow", err)
	return err
}

// Save replaces the whole graph of a workflow.
func (s *Service) Save(ctx context.Context, workflowID string, nodes []Node, edges []Edge) (*Workflow, error) {
	wf, err := s.store.Save(ctx, workflowID, nodes, edges)
	s.changed(ctx, "save", workflowID, "", err)
	return wf, err
}

// AddNode creates an unconfigured node of a registered type.
func (s *Service) AddNode(ctx context.Context, workflowID string, t NodeType, pos Position) (*Node, error) {
	if !s.registry.Known(t) {
		err := fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
		s.metrics.ObserveEdit("add-node", err)
		return nil, err
	}
	node, err := s.store.CreateNode(ctx, workflowID, t, pos)
	var nodeID string
	if node != nil {
		nodeID = node.ID
	}
	s.changed(ctx, "add-node", workflowID, nodeID, err)
	return node, err
}

// UpdateNodeConfig replaces a node's config and recomputes its status.
func (s *Service) UpdateNodeConfig(ctx context.Context, workflowID, nodeID string, config map[string]any) (*Node, error) {
	node, err := s.store.UpdateNodeConfig(ctx, workflowID, nodeID, config)
	s.changed(ctx, "update-node", workflowID, nodeID, err)
	return node, err
}

// UpdateNodePosition moves a node.
func (s *Service) UpdateNodePosition(ctx context.Context, workflowID, nodeID string, pos Position) (*Node, error) {
	node, err := s.store.UpdateNodePosition(ctx, workflowID, nodeID, pos)
	s.changed(ctx, "move-node", workflowID, nodeID, err)
	return node, err
}

// DeleteNode removes a node and its incident edges.
func (s *Service) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	err := s.store.DeleteNode(ctx, workflowID, nodeID)
	s.changed(ctx, "delete-node", workflowID, nodeID, err)
	return err
}

// Connect adds an edge after a cycle pre-check.
func (s *Service) Connect(ctx context.Context, workflowID string, req ConnectRequest) (*ConnectResponse, error) {
	edge, cyclic, err := s.store.Connect(ctx, workflowID, req.From, req.To, req.Label, req.RejectCycles)
	s.changed(ctx, "connect", workflowID, "", err)
	if err != nil {
		return nil, err
	}
	if cyclic {
		slog.Debug("Stored edge closes a cycle", "id", workflowID, "from", req.From, "to", req.To)
	}
	return &ConnectResponse{Edge: *edge, CreatesCycle: cyclic}, nil
}

// Disconnect removes every edge between two nodes.
func (s *Service) Disconnect(ctx context.Context, workflowID, from, to string) error {
	err := s.store.Disconnect(ctx, workflowID, from, to)
	s.changed(ctx, "disconnect", workflowID, "", err)
	return err
}

// Execute runs a snapshot of the workflow.
func (s *Service) Execute(ctx context.Context, workflowID string, in ExecutionInput) (*ExecutionResults, error) {
	wf, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	results, err := s.engine.Execute(ctx, wf, in)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveExecution(results.Status, time.Duration(results.TotalDuration)*time.Millisecond)
	for _, step := range results.Steps {
		s.metrics.ObserveNode(string(step.NodeType), step.Status)
	}
	ev := ExecutedEvent{
		WorkflowID:  workflowID,
		ExecutionID: results.ExecutionID,
		Status:      results.Status,
		Duration:    results.TotalDuration,
	}
	if err := s.events.Publish(ctx, fmt.Sprintf("workflow.%s.executed", workflowID), ev); err != nil {
		slog.Warn("Failed to publish execution", "id", workflowID, "error", err)
	}
	return results, nil
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/dashboard/workflow").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{widgetId}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{widgetId}", s.HandleDeleteWorkflow).Methods("DELETE")
	router.HandleFunc("/{workflowId}", s.HandleSaveWorkflow).Methods("PUT")
	router.HandleFunc("/{workflowId}/node", s.HandleAddNode).Methods("POST")
	router.HandleFunc("/{workflowId}/node/{nodeId}", s.HandleUpdateNodeConfig).Methods("PUT")
	router.HandleFunc("/{workflowId}/node/{nodeId}/position", s.HandleUpdateNodePosition).Methods("PATCH")
	router.HandleFunc("/{workflowId}/node/{nodeId}", s.HandleDeleteNode).Methods("DELETE")
	router.HandleFunc("/{workflowId}/connect", s.HandleConnect).Methods("POST")
	router.HandleFunc("/{workflowId}/disconnect", s.HandleDisconnect).Methods("POST")
	router.HandleFunc("/{workflowId}/execute", s.HandleExecuteWorkflow).Methods("POST")
}
