package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backend persists whole workflow documents. Update must run fn under a lock
// scoped to one workflow and persist its changes atomically; if fn returns an
// error nothing is written.
type Backend interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	GetByWidget(ctx context.Context, widgetID string) (*Workflow, error)
	Create(ctx context.Context, wf *Workflow) (*Workflow, error)
	Update(ctx context.Context, id string, fn func(*Workflow) error) (*Workflow, error)
	DeleteByWidget(ctx context.Context, widgetID string) error
}

// Store is the authoritative state of workflow graphs. It enforces the
// structural invariants on every mutation; persistence is delegated to a Backend.
type Store struct {
	backend  Backend
	registry Registry
	newID    func() string
}

// NewStore creates a Store over backend that validates configs with registry.
func NewStore(backend Backend, registry Registry) *Store {
	return &Store{
		backend:  backend,
		registry: registry,
		newID:    func() string { return uuid.New().String() },
	}
}

// Get returns a consistent snapshot of one workflow.
func (s *Store) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.backend.Get(ctx, id)
}

// GetOrCreateForWidget returns the widget's workflow, creating an empty one on
// first access.
func (s *Store) GetOrCreateForWidget(ctx context.Context, widgetID string) (*Workflow, error) {
	if widgetID == "" {
		return nil, notFound("widget id is empty")
	}
	wf, err := s.backend.GetByWidget(ctx, widgetID)
	if err == nil {
		return wf, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	now := time.Now().UTC()
	return s.backend.Create(ctx, &Workflow{
		ID:        s.newID(),
		WidgetID:  widgetID,
		Name:      "Widget " + widgetID + " workflow",
		Nodes:     []Node{},
		Edges:     []Edge{},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// DeleteForWidget destroys the workflow owned by a widget.
func (s *Store) DeleteForWidget(ctx context.Context, widgetID string) error {
	return s.backend.DeleteByWidget(ctx, widgetID)
}

// CreateNode adds an unconfigured node of type t at pos.
func (s *Store) CreateNode(ctx context.Context, workflowID string, t NodeType, pos Position) (*Node, error) {
	status, err := s.registry.Status(t, nil)
	if err != nil {
		return nil, err
	}
	node := Node{
		ID:       s.newID(),
		Type:     t,
		Position: pos,
		Config:   map[string]any{},
		Status:   status,
	}
	_, err = s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		wf.Nodes = append(wf.Nodes, node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// UpdateNodeConfig replaces a node's config wholesale and recomputes its status.
func (s *Store) UpdateNodeConfig(ctx context.Context, workflowID, nodeID string, config map[string]any) (*Node, error) {
	var updated Node
	_, err := s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		n, _ := wf.node(nodeID)
		if n == nil {
			return notFound("node %s", nodeID)
		}
		status, err := s.registry.Status(n.Type, config)
		if err != nil {
			return err
		}
		n.Config = cloneMap(config)
		n.Status = status
		updated = *n
		updated.Config = cloneMap(n.Config)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateNodePosition moves a node on the canvas. Config and status are untouched.
func (s *Store) UpdateNodePosition(ctx context.Context, workflowID, nodeID string, pos Position) (*Node, error) {
	var updated Node
	_, err := s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		n, _ := wf.node(nodeID)
		if n == nil {
			return notFound("node %s", nodeID)
		}
		n.Position = pos
		updated = *n
		updated.Config = cloneMap(n.Config)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteNode removes a node together with every edge incident to it.
func (s *Store) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	_, err := s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		_, idx := wf.node(nodeID)
		if idx < 0 {
			return notFound("node %s", nodeID)
		}
		wf.Nodes = append(wf.Nodes[:idx], wf.Nodes[idx+1:]...)
		kept := wf.Edges[:0]
		for _, e := range wf.Edges {
			if e.From != nodeID && e.To != nodeID {
				kept = append(kept, e)
			}
		}
		wf.Edges = kept
		return nil
	})
	return err
}

// Connect appends an edge between two existing nodes and reports whether it
// closes a cycle. With rejectCycles set such an edge is refused with
// ErrCyclicGraph; otherwise it is stored and execution reports the cycle.
// Duplicate edges are kept.
func (s *Store) Connect(ctx context.Context, workflowID, from, to, label string, rejectCycles bool) (*Edge, bool, error) {
	if label == "" {
		label = DefaultEdgeLabel
	}
	edge := Edge{From: from, To: to, Label: label}
	var cyclic bool
	_, err := s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		if err := checkEndpoints(wf, from, to); err != nil {
			return err
		}
		var err error
		cyclic, err = createsCycle(wf, from, to)
		if err != nil {
			return err
		}
		if cyclic && rejectCycles {
			return fmt.Errorf("%w: edge %s -> %s closes a cycle", ErrCyclicGraph, from, to)
		}
		wf.Edges = append(wf.Edges, edge)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &edge, cyclic, nil
}

// Disconnect removes every edge from -> to. Removing nothing is not an error,
// but both endpoints must exist.
func (s *Store) Disconnect(ctx context.Context, workflowID, from, to string) error {
	_, err := s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		for _, id := range []string{from, to} {
			if n, _ := wf.node(id); n == nil {
				return notFound("node %s", id)
			}
		}
		kept := wf.Edges[:0]
		for _, e := range wf.Edges {
			if e.From != from || e.To != to {
				kept = append(kept, e)
			}
		}
		wf.Edges = kept
		return nil
	})
	return err
}

// Save replaces the node and edge sets in one step, enforcing the same
// invariants as the individual operations.
func (s *Store) Save(ctx context.Context, workflowID string, nodes []Node, edges []Edge) (*Workflow, error) {
	staged := &Workflow{Nodes: make([]Node, 0, len(nodes)), Edges: make([]Edge, 0, len(edges))}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node id is required", ErrInvalidConfig)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidConfig, n.ID)
		}
		seen[n.ID] = true
		status, err := s.registry.Status(n.Type, n.Config)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		n.Config = cloneMap(n.Config)
		n.Status = status
		staged.Nodes = append(staged.Nodes, n)
	}
	for _, e := range edges {
		if !seen[e.From] || !seen[e.To] {
			return nil, fmt.Errorf("%w: edge %s -> %s references a missing node", ErrInvalidEdge, e.From, e.To)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("%w: self-loop on %s", ErrInvalidEdge, e.From)
		}
		if e.Label == "" {
			e.Label = DefaultEdgeLabel
		}
		staged.Edges = append(staged.Edges, e)
	}

	return s.backend.Update(ctx, workflowID, func(wf *Workflow) error {
		wf.Nodes = staged.Nodes
		wf.Edges = staged.Edges
		return nil
	})
}

func checkEndpoints(wf *Workflow, from, to string) error {
	if n, _ := wf.node(from); n == nil {
		return notFound("node %s", from)
	}
	if n, _ := wf.node(to); n == nil {
		return notFound("node %s", to)
	}
	if from == to {
		return fmt.Errorf("%w: self-loop on %s", ErrInvalidEdge, from)
	}
	return nil
}
