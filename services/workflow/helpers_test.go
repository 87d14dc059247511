package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// stubReader serves fixed snapshots and histories keyed by source id.
type stubReader struct {
	mu      sync.Mutex
	latest  map[string]map[string]any
	history map[string]map[string][]Sample
	err     error
	calls   int
}

func (r *stubReader) Latest(ctx context.Context, sourceID string, _ []string) (map[string]any, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	snap, ok := r.latest[sourceID]
	if !ok {
		return nil, errors.New("no readings")
	}
	return cloneMap(snap), nil
}

func (r *stubReader) History(_ context.Context, sourceID string, _ []string, _ time.Time) (map[string][]Sample, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.history[sourceID], nil
}

func newTestEngine(reader SourceReader) *Engine {
	return NewEngine(NewRegistry(reader, time.Second), reader)
}

func cfgNode(id string, t NodeType, cfg map[string]any) Node {
	return Node{ID: id, Type: t, Config: cfg, Status: StatusConfigured}
}

func link(from, to string) Edge {
	return Edge{From: from, To: to, Label: DefaultEdgeLabel}
}

func sourceNode(id, sourceID string, fields ...string) Node {
	return cfgNode(id, NodeDataSource, map[string]any{"sourceId": sourceID, "fields": fields})
}

func outputNode(id string, fields ...string) Node {
	return cfgNode(id, NodeOutput, map[string]any{"outputFields": fields})
}

func ptr[T any](v T) *T { return &v }
