package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *Workflow) {
	t.Helper()
	store := NewStore(NewMemoryBackend(), NewRegistry(nil, 0))
	wf, err := store.GetOrCreateForWidget(context.Background(), "widget-"+t.Name())
	require.NoError(t, err)
	return store, wf
}

func TestStore_GetOrCreateForWidget(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend(), NewRegistry(nil, 0))

	first, err := store.GetOrCreateForWidget(ctx, "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "w1", first.WidgetID)
	assert.Empty(t, first.Nodes)
	assert.NotNil(t, first.Edges)

	second, err := store.GetOrCreateForWidget(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, store.DeleteForWidget(ctx, "w1"))
	_, err = store.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteForWidget(ctx, "w1"), ErrNotFound)
}

func TestStore_NodeLifecycle(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)

	node, err := store.CreateNode(ctx, wf.ID, NodeCondition, Position{X: 10, Y: 20})
	require.NoError(t, err)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, StatusNotConfigured, node.Status)
	assert.Empty(t, node.Config)

	updated, err := store.UpdateNodeConfig(ctx, wf.ID, node.ID, map[string]any{"field": "temp", "operator": ">", "threshold": 80})
	require.NoError(t, err)
	assert.Equal(t, StatusConfigured, updated.Status)

	// Replacing the config wholesale can move the node back.
	updated, err = store.UpdateNodeConfig(ctx, wf.ID, node.ID, map[string]any{"field": "temp"})
	require.NoError(t, err)
	assert.Equal(t, StatusNotConfigured, updated.Status)

	_, err = store.UpdateNodeConfig(ctx, wf.ID, node.ID, map[string]any{"threshold": "high"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"field": "temp"}, got.Nodes[0].Config, "rejected config must not be stored")

	_, err = store.UpdateNodeConfig(ctx, wf.ID, "ghost", map[string]any{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.CreateNode(ctx, "missing-workflow", NodeFormula, Position{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.CreateNode(ctx, wf.ID, "webhook", Position{})
	assert.ErrorIs(t, err, ErrUnknownNodeType)
}

func TestStore_PositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)

	for _, nt := range []NodeType{NodeFormula, NodeOutput} {
		node, err := store.CreateNode(ctx, wf.ID, nt, Position{})
		require.NoError(t, err)

		pos := Position{X: 123.5, Y: -42.25}
		moved, err := store.UpdateNodePosition(ctx, wf.ID, node.ID, pos)
		require.NoError(t, err)
		assert.Equal(t, pos, moved.Position)

		got, err := store.Get(ctx, wf.ID)
		require.NoError(t, err)
		n, _ := got.node(node.ID)
		require.NotNil(t, n)
		assert.Equal(t, pos, n.Position)
		assert.Equal(t, StatusNotConfigured, n.Status)
	}
}

func TestStore_DeleteNodeCascades(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)

	ids := make([]string, 3)
	for i := range ids {
		n, err := store.CreateNode(ctx, wf.ID, NodeFormula, Position{})
		require.NoError(t, err)
		ids[i] = n.ID
	}
	a, b, c := ids[0], ids[1], ids[2]
	for _, e := range [][2]string{{a, b}, {b, c}, {a, c}} {
		_, _, err := store.Connect(ctx, wf.ID, e[0], e[1], "", false)
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteNode(ctx, wf.ID, b))

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2)
	assert.Equal(t, []Edge{{From: a, To: c, Label: DefaultEdgeLabel}}, got.Edges)

	_, _, err = store.Connect(ctx, wf.ID, a, b, "", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = store.Connect(ctx, wf.ID, b, c, "", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Disconnect(ctx, wf.ID, a, b), ErrNotFound)
	assert.ErrorIs(t, store.DeleteNode(ctx, wf.ID, b), ErrNotFound)
}

func TestStore_ConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)

	a, err := store.CreateNode(ctx, wf.ID, NodeFormula, Position{})
	require.NoError(t, err)
	b, err := store.CreateNode(ctx, wf.ID, NodeFormula, Position{})
	require.NoError(t, err)

	edge, cyclic, err := store.Connect(ctx, wf.ID, a.ID, b.ID, "", false)
	require.NoError(t, err)
	assert.False(t, cyclic)
	assert.Equal(t, DefaultEdgeLabel, edge.Label)

	_, _, err = store.Connect(ctx, wf.ID, a.ID, b.ID, "true", false)
	require.NoError(t, err)

	_, _, err = store.Connect(ctx, wf.ID, a.ID, a.ID, "", false)
	assert.ErrorIs(t, err, ErrInvalidEdge)

	_, _, err = store.Connect(ctx, wf.ID, b.ID, a.ID, "", true)
	assert.ErrorIs(t, err, ErrCyclicGraph)
	got, _ := store.Get(ctx, wf.ID)
	assert.Len(t, got.Edges, 2, "rejected edge must not be stored")

	_, cyclic, err = store.Connect(ctx, wf.ID, b.ID, a.ID, "", false)
	require.NoError(t, err)
	assert.True(t, cyclic)

	require.NoError(t, store.Disconnect(ctx, wf.ID, a.ID, b.ID))
	got, _ = store.Get(ctx, wf.ID)
	assert.Equal(t, []Edge{{From: b.ID, To: a.ID, Label: DefaultEdgeLabel}}, got.Edges)

	// Disconnecting an absent edge between existing nodes is a no-op.
	require.NoError(t, store.Disconnect(ctx, wf.ID, a.ID, b.ID))
}

func TestStore_Save(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)

	nodes := []Node{
		{ID: "src", Type: NodeDataSource, Config: map[string]any{"sourceId": "s1", "fields": []any{"temp"}}, Status: StatusNotConfigured},
		{ID: "out", Type: NodeOutput, Config: map[string]any{}, Status: StatusConfigured},
	}
	saved, err := store.Save(ctx, wf.ID, nodes, []Edge{{From: "src", To: "out"}})
	require.NoError(t, err)
	assert.Equal(t, StatusConfigured, saved.Nodes[0].Status, "status is derived, not trusted")
	assert.Equal(t, StatusNotConfigured, saved.Nodes[1].Status)
	assert.Equal(t, DefaultEdgeLabel, saved.Edges[0].Label)

	tests := []struct {
		name  string
		nodes []Node
		edges []Edge
		want  error
	}{
		{"duplicate id", []Node{{ID: "x", Type: NodeFormula}, {ID: "x", Type: NodeFormula}}, nil, ErrInvalidConfig},
		{"missing id", []Node{{Type: NodeFormula}}, nil, ErrInvalidConfig},
		{"unknown type", []Node{{ID: "x", Type: "webhook"}}, nil, ErrUnknownNodeType},
		{"bad config", []Node{{ID: "x", Type: NodeCondition, Config: map[string]any{"threshold": "hot"}}}, nil, ErrInvalidConfig},
		{"dangling edge", []Node{{ID: "x", Type: NodeFormula}}, []Edge{{From: "x", To: "y"}}, ErrInvalidEdge},
		{"self loop", []Node{{ID: "x", Type: NodeFormula}}, []Edge{{From: "x", To: "x"}}, ErrInvalidEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Save(ctx, wf.ID, tt.nodes, tt.edges)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2, "failed saves leave the graph untouched")
}

func TestStore_ConcurrentEditsAreSerialized(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)
	const workers = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateNode(ctx, wf.ID, NodeFormula, Position{X: float64(i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, workers)
}

func TestStore_ConnectRacingDeleteNeverLeavesDanglingEdges(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)

	hub, err := store.CreateNode(ctx, wf.ID, NodeFormula, Position{})
	require.NoError(t, err)
	var leaves []string
	for i := 0; i < 20; i++ {
		n, err := store.CreateNode(ctx, wf.ID, NodeOutput, Position{})
		require.NoError(t, err)
		leaves = append(leaves, n.ID)
	}

	var wg sync.WaitGroup
	for _, leaf := range leaves {
		wg.Add(2)
		go func(leaf string) {
			defer wg.Done()
			store.Connect(ctx, wf.ID, hub.ID, leaf, "", false)
		}(leaf)
		go func(leaf string) {
			defer wg.Done()
			store.DeleteNode(ctx, wf.ID, leaf)
		}(leaf)
	}
	wg.Wait()

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	for _, e := range got.Edges {
		from, _ := got.node(e.From)
		to, _ := got.node(e.To)
		assert.NotNil(t, from, fmt.Sprintf("edge %v has no source", e))
		assert.NotNil(t, to, fmt.Sprintf("edge %v has no target", e))
	}
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store, wf := newTestStore(t)
	node, err := store.CreateNode(ctx, wf.ID, NodeFormula, Position{})
	require.NoError(t, err)
	_, err = store.UpdateNodeConfig(ctx, wf.ID, node.ID, map[string]any{"formula": "a"})
	require.NoError(t, err)

	snapshot, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	snapshot.Nodes[0].Config["formula"] = "mutated"
	snapshot.Edges = append(snapshot.Edges, Edge{From: "x", To: "y"})

	fresh, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", fresh.Nodes[0].Config["formula"])
	assert.Empty(t, fresh.Edges)
}
