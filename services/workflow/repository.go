package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow persistence in PostgreSQL. Nodes and edges are
// stored as JSONB documents; mutations lock the workflow row for the duration
// of the transaction.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflows table if it does not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         UUID PRIMARY KEY,
			widget_id  TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL DEFAULT '',
			nodes      JSONB NOT NULL DEFAULT '[]',
			edges      JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample temperature-alert workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := json.Marshal(sampleNodes)
	if err != nil {
		return fmt.Errorf("marshal seed nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(sampleEdges)
	if err != nil {
		return fmt.Errorf("marshal seed edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, widget_id, name, nodes, edges)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, SampleWorkflowID, SampleWidgetID, "Temperature Alert Workflow", nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

const selectWorkflow = `
	SELECT id, widget_id, name, nodes, edges, created_at, updated_at
	FROM workflows`

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, edgesJSON []byte
	if err := row.Scan(&wf.ID, &wf.WidgetID, &wf.Name, &nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

// Get retrieves a workflow by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound("workflow %s", id)
	}
	wf, err := scanWorkflow(r.db.QueryRow(ctx, selectWorkflow+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("workflow %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// GetByWidget retrieves the workflow owned by a widget.
func (r *Repository) GetByWidget(ctx context.Context, widgetID string) (*Workflow, error) {
	wf, err := scanWorkflow(r.db.QueryRow(ctx, selectWorkflow+` WHERE widget_id = $1`, widgetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("workflow for widget %s", widgetID)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow by widget: %w", err)
	}
	return wf, nil
}

// Create inserts wf. When the widget already owns a workflow the existing one
// is returned instead.
func (r *Repository) Create(ctx context.Context, wf *Workflow) (*Workflow, error) {
	nodesJSON, err := json.Marshal(wf.Nodes)
	if err != nil {
		return nil, fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(wf.Edges)
	if err != nil {
		return nil, fmt.Errorf("marshal edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, widget_id, name, nodes, edges)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (widget_id) DO NOTHING
	`, wf.ID, wf.WidgetID, wf.Name, nodesJSON, edgesJSON)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	return r.GetByWidget(ctx, wf.WidgetID)
}

// Update runs fn against the locked workflow row and writes the result back in
// the same transaction.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Workflow) error) (*Workflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound("workflow %s", id)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wf, err := scanWorkflow(tx.QueryRow(ctx, selectWorkflow+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("workflow %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock workflow: %w", err)
	}

	if err := fn(wf); err != nil {
		return nil, err
	}

	nodesJSON, err := json.Marshal(wf.Nodes)
	if err != nil {
		return nil, fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(wf.Edges)
	if err != nil {
		return nil, fmt.Errorf("marshal edges: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE workflows SET nodes = $2, edges = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, id, nodesJSON, edgesJSON).Scan(&wf.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit workflow: %w", err)
	}
	return wf, nil
}

// DeleteByWidget removes the workflow owned by a widget.
func (r *Repository) DeleteByWidget(ctx context.Context, widgetID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflows WHERE widget_id = $1`, widgetID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow for widget %s", widgetID)
	}
	return nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

// Identifiers of the seeded sample workflow.
const (
	SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"
	SampleWidgetID   = "sample-temperature-widget"
	SampleSourceID   = "6f1c2a9e-4b7d-4c1e-9a53-2d8e7f0b1c44"
)

var sampleNodes = []Node{
	{
		ID: "source", Type: NodeDataSource,
		Position: Position{X: -160, Y: 300},
		Config:   map[string]any{"sourceId": SampleSourceID, "fields": []string{"temperature", "humidity"}},
		Status:   StatusConfigured,
	},
	{
		ID: "feels-like", Type: NodeFormula,
		Position: Position{X: 152, Y: 304},
		Config: map[string]any{
			"formula":     "temperature + 0.05 * humidity",
			"unit":        "°C",
			"decimals":    1,
			"outputField": "feelsLike",
		},
		Status: StatusConfigured,
	},
	{
		ID: "too-hot", Type: NodeCondition,
		Position: Position{X: 460, Y: 304},
		Config:   map[string]any{"field": "feelsLike", "operator": ">", "threshold": 30},
		Status:   StatusConfigured,
	},
	{
		ID: "alert", Type: NodeAlert,
		Position: Position{X: 794, Y: 304},
		Config:   map[string]any{"severity": "warning", "message": "Feels like {{feelsLike}}°C"},
		Status:   StatusConfigured,
	},
	{
		ID: "result", Type: NodeOutput,
		Position: Position{X: 1096, Y: 304},
		Config:   map[string]any{"outputFields": []string{"message", "severity"}},
		Status:   StatusConfigured,
	},
}

var sampleEdges = []Edge{
	{From: "source", To: "feels-like", Label: DefaultEdgeLabel},
	{From: "feels-like", To: "too-hot", Label: DefaultEdgeLabel},
	{From: "too-hot", To: "alert", Label: "true"},
	{From: "alert", To: "result", Label: DefaultEdgeLabel},
}
