package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo abstracts source persistence for testability.
type Repo interface {
	List(ctx context.Context) ([]Source, error)
	Get(ctx context.Context, id string) (*Source, error)
	Create(ctx context.Context, src *Source) error
	Update(ctx context.Context, id string, fn func(*Source) error) (*Source, error)
	Delete(ctx context.Context, id string) error
	AppendReading(ctx context.Context, r Reading) error
	LatestReading(ctx context.Context, sourceID string) (*Reading, error)
	Readings(ctx context.Context, sourceID string, since time.Time) ([]Reading, error)
}

// Repository stores sources and their readings in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the sources and source_readings tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sources (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			fields     JSONB NOT NULL DEFAULT '[]',
			config     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS source_readings (
			id          BIGSERIAL PRIMARY KEY,
			source_id   UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			recorded_at TIMESTAMPTZ NOT NULL,
			data        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS source_readings_source_time
			ON source_readings (source_id, recorded_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init source schema: %w", err)
	}
	return nil
}

const selectSource = `SELECT id, name, type, fields, config, created_at, updated_at FROM sources`

func scanSource(row pgx.Row) (*Source, error) {
	var src Source
	var fieldsJSON, configJSON []byte
	if err := row.Scan(&src.ID, &src.Name, &src.Type, &fieldsJSON, &configJSON, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &src.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := json.Unmarshal(configJSON, &src.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &src, nil
}

func (r *Repository) List(ctx context.Context) ([]Source, error) {
	rows, err := r.db.Query(ctx, selectSource+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := []Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id string) (*Source, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	src, err := scanSource(r.db.QueryRow(ctx, selectSource+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func (r *Repository) Create(ctx context.Context, src *Source) error {
	fieldsJSON, configJSON, err := marshalSource(src)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO sources (id, name, type, fields, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, src.ID, src.Name, src.Type, fieldsJSON, configJSON, src.CreatedAt, src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, id string, fn func(*Source) error) (*Source, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	src, err := scanSource(tx.QueryRow(ctx, selectSource+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock source: %w", err)
	}
	if err := fn(src); err != nil {
		return nil, err
	}

	fieldsJSON, configJSON, err := marshalSource(src)
	if err != nil {
		return nil, err
	}
	err = tx.QueryRow(ctx, `
		UPDATE sources SET name = $2, type = $3, fields = $4, config = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, id, src.Name, src.Type, fieldsJSON, configJSON).Scan(&src.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit source: %w", err)
	}
	return src, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *Repository) AppendReading(ctx context.Context, reading Reading) error {
	if _, err := uuid.Parse(reading.SourceID); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, reading.SourceID)
	}
	data, err := json.Marshal(reading.Data)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO source_readings (source_id, recorded_at, data)
		SELECT id, $2, $3 FROM sources WHERE id = $1
	`, reading.SourceID, reading.RecordedAt, data)
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, reading.SourceID)
	}
	return nil
}

func scanReading(row pgx.Row) (*Reading, error) {
	var rd Reading
	var data []byte
	if err := row.Scan(&rd.SourceID, &rd.RecordedAt, &data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rd.Data); err != nil {
		return nil, fmt.Errorf("unmarshal reading: %w", err)
	}
	return &rd, nil
}

// LatestReading returns the most recent reading, or ErrNotFound when the
// source does not exist or has never reported.
func (r *Repository) LatestReading(ctx context.Context, sourceID string) (*Reading, error) {
	if _, err := uuid.Parse(sourceID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	rd, err := scanReading(r.db.QueryRow(ctx, `
		SELECT source_id, recorded_at, data FROM source_readings
		WHERE source_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no readings for %s", ErrNotFound, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest reading: %w", err)
	}
	return rd, nil
}

// Readings returns the readings recorded at or after since, oldest first.
func (r *Repository) Readings(ctx context.Context, sourceID string, since time.Time) ([]Reading, error) {
	if _, err := uuid.Parse(sourceID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	rows, err := r.db.Query(ctx, `
		SELECT source_id, recorded_at, data FROM source_readings
		WHERE source_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at, id
	`, sourceID, since)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, *rd)
	}
	return out, rows.Err()
}

func marshalSource(src *Source) ([]byte, []byte, error) {
	fields := src.Fields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal fields: %w", err)
	}
	config := src.Config
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal config: %w", err)
	}
	return fieldsJSON, configJSON, nil
}

// InitDB creates the schema and seeds the sample source. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	sample := sampleSource()
	fieldsJSON, configJSON, err := marshalSource(sample)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO sources (id, name, type, fields, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, sample.ID, sample.Name, sample.Type, fieldsJSON, configJSON)
	if err != nil {
		return fmt.Errorf("seed source: %w", err)
	}
	return nil
}
