package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dashflow/api/services/workflow"
)

// MemoryRepository keeps sources and readings in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	sources  map[string]*Source
	readings map[string][]Reading
}

// NewMemoryRepository creates a repository holding the sample source.
func NewMemoryRepository() *MemoryRepository {
	sample := sampleSource()
	return &MemoryRepository{
		sources:  map[string]*Source{sample.ID: sample},
		readings: make(map[string][]Reading),
	}
}

func (m *MemoryRepository) List(ctx context.Context) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, *src.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return src.clone(), nil
}

func (m *MemoryRepository) Create(ctx context.Context, src *Source) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.ID]; ok {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	m.sources[src.ID] = src.clone()
	return nil
}

func (m *MemoryRepository) Update(ctx context.Context, id string, fn func(*Source) error) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	working := src.clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	m.sources[id] = working
	return working.clone(), nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sources, id)
	delete(m.readings, id)
	return nil
}

// AppendReading stores r keeping each source's readings ordered by time.
func (m *MemoryRepository) AppendReading(ctx context.Context, r Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[r.SourceID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.SourceID)
	}
	r.Data = cloneData(r.Data)
	list := m.readings[r.SourceID]
	i := sort.Search(len(list), func(i int) bool { return list[i].RecordedAt.After(r.RecordedAt) })
	list = append(list, Reading{})
	copy(list[i+1:], list[i:])
	list[i] = r
	m.readings[r.SourceID] = list
	return nil
}

func (m *MemoryRepository) LatestReading(ctx context.Context, sourceID string) (*Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sources[sourceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	list := m.readings[sourceID]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no readings for %s", ErrNotFound, sourceID)
	}
	latest := list[len(list)-1]
	latest.Data = cloneData(latest.Data)
	return &latest, nil
}

func (m *MemoryRepository) Readings(ctx context.Context, sourceID string, since time.Time) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sources[sourceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	var out []Reading
	for _, r := range m.readings[sourceID] {
		if r.RecordedAt.Before(since) {
			continue
		}
		r.Data = cloneData(r.Data)
		out = append(out, r)
	}
	return out, nil
}

func sampleSource() *Source {
	now := time.Now().UTC()
	return &Source{
		ID:        workflow.SampleSourceID,
		Name:      "Greenhouse sensor",
		Type:      TypeMQTT,
		Fields:    []string{"temperature", "humidity"},
		Config:    map[string]any{"topic": "greenhouse/climate"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
