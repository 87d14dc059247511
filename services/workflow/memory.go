package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryBackend keeps workflows in process memory. Each workflow has its own
// mutex, so mutations of different workflows never block each other.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]*memEntry
	byWidget map[string]string
}

type memEntry struct {
	mu      sync.Mutex
	wf      *Workflow
	deleted bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]*memEntry),
		byWidget: make(map[string]string),
	}
}

func (b *MemoryBackend) entry(id string) *memEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[id]
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*Workflow, error) {
	e := b.entry(id)
	if e == nil {
		return nil, notFound("workflow %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, notFound("workflow %s", id)
	}
	return e.wf.Clone(), nil
}

func (b *MemoryBackend) GetByWidget(ctx context.Context, widgetID string) (*Workflow, error) {
	b.mu.RLock()
	id, ok := b.byWidget[widgetID]
	b.mu.RUnlock()
	if !ok {
		return nil, notFound("workflow for widget %s", widgetID)
	}
	return b.Get(ctx, id)
}

func (b *MemoryBackend) Create(ctx context.Context, wf *Workflow) (*Workflow, error) {
	b.mu.Lock()
	if id, ok := b.byWidget[wf.WidgetID]; ok {
		b.mu.Unlock()
		return b.Get(ctx, id)
	}
	stored := wf.Clone()
	b.entries[stored.ID] = &memEntry{wf: stored}
	b.byWidget[stored.WidgetID] = stored.ID
	b.mu.Unlock()
	return stored.Clone(), nil
}

func (b *MemoryBackend) Update(_ context.Context, id string, fn func(*Workflow) error) (*Workflow, error) {
	e := b.entry(id)
	if e == nil {
		return nil, notFound("workflow %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, notFound("workflow %s", id)
	}

	working := e.wf.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	e.wf = working
	return working.Clone(), nil
}

func (b *MemoryBackend) DeleteByWidget(_ context.Context, widgetID string) error {
	b.mu.Lock()
	id, ok := b.byWidget[widgetID]
	var e *memEntry
	if ok {
		e = b.entries[id]
		delete(b.entries, id)
		delete(b.byWidget, widgetID)
	}
	b.mu.Unlock()
	if !ok {
		return notFound("workflow for widget %s", widgetID)
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
