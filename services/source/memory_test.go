package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashflow/api/services/workflow"
)

func newTestSource(t *testing.T, repo Repo) *Source {
	t.Helper()
	now := time.Now().UTC()
	src := &Source{ID: "s-" + t.Name(), Name: "probe", Type: TypeModbus, Fields: []string{"temp"}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.Create(context.Background(), src))
	return src
}

func TestMemoryRepository_SeedsSample(t *testing.T) {
	repo := NewMemoryRepository()
	src, err := repo.Get(context.Background(), workflow.SampleSourceID)
	require.NoError(t, err)
	assert.Equal(t, TypeMQTT, src.Type)
	assert.Equal(t, []string{"temperature", "humidity"}, src.Fields)
}

func TestMemoryRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	src := newTestSource(t, repo)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	updated, err := repo.Update(ctx, src.ID, func(s *Source) error {
		s.Name = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	got, err := repo.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	got.Fields[0] = "mutated"
	again, _ := repo.Get(ctx, src.ID)
	assert.Equal(t, "temp", again.Fields[0], "returned sources must not alias stored state")

	require.NoError(t, repo.Delete(ctx, src.ID))
	_, err = repo.Get(ctx, src.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, src.ID), ErrNotFound)
}

func TestMemoryRepository_Readings(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	src := newTestSource(t, repo)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.LatestReading(ctx, src.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Out-of-order arrival still yields time order.
	for _, offset := range []int{2, 0, 1} {
		require.NoError(t, repo.AppendReading(ctx, Reading{
			SourceID:   src.ID,
			RecordedAt: base.Add(time.Duration(offset) * time.Minute),
			Data:       map[string]any{"temp": float64(offset)},
		}))
	}

	latest, err := repo.LatestReading(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, latest.Data["temp"])

	readings, err := repo.Readings(ctx, src.ID, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 1.0, readings[0].Data["temp"])
	assert.Equal(t, 2.0, readings[1].Data["temp"])

	err = repo.AppendReading(ctx, Reading{SourceID: "missing", RecordedAt: base, Data: map[string]any{"x": 1}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_HonoursCancellation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.LatestReading(ctx, workflow.SampleSourceID)
	assert.ErrorIs(t, err, context.Canceled)
}
