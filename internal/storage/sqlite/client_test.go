package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csv-insight/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDatasetRegistry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created := time.Unix(1700000000, 0)
	rec := &models.DatasetRecord{
		Fingerprint: "abc",
		Name:        "sales.csv",
		ColumnCount: 3,
		RowCount:    10,
		DateColumn:  "date",
		Indexed:     true,
		ChunkCount:  4,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, c.UpsertDataset(ctx, rec))

	got, err := c.GetDataset(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "sales.csv", got.Name)
	assert.Equal(t, "date", got.DateColumn)
	assert.True(t, got.Indexed)
	assert.Equal(t, 4, got.ChunkCount)

	// same content uploaded under another name
	again := *rec
	again.Name = "copy.csv"
	again.Indexed = false
	again.CreatedAt = created.Add(time.Hour)
	again.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, c.UpsertDataset(ctx, &again))

	got, err = c.GetDataset(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "copy.csv", got.Name)
	assert.False(t, got.Indexed)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())

	list, err := c.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.DeleteDataset(ctx, "abc"))
	_, err = c.GetDataset(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.DeleteDataset(ctx, "abc"), ErrNotFound)
}

func TestQueryHistory(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	base := time.Now()
	for i, q := range []string{"first", "second"} {
		require.NoError(t, c.RecordTurn(ctx, &models.TurnRecord{
			ID:        q,
			SessionID: "s1",
			Question:  q,
			Answer:    "answer " + q,
			Datasets:  []string{"fp1"},
			ChunkIDs:  []string{"c1", "c2"},
			Cached:    i == 1,
			LatencyMS: 12,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	require.NoError(t, c.RecordTurn(ctx, &models.TurnRecord{
		ID: "other", SessionID: "s2", Question: "q", CreatedAt: base,
	}))

	turns, err := c.QueryHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Question)
	assert.Equal(t, []string{"c1", "c2"}, turns[0].ChunkIDs)
	assert.Equal(t, []string{"fp1"}, turns[0].Datasets)
	assert.False(t, turns[0].Cached)
	assert.True(t, turns[1].Cached)
}
