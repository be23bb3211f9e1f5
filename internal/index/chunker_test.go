package index

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csv-insight/backend/internal/analysis"
)

func buildDataset(t *testing.T, rows int) (*analysis.Dataset, *analysis.Metrics) {
	t.Helper()
	var b strings.Builder
	b.WriteString("date,amount,type\n")
	for i := 0; i < rows; i++ {
		kind := "revenue"
		if i%3 == 0 {
			kind = "expense"
		}
		fmt.Fprintf(&b, "2023-%02d-%02d,%d,%s\n", i%12+1, i%28+1, 100+i, kind)
	}
	engine := analysis.NewEngine(analysis.DefaultInferenceOptions(), nil)
	ds, err := engine.Parse("sales.csv", []byte(b.String()), nil)
	require.NoError(t, err)
	m, err := engine.Compute(ds, analysis.DefaultParams())
	require.NoError(t, err)
	return ds, m
}

func countKind(chunks []Chunk, kind Kind) int {
	n := 0
	for _, c := range chunks {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func TestBuildChunksLayout(t *testing.T) {
	ds, m := buildDataset(t, 100)
	chunks := BuildChunks(ds, m, DefaultChunkOptions())

	require.NotEmpty(t, chunks)
	assert.Equal(t, KindSummary, chunks[0].Kind)
	assert.Equal(t, ChunkID(ds.Fingerprint, KindSummary, 0), chunks[0].ID)
	assert.Contains(t, chunks[0].Text, "Total revenue")

	assert.Equal(t, 1, countKind(chunks, KindBreakdown))
	assert.Equal(t, 1, countKind(chunks, KindSeries))
	// 100 rows are 4 batches of 25, of which ceil(sqrt(4)) = 2 are kept
	assert.Equal(t, 2, countKind(chunks, KindRows))

	ids := map[string]struct{}{}
	for _, c := range chunks {
		assert.Equal(t, ds.Fingerprint, c.Collection)
		ids[c.ID] = struct{}{}
	}
	assert.Len(t, ids, len(chunks))
}

func TestBuildChunksDeterministic(t *testing.T) {
	ds, m := buildDataset(t, 60)
	assert.Equal(t, BuildChunks(ds, m, DefaultChunkOptions()), BuildChunks(ds, m, DefaultChunkOptions()))
}

func TestSelectRowBatchesGrowsSubLinearly(t *testing.T) {
	opts := DefaultChunkOptions()

	assert.Len(t, SelectRowBatches(1, opts), 1)
	assert.Len(t, SelectRowBatches(25*9, opts), 3)
	assert.Len(t, SelectRowBatches(25*100, opts), 10)
	assert.Len(t, SelectRowBatches(25*1_000_000, opts), opts.MaxRowChunks)

	batches := SelectRowBatches(25*9, opts)
	assert.Equal(t, [][2]int{{0, 25}, {100, 125}, {200, 225}}, batches)
}
