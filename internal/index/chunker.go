package index

import (
	"fmt"
	"math"
	"strings"

	"github.com/csv-insight/backend/internal/analysis"
)

type ChunkOptions struct {
	RowBatchSize int
	MaxRowChunks int
}

func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{RowBatchSize: 25, MaxRowChunks: 40}
}

// ChunkID is stable for a given dataset, kind and position.
func ChunkID(fingerprint string, kind Kind, idx int) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return fmt.Sprintf("%s-%s-%d", fingerprint, kind, idx)
}

// SummaryChunk is the top-level metrics summary of a dataset.
func SummaryChunk(ds *analysis.Dataset, m *analysis.Metrics) Chunk {
	var b strings.Builder
	b.WriteString(m.SummaryText(ds.Name))
	b.WriteString("\nColumns:")
	for _, c := range ds.Columns {
		fmt.Fprintf(&b, " %s (%s);", c.Name, c.Kind)
	}
	return Chunk{
		ID:         ChunkID(ds.Fingerprint, KindSummary, 0),
		Collection: ds.Fingerprint,
		Dataset:    ds.Name,
		Index:      0,
		Kind:       KindSummary,
		Text:       strings.TrimSuffix(b.String(), ";"),
	}
}

// BuildChunks splits a dataset into retrieval chunks: one summary, one chunk
// per category breakdown and per time series, and a sample of row groups.
// Only ceil(sqrt(groups)) evenly spaced row groups are kept, so the chunk
// count grows sub-linearly with the row count.
func BuildChunks(ds *analysis.Dataset, m *analysis.Metrics, opts ChunkOptions) []Chunk {
	if opts.RowBatchSize <= 0 {
		opts.RowBatchSize = 25
	}
	if opts.MaxRowChunks <= 0 {
		opts.MaxRowChunks = 40
	}

	chunks := []Chunk{SummaryChunk(ds, m)}
	add := func(kind Kind, idx int, text string) {
		chunks = append(chunks, Chunk{
			ID:         ChunkID(ds.Fingerprint, kind, idx),
			Collection: ds.Fingerprint,
			Dataset:    ds.Name,
			Index:      idx,
			Kind:       kind,
			Text:       text,
		})
	}

	for i, br := range m.Categories {
		add(KindBreakdown, i, breakdownText(ds.Name, br))
	}
	for i, s := range m.Series {
		add(KindSeries, i, seriesText(ds.Name, s))
	}
	for i, batch := range SelectRowBatches(ds.RowCount, opts) {
		add(KindRows, i, rowsText(ds, batch[0], batch[1]))
	}
	return chunks
}

// SelectRowBatches returns the [start, end) row ranges that become row chunks.
func SelectRowBatches(rows int, opts ChunkOptions) [][2]int {
	if rows <= 0 {
		return nil
	}
	batches := (rows + opts.RowBatchSize - 1) / opts.RowBatchSize
	keep := int(math.Ceil(math.Sqrt(float64(batches))))
	if keep > opts.MaxRowChunks {
		keep = opts.MaxRowChunks
	}

	out := make([][2]int, 0, keep)
	for i := 0; i < keep; i++ {
		b := 0
		if keep > 1 {
			b = i * (batches - 1) / (keep - 1)
		}
		start := b * opts.RowBatchSize
		end := start + opts.RowBatchSize
		if end > rows {
			end = rows
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func breakdownText(dataset string, br analysis.CategoryBreakdown) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Breakdown of %s by %s in dataset %q:", br.Measure, br.Column, dataset)
	for _, g := range br.Groups {
		fmt.Fprintf(&b, "\n- %s: count %d, total %.2f, average %.2f", g.Value, g.Count, g.Total, g.Average)
	}
	return b.String()
}

func seriesText(dataset string, s analysis.Series) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s per %s in dataset %q:", s.Column, s.Bucket, dataset)
	for _, p := range s.Points {
		fmt.Fprintf(&b, "\n- %s: total %.2f over %d rows", p.Period, p.Total, p.Count)
	}
	return b.String()
}

func rowsText(ds *analysis.Dataset, start, end int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rows %d-%d of dataset %q:\n", start+1, end, ds.Name)
	names := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		names[i] = c.Name
	}
	b.WriteString(strings.Join(names, ","))
	for _, row := range ds.Rows[start:end] {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, ","))
	}
	return b.String()
}
