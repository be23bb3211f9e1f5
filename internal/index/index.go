package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/pkg/circuitbreaker"
)

type Kind string

const (
	KindSummary   Kind = "summary"
	KindBreakdown Kind = "breakdown"
	KindSeries    Kind = "series"
	KindRows      Kind = "rows"
)

// Chunk is the atomic unit of retrieval. Collection is the fingerprint of
// the dataset the chunk was derived from.
type Chunk struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Dataset    string `json:"dataset"`
	Index      int    `json:"index"`
	Kind       Kind   `json:"kind"`
	Text       string `json:"text"`
}

type Record struct {
	Chunk
	Vector []float32
	Seq    uint64
}

type Hit struct {
	Chunk
	Score float64 `json:"score"`
	Seq   uint64  `json:"seq"`
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Backend stores records partitioned by collection. Search must only return
// records from the given collections.
type Backend interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, collections []string, vector []float32, k int) ([]Hit, error)
	Drop(ctx context.Context, collection string) error
}

var ErrUnavailable = errors.New("embedding index unavailable")

type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("embedding index unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

type Index struct {
	backend  Backend
	embedder Embedder
	cache    cache.Store
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	seq      atomic.Uint64
}

// NewIndex wires a backend and embedder. store caches embeddings and may be
// nil; breaker may be nil to disable circuit breaking.
func NewIndex(backend Backend, embedder Embedder, store cache.Store, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		backend:  backend,
		embedder: embedder,
		cache:    store,
		breaker:  breaker,
		logger:   logger,
	}
}

// Ingest embeds and stores chunks under collection. Re-ingesting a chunk ID
// replaces the previous record, so repeated ingestion is idempotent.
func (ix *Index) Ingest(ctx context.Context, collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	start := time.Now()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embed(ctx, texts)
	if err != nil {
		return err
	}

	seq := ix.seq.Add(1)
	records := make([]Record, len(chunks))
	for i, c := range chunks {
		c.Collection = collection
		records[i] = Record{Chunk: c, Vector: vectors[i], Seq: seq}
	}

	if err := ix.guard(ctx, "upsert", func(ctx context.Context) error {
		return ix.backend.Upsert(ctx, records)
	}); err != nil {
		return err
	}

	metrics.ChunksIndexed.Add(float64(len(records)))
	ix.logger.Info("Chunks indexed",
		zap.String("collection", collection),
		zap.Int("chunks", len(records)),
		zap.Uint64("seq", seq),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// Query returns the k chunks most similar to text among the given
// collections. Equal scores are ordered by most recent ingestion, then ID.
func (ix *Index) Query(ctx context.Context, collections []string, text string, k int) ([]Hit, error) {
	if len(collections) == 0 || k <= 0 {
		return []Hit{}, nil
	}
	vectors, err := ix.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	var hits []Hit
	if err := ix.guard(ctx, "search", func(ctx context.Context) error {
		var err error
		hits, err = ix.backend.Search(ctx, collections, vectors[0], k)
		return err
	}); err != nil {
		return nil, err
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (ix *Index) Drop(ctx context.Context, collection string) error {
	return ix.guard(ctx, "drop", func(ctx context.Context) error {
		return ix.backend.Drop(ctx, collection)
	})
}

// Available reports whether calls are currently let through the breaker.
func (ix *Index) Available() bool {
	return ix.breaker == nil || ix.breaker.State() != circuitbreaker.StateOpen
}

func (ix *Index) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	if ix.breaker != nil {
		err = ix.breaker.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &UnavailableError{Op: op, Err: err}
}

// embed returns normalized vectors for texts, consulting the embedding cache
// first and sending only the misses to the embedder.
func (ix *Index) embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := ix.embedder.Model()
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missing []int
	for i, t := range texts {
		keys[i] = cache.Key("embed", map[string]string{"model": model}, cache.HashText(t))
		if ix.cache != nil {
			if data, ok, err := ix.cache.Get(ctx, keys[i]); err == nil && ok {
				if v, err := decodeVector(data); err == nil {
					out[i] = v
					continue
				}
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	var vectors [][]float32
	err := ix.guard(ctx, "embed", func(ctx context.Context) error {
		var err error
		vectors, err = ix.embedder.Embed(ctx, batch)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	for j, i := range missing {
		v := Normalize(vectors[j])
		out[i] = v
		if ix.cache != nil {
			if err := ix.cache.Put(ctx, keys[i], encodeVector(v)); err != nil {
				ix.logger.Warn("Failed to cache embedding", zap.Error(err))
			}
		}
	}
	return out, nil
}

// SortHits orders by score descending, then most recent ingestion, then ID.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Seq != hits[j].Seq {
			return hits[i].Seq > hits[j].Seq
		}
		return hits[i].ID < hits[j].ID
	})
}

// Normalize scales v to unit length. Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
