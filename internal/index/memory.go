package index

import (
	"context"
	"errors"
	"sync"
)

// MemoryBackend is a brute-force in-process backend. Vectors are expected to
// be normalized, so the inner product is the cosine similarity.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]map[string]Record)}
}

func (b *MemoryBackend) Upsert(ctx context.Context, records []Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range records {
		if r.Collection == "" {
			return errors.New("record has no collection")
		}
		col, ok := b.collections[r.Collection]
		if !ok {
			col = make(map[string]Record)
			b.collections[r.Collection] = col
		}
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		r.Vector = vec
		col[r.ID] = r
	}
	return nil
}

func (b *MemoryBackend) Search(ctx context.Context, collections []string, vector []float32, k int) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var hits []Hit
	seen := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		for _, r := range b.collections[name] {
			hits = append(hits, Hit{Chunk: r.Chunk, Score: Dot(r.Vector, vector), Seq: r.Seq})
		}
	}

	SortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (b *MemoryBackend) Drop(ctx context.Context, collection string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.collections, collection)
	return nil
}

// Len returns the number of records in collection.
func (b *MemoryBackend) Len(collection string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.collections[collection])
}
