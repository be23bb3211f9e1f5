package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/pkg/logger"
)

const maxTextLength = 65535

var outputFields = []string{"chunk_id", "collection_id", "dataset", "chunk_index", "kind", "text", "seq"}

// Backend keeps every dataset in one Milvus collection and scopes searches
// with a collection_id filter expression.
type Backend struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewBackend(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Backend, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	b := &Backend{client: c, collectionName: collectionName, vectorDim: vectorDim}
	if err := b.CreateCollection(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) CreateCollection(ctx context.Context) error {
	has, err := b.client.HasCollection(ctx, b.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", b.collectionName))
		return b.client.LoadCollection(ctx, b.collectionName, false)
	}

	schema := entity.NewSchema().
		WithName(b.collectionName).
		WithDescription("CSV dataset chunk embeddings").
		WithField(entity.NewField().WithName("chunk_id").WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(true).WithMaxLength(128)).
		WithField(entity.NewField().WithName("collection_id").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(64)).
		WithField(entity.NewField().WithName("dataset").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(512)).
		WithField(entity.NewField().WithName("chunk_index").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("kind").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(32)).
		WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxTextLength)).
		WithField(entity.NewField().WithName("seq").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(b.vectorDim)))

	if err := b.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := b.client.CreateIndex(ctx, b.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := b.client.LoadCollection(ctx, b.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", b.collectionName))
	return nil
}

// milvusID keeps primary keys unique across datasets whose fingerprints
// share a prefix.
func milvusID(r index.Chunk) string {
	return r.Collection + ":" + r.ID
}

func (b *Backend) Upsert(ctx context.Context, records []index.Record) error {
	if len(records) == 0 {
		return nil
	}

	n := len(records)
	ids := make([]string, n)
	collections := make([]string, n)
	datasets := make([]string, n)
	indexes := make([]int64, n)
	kinds := make([]string, n)
	texts := make([]string, n)
	seqs := make([]int64, n)
	embeddings := make([][]float32, n)

	for i, r := range records {
		if len(r.Vector) != b.vectorDim {
			return fmt.Errorf("vector dimension %d does not match collection dimension %d", len(r.Vector), b.vectorDim)
		}
		ids[i] = milvusID(r.Chunk)
		collections[i] = r.Collection
		datasets[i] = r.Dataset
		indexes[i] = int64(r.Index)
		kinds[i] = string(r.Kind)
		texts[i] = truncate(r.Text, maxTextLength)
		seqs[i] = int64(r.Seq)
		embeddings[i] = r.Vector
	}

	_, err := b.client.Upsert(
		ctx,
		b.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", ids),
		entity.NewColumnVarChar("collection_id", collections),
		entity.NewColumnVarChar("dataset", datasets),
		entity.NewColumnInt64("chunk_index", indexes),
		entity.NewColumnVarChar("kind", kinds),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnInt64("seq", seqs),
		entity.NewColumnFloatVector("embedding", b.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	if err := b.client.Flush(ctx, b.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks upserted into milvus", zap.Int("count", n))
	return nil
}

func (b *Backend) Search(ctx context.Context, collections []string, vector []float32, k int) ([]index.Hit, error) {
	if len(collections) == 0 || k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := b.client.Search(
		ctx,
		b.collectionName,
		[]string{},
		collectionExpr(collections),
		outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		"embedding",
		entity.IP,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var hits []index.Hit
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			h, err := hitAt(sr, i)
			if err != nil {
				return nil, err
			}
			hits = append(hits, h)
		}
	}

	logger.Debug("Milvus search completed", zap.Int("topK", k), zap.Int("results", len(hits)))
	return hits, nil
}

func hitAt(sr client.SearchResult, i int) (index.Hit, error) {
	get := func(name string) (interface{}, error) {
		col := sr.Fields.GetColumn(name)
		if col == nil {
			return nil, fmt.Errorf("search result is missing field %q", name)
		}
		return col.Get(i)
	}

	values := make(map[string]interface{}, len(outputFields))
	for _, name := range outputFields {
		v, err := get(name)
		if err != nil {
			return index.Hit{}, err
		}
		values[name] = v
	}

	pk, _ := values["chunk_id"].(string)
	collection, _ := values["collection_id"].(string)
	dataset, _ := values["dataset"].(string)
	kind, _ := values["kind"].(string)
	text, _ := values["text"].(string)
	chunkIndex, _ := values["chunk_index"].(int64)
	seq, _ := values["seq"].(int64)

	return index.Hit{
		Chunk: index.Chunk{
			ID:         strings.TrimPrefix(pk, collection+":"),
			Collection: collection,
			Dataset:    dataset,
			Index:      int(chunkIndex),
			Kind:       index.Kind(kind),
			Text:       text,
		},
		Score: float64(sr.Scores[i]),
		Seq:   uint64(seq),
	}, nil
}

func (b *Backend) Drop(ctx context.Context, collection string) error {
	if err := b.client.Delete(ctx, b.collectionName, "", collectionExpr([]string{collection})); err != nil {
		return fmt.Errorf("failed to delete collection records: %w", err)
	}
	logger.Info("Milvus collection records deleted", zap.String("collection", collection))
	return nil
}

func collectionExpr(collections []string) string {
	quoted := make([]string, len(collections))
	for i, c := range collections {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf("collection_id in [%s]", strings.Join(quoted, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
