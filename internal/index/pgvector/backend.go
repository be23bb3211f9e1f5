package pgvector

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/pkg/logger"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Backend stores chunk embeddings in a PostgreSQL table using the pgvector
// extension. Each dataset's records share a collection value.
type Backend struct {
	pool      *pgxpool.Pool
	table     string
	vectorDim int
}

func NewBackend(ctx context.Context, dsn, table string, vectorDim int) (*Backend, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid pgvector table name %q", table)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	b := &Backend{pool: pool, table: table, vectorDim: vectorDim}
	if err := b.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("pgvector backend initialized", zap.String("table", table), zap.Int("dim", vectorDim))
	return b, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func schemaStatements(table string, dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			dataset TEXT NOT NULL DEFAULT '',
			chunk_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			seq BIGINT NOT NULL,
			embedding vector(%d) NOT NULL,
			PRIMARY KEY (collection, id)
		)`, quoteIdent(table), dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (collection)`,
			quoteIdent(table+"_collection_idx"), quoteIdent(table)),
	}
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (collection, id, dataset, chunk_index, kind, content, seq, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collection, id) DO UPDATE SET
			dataset = EXCLUDED.dataset,
			chunk_index = EXCLUDED.chunk_index,
			kind = EXCLUDED.kind,
			content = EXCLUDED.content,
			seq = EXCLUDED.seq,
			embedding = EXCLUDED.embedding`, quoteIdent(table))
}

// searchQuery orders by cosine distance, then most recent ingestion, then id.
func searchQuery(table string) string {
	return fmt.Sprintf(`SELECT collection, id, dataset, chunk_index, kind, content, seq,
			1 - (embedding <=> $1) AS score
		FROM %s
		WHERE collection = ANY($2)
		ORDER BY embedding <=> $1, seq DESC, id
		LIMIT $3`, quoteIdent(table))
}

func dropQuery(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE collection = $1`, quoteIdent(table))
}

func (b *Backend) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(b.table, b.vectorDim) {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize pgvector schema: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() {
	b.pool.Close()
}

func (b *Backend) Upsert(ctx context.Context, records []index.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := upsertQuery(b.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Vector) != b.vectorDim {
			return fmt.Errorf("vector dimension %d does not match table dimension %d", len(r.Vector), b.vectorDim)
		}
		batch.Queue(query, r.Collection, r.ID, r.Dataset, r.Index, string(r.Kind), r.Text,
			int64(r.Seq), pgvector.NewVector(r.Vector))
	}

	br := b.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert chunk %d: %w", i, err)
		}
	}
	return nil
}

func (b *Backend) Search(ctx context.Context, collections []string, vector []float32, k int) ([]index.Hit, error) {
	if len(collections) == 0 || k <= 0 {
		return nil, nil
	}

	rows, err := b.pool.Query(ctx, searchQuery(b.table), pgvector.NewVector(vector), collections, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var (
			h    index.Hit
			kind string
			seq  int64
		)
		if err := rows.Scan(&h.Collection, &h.ID, &h.Dataset, &h.Index, &kind, &h.Text, &seq, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		h.Kind = index.Kind(kind)
		h.Seq = uint64(seq)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (b *Backend) Drop(ctx context.Context, collection string) error {
	tag, err := b.pool.Exec(ctx, dropQuery(b.table), collection)
	if err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	logger.Info("pgvector collection dropped",
		zap.String("collection", collection),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}
