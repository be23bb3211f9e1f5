package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/storage/models"
	"github.com/csv-insight/backend/pkg/logger"
)

// ErrNotFound is returned when a registry row does not exist.
var ErrNotFound = errors.New("not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		fingerprint TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		column_count INTEGER NOT NULL,
		row_count INTEGER NOT NULL,
		date_column TEXT,
		hints TEXT,
		indexed INTEGER DEFAULT 0,
		chunk_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_datasets_updated ON datasets(updated_at);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		response TEXT,
		datasets TEXT,
		chunk_ids TEXT,
		degraded INTEGER DEFAULT 0,
		cached INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_session ON query_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// UpsertDataset inserts or refreshes a registry row. Re-uploading identical
// content keeps the original created_at.
func (c *Client) UpsertDataset(ctx context.Context, rec *models.DatasetRecord) error {
	query := `
		INSERT INTO datasets (fingerprint, name, column_count, row_count, date_column, hints, indexed, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			name = excluded.name,
			hints = excluded.hints,
			indexed = excluded.indexed,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx,
		query,
		rec.Fingerprint,
		rec.Name,
		rec.ColumnCount,
		rec.RowCount,
		rec.DateColumn,
		rec.Hints,
		boolToInt(rec.Indexed),
		rec.ChunkCount,
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert dataset: %w", err)
	}

	logger.Debug("Dataset registered", zap.String("fingerprint", rec.Fingerprint), zap.String("name", rec.Name))
	return nil
}

func (c *Client) GetDataset(ctx context.Context, fingerprint string) (*models.DatasetRecord, error) {
	query := `SELECT fingerprint, name, column_count, row_count, date_column, hints, indexed, chunk_count, created_at, updated_at
		FROM datasets WHERE fingerprint = ?`

	rec, err := scanDataset(c.db.QueryRowContext(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return rec, nil
}

// ListDatasets returns registered datasets, most recently updated first.
func (c *Client) ListDatasets(ctx context.Context) ([]models.DatasetRecord, error) {
	query := `SELECT fingerprint, name, column_count, row_count, date_column, hints, indexed, chunk_count, created_at, updated_at
		FROM datasets ORDER BY updated_at DESC, fingerprint ASC`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	records := make([]models.DatasetRecord, 0)
	for rows.Next() {
		rec, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (c *Client) DeleteDataset(ctx context.Context, fingerprint string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM datasets WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTurn appends one answered question to the query log.
func (c *Client) RecordTurn(ctx context.Context, rec *models.TurnRecord) error {
	query := `
		INSERT INTO query_history (id, session_id, query_text, response, datasets, chunk_ids, degraded, cached, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	datasetsJSON, err := json.Marshal(rec.Datasets)
	if err != nil {
		return fmt.Errorf("failed to encode datasets: %w", err)
	}
	chunksJSON, err := json.Marshal(rec.ChunkIDs)
	if err != nil {
		return fmt.Errorf("failed to encode chunk ids: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		query,
		rec.ID,
		rec.SessionID,
		rec.Question,
		rec.Answer,
		string(datasetsJSON),
		string(chunksJSON),
		boolToInt(rec.Degraded),
		boolToInt(rec.Cached),
		rec.LatencyMS,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	logger.Debug("Turn recorded",
		zap.String("turn_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.Bool("cached", rec.Cached),
	)
	return nil
}

// QueryHistory returns the logged turns of a session in the order they were answered.
func (c *Client) QueryHistory(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, session_id, query_text, response, datasets, chunk_ids, degraded, cached, latency_ms, created_at
		FROM query_history
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	records := make([]models.TurnRecord, 0)
	for rows.Next() {
		var r models.TurnRecord
		var datasetsJSON, chunksJSON string
		var degraded, cached int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.SessionID, &r.Question, &r.Answer, &datasetsJSON, &chunksJSON,
			&degraded, &cached, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(datasetsJSON), &r.Datasets); err != nil {
			return nil, fmt.Errorf("failed to decode datasets: %w", err)
		}
		if err := json.Unmarshal([]byte(chunksJSON), &r.ChunkIDs); err != nil {
			return nil, fmt.Errorf("failed to decode chunk ids: %w", err)
		}
		r.Degraded = degraded == 1
		r.Cached = cached == 1
		r.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*models.DatasetRecord, error) {
	var rec models.DatasetRecord
	var dateColumn, hints sql.NullString
	var indexed int
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.Fingerprint,
		&rec.Name,
		&rec.ColumnCount,
		&rec.RowCount,
		&dateColumn,
		&hints,
		&indexed,
		&rec.ChunkCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.DateColumn = dateColumn.String
	rec.Hints = hints.String
	rec.Indexed = indexed == 1
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
