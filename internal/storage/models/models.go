package models

import "time"

// DatasetRecord is the registry row for one ingested dataset.
type DatasetRecord struct {
	Fingerprint string
	Name        string
	ColumnCount int
	RowCount    int
	DateColumn  string
	Hints       string
	Indexed     bool
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TurnRecord is one answered question in the query log.
type TurnRecord struct {
	ID        string
	SessionID string
	Question  string
	Answer    string
	Datasets  []string
	ChunkIDs  []string
	Degraded  bool
	Cached    bool
	LatencyMS int
	CreatedAt time.Time
}
