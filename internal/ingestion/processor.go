package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/analysis"
	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/internal/storage/models"
)

var ErrUnknownDataset = errors.New("unknown dataset")

// Indexer is the part of the embedding index ingestion writes to.
type Indexer interface {
	Ingest(ctx context.Context, collection string, chunks []index.Chunk) error
	Drop(ctx context.Context, collection string) error
}

// Registry persists the list of ingested datasets.
type Registry interface {
	UpsertDataset(ctx context.Context, rec *models.DatasetRecord) error
	DeleteDataset(ctx context.Context, fingerprint string) error
}

type Result struct {
	Dataset    *analysis.Dataset
	Metrics    *analysis.Metrics
	CacheHit   bool
	Indexed    bool
	Chunks     int
	IndexError string
}

type entry struct {
	dataset *analysis.Dataset
	metrics *analysis.Metrics
	summary index.Chunk
	indexed bool
	chunks  int
}

type Processor struct {
	engine    *analysis.Engine
	memo      *cache.Memo
	indexer   Indexer
	registry  Registry
	params    analysis.Params
	chunkOpts index.ChunkOptions
	logger    *zap.Logger

	locksMu  sync.Mutex
	locks    map[string]*keyLock
	mu       sync.RWMutex
	datasets map[string]*entry
}

// NewProcessor builds the ingestion pipeline. registry may be nil.
func NewProcessor(engine *analysis.Engine, memo *cache.Memo, indexer Indexer, registry Registry, params analysis.Params, chunkOpts index.ChunkOptions, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engine:    engine,
		memo:      memo,
		indexer:   indexer,
		registry:  registry,
		params:    params,
		chunkOpts: chunkOpts,
		logger:    logger,
		locks:     make(map[string]*keyLock),
		datasets:  make(map[string]*entry),
	}
}

// Ingest parses raw CSV content, computes its metrics through the cache and
// indexes its chunks. Index failures do not fail ingestion: the dataset is
// still answerable from its metrics summary and Result.Indexed is false.
func (p *Processor) Ingest(ctx context.Context, name string, raw []byte, hints map[string]analysis.Kind) (*Result, error) {
	start := time.Now()

	ds, err := p.engine.Parse(name, raw, hints)
	if err != nil {
		metrics.DatasetsIngested.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock := p.lock(ds.Fingerprint)
	defer unlock()

	m, hit, err := p.computeMetrics(ctx, ds)
	if err != nil {
		metrics.DatasetsIngested.WithLabelValues("invalid").Inc()
		return nil, err
	}

	chunks := index.BuildChunks(ds, m, p.chunkOpts)
	res := &Result{Dataset: ds, Metrics: m, CacheHit: hit, Chunks: len(chunks)}

	if err := p.indexer.Ingest(ctx, ds.Fingerprint, chunks); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.IndexError = err.Error()
		if errors.Is(err, index.ErrUnavailable) {
			p.logger.Warn("Index unavailable, dataset kept without row search",
				zap.String("fingerprint", ds.Fingerprint),
				zap.Error(err),
			)
		} else {
			p.logger.Error("Failed to index dataset", zap.String("fingerprint", ds.Fingerprint), zap.Error(err))
		}
	} else {
		res.Indexed = true
	}

	now := time.Now()
	if p.registry != nil {
		rec := &models.DatasetRecord{
			Fingerprint: ds.Fingerprint,
			Name:        ds.Name,
			ColumnCount: len(ds.Columns),
			RowCount:    ds.RowCount,
			DateColumn:  ds.DateColumn,
			Hints:       m.Params["hints"],
			Indexed:     res.Indexed,
			ChunkCount:  len(chunks),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := p.registry.UpsertDataset(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to register dataset: %w", err)
		}
	}

	p.mu.Lock()
	p.datasets[ds.Fingerprint] = &entry{
		dataset: ds,
		metrics: m,
		summary: chunks[0],
		indexed: res.Indexed,
		chunks:  len(chunks),
	}
	p.mu.Unlock()

	status := "indexed"
	if !res.Indexed {
		status = "metrics_only"
	}
	metrics.DatasetsIngested.WithLabelValues(status).Inc()

	p.logger.Info("Dataset ingested",
		zap.String("fingerprint", ds.Fingerprint),
		zap.String("name", ds.Name),
		zap.Int("rows", ds.RowCount),
		zap.Int("chunks", len(chunks)),
		zap.Bool("cache_hit", hit),
		zap.Bool("indexed", res.Indexed),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

func (p *Processor) computeMetrics(ctx context.Context, ds *analysis.Dataset) (*analysis.Metrics, bool, error) {
	params := p.params
	params.Hints = ds.Hints
	key := cache.Key("compute_metrics", params.Canonical(), ds.Fingerprint)

	raw, hit, err := p.memo.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		m, err := p.engine.Compute(ds, params)
		if err != nil {
			return nil, err
		}
		return m.Encode()
	})
	if err != nil {
		return nil, false, err
	}

	m, err := analysis.DecodeMetrics(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return m, hit, nil
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock serializes ingestion of the same content. The lock is removed once
// nobody holds or waits for it.
func (p *Processor) lock(fingerprint string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[fingerprint]
	if !ok {
		l = &keyLock{}
		p.locks[fingerprint] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, fingerprint)
		}
		p.locksMu.Unlock()
	}
}

// Summary returns the top-level metrics chunk of an ingested dataset.
func (p *Processor) Summary(_ context.Context, fingerprint string) (index.Chunk, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.datasets[fingerprint]
	if !ok {
		return index.Chunk{}, false
	}
	return e.summary, true
}

func (p *Processor) Dataset(fingerprint string) (*analysis.Dataset, *analysis.Metrics, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.datasets[fingerprint]
	if !ok {
		return nil, nil, ErrUnknownDataset
	}
	return e.dataset, e.metrics, nil
}

// Has reports whether every fingerprint refers to an ingested dataset and
// returns the first that does not.
func (p *Processor) Has(fingerprints []string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fp := range fingerprints {
		if _, ok := p.datasets[fp]; !ok {
			return fp, false
		}
	}
	return "", true
}

type Info struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
	Columns     int    `json:"columns"`
	Rows        int    `json:"rows"`
	Indexed     bool   `json:"indexed"`
	Chunks      int    `json:"chunks"`
}

// List returns the datasets loaded in this process ordered by name.
func (p *Processor) List() []Info {
	p.mu.RLock()
	out := make([]Info, 0, len(p.datasets))
	for fp, e := range p.datasets {
		out = append(out, Info{
			Fingerprint: fp,
			Name:        e.dataset.Name,
			Columns:     len(e.dataset.Columns),
			Rows:        e.dataset.RowCount,
			Indexed:     e.indexed,
			Chunks:      e.chunks,
		})
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Drop removes a dataset and its index records. Cached metrics stay valid
// for the content and are left to age out.
func (p *Processor) Drop(ctx context.Context, fingerprint string) error {
	unlock := p.lock(fingerprint)
	defer unlock()

	p.mu.RLock()
	_, ok := p.datasets[fingerprint]
	p.mu.RUnlock()
	if !ok {
		return ErrUnknownDataset
	}

	if err := p.indexer.Drop(ctx, fingerprint); err != nil {
		return fmt.Errorf("failed to drop index records: %w", err)
	}
	if p.registry != nil {
		if err := p.registry.DeleteDataset(ctx, fingerprint); err != nil {
			p.logger.Warn("Dataset missing from registry", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
	}

	p.mu.Lock()
	delete(p.datasets, fingerprint)
	p.mu.Unlock()

	p.logger.Info("Dataset dropped", zap.String("fingerprint", fingerprint))
	return nil
}
