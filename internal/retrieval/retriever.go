package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/pkg/tokens"
)

// Searcher is the part of the embedding index the retriever needs.
type Searcher interface {
	Query(ctx context.Context, collections []string, text string, k int) ([]index.Hit, error)
}

// SummarySource returns the top-level metrics summary chunk of a dataset.
type SummarySource interface {
	Summary(ctx context.Context, fingerprint string) (index.Chunk, bool)
}

type Item struct {
	Chunk  index.Chunk `json:"chunk"`
	Score  float64     `json:"score"`
	Tokens int         `json:"tokens"`
}

type Context struct {
	Items          []Item `json:"items"`
	Tokens         int    `json:"tokens"`
	Budget         int    `json:"budget"`
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

func (c *Context) ChunkIDs() []string {
	ids := make([]string, len(c.Items))
	for i, it := range c.Items {
		ids[i] = it.Chunk.ID
	}
	return ids
}

// Text renders the items in order for a prompt.
func (c *Context) Text() string {
	parts := make([]string, len(c.Items))
	for i, it := range c.Items {
		parts[i] = fmt.Sprintf("[%s]\n%s", it.Chunk.ID, it.Chunk.Text)
	}
	return strings.Join(parts, "\n\n")
}

type Retriever struct {
	searcher   Searcher
	summaries  SummarySource
	counter    tokens.Counter
	candidates int
	logger     *zap.Logger
}

func NewRetriever(searcher Searcher, summaries SummarySource, counter tokens.Counter, candidates int, logger *zap.Logger) *Retriever {
	if counter == nil {
		counter = tokens.Approx{}
	}
	if candidates <= 0 {
		candidates = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		searcher:   searcher,
		summaries:  summaries,
		counter:    counter,
		candidates: candidates,
		logger:     logger,
	}
}

// Retrieve assembles context for question from the given datasets without
// exceeding budget tokens; budget <= 0 means no limit. Each dataset's summary
// goes in first, then search hits by descending score. A chunk that does not
// fit is skipped whole. When the index is unavailable the result holds the
// summaries only and is marked degraded.
func (r *Retriever) Retrieve(ctx context.Context, question string, datasets []string, budget int) (*Context, error) {
	start := time.Now()
	active := normalizeDatasets(datasets)
	out := &Context{Items: []Item{}, Budget: budget}
	included := make(map[string]struct{})

	add := func(c index.Chunk, score float64) {
		if _, dup := included[c.ID]; dup {
			return
		}
		n := r.counter.Count(c.Text)
		if budget > 0 && out.Tokens+n > budget {
			return
		}
		included[c.ID] = struct{}{}
		out.Items = append(out.Items, Item{Chunk: c, Score: score, Tokens: n})
		out.Tokens += n
	}

	for _, fp := range active {
		summary, ok := r.summaries.Summary(ctx, fp)
		if !ok {
			r.logger.Warn("No summary for active dataset", zap.String("fingerprint", fp))
			continue
		}
		add(summary, 1)
	}

	if len(active) > 0 {
		hits, err := r.searcher.Query(ctx, active, question, r.candidates)
		switch {
		case err == nil:
			for _, h := range hits {
				add(h.Chunk, h.Score)
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			out.Degraded = true
			out.DegradedReason = "semantic search unavailable, answering from dataset metrics only"
			metrics.RetrievalDegraded.Inc()
			if errors.Is(err, index.ErrUnavailable) {
				r.logger.Warn("Index unavailable, retrieval degraded", zap.Error(err))
			} else {
				r.logger.Error("Index query failed, retrieval degraded", zap.Error(err))
			}
		}
	}

	metrics.ContextTokens.Observe(float64(out.Tokens))
	r.logger.Debug("Context retrieved",
		zap.Int("datasets", len(active)),
		zap.Int("chunks", len(out.Items)),
		zap.Int("tokens", out.Tokens),
		zap.Bool("degraded", out.Degraded),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

func normalizeDatasets(datasets []string) []string {
	seen := make(map[string]struct{}, len(datasets))
	out := make([]string, 0, len(datasets))
	for _, d := range datasets {
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
