package conversation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/llm"
	"github.com/csv-insight/backend/internal/retrieval"
	"github.com/csv-insight/backend/pkg/retry"
)

var ErrNoSummary = errors.New("dataset has no summary")

const InsightsPrompt = `You are a financial analyst reviewing a dataset summary.
Give 3 to 5 actionable insights covering revenue trends, expense patterns, anomalies and
opportunities for improvement. Quote figures exactly as they appear in the summary.`

const insightsQuestion = "What are the key insights in this dataset?"

type Insights struct {
	Fingerprint string   `json:"fingerprint"`
	Text        string   `json:"insights"`
	Unverified  []string `json:"unverified,omitempty"`
	Cached      bool     `json:"cached"`
}

// Insighter produces per-dataset insights from the metrics summary. Results
// are memoized per summary, so a dataset is analysed once.
type Insighter struct {
	summaries retrieval.SummarySource
	generator llm.Generator
	memo      *cache.Memo
	backoff   time.Duration
	logger    *zap.Logger
}

// NewInsighter builds an Insighter. memo may be nil to disable caching.
func NewInsighter(summaries retrieval.SummarySource, generator llm.Generator, memo *cache.Memo, retryBackoff time.Duration, logger *zap.Logger) *Insighter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Insighter{
		summaries: summaries,
		generator: generator,
		memo:      memo,
		backoff:   retryBackoff,
		logger:    logger,
	}
}

func (in *Insighter) Insights(ctx context.Context, fingerprint string) (*Insights, error) {
	summary, ok := in.summaries.Summary(ctx, fingerprint)
	if !ok {
		return nil, ErrNoSummary
	}

	compute := func(ctx context.Context) ([]byte, error) {
		text, err := retry.DoWithResult(ctx, retry.Config{
			MaxAttempts:  2,
			InitialDelay: in.backoff,
			MaxDelay:     in.backoff,
			Multiplier:   1,
			Retryable:    llm.IsTransient,
			Logger:       in.logger,
		}, func(ctx context.Context) (string, error) {
			return in.generator.Generate(ctx, llm.Prompt{
				System:   InsightsPrompt,
				Context:  summary.Text,
				Question: insightsQuestion,
			}, nil)
		})
		if err != nil {
			return nil, &StageError{Stage: StageGeneration, Err: err}
		}
		return []byte(text), nil
	}

	var (
		raw []byte
		hit bool
		err error
	)
	if in.memo != nil {
		key := cache.Key("insights", map[string]string{"summary": cache.HashText(summary.Text)}, fingerprint)
		raw, hit, err = in.memo.Do(ctx, key, compute)
	} else {
		raw, err = compute(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := &Insights{
		Fingerprint: fingerprint,
		Text:        string(raw),
		Unverified:  ungroundedFigures(string(raw), summary.Text),
		Cached:      hit,
	}
	in.logger.Info("Insights generated",
		zap.String("fingerprint", fingerprint),
		zap.Bool("cached", hit),
		zap.Int("unverified", len(out.Unverified)),
	)
	return out, nil
}
