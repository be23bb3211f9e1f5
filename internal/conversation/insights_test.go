package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/internal/llm"
)

type summaryMap map[string]string

func (m summaryMap) Summary(_ context.Context, fp string) (index.Chunk, bool) {
	text, ok := m[fp]
	if !ok {
		return index.Chunk{}, false
	}
	return index.Chunk{ID: fp + "-summary-0", Collection: fp, Kind: index.KindSummary, Text: text}, true
}

func TestInsightsAreMemoizedPerSummary(t *testing.T) {
	gen := &scriptedGenerator{answerFn: func(llm.Prompt) string {
		return "Revenue of 5000.00 outweighs expenses of 1200.00."
	}}
	memo := cache.NewMemo(cache.NewLRU(1<<20, time.Hour), nil)
	in := NewInsighter(summaryMap{"fp": "Total revenue: 5000.00. Total expense: 1200.00."}, gen, memo, time.Millisecond, nil)
	ctx := context.Background()

	first, err := in.Insights(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Empty(t, first.Unverified)
	assert.Equal(t, InsightsPrompt, gen.prompts[0].System)
	assert.Contains(t, gen.prompts[0].Context, "Total revenue: 5000.00")

	second, err := in.Insights(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, gen.Calls())
}

func TestInsightsUnknownDataset(t *testing.T) {
	in := NewInsighter(summaryMap{}, &scriptedGenerator{}, nil, time.Millisecond, nil)
	_, err := in.Insights(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoSummary)
}

func TestInsightsRetryTransientOnce(t *testing.T) {
	transient := &llm.InvocationError{Provider: llm.ProviderOpenAI, StatusCode: 503, Transient: true, Err: errors.New("busy")}
	gen := &scriptedGenerator{errs: []error{transient, transient}}
	in := NewInsighter(summaryMap{"fp": "Total revenue: 5000.00."}, gen, nil, time.Millisecond, nil)

	_, err := in.Insights(context.Background(), "fp")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageGeneration, stageErr.Stage)
	assert.Equal(t, 2, gen.Calls())
}
