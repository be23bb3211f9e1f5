package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/internal/llm"
	"github.com/csv-insight/backend/internal/retrieval"
	"github.com/csv-insight/backend/internal/storage/models"
)

type stubRetriever struct {
	degraded bool
	calls    atomic.Int32
}

func (r *stubRetriever) Retrieve(ctx context.Context, question string, datasets []string, budget int) (*retrieval.Context, error) {
	r.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &retrieval.Context{
		Items: []retrieval.Item{{
			Chunk:  index.Chunk{ID: "fp-summary-0", Kind: index.KindSummary, Text: "Total revenue: 5000.00"},
			Score:  1,
			Tokens: 6,
		}},
		Tokens: 6,
		Budget: budget,
	}
	if !r.degraded {
		out.Items = append(out.Items, retrieval.Item{
			Chunk:  index.Chunk{ID: "fp-rows-1", Kind: index.KindRows, Text: "2024-01-03 revenue 1200"},
			Score:  0.8,
			Tokens: 6,
		})
		out.Tokens += 6
	} else {
		out.Degraded = true
	}
	return out, nil
}

type scriptedGenerator struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	history  [][]llm.Message
	prompts  []llm.Prompt
	block    bool
	active   atomic.Int32
	peak     atomic.Int32
	deltas   []string
	answerFn func(llm.Prompt) string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt llm.Prompt, history []llm.Message) (string, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	g.mu.Lock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	g.history = append(g.history, history)
	var err error
	if len(g.errs) > 0 {
		err, g.errs = g.errs[0], g.errs[1:]
	}
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if g.answerFn != nil {
		return g.answerFn(prompt), nil
	}
	return "answer to " + prompt.Question, nil
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type streamingGenerator struct {
	scriptedGenerator
}

func (g *streamingGenerator) GenerateStream(ctx context.Context, prompt llm.Prompt, history []llm.Message, onDelta func(string)) (string, error) {
	text, err := g.Generate(ctx, prompt, history)
	if err != nil {
		return "", err
	}
	for _, w := range strings.SplitAfter(text, " ") {
		onDelta(w)
	}
	return text, nil
}

type memoryTurnLog struct {
	mu      sync.Mutex
	records []models.TurnRecord
}

func (l *memoryTurnLog) RecordTurn(_ context.Context, rec *models.TurnRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, *rec)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newTestOrchestrator(r ContextRetriever, g llm.Generator, log TurnLog, cfg Config) *Orchestrator {
	return NewOrchestrator(r, g, cache.NewLRU(1<<20, time.Hour), log, nil, cfg, nil)
}

func TestRepeatedQuestionIsAnsweredFromCache(t *testing.T) {
	gen := &scriptedGenerator{}
	turnLog := &memoryTurnLog{}
	o := newTestOrchestrator(&stubRetriever{}, gen, turnLog, testConfig())
	s := NewManager().Create([]string{"fp"})
	ctx := context.Background()

	first, err := o.Ask(ctx, s, "What is total revenue?")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, []string{"fp-summary-0", "fp-rows-1"}, first.ChunkIDs)

	second, err := o.Ask(ctx, s, "  what is TOTAL revenue? ")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.ChunkIDs, second.ChunkIDs)

	assert.Equal(t, 1, gen.Calls())
	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Cached)
	assert.Len(t, turnLog.records, 2)
	assert.Equal(t, StateIdle, s.State())
}

func TestDifferentHistoryMissesCache(t *testing.T) {
	gen := &scriptedGenerator{}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})
	ctx := context.Background()

	_, err := o.Ask(ctx, s, "q1")
	require.NoError(t, err)
	_, err = o.Ask(ctx, s, "q2")
	require.NoError(t, err)
	ans, err := o.Ask(ctx, s, "q1")
	require.NoError(t, err)

	assert.False(t, ans.Cached)
	assert.Equal(t, 3, gen.Calls())
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{
		&llm.InvocationError{Provider: llm.ProviderOpenAI, StatusCode: 503, Transient: true, Err: errors.New("unavailable")},
	}}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	ans, err := o.Ask(context.Background(), s, "q")
	require.NoError(t, err)
	assert.Equal(t, "answer to q", ans.Answer)
	assert.Equal(t, 2, gen.Calls())
}

func TestTransientErrorTwiceSurfaces(t *testing.T) {
	transient := &llm.InvocationError{Provider: llm.ProviderOpenAI, StatusCode: 429, Transient: true, Err: errors.New("rate limited")}
	gen := &scriptedGenerator{errs: []error{transient, transient, transient}}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	_, err := o.Ask(context.Background(), s, "q")
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageGeneration, stageErr.Stage)
	assert.True(t, llm.IsTransient(err))
	assert.Equal(t, 2, gen.Calls())
	assert.Empty(t, s.Turns())
}

func TestTerminalErrorNotRetried(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{
		&llm.InvocationError{Provider: llm.ProviderOpenAI, StatusCode: 401, Err: errors.New("bad key")},
	}}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	_, err := o.Ask(context.Background(), s, "q")
	require.Error(t, err)
	assert.False(t, llm.IsTransient(err))
	assert.Equal(t, 1, gen.Calls())
	assert.Equal(t, StateIdle, s.State())
}

func TestCancellationDiscardsTurn(t *testing.T) {
	gen := &scriptedGenerator{}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	_, err := o.Ask(context.Background(), s, "first")
	require.NoError(t, err)

	gen.mu.Lock()
	gen.block = true
	gen.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Ask(ctx, s, "second")
		done <- err
	}()
	require.Eventually(t, func() bool { return gen.Calls() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateAwaitingAnswer, s.State())
	cancel()

	err = <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, gen.Calls())

	turns := s.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "first", turns[0].Question)
	assert.Equal(t, StateIdle, s.State())
}

func TestHistoryTrimmedToInputBudget(t *testing.T) {
	long := strings.Repeat("x", 400) // 100 tokens
	gen := &scriptedGenerator{answerFn: func(llm.Prompt) string { return long }}
	cfg := testConfig()
	cfg.InputBudget = 350
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, cfg)
	s := NewManager().Create([]string{"fp"})
	ctx := context.Background()

	for _, q := range []string{"q1", "q2", "q3", "q4"} {
		_, err := o.Ask(ctx, s, q)
		require.NoError(t, err)
	}

	last := gen.history[len(gen.history)-1]
	require.NotEmpty(t, last)
	assert.Less(t, len(last), 6)
	assert.Equal(t, 0, len(last)%2)
	assert.Equal(t, llm.RoleUser, last[0].Role)
	assert.Equal(t, "q3", last[len(last)-2].Content)

	total := o.counter.Count(cfg.SystemPrompt)
	for _, m := range last {
		total += o.counter.Count(m.Content)
	}
	assert.LessOrEqual(t, total, cfg.InputBudget)
}

func TestHistoryLimitedToRecentTurns(t *testing.T) {
	gen := &scriptedGenerator{}
	cfg := testConfig()
	cfg.HistoryTurns = 1
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, cfg)
	s := NewManager().Create([]string{"fp"})
	ctx := context.Background()

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := o.Ask(ctx, s, q)
		require.NoError(t, err)
	}

	last := gen.history[2]
	require.Len(t, last, 2)
	assert.Equal(t, "q2", last[0].Content)
	assert.Equal(t, "answer to q2", last[1].Content)
}

func TestDegradedRetrievalStillAnswers(t *testing.T) {
	gen := &scriptedGenerator{}
	o := newTestOrchestrator(&stubRetriever{degraded: true}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})
	ctx := context.Background()

	ans, err := o.Ask(ctx, s, "What is total revenue?")
	require.NoError(t, err)
	assert.NotEmpty(t, ans.Answer)
	assert.True(t, ans.Degraded)
	assert.Equal(t, DegradedNotice, ans.Notice)
	assert.Equal(t, []string{"fp-summary-0"}, ans.ChunkIDs)
	assert.Contains(t, gen.prompts[0].Context, DegradedNotice)

	// degraded answers are not reused
	again, err := o.Ask(ctx, s, "What is total revenue?")
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.Equal(t, 2, gen.Calls())
}

func TestAskStreamDeliversDeltas(t *testing.T) {
	gen := &streamingGenerator{}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	var parts []string
	ans, err := o.AskStream(context.Background(), s, "net income", func(d string) { parts = append(parts, d) })
	require.NoError(t, err)
	assert.Greater(t, len(parts), 1)
	assert.Equal(t, ans.Answer, strings.Join(parts, ""))

	parts = nil
	cached, err := o.AskStream(context.Background(), s, "net income", func(d string) { parts = append(parts, d) })
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, []string{ans.Answer}, parts)
}

func TestOneQuestionAtATimePerSession(t *testing.T) {
	gen := &scriptedGenerator{answerFn: func(p llm.Prompt) string {
		time.Sleep(5 * time.Millisecond)
		return p.Question
	}}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Ask(context.Background(), s, strings.Repeat("q", i+1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), gen.peak.Load())
	assert.Len(t, s.Turns(), 4)
}

func TestEmptyQuestionRejected(t *testing.T) {
	o := newTestOrchestrator(&stubRetriever{}, &scriptedGenerator{}, nil, testConfig())
	s := NewManager().Create(nil)

	_, err := o.Ask(context.Background(), s, "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestTurnKey(t *testing.T) {
	prior := []Turn{{Question: "What is revenue?", Answer: "5000"}}

	assert.Equal(t,
		turnKey("what is revenue?", prior, []string{"b", "a"}),
		turnKey("What is  revenue?", nil, []string{"a", "b"}),
	)
	assert.NotEqual(t,
		turnKey("net?", prior, []string{"a"}),
		turnKey("net?", nil, []string{"a"}),
	)
	assert.NotEqual(t,
		turnKey("net?", nil, []string{"a"}),
		turnKey("net?", nil, []string{"a", "b"}),
	)
}

// heldGenerator ignores cancellation and answers only when released.
type heldGenerator struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *heldGenerator) Generate(_ context.Context, prompt llm.Prompt, _ []llm.Message) (string, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
		<-g.release
	}
	return "answer to " + prompt.Question, nil
}

func TestResetDiscardsTurnInFlight(t *testing.T) {
	gen := &heldGenerator{started: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	m := NewManager()
	s := m.Create([]string{"fp"})

	done := make(chan error, 1)
	go func() {
		_, err := o.Ask(context.Background(), s, "What is total revenue?")
		done <- err
	}()
	<-gen.started
	require.NoError(t, m.Reset(s.ID))
	close(gen.release)

	assert.ErrorIs(t, <-done, ErrSessionReset)
	assert.Empty(t, s.Turns())
	assert.Equal(t, StateIdle, s.State())

	// the discarded answer was not cached either
	ans, err := o.Ask(context.Background(), s, "What is total revenue?")
	require.NoError(t, err)
	assert.False(t, ans.Cached)
	assert.Equal(t, int32(2), gen.calls.Load())
	assert.Len(t, s.Turns(), 1)
}

func TestResetCancelsGeneration(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	o := newTestOrchestrator(&stubRetriever{}, gen, nil, testConfig())
	m := NewManager()
	s := m.Create([]string{"fp"})

	done := make(chan error, 1)
	go func() {
		_, err := o.Ask(context.Background(), s, "q")
		done <- err
	}()
	require.Eventually(t, func() bool { return gen.Calls() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Reset(s.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionReset)
	case <-time.After(time.Second):
		t.Fatal("reset did not cancel the model call")
	}
	assert.Empty(t, s.Turns())
}

func TestModelTimeoutRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"Revenue is 5000.00."}}]}`))
	}))
	defer srv.Close()

	client, err := llm.NewClient(llm.Config{
		Provider: llm.ProviderOpenAI,
		Model:    "test-model",
		APIKey:   "sk-test",
		BaseURL:  srv.URL + "/v1",
		Timeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	o := newTestOrchestrator(&stubRetriever{}, client, nil, testConfig())
	s := NewManager().Create([]string{"fp"})

	ans, err := o.Ask(context.Background(), s, "What is total revenue?")
	require.NoError(t, err)
	assert.Equal(t, "Revenue is 5000.00.", ans.Answer)
	assert.Equal(t, int32(2), calls.Load())
}
