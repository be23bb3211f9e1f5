package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/llm"
	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/internal/retrieval"
	"github.com/csv-insight/backend/internal/storage/models"
	"github.com/csv-insight/backend/pkg/retry"
	"github.com/csv-insight/backend/pkg/tokens"
)

var ErrEmptyQuestion = errors.New("question is empty")

const DefaultSystemPrompt = `You are a data analyst answering questions about the user's CSV datasets.
Use only the metrics and data rows given in the context. Quote numbers exactly as they appear.
If the context does not contain the answer, say so instead of guessing.`

const DegradedNotice = "Row-level search was unavailable, so this answer is based on the dataset summaries only."

// ContextRetriever assembles the context for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, question string, datasets []string, budget int) (*retrieval.Context, error)
}

// TurnLog persists completed turns.
type TurnLog interface {
	RecordTurn(ctx context.Context, rec *models.TurnRecord) error
}

type Config struct {
	SystemPrompt string
	// TokenBudget bounds the retrieved context.
	TokenBudget int
	// InputBudget bounds the whole prompt; older history is dropped to fit.
	InputBudget  int
	HistoryTurns int
	RetryBackoff time.Duration
	// SkipGrounding turns off the check of answer figures against the context.
	SkipGrounding bool
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt: DefaultSystemPrompt,
		TokenBudget:  3000,
		InputBudget:  6000,
		HistoryTurns: 10,
		RetryBackoff: time.Second,
	}
}

type Answer struct {
	TurnID        string   `json:"turn_id"`
	SessionID     string   `json:"session_id"`
	Question      string   `json:"question"`
	Answer        string   `json:"answer"`
	ChunkIDs      []string `json:"chunk_ids"`
	Degraded      bool     `json:"degraded"`
	Notice        string   `json:"notice,omitempty"`
	Unverified    []string `json:"unverified,omitempty"`
	Cached        bool     `json:"cached"`
	ContextTokens int      `json:"context_tokens"`
	LatencyMS     int64    `json:"latency_ms"`
}

type cachedTurn struct {
	Answer        string   `json:"answer"`
	ChunkIDs      []string `json:"chunk_ids"`
	ContextTokens int      `json:"context_tokens"`
}

type Orchestrator struct {
	retriever ContextRetriever
	generator llm.Generator
	cache     cache.Store
	turnLog   TurnLog
	counter   tokens.Counter
	cfg       Config
	logger    *zap.Logger
}

// NewOrchestrator wires retrieval to the model. store and turnLog may be nil.
func NewOrchestrator(retriever ContextRetriever, generator llm.Generator, store cache.Store, turnLog TurnLog, counter tokens.Counter, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	if counter == nil {
		counter = tokens.Approx{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		cache:     store,
		turnLog:   turnLog,
		counter:   counter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ask answers question within the session's datasets and appends the turn.
func (o *Orchestrator) Ask(ctx context.Context, s *Session, question string) (*Answer, error) {
	return o.ask(ctx, s, question, nil)
}

// AskStream is Ask with partial answer text delivered to onDelta as it is
// generated. A cached answer is delivered as a single delta.
func (o *Orchestrator) AskStream(ctx context.Context, s *Session, question string, onDelta func(string)) (*Answer, error) {
	return o.ask(ctx, s, question, onDelta)
}

func (o *Orchestrator) ask(ctx context.Context, s *Session, question string, onDelta func(string)) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	start := time.Now()

	turnCtx, epoch, err := s.acquire(ctx)
	if err != nil {
		o.observe(start, false, "cancelled")
		return nil, err
	}
	defer s.release()
	ctx = turnCtx

	history := s.Turns()
	key := turnKey(question, history, s.Datasets)

	if ct, ok := o.lookup(ctx, key); ok {
		ans := &Answer{
			Question:      question,
			Answer:        ct.Answer,
			ChunkIDs:      ct.ChunkIDs,
			Cached:        true,
			ContextTokens: ct.ContextTokens,
		}
		if !o.complete(ctx, s, epoch, ans, start) {
			return nil, ErrSessionReset
		}
		if onDelta != nil {
			onDelta(ct.Answer)
		}
		return ans, nil
	}

	rctx, err := o.retriever.Retrieve(ctx, question, s.Datasets, o.cfg.TokenBudget)
	if err != nil {
		if !s.current(epoch) {
			o.observe(start, false, "reset")
			return nil, ErrSessionReset
		}
		o.observe(start, false, outcome(err))
		return nil, &StageError{Stage: StageRetrieval, Err: err}
	}

	prompt := llm.Prompt{
		System:   o.cfg.SystemPrompt,
		Context:  rctx.Text(),
		Question: question,
	}
	if rctx.Degraded {
		prompt.Context = "Note: " + DegradedNotice + "\n\n" + prompt.Context
	}
	msgs := o.trimHistory(prompt, historyMessages(history, o.cfg.HistoryTurns))

	text, err := o.generate(ctx, s, prompt, msgs, onDelta)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if !s.current(epoch) {
			o.observe(start, false, "reset")
			return nil, ErrSessionReset
		}
		o.observe(start, false, outcome(err))
		o.logger.Warn("Answer generation failed",
			zap.String("session_id", s.ID),
			zap.Bool("transient", llm.IsTransient(err)),
			zap.Error(err),
		)
		return nil, &StageError{Stage: StageGeneration, Err: err}
	}

	ans := &Answer{
		Question:      question,
		Answer:        text,
		ChunkIDs:      rctx.ChunkIDs(),
		Degraded:      rctx.Degraded,
		ContextTokens: rctx.Tokens,
	}
	if rctx.Degraded {
		ans.Notice = DegradedNotice
	}
	if !o.cfg.SkipGrounding {
		if figures := ungroundedFigures(text, prompt.Context); len(figures) > 0 {
			ans.Unverified = figures
			ans.Notice = joinNotices(ans.Notice, GroundingNotice)
			o.logger.Warn("Answer quotes figures not found in context",
				zap.String("session_id", s.ID),
				zap.Strings("figures", figures),
			)
		}
	}
	if !o.complete(ctx, s, epoch, ans, start) {
		return nil, ErrSessionReset
	}
	// degraded or unverified answers are recomputed next time
	if !rctx.Degraded && len(ans.Unverified) == 0 {
		o.store(ctx, key, ans)
	}
	return ans, nil
}

// generate invokes the model with one retry on transient failures. Once
// streamed text has reached the caller a failure is not retried.
func (o *Orchestrator) generate(ctx context.Context, s *Session, prompt llm.Prompt, history []llm.Message, onDelta func(string)) (string, error) {
	emitted := false
	cfg := retry.Config{
		MaxAttempts:  2,
		InitialDelay: o.cfg.RetryBackoff,
		MaxDelay:     o.cfg.RetryBackoff,
		Multiplier:   1,
		Retryable: func(err error) bool {
			return !emitted && llm.IsTransient(err)
		},
		OnRetry: func(attempt int, err error) {
			o.logger.Info("Retrying model invocation",
				zap.String("session_id", s.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Logger: o.logger,
	}

	streamer, canStream := o.generator.(llm.StreamGenerator)
	return retry.DoWithResult(ctx, cfg, func(ctx context.Context) (string, error) {
		if onDelta != nil && canStream {
			return streamer.GenerateStream(ctx, prompt, history, func(d string) {
				emitted = true
				onDelta(d)
			})
		}
		text, err := o.generator.Generate(ctx, prompt, history)
		if err == nil && onDelta != nil {
			onDelta(text)
		}
		return text, err
	})
}

// complete records a finished turn on the session and in the query log. It
// reports false when the session was reset since epoch; nothing is recorded.
func (o *Orchestrator) complete(ctx context.Context, s *Session, epoch uint64, ans *Answer, start time.Time) bool {
	now := time.Now()
	ans.TurnID = uuid.New().String()
	ans.SessionID = s.ID
	ans.LatencyMS = now.Sub(start).Milliseconds()

	appended := s.appendTurn(epoch, Turn{
		ID:       ans.TurnID,
		Question: ans.Question,
		ChunkIDs: ans.ChunkIDs,
		Answer:   ans.Answer,
		Degraded: ans.Degraded,
		Cached:   ans.Cached,
		Time:     now,
	})
	if !appended {
		o.observe(start, false, "reset")
		o.logger.Info("Discarded answer for reset session", zap.String("session_id", s.ID))
		return false
	}

	if o.turnLog != nil {
		rec := &models.TurnRecord{
			ID:        ans.TurnID,
			SessionID: s.ID,
			Question:  ans.Question,
			Answer:    ans.Answer,
			Datasets:  s.Datasets,
			ChunkIDs:  ans.ChunkIDs,
			Degraded:  ans.Degraded,
			Cached:    ans.Cached,
			LatencyMS: int(ans.LatencyMS),
			CreatedAt: now,
		}
		if err := o.turnLog.RecordTurn(context.WithoutCancel(ctx), rec); err != nil {
			o.logger.Error("Failed to record turn", zap.String("turn_id", ans.TurnID), zap.Error(err))
		}
	}

	o.observe(start, ans.Cached, "ok")
	o.logger.Info("Question answered",
		zap.String("session_id", s.ID),
		zap.String("turn_id", ans.TurnID),
		zap.Int("chunks", len(ans.ChunkIDs)),
		zap.Bool("cached", ans.Cached),
		zap.Bool("degraded", ans.Degraded),
		zap.Int64("latency_ms", ans.LatencyMS),
	)
	return true
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (*cachedTurn, bool) {
	if o.cache == nil {
		return nil, false
	}
	raw, ok, err := o.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var ct cachedTurn
	if err := json.Unmarshal(raw, &ct); err != nil {
		o.logger.Warn("Discarding unreadable cached turn", zap.Error(err))
		return nil, false
	}
	return &ct, true
}

func (o *Orchestrator) store(ctx context.Context, key string, ans *Answer) {
	if o.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedTurn{Answer: ans.Answer, ChunkIDs: ans.ChunkIDs, ContextTokens: ans.ContextTokens})
	if err != nil {
		return
	}
	if err := o.cache.Put(ctx, key, raw); err != nil {
		o.logger.Warn("Failed to cache turn", zap.Error(err))
	}
}

// trimHistory drops the oldest exchanges until the prompt fits InputBudget.
func (o *Orchestrator) trimHistory(prompt llm.Prompt, history []llm.Message) []llm.Message {
	if o.cfg.InputBudget <= 0 {
		return history
	}
	total := o.counter.Count(prompt.System) + o.counter.Count(prompt.Context) + o.counter.Count(prompt.Question) +
		2*tokens.MessageOverhead
	costs := make([]int, len(history))
	for i, m := range history {
		costs[i] = o.counter.Count(m.Content) + tokens.MessageOverhead
		total += costs[i]
	}
	drop := 0
	for total > o.cfg.InputBudget && drop < len(history) {
		total -= costs[drop]
		drop++
		// keep user/assistant pairs together
		if drop < len(history) && history[drop].Role == llm.RoleAssistant {
			total -= costs[drop]
			drop++
		}
	}
	if drop > 0 {
		o.logger.Debug("History trimmed to fit input budget",
			zap.Int("dropped_messages", drop),
			zap.Int("kept_messages", len(history)-drop),
		)
	}
	return history[drop:]
}

func (o *Orchestrator) observe(start time.Time, cached bool, status string) {
	if status == "ok" {
		metrics.QuestionDuration.WithLabelValues(strconv.FormatBool(cached)).Observe(time.Since(start).Seconds())
	}
	metrics.QuestionTotal.WithLabelValues(status).Inc()
}

func historyMessages(turns []Turn, limit int) []llm.Message {
	if limit >= 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	msgs := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.Question},
			llm.Message{Role: llm.RoleAssistant, Content: t.Answer},
		)
	}
	return msgs
}

// turnKey identifies an answer by question, conversation so far and dataset
// scope. Earlier turns asking the same question are left out of the history
// part so that repeating a question hits the cache.
func turnKey(question string, history []Turn, datasets []string) string {
	nq := normalizeQuestion(question)
	var b strings.Builder
	for _, t := range history {
		if normalizeQuestion(t.Question) == nq {
			continue
		}
		fmt.Fprintf(&b, "%d:%s%d:%s", len(t.Question), t.Question, len(t.Answer), t.Answer)
	}
	params := map[string]string{
		"question": nq,
		"history":  cache.HashText(b.String()),
	}
	return cache.Key("turn", params, strings.Join(normalizeDatasets(datasets), ","))
}

func normalizeQuestion(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func outcome(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}
