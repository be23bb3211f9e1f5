package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/analysis"
	"github.com/csv-insight/backend/internal/api"
	"github.com/csv-insight/backend/internal/api/handlers"
	"github.com/csv-insight/backend/internal/cache"
	"github.com/csv-insight/backend/internal/cache/redis"
	"github.com/csv-insight/backend/internal/conversation"
	"github.com/csv-insight/backend/internal/index"
	"github.com/csv-insight/backend/internal/index/milvus"
	"github.com/csv-insight/backend/internal/index/pgvector"
	"github.com/csv-insight/backend/internal/ingestion"
	"github.com/csv-insight/backend/internal/llm"
	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/internal/middleware/ratelimit"
	"github.com/csv-insight/backend/internal/retrieval"
	"github.com/csv-insight/backend/internal/storage/sqlite"
	"github.com/csv-insight/backend/pkg/circuitbreaker"
	"github.com/csv-insight/backend/pkg/config"
	appLogger "github.com/csv-insight/backend/pkg/logger"
	"github.com/csv-insight/backend/pkg/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting CSV Insight API Server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := []handlers.Check{{Name: "sqlite", Ping: sqliteClient.Ping}}

	l1 := cache.NewLRU(cfg.Cache.MaxBytes, cfg.Cache.MaxAge(), cache.WithTier("l1"))
	var store cache.Store = l1
	var stats handlers.StatsSource = l1
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, cfg.Cache.MaxAge())
		if err != nil {
			appLogger.Warn("Redis unavailable, running with the in-process cache only", zap.Error(err))
		} else {
			defer redisClient.Close()
			tiered := cache.NewTiered(l1, redisClient, appLogger.Named("cache"))
			store, stats = tiered, tiered
			checks = append(checks, handlers.Check{Name: "redis", Ping: redisClient.Ping, Optional: true})
		}
	}

	llmClient, err := llm.NewClient(llm.Config{
		Provider:       llm.Provider(cfg.LLM.Provider),
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})
	if err != nil {
		appLogger.Fatal("Failed to create LLM client", zap.Error(err))
	}

	var embedder index.Embedder
	dim := cfg.Index.HashingDim
	if cfg.Index.Embedder == "llm" {
		embedder = llmClient
		switch cfg.Index.Backend {
		case "milvus":
			dim = cfg.Index.Milvus.VectorDim
		case "pgvector":
			dim = cfg.Index.PGVector.VectorDim
		}
	} else {
		embedder = index.NewHashingEmbedder(cfg.Index.HashingDim)
	}

	backend, closeBackend, err := openBackend(ctx, cfg.Index, dim)
	if err != nil {
		appLogger.Fatal("Failed to open index backend", zap.String("backend", cfg.Index.Backend), zap.Error(err))
	}
	defer closeBackend()

	breaker := circuitbreaker.NewCircuitBreaker("index", circuitbreaker.Config{
		MaxRequests:      1,
		Timeout:          time.Duration(cfg.Index.BreakerTimeoutSec) * time.Second,
		FailureThreshold: uint32(cfg.Index.BreakerFailures),
		Logger:           appLogger.Named("breaker"),
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	ix := index.NewIndex(backend, embedder, store, breaker, appLogger.Named("index"))
	checks = append(checks, handlers.Check{
		Name: "index",
		Ping: func(context.Context) error {
			if !ix.Available() {
				return errors.New("circuit open")
			}
			return nil
		},
		Optional: true,
	})

	engine := analysis.NewEngine(analysis.InferenceOptions{
		NumericThreshold:     cfg.Analysis.NumericThreshold,
		DateThreshold:        cfg.Analysis.DateThreshold,
		CategoricalMaxUnique: cfg.Analysis.CategoricalMaxUnique,
		MaxColumns:           cfg.Server.MaxColumns,
	}, appLogger.Named("analysis"))

	memo := cache.NewMemo(store, appLogger.Named("memo"))
	processor := ingestion.NewProcessor(
		engine,
		memo,
		ix,
		sqliteClient,
		analysis.Params{
			Bucket:                analysis.Bucket(cfg.Analysis.Bucket),
			MinCorrelationSamples: cfg.Analysis.MinCorrelationSamples,
		},
		index.ChunkOptions{
			RowBatchSize: cfg.Index.RowBatchSize,
			MaxRowChunks: cfg.Index.MaxRowChunks,
		},
		appLogger.Named("ingestion"),
	)

	counter, err := tokens.New(cfg.Retrieval.Tokenizer, cfg.LLM.Model)
	if err != nil {
		appLogger.Fatal("Failed to create token counter", zap.Error(err))
	}

	retriever := retrieval.NewRetriever(ix, processor, counter, cfg.Retrieval.Candidates, appLogger.Named("retrieval"))
	orchestrator := conversation.NewOrchestrator(
		retriever,
		llmClient,
		store,
		sqliteClient,
		counter,
		conversation.Config{
			SystemPrompt: conversation.DefaultSystemPrompt,
			TokenBudget:  cfg.Retrieval.TokenBudget,
			InputBudget:  cfg.Conversation.InputBudget,
			HistoryTurns: cfg.Conversation.HistoryTurns,
			RetryBackoff: time.Duration(cfg.Conversation.RetryBackoffMS) * time.Millisecond,
		},
		appLogger.Named("conversation"),
	)

	insights := conversation.NewInsighter(
		processor,
		llmClient,
		memo,
		time.Duration(cfg.Conversation.RetryBackoffMS)*time.Millisecond,
		appLogger.Named("insights"),
	)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.QuestionsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app := api.NewApp(api.Deps{
		Server:          cfg.Server,
		Processor:       processor,
		Sessions:        conversation.NewManager(),
		Orchestrator:    orchestrator,
		Insights:        insights,
		Registry:        sqliteClient,
		History:         sqliteClient,
		Cache:           stats,
		Checks:          checks,
		QuestionLimiter: limiter,
		RequestLogging:  true,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func openBackend(ctx context.Context, cfg config.IndexConfig, dim int) (index.Backend, func(), error) {
	switch cfg.Backend {
	case "milvus":
		b, err := milvus.NewBackend(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, dim)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	case "pgvector":
		b, err := pgvector.NewBackend(ctx, cfg.PGVector.DSN, cfg.PGVector.Table, dim)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return index.NewMemoryBackend(), func() {}, nil
	}
}
