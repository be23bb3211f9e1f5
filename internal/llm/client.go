package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/pkg/circuitbreaker"
	"github.com/csv-insight/backend/pkg/logger"
	"github.com/csv-insight/backend/pkg/retry"
)

type Config struct {
	Provider       Provider
	Model          string
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
}

// Client talks to OpenAI or to a local Ollama runtime through the same
// OpenAI-compatible API. Callers see one Generator whichever is configured.
type Client struct {
	client         *openai.Client
	provider       Provider
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) (*Client, error) {
	var clientConfig openai.ClientConfig
	switch cfg.Provider {
	case ProviderOpenAI, "":
		cfg.Provider = ProviderOpenAI
		if cfg.APIKey == "" {
			return nil, errors.New("openai provider requires an api key")
		}
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	case ProviderOllama:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		clientConfig = openai.DefaultConfig(apiKey)
		clientConfig.BaseURL = DefaultOllamaBaseURL
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      1,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		IsFailure:        IsTransientRaw,
		Logger:           logger.GetLogger(),
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	logger.Info("LLM client initialized",
		zap.String("provider", string(cfg.Provider)),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("base_url", clientConfig.BaseURL),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		provider:       cfg.Provider,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		cb:             cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Retryable:      IsTransient,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

// IsTransientRaw classifies an unwrapped client error for the breaker.
func IsTransientRaw(err error) bool {
	return IsTransient(Classify(context.Background(), "", err))
}

func (c *Client) Provider() Provider {
	return c.provider
}

// Model names the embedding model, so cached embeddings are keyed by it.
func (c *Client) Model() string {
	return string(c.provider) + ":" + c.embeddingModel
}

// BuildMessages lays out a chat request: system instructions with the
// retrieved context, then prior turns, then the question.
func BuildMessages(prompt Prompt, history []Message) []openai.ChatCompletionMessage {
	system := prompt.System
	if prompt.Context != "" {
		system += "\n\nContext:\n" + prompt.Context
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.Question})
	return messages
}

func (c *Client) request(prompt Prompt, history []Message) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    BuildMessages(prompt, history),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
}

// Generate makes a single model call. Retrying is left to the caller.
func (c *Client) Generate(ctx context.Context, prompt Prompt, history []Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	err := c.cb.Execute(callCtx, func(callCtx context.Context) error {
		var err error
		resp, err = c.client.CreateChatCompletion(callCtx, c.request(prompt, history))
		if err == nil && len(resp.Choices) == 0 {
			err = errors.New("model returned no choices")
		}
		return err
	})
	if err != nil {
		metrics.ModelInvocations.WithLabelValues(string(c.provider), "error").Inc()
		return "", Classify(ctx, c.provider, err)
	}

	metrics.ModelInvocations.WithLabelValues(string(c.provider), "success").Inc()
	c.recordUsage(Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	})
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream is Generate with partial output passed to onDelta as it
// arrives. The full answer is returned at the end.
func (c *Client) GenerateStream(ctx context.Context, prompt Prompt, history []Message, onDelta func(string)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.request(prompt, history)
	req.Stream = true

	var answer strings.Builder
	err := c.cb.Execute(callCtx, func(callCtx context.Context) error {
		stream, err := c.client.CreateChatCompletionStream(callCtx, req)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			answer.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	})
	if err != nil {
		metrics.ModelInvocations.WithLabelValues(string(c.provider), "error").Inc()
		return "", Classify(ctx, c.provider, err)
	}

	metrics.ModelInvocations.WithLabelValues(string(c.provider), "success").Inc()
	return answer.String(), nil
}

func (c *Client) recordUsage(u Usage) {
	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(u.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(u.CompletionTokens))
	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", u.PromptTokens),
		zap.Int("completion_tokens", u.CompletionTokens),
	)
}

// Embed implements index.Embedder. Texts are sent in batches of 100 and each
// batch is retried on transient errors.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	const batchSize = 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		resp, err := retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) (openai.EmbeddingResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			resp, err := c.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			return resp, Classify(ctx, c.provider, err)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate batch embeddings: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch))
		}

		for _, data := range resp.Data {
			embedding := make([]float32, len(data.Embedding))
			copy(embedding, data.Embedding)
			embeddings = append(embeddings, embedding)
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}
