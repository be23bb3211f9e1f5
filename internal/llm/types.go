package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/csv-insight/backend/pkg/circuitbreaker"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

const DefaultOllamaBaseURL = "http://localhost:11434/v1"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is one model request: instructions, retrieved context and the
// user's question. History is passed separately.
type Prompt struct {
	System   string
	Context  string
	Question string
}

// Generator produces an answer for a prompt and the prior conversation.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt, history []Message) (string, error)
}

// StreamGenerator is implemented by generators that can emit partial output.
type StreamGenerator interface {
	Generator
	GenerateStream(ctx context.Context, prompt Prompt, history []Message, onDelta func(string)) (string, error)
}

// InvocationError is a failed model call. Transient errors are worth one
// more attempt; the rest are surfaced immediately.
type InvocationError struct {
	Provider   Provider
	StatusCode int
	Transient  bool
	Err        error
}

func (e *InvocationError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s model invocation failed (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s model invocation failed (%s): %v", e.Provider, kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a model error that may succeed on retry.
func IsTransient(err error) bool {
	var ierr *InvocationError
	return errors.As(err, &ierr) && ierr.Transient
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Classify wraps a raw client error. parent is the caller's context, which
// separates caller cancellation from the per-call timeout.
func Classify(parent context.Context, provider Provider, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}

	ierr := &InvocationError{Provider: provider, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		ierr.StatusCode = apiErr.HTTPStatusCode
		ierr.Transient = transientStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		ierr.StatusCode = reqErr.HTTPStatusCode
		ierr.Transient = transientStatus(reqErr.HTTPStatusCode)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		ierr.Transient = false
	case errors.Is(err, context.DeadlineExceeded):
		ierr.Transient = true
	case errors.As(err, &netErr):
		ierr.Transient = true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		ierr.Transient = true
	}
	return ierr
}
