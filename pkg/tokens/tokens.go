// Package tokens counts prompt tokens for budget enforcement.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// MessageOverhead approximates the per-message role framing of chat prompts.
const MessageOverhead = 4

type Counter interface {
	Count(text string) int
}

// Approx estimates one token per four characters, rounding up.
type Approx struct{}

func (Approx) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Tiktoken counts with a BPE encoding. The encoder is not documented as
// goroutine-safe, so calls are serialized.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken resolves the encoding for model, falling back to cl100k_base.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// New returns the counter named by kind ("tiktoken" or "approx").
func New(kind, model string) (Counter, error) {
	switch kind {
	case "tiktoken":
		return NewTiktoken(model)
	case "approx", "":
		return Approx{}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
}
