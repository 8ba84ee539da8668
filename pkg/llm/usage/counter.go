// Package usage estimates token counts when a provider streams a reply
// without reporting usage.
package usage

import (
	"context"
	"sync"
	"sync/atomic"

	"ai-studychat-be/pkg/llm"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token count for a string.
type TokenCounter interface {
	CountTokens(text string) int
}

// HeuristicCounter assumes roughly four characters per token.
type HeuristicCounter struct{}

func (HeuristicCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// TiktokenCounter uses the cl100k_base encoding. The encoding is fetched
// in the background; until it is ready, or if it cannot be fetched, every
// count falls back to the heuristic. Counting never waits for the fetch.
type TiktokenCounter struct {
	load     func() (*tiktoken.Tiktoken, error)
	once     sync.Once
	ready    chan struct{}
	loadErr  error
	enc      atomic.Pointer[tiktoken.Tiktoken]
	fallback HeuristicCounter
}

func NewTiktokenCounter() *TiktokenCounter {
	return newTiktokenCounter(func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	})
}

func newTiktokenCounter(load func() (*tiktoken.Tiktoken, error)) *TiktokenCounter {
	return &TiktokenCounter{load: load, ready: make(chan struct{})}
}

func (c *TiktokenCounter) start() <-chan struct{} {
	c.once.Do(func() {
		go func() {
			defer close(c.ready)
			enc, err := c.load()
			if err != nil {
				c.loadErr = err
				return
			}
			c.enc.Store(enc)
		}()
	})
	return c.ready
}

// Preload starts the fetch and waits for it until ctx is done.
func (c *TiktokenCounter) Preload(ctx context.Context) error {
	select {
	case <-c.start():
		return c.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TiktokenCounter) CountTokens(text string) int {
	c.start()
	if enc := c.enc.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return c.fallback.CountTokens(text)
}

// perMessageOverhead approximates the role and separator tokens chat
// formats add around each message.
const perMessageOverhead = 4

// Estimate builds a Usage from the prompt messages and the completion text.
func Estimate(counter TokenCounter, prompt []llm.Message, completion string) llm.Usage {
	promptTokens := 0
	for _, m := range prompt {
		promptTokens += counter.CountTokens(m.Content) + perMessageOverhead
	}
	completionTokens := counter.CountTokens(completion)
	return llm.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
