package llm

import (
	"context"
)

// Message represents a chat message in a provider-agnostic format
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Option allows for optional parameters like Temperature, MaxTokens, etc.
type Option func(*Options)

type Options struct {
	Temperature *float64
	MaxTokens   int
	Model       string // Override default model
}

func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = &temp
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Options) {
		o.MaxTokens = n
	}
}

// Apply folds opts over a copy of the defaults.
func Apply(defaults Options, opts ...Option) Options {
	for _, opt := range opts {
		opt(&defaults)
	}
	return defaults
}

// Usage is the token accounting a provider reports for one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one fragment of a streamed reply.
type Chunk struct {
	Delta        string
	FinishReason string
}

// ChatStream is an open streaming generation. Recv returns io.EOF after the
// last chunk. Usage is only meaningful once Recv has returned io.EOF; ok is
// false when the provider did not report it.
type ChatStream interface {
	Recv() (Chunk, error)
	Usage() (usage Usage, ok bool)
	Close() error
}

// LLMProvider defines the contract for any LLM backend
type LLMProvider interface {
	// Chat sends a chat history to the model and returns the response
	Chat(ctx context.Context, history []Message, options ...Option) (string, error)

	// Generate sends a single prompt to the model (convenience method)
	Generate(ctx context.Context, prompt string, options ...Option) (string, error)

	// ChatStream opens a streaming generation. Connection and request errors
	// are returned here rather than from the first Recv. Cancelling ctx
	// aborts the upstream call.
	ChatStream(ctx context.Context, history []Message, options ...Option) (ChatStream, error)
}
