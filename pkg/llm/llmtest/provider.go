// Package llmtest provides a scripted LLMProvider for tests.
package llmtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"ai-studychat-be/pkg/llm"
)

// Provider replays Chunks on every ChatStream call. Generate returns
// GenerateText or GenerateErr.
type Provider struct {
	Chunks []string
	Usage  *llm.Usage

	// OpenErr is returned by ChatStream before any chunk.
	OpenErr error
	// OpenBlock makes ChatStream wait for cancellation, like a provider
	// that only returns once the first token is generated.
	OpenBlock bool
	// FailAfter > 0 makes Recv fail with RecvErr after that many chunks.
	FailAfter int
	RecvErr   error
	// Block makes Recv wait for cancellation after the last chunk.
	Block bool
	// Gate, when set, must yield a value before each chunk is released.
	Gate chan struct{}

	GenerateText string
	GenerateErr  error
	// GenerateBlock makes Generate wait for cancellation.
	GenerateBlock bool

	mu        sync.Mutex
	histories [][]llm.Message
	options   []llm.Options
	prompts   []string
	closed    int
}

var _ llm.LLMProvider = (*Provider)(nil)

func (p *Provider) Chat(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	if len(history) == 0 {
		return p.Generate(ctx, "", opts...)
	}
	return p.Generate(ctx, history[len(history)-1].Content, opts...)
}

func (p *Provider) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.options = append(p.options, llm.Apply(llm.Options{}, opts...))
	p.mu.Unlock()

	if p.GenerateBlock {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if p.GenerateErr != nil {
		return "", p.GenerateErr
	}
	return p.GenerateText, nil
}

func (p *Provider) ChatStream(ctx context.Context, history []llm.Message, opts ...llm.Option) (llm.ChatStream, error) {
	p.mu.Lock()
	p.histories = append(p.histories, append([]llm.Message(nil), history...))
	p.options = append(p.options, llm.Apply(llm.Options{}, opts...))
	p.mu.Unlock()

	if p.OpenBlock {
		<-ctx.Done()
		return nil, fmt.Errorf("generate content: %v", ctx.Err())
	}
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &stream{ctx: ctx, p: p}, nil
}

// StreamCalls reports how many streams were opened.
func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.histories)
}

// LastHistory returns the messages sent with the latest ChatStream call.
func (p *Provider) LastHistory() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.histories) == 0 {
		return nil
	}
	return p.histories[len(p.histories)-1]
}

// Prompts returns every Generate/Chat prompt seen so far.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

// LastOptions returns the options of the most recent call.
func (p *Provider) LastOptions() llm.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.options) == 0 {
		return llm.Options{}
	}
	return p.options[len(p.options)-1]
}

// Closed reports how many streams were closed.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type stream struct {
	ctx  context.Context
	p    *Provider
	next int
	done bool
}

func (s *stream) Recv() (llm.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return llm.Chunk{}, err
	}
	if s.p.FailAfter > 0 && s.next >= s.p.FailAfter {
		return llm.Chunk{}, s.p.RecvErr
	}
	if s.next >= len(s.p.Chunks) {
		if s.p.Block {
			<-s.ctx.Done()
			return llm.Chunk{}, s.ctx.Err()
		}
		s.done = true
		return llm.Chunk{}, io.EOF
	}
	if s.p.Gate != nil {
		select {
		case <-s.p.Gate:
		case <-s.ctx.Done():
			return llm.Chunk{}, s.ctx.Err()
		}
	}

	chunk := llm.Chunk{Delta: s.p.Chunks[s.next]}
	s.next++
	if s.next == len(s.p.Chunks) && !s.p.Block {
		chunk.FinishReason = "stop"
	}
	return chunk, nil
}

func (s *stream) Usage() (llm.Usage, bool) {
	if !s.done || s.p.Usage == nil {
		return llm.Usage{}, false
	}
	return *s.p.Usage, true
}

func (s *stream) Close() error {
	s.p.mu.Lock()
	s.p.closed++
	s.p.mu.Unlock()
	return nil
}
