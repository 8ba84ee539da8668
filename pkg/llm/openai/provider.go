// Package openai talks to any OpenAI-compatible chat completions endpoint
// (OpenAI itself, the Hugging Face router, vLLM, LM Studio).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"ai-studychat-be/pkg/llm"

	goopenai "github.com/sashabaranov/go-openai"
)

const HuggingFaceRouterURL = "https://router.huggingface.co/v1"

type Provider struct {
	client *goopenai.Client
	model  string
}

var _ llm.LLMProvider = (*Provider)(nil)

func NewProvider(apiKey, baseURL, model string) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// NewHuggingFaceProvider targets the Hugging Face inference router unless
// baseURL overrides it.
func NewHuggingFaceProvider(apiKey, baseURL, model string) *Provider {
	if baseURL == "" {
		baseURL = HuggingFaceRouterURL
	}
	return NewProvider(apiKey, baseURL, model)
}

func (p *Provider) request(history []llm.Message, opts []llm.Option) goopenai.ChatCompletionRequest {
	options := llm.Apply(llm.Options{Model: p.model}, opts...)

	messages := make([]goopenai.ChatCompletionMessage, len(history))
	for i, msg := range history {
		messages[i] = goopenai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	req := goopenai.ChatCompletionRequest{
		Model:     options.Model,
		Messages:  messages,
		MaxTokens: options.MaxTokens,
	}
	if options.Temperature != nil {
		req.Temperature = float32(*options.Temperature)
		// A zero float32 is dropped by omitempty.
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	return req
}

func (p *Provider) Chat(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(history, opts))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return p.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (p *Provider) ChatStream(ctx context.Context, history []llm.Message, opts ...llm.Option) (llm.ChatStream, error) {
	req := p.request(history, opts)
	req.Stream = true
	req.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	return &chatStream{stream: stream}, nil
}

type chatStream struct {
	stream    *goopenai.ChatCompletionStream
	usage     llm.Usage
	usageSeen bool
}

func (s *chatStream) Recv() (llm.Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return llm.Chunk{}, io.EOF
		}
		if err != nil {
			return llm.Chunk{}, err
		}

		// With include_usage the final event carries usage and no choices.
		if resp.Usage != nil {
			s.usage = llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
			s.usageSeen = true
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		return llm.Chunk{Delta: choice.Delta.Content, FinishReason: string(choice.FinishReason)}, nil
	}
}

func (s *chatStream) Usage() (llm.Usage, bool) {
	return s.usage, s.usageSeen
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}
