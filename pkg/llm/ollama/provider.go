package ollama

import (
	"context"
	"fmt"
	"io"
	"sync"

	"ai-studychat-be/pkg/llm"

	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"
)

type OllamaProvider struct {
	model     llms.Model
	modelName string
}

// Ensure OllamaProvider implements LLMProvider
var _ llm.LLMProvider = &OllamaProvider{}

func NewOllamaProvider(baseURL, modelName string) (*OllamaProvider, error) {
	model, err := lcollama.New(
		lcollama.WithServerURL(baseURL),
		lcollama.WithModel(modelName),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return &OllamaProvider{model: model, modelName: modelName}, nil
}

func convertMessages(history []llm.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, len(history))
	for i, m := range history {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant", "model":
			role = llms.ChatMessageTypeAI
		}
		out[i] = llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		}
	}
	return out
}

func (o *OllamaProvider) callOptions(opts []llm.Option) []llms.CallOption {
	options := llm.Apply(llm.Options{Model: o.modelName}, opts...)

	callOpts := []llms.CallOption{llms.WithModel(options.Model)}
	if options.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*options.Temperature))
	}
	if options.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(options.MaxTokens))
	}
	return callOpts
}

func (o *OllamaProvider) Chat(ctx context.Context, history []llm.Message, opts ...llm.Option) (string, error) {
	resp, err := o.model.GenerateContent(ctx, convertMessages(history), o.callOptions(opts)...)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Choices[0].Content, nil
}

func (o *OllamaProvider) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return o.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// ChatStream runs GenerateContent in a goroutine and hands each streamed
// chunk over an unbuffered channel, so the model is only read as fast as
// Recv is called. It waits for the first event so an unreachable server is
// reported here.
func (o *OllamaProvider) ChatStream(ctx context.Context, history []llm.Message, opts ...llm.Option) (llm.ChatStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &chatStream{
		events: make(chan streamEvent),
		cancel: cancel,
	}

	callOpts := append(o.callOptions(opts), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		select {
		case s.events <- streamEvent{delta: string(chunk)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	go func() {
		defer close(s.events)
		resp, err := o.model.GenerateContent(ctx, convertMessages(history), callOpts...)
		final := streamEvent{done: true, err: err}
		if err == nil && resp != nil && len(resp.Choices) > 0 {
			final.usage, final.usageOK = usageFromInfo(resp.Choices[0].GenerationInfo)
			final.finishReason = resp.Choices[0].StopReason
		}
		select {
		case s.events <- final:
		case <-ctx.Done():
		}
	}()

	first, ok := <-s.events
	if !ok {
		cancel()
		return nil, fmt.Errorf("ollama stream closed before any event")
	}
	if first.err != nil {
		cancel()
		return nil, fmt.Errorf("ollama request failed: %w", first.err)
	}
	s.peeked = &first
	return s, nil
}

type streamEvent struct {
	delta        string
	done         bool
	err          error
	usage        llm.Usage
	usageOK      bool
	finishReason string
}

type chatStream struct {
	events    chan streamEvent
	cancel    context.CancelFunc
	peeked    *streamEvent
	finished  bool
	usage     llm.Usage
	usageOK   bool
	closeOnce sync.Once
}

func (s *chatStream) next() (streamEvent, bool) {
	if s.peeked != nil {
		ev := *s.peeked
		s.peeked = nil
		return ev, true
	}
	ev, ok := <-s.events
	return ev, ok
}

func (s *chatStream) Recv() (llm.Chunk, error) {
	if s.finished {
		return llm.Chunk{}, io.EOF
	}
	ev, ok := s.next()
	if !ok {
		s.finished = true
		return llm.Chunk{}, io.EOF
	}
	if ev.err != nil {
		s.finished = true
		return llm.Chunk{}, fmt.Errorf("ollama stream: %w", ev.err)
	}
	if ev.done {
		s.finished = true
		s.usage, s.usageOK = ev.usage, ev.usageOK
		if ev.finishReason != "" {
			return llm.Chunk{FinishReason: ev.finishReason}, nil
		}
		return llm.Chunk{}, io.EOF
	}
	return llm.Chunk{Delta: ev.delta}, nil
}

func (s *chatStream) Usage() (llm.Usage, bool) {
	return s.usage, s.usageOK
}

func (s *chatStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.events {
		}
	})
	return nil
}

// usageFromInfo reads the token counters langchaingo copies from the
// final Ollama response.
func usageFromInfo(info map[string]any) (llm.Usage, bool) {
	prompt, okPrompt := asInt(info["PromptTokens"])
	completion, okCompletion := asInt(info["CompletionTokens"])
	if !okPrompt && !okCompletion {
		return llm.Usage{}, false
	}
	total, ok := asInt(info["TotalTokens"])
	if !ok {
		total = prompt + completion
	}
	return llm.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
