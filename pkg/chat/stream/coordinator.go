// Package stream drives one streaming generation and forwards its chunks
// to a caller-supplied sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/pkg/llm"
	"ai-studychat-be/pkg/llm/usage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const defaultBuffer = 32

// ErrSinkClosed wraps a sink write failure, which means the client went away.
var ErrSinkClosed = errors.New("stream sink closed")

// ErrAlreadyForwarded is returned when Forward is called twice.
var ErrAlreadyForwarded = errors.New("stream already forwarded")

type Request struct {
	Model        string
	Temperature  float64
	SystemPrompt string
	History      []llm.Message // prior turns, oldest first
	NewMessage   llm.Message
}

// Messages is the full prompt sent to the provider.
func (r Request) Messages() []llm.Message {
	messages := make([]llm.Message, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: r.SystemPrompt})
	}
	messages = append(messages, r.History...)
	return append(messages, r.NewMessage)
}

// Usage is the token accounting of a turn. Known is false when the stream
// did not complete; Estimated is true when the provider omitted usage and
// it was counted locally.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Known            bool
	Estimated        bool
}

type Result struct {
	Text         string
	Usage        Usage
	FinishReason string
	Chunks       int
	// Completed means the provider finished and every chunk reached the sink.
	Completed bool
}

// Sink receives text deltas in order. A returned error stops the stream and
// cancels the upstream call.
type Sink interface {
	Send(delta string) error
}

type SinkFunc func(delta string) error

func (f SinkFunc) Send(delta string) error { return f(delta) }

type Coordinator struct {
	llm     llm.LLMProvider
	logger  logger.ILogger
	counter usage.TokenCounter
	buffer  int
	tracer  trace.Tracer
}

func NewCoordinator(provider llm.LLMProvider, log logger.ILogger, counter usage.TokenCounter, buffer int) *Coordinator {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if counter == nil {
		counter = usage.HeuristicCounter{}
	}
	return &Coordinator{
		llm:     provider,
		logger:  log,
		counter: counter,
		buffer:  buffer,
		tracer:  otel.Tracer("ai-studychat-be/pkg/chat/stream"),
	}
}

// Run opens the provider stream. A provider that cannot be reached fails
// here with apperror.ErrUpstreamUnavailable, before anything was sent to
// the caller. Cancelling ctx cancels the generation; if that happens while
// the stream is opening, Run returns the context error.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Stream, error) {
	ctx, span := c.tracer.Start(ctx, "StreamCoordinator.Run", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Float64("llm.temperature", req.Temperature),
		attribute.Int("chat.history_length", len(req.History)),
	))

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	messages := req.Messages()

	upstream, err := c.llm.ChatStream(ctx, messages,
		llm.WithModel(req.Model),
		llm.WithTemperature(req.Temperature),
	)
	if err != nil {
		cancel()
		if parentErr := parent.Err(); parentErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			span.End()
			c.logger.Info("StreamCoordinator", "Cancelled before the provider answered", map[string]interface{}{
				"model":  req.Model,
				"reason": err.Error(),
			})
			return nil, parentErr
		}
		err = apperror.Upstream(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider unavailable")
		span.End()
		c.logger.Error("StreamCoordinator", "Failed to open provider stream", map[string]interface{}{
			"model": req.Model,
			"error": err,
		})
		return nil, err
	}

	return &Stream{
		c:        c,
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		span:     span,
		upstream: upstream,
		prompt:   messages,
		started:  time.Now(),
	}, nil
}

// Stream is an open generation. Call Forward exactly once, or Close to
// abandon it.
type Stream struct {
	c        *Coordinator
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	upstream llm.ChatStream
	prompt   []llm.Message
	started  time.Time

	mu        sync.Mutex
	forwarded bool
	closed    bool
}

// Forward runs the producer (provider reads) and the consumer (sink writes)
// concurrently, joined by a bounded channel so a slow sink holds back
// generation. It returns once both have stopped and the upstream call is
// released. The error is nil only for a completed stream; otherwise it is
// the parent context's error, ErrSinkClosed, or an upstream error.
func (s *Stream) Forward(sink Sink) (Result, error) {
	s.mu.Lock()
	if s.forwarded || s.closed {
		s.mu.Unlock()
		return Result{}, ErrAlreadyForwarded
	}
	s.forwarded = true
	s.mu.Unlock()

	defer s.release()

	chunks := make(chan llm.Chunk, s.c.buffer)
	g, gctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(gctx, s.cancel)
	defer stop()

	var (
		exhausted    bool
		finishReason string
		text         strings.Builder
		delivered    int
	)

	g.Go(func() error {
		defer close(chunks)
		for {
			chunk, err := s.upstream.Recv()
			if errors.Is(err, io.EOF) {
				exhausted = true
				return nil
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return apperror.Upstream(err)
			}
			select {
			case chunks <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for chunk := range chunks {
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Delta == "" {
				continue
			}
			if err := sink.Send(chunk.Delta); err != nil {
				return fmt.Errorf("%w: %v", ErrSinkClosed, err)
			}
			text.WriteString(chunk.Delta)
			delivered++
		}
		return nil
	})

	err := g.Wait()

	result := Result{
		Text:         text.String(),
		FinishReason: finishReason,
		Chunks:       delivered,
		Completed:    err == nil && exhausted,
	}
	if result.Completed {
		if result.FinishReason == "" {
			result.FinishReason = "stop"
		}
		result.Usage = s.resolveUsage(result.Text)
	} else {
		err = s.classify(err)
	}

	s.finishSpan(result, err)
	return result, err
}

// Close abandons a stream that will not be forwarded.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.forwarded || s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.release()
	s.span.End()
}

func (s *Stream) release() {
	s.cancel()
	if err := s.upstream.Close(); err != nil {
		s.c.logger.Debug("StreamCoordinator", "Closing provider stream failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// classify reports cancellation by the caller as the caller's context
// error even when it surfaced as a provider read failure.
func (s *Stream) classify(err error) error {
	if errors.Is(err, ErrSinkClosed) {
		return err
	}
	if parentErr := s.parent.Err(); parentErr != nil {
		return parentErr
	}
	if err == nil {
		return context.Canceled
	}
	return err
}

func (s *Stream) resolveUsage(completion string) Usage {
	if u, ok := s.upstream.Usage(); ok {
		total := u.TotalTokens
		if total == 0 {
			total = u.PromptTokens + u.CompletionTokens
		}
		return Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      total,
			Known:            true,
		}
	}

	est := usage.Estimate(s.c.counter, s.prompt, completion)
	return Usage{
		PromptTokens:     est.PromptTokens,
		CompletionTokens: est.CompletionTokens,
		TotalTokens:      est.TotalTokens,
		Known:            true,
		Estimated:        true,
	}
}

func (s *Stream) finishSpan(result Result, err error) {
	s.span.SetAttributes(
		attribute.Int("chat.chunks", result.Chunks),
		attribute.Bool("chat.completed", result.Completed),
		attribute.Int("llm.total_tokens", result.Usage.TotalTokens),
		attribute.Bool("llm.usage_estimated", result.Usage.Estimated),
	)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()

	s.c.logger.Debug("StreamCoordinator", "Stream finished", map[string]interface{}{
		"chunks":    result.Chunks,
		"completed": result.Completed,
		"duration":  time.Since(s.started).String(),
	})
}
