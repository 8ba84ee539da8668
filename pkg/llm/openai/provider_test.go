package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ai-studychat-be/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionServer answers /chat/completions with the given SSE data lines
// and records each request body.
type completionServer struct {
	*httptest.Server
	status int
	events []string

	mu     sync.Mutex
	bodies []map[string]interface{}
}

func (s *completionServer) requests() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.bodies...)
}

func newCompletionServer(t *testing.T, status int, events ...string) *completionServer {
	s := &completionServer{status: status, events: events}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			s.mu.Lock()
			s.bodies = append(s.bodies, body)
			s.mu.Unlock()
		}

		if s.status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(s.status)
			_, _ = io.WriteString(w, `{"error":{"message":"model is overloaded","type":"server_error"}}`)
			return
		}

		if stream, _ := body["stream"].(bool); !stream {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Database normalization"},"finish_reason":"stop"}]}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range s.events {
			fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(s.Close)
	return s
}

func chunk(delta, finish string) string {
	finishReason := "null"
	if finish != "" {
		finishReason = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"x","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`, delta, finishReason)
}

func drain(t *testing.T, stream llm.ChatStream) []llm.Chunk {
	t.Helper()
	var chunks []llm.Chunk
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

var userTurn = []llm.Message{{Role: "user", Content: "What is 3NF?"}}

func TestChatStream(t *testing.T) {
	tests := []struct {
		name      string
		events    []string
		want      []llm.Chunk
		wantUsage llm.Usage
		usageOK   bool
	}{
		{
			name: "deltas then usage-only final event",
			events: []string{
				`{"id":"x","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
				chunk("Third ", ""),
				chunk("normal form", ""),
				chunk("", "stop"),
				`{"id":"x","object":"chat.completion.chunk","model":"m","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
			},
			want: []llm.Chunk{
				{Delta: "Third "},
				{Delta: "normal form"},
				{FinishReason: "stop"},
			},
			wantUsage: llm.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
			usageOK:   true,
		},
		{
			name: "provider without usage",
			events: []string{
				chunk("", ""),
				chunk("Keys", "length"),
			},
			want:    []llm.Chunk{{Delta: "Keys", FinishReason: "length"}},
			usageOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCompletionServer(t, http.StatusOK, tt.events...)
			provider := NewProvider("key", srv.URL, "m")

			stream, err := provider.ChatStream(context.Background(), userTurn)
			require.NoError(t, err)
			defer stream.Close()

			assert.Equal(t, tt.want, drain(t, stream))
			usage, ok := stream.Usage()
			assert.Equal(t, tt.usageOK, ok)
			assert.Equal(t, tt.wantUsage, usage)

			bodies := srv.requests()
			require.Len(t, bodies, 1)
			assert.Equal(t, true, bodies[0]["stream"])
			assert.Equal(t, map[string]interface{}{"include_usage": true}, bodies[0]["stream_options"])
		})
	}
}

func TestChatStreamErrorStatusOnOpen(t *testing.T) {
	srv := newCompletionServer(t, http.StatusServiceUnavailable)
	provider := NewProvider("key", srv.URL, "m")

	stream, err := provider.ChatStream(context.Background(), userTurn)

	assert.Nil(t, stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open completion stream")
}

func TestRequestSendsTemperature(t *testing.T) {
	tests := []struct {
		name        string
		opts        []llm.Option
		present     bool
		temperature float64
	}{
		{name: "zero is still sent", opts: []llm.Option{llm.WithTemperature(0)}, present: true, temperature: 0},
		{name: "regular value", opts: []llm.Option{llm.WithTemperature(0.2)}, present: true, temperature: 0.2},
		{name: "unset uses provider default", present: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newCompletionServer(t, http.StatusOK, chunk("ok", "stop"))
			provider := NewProvider("key", srv.URL, "m")

			stream, err := provider.ChatStream(context.Background(), userTurn, tt.opts...)
			require.NoError(t, err)
			drain(t, stream)
			require.NoError(t, stream.Close())

			bodies := srv.requests()
			require.Len(t, bodies, 1)
			got, ok := bodies[0]["temperature"]
			require.Equal(t, tt.present, ok)
			if tt.present {
				assert.InDelta(t, tt.temperature, got, 1e-6)
			}
		})
	}
}

func TestChatReturnsMessageContent(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK)
	provider := NewHuggingFaceProvider("key", srv.URL, "m")

	got, err := provider.Chat(context.Background(), userTurn, llm.WithTemperature(0.2))

	require.NoError(t, err)
	assert.Equal(t, "Database normalization", got)
	bodies := srv.requests()
	require.Len(t, bodies, 1)
	assert.Equal(t, "m", bodies[0]["model"])
}
