package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"ai-studychat-be/pkg/llm"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}

	assert.Equal(t, 0, c.CountTokens(""))
	assert.Equal(t, 1, c.CountTokens("hi"))
	assert.Equal(t, 5, c.CountTokens("Explain normalization"))
}

func TestEstimate(t *testing.T) {
	prompt := []llm.Message{
		{Role: "system", Content: "You are a tutor."},
		{Role: "user", Content: "Explain normalization"},
	}

	got := Estimate(HeuristicCounter{}, prompt, "It removes redundancy.")

	assert.Equal(t, 4+4+5+4, got.PromptTokens)
	assert.Equal(t, 5, got.CompletionTokens)
	assert.Equal(t, got.PromptTokens+got.CompletionTokens, got.TotalTokens)
}

func TestTiktokenCounterDoesNotWaitForEncoding(t *testing.T) {
	release := make(chan struct{})
	c := newTiktokenCounter(func() (*tiktoken.Tiktoken, error) {
		<-release
		return nil, errors.New("fetch cl100k_base: connection reset")
	})

	counted := make(chan int, 1)
	go func() { counted <- c.CountTokens("Explain normalization") }()
	select {
	case n := <-counted:
		assert.Equal(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("CountTokens blocked on the encoding fetch")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Preload(ctx), context.DeadlineExceeded)

	close(release)
	err := c.Preload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 5, c.CountTokens("Explain normalization"))
}
