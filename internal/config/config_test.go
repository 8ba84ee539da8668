package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAT_TITLE_MAX_LENGTH", "")
	t.Setenv("LLM_DEFAULT_TEMPERATURE", "")

	cfg := Load()

	assert.Equal(t, 50, cfg.Chat.TitleMaxLength)
	assert.Equal(t, 0.7, cfg.Ai.DefaultTemperature)
	assert.Equal(t, 32, cfg.Chat.StreamBuffer)
	assert.Equal(t, 10*time.Second, cfg.Chat.FinalizeTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_STREAM_BUFFER", "8")
	t.Setenv("CHAT_TITLE_TIMEOUT", "750ms")
	t.Setenv("LLM_DEFAULT_TEMPERATURE", "0.25")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, 8, cfg.Chat.StreamBuffer)
	assert.Equal(t, 750*time.Millisecond, cfg.Chat.TitleTimeout)
	assert.Equal(t, 0.25, cfg.Ai.DefaultTemperature)
	assert.True(t, cfg.App.OtelEnabled)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("CHAT_STREAM_BUFFER", "lots")
	t.Setenv("CHAT_FINALIZE_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 32, cfg.Chat.StreamBuffer)
	assert.Equal(t, 10*time.Second, cfg.Chat.FinalizeTimeout)
}
