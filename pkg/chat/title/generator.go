package title

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/pkg/llm"
)

const (
	// Generated titles this long are treated as a misbehaving model.
	maxGeneratedRunes = 100
	titleTemperature  = 0.2
	titleMaxTokens    = 32
	emptyTitle        = "New conversation"
)

const instruction = "Write a concise title (at most six words) for a study conversation that starts with the message below. " +
	"Return the title only, with no quotes and no punctuation at the end.\n\nMessage:\n"

type Generator struct {
	llm            llm.LLMProvider
	logger         logger.ILogger
	timeout        time.Duration
	fallbackLength int
}

func NewGenerator(provider llm.LLMProvider, log logger.ILogger, timeout time.Duration, fallbackLength int) *Generator {
	if fallbackLength <= 0 {
		fallbackLength = 50
	}
	return &Generator{
		llm:            provider,
		logger:         log,
		timeout:        timeout,
		fallbackLength: fallbackLength,
	}
}

// Fallback is the first fallbackLength runes of userText.
func (g *Generator) Fallback(userText string) string {
	if strings.TrimSpace(userText) == "" {
		return emptyTitle
	}
	if utf8.RuneCountInString(userText) <= g.fallbackLength {
		return userText
	}
	return string([]rune(userText)[:g.fallbackLength])
}

// Generate makes one bounded completion call and returns the cleaned
// result, or the fallback when the call fails, times out, or produces
// something unusable. It never returns an error.
func (g *Generator) Generate(ctx context.Context, userText string) string {
	fallback := g.Fallback(userText)
	if strings.TrimSpace(userText) == "" {
		return fallback
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	raw, err := g.llm.Generate(ctx, instruction+userText,
		llm.WithTemperature(titleTemperature),
		llm.WithMaxTokens(titleMaxTokens),
	)
	if err != nil {
		g.logger.Warn("TitleGenerator", "Title generation failed, using fallback", map[string]interface{}{
			"error": err.Error(),
		})
		return fallback
	}

	generated := clean(raw)
	if generated == "" || utf8.RuneCountInString(generated) >= maxGeneratedRunes {
		g.logger.Warn("TitleGenerator", "Discarding unusable title", map[string]interface{}{
			"length": utf8.RuneCountInString(generated),
		})
		return fallback
	}
	return generated
}

// clean keeps the first non-empty line and strips wrapping quotes.
func clean(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "Title:")
		line = strings.Trim(strings.TrimSpace(line), "\"'`*")
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
