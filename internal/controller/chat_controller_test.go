package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ai-studychat-be/internal/config"
	"ai-studychat-be/internal/dto"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/pkg/serverutils"
	"ai-studychat-be/internal/realtime"
	"ai-studychat-be/internal/repository/memory"
	"ai-studychat-be/internal/repository/unitofwork"
	"ai-studychat-be/internal/service"
	"ai-studychat-be/internal/testutil"
	"ai-studychat-be/pkg/chat/finalize"
	"ai-studychat-be/pkg/chat/prompt"
	"ai-studychat-be/pkg/chat/stream"
	"ai-studychat-be/pkg/chat/title"
	"ai-studychat-be/pkg/events"
	"ai-studychat-be/pkg/llm"
	"ai-studychat-be/pkg/llm/llmtest"
	"ai-studychat-be/pkg/llm/usage"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	Name string
	Data string
}

func newTestApp(t *testing.T, provider *llmtest.Provider) *fiber.App {
	t.Setenv("JWT_SECRET", "test-secret")

	db := testutil.NewSQLiteDB(t)
	factory := unitofwork.NewRepositoryFactory(db)
	log := logger.NewNopLogger()
	store := service.NewConversationStore(factory, log)
	registry := memory.NewStreamRegistry()

	chatService := service.NewChatService(
		store,
		prompt.NewContextBuilder(factory, log),
		title.NewGenerator(provider, log, time.Second, 50),
		stream.NewCoordinator(provider, log, usage.HeuristicCounter{}, 4),
		finalize.NewFinalizer(store, events.NopPublisher{}, log, log),
		registry,
		realtime.NewCancellationBus(registry, nil, log),
		log,
		config.AIConfig{LLMModel: "llama3", DefaultTemperature: 0.7},
		config.ChatConfig{FinalizeTimeout: 5 * time.Second},
	)

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())
	NewChatController(chatService, memory.NewRateLimitStore(100), log).RegisterRoutes(app.Group("/api"))
	return app
}

func bearer(t *testing.T, userId string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userId}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return "Bearer " + token
}

func chatBody(conversationId, messageId, text string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"conversation_id": conversationId,
		"message": map[string]interface{}{
			"id":    messageId,
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": text}},
		},
	})
	return body
}

func doRequest(t *testing.T, app *fiber.App, method, path, userId string, body []byte) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userId != "" {
		req.Header.Set("Authorization", bearer(t, userId))
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)

	var out []sseEvent
	for _, block := range strings.Split(string(raw), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestSendStreamsEvents(t *testing.T) {
	provider := &llmtest.Provider{
		Chunks: []string{"Third ", "normal ", "form."},
		Usage:  &llm.Usage{PromptTokens: 20, CompletionTokens: 6, TotalTokens: 26},
	}
	app := newTestApp(t, provider)

	resp := doRequest(t, app, "POST", "/api/chat/v1", "u1", chatBody("c1", "m1", "What is 3NF?"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evs := readEvents(t, resp.Body)
	require.Len(t, evs, 5)
	assert.Equal(t, "metadata", evs[0].Name)
	assert.Equal(t, "token", evs[1].Name)
	assert.Equal(t, "done", evs[4].Name)

	var meta dto.StreamMetadata
	require.NoError(t, json.Unmarshal([]byte(evs[0].Data), &meta))
	assert.Equal(t, "c1", meta.ConversationId)
	assert.True(t, meta.IsNew)

	var text strings.Builder
	for _, ev := range evs[1:4] {
		var tok dto.StreamToken
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &tok))
		text.WriteString(tok.Delta)
	}
	assert.Equal(t, "Third normal form.", text.String())

	var done dto.StreamDone
	require.NoError(t, json.Unmarshal([]byte(evs[4].Data), &done))
	require.NotNil(t, done.TokensUsed)
	assert.Equal(t, 26, *done.TokensUsed)
	assert.Equal(t, "stop", done.FinishReason)

	assert.Eventually(t, func() bool {
		resp := doRequest(t, app, "GET", "/api/chat/v1/c1/messages", "u1", nil)
		var body serverutils.BaseResponse[[]dto.MessageResponse]
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Data) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendErrorsBeforeStreamAreJson(t *testing.T) {
	app := newTestApp(t, &llmtest.Provider{Chunks: []string{"x"}})

	resp := doRequest(t, app, "POST", "/api/chat/v1", "", chatBody("c1", "m1", "hi"))
	assert.Equal(t, 401, resp.StatusCode)

	resp = doRequest(t, app, "POST", "/api/chat/v1", "u1", []byte(`{"message":{"role":"user"}}`))
	assert.Equal(t, 400, resp.StatusCode)
	var body serverutils.BaseResponse[map[string]string]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "required", body.Data["conversation_id"])

	resp = doRequest(t, app, "POST", "/api/chat/v1", "u1", []byte(`{not json`))
	assert.Equal(t, 400, resp.StatusCode)
}

func TestSendUpstreamUnavailable(t *testing.T) {
	app := newTestApp(t, &llmtest.Provider{OpenErr: io.ErrUnexpectedEOF})

	resp := doRequest(t, app, "POST", "/api/chat/v1", "u1", chatBody("c1", "m1", "hi"))
	assert.Equal(t, 503, resp.StatusCode)
}

func TestSendMidStreamFailureEmitsErrorEvent(t *testing.T) {
	app := newTestApp(t, &llmtest.Provider{Chunks: []string{"a", "b"}, FailAfter: 1, RecvErr: io.ErrUnexpectedEOF})

	resp := doRequest(t, app, "POST", "/api/chat/v1", "u1", chatBody("c1", "m1", "hi"))
	require.Equal(t, 200, resp.StatusCode)

	evs := readEvents(t, resp.Body)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "error", last.Name)

	var streamErr dto.StreamError
	require.NoError(t, json.Unmarshal([]byte(last.Data), &streamErr))
	assert.True(t, streamErr.Retryable)
}

func TestConversationEndpointsEnforceOwnership(t *testing.T) {
	app := newTestApp(t, &llmtest.Provider{Chunks: []string{"x"}})

	resp := doRequest(t, app, "POST", "/api/chat/v1", "u1", chatBody("c1", "m1", "hi"))
	readEvents(t, resp.Body)

	resp = doRequest(t, app, "GET", "/api/chat/v1/c1/messages", "u2", nil)
	assert.Equal(t, 403, resp.StatusCode)

	resp = doRequest(t, app, "POST", "/api/chat/v1/c1/cancel", "u2", nil)
	assert.Equal(t, 403, resp.StatusCode)

	resp = doRequest(t, app, "GET", "/api/chat/v1/missing/messages", "u1", nil)
	assert.Equal(t, 404, resp.StatusCode)

	resp = doRequest(t, app, "GET", "/api/chat/v1?limit=10", "u1", nil)
	require.Equal(t, 200, resp.StatusCode)
	var list serverutils.BaseResponse[[]dto.ConversationResponse]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "c1", list.Data[0].Id)

	resp = doRequest(t, app, "GET", "/api/chat/v1?limit=1000", "u1", nil)
	assert.Equal(t, 400, resp.StatusCode)
}
