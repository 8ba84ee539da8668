package serverutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"ai-studychat-be/internal/dto"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/repository/memory"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequestReportsJsonFieldNames(t *testing.T) {
	err := ValidateRequest(dto.SendChatRequest{Message: dto.ChatMessageDto{Role: "user"}})

	var verr *apperror.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["conversation_id"])
	assert.Equal(t, "required", verr.Fields["message.id"])
	assert.Contains(t, verr.Fields, "message.parts")
}

func TestValidateRequestAcceptsValidBody(t *testing.T) {
	temperature := 0.3
	req := dto.SendChatRequest{
		ConversationId: "c1",
		Message: dto.ChatMessageDto{
			Id:    "m1",
			Role:  "user",
			Parts: []json.RawMessage{json.RawMessage(`{"type":"text","text":"hi"}`)},
		},
		Temperature: &temperature,
	}
	assert.NoError(t, ValidateRequest(req))

	temperature = 3
	assert.Error(t, ValidateRequest(req))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperror.NewValidationError("x", "required"), 400},
		{apperror.ErrUnauthorized, 401},
		{fmt.Errorf("resolve: %w", apperror.ErrNotAuthorized), 403},
		{apperror.ErrNotFound, 404},
		{apperror.Upstream(errors.New("refused")), 503},
		{fiber.ErrTooManyRequests, 429},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
	assert.Equal(t, "Internal server error", PublicMessage(errors.New("pq: password leaked")))
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestJwtMiddleware(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	app := fiber.New()
	app.Use(ErrorHandlerMiddleware())
	app.Get("/me", JwtMiddleware, func(ctx *fiber.Ctx) error {
		return ctx.SendString(UserId(ctx))
	})
	app.Get("/ws", WsJwtMiddleware, func(ctx *fiber.Ctx) error {
		return ctx.SendString(UserId(ctx))
	})

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"user_id": "u1"}))
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "u1", string(body))

	resp, err = app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"sub": "u1"}))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ws?token="+signToken(t, jwt.MapClaims{"user_id": "u2"}), nil))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, "u2", string(body))
}

func TestErrorHandlerWritesValidationFields(t *testing.T) {
	app := fiber.New()
	app.Use(ErrorHandlerMiddleware())
	app.Get("/", func(ctx *fiber.Ctx) error {
		return apperror.NewValidationError("message.id", "required")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	var body BaseResponse[map[string]string]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "required", body.Data["message.id"])
}

func TestRateLimitMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(RateLimitMiddleware(memory.NewRateLimitStore(2)))
	app.Get("/", func(ctx *fiber.Ctx) error { return ctx.SendStatus(204) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{204, 204, 429}, codes)
}
