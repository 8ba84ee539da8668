package serverutils

import (
	"ai-studychat-be/internal/repository/memory"

	"github.com/gofiber/fiber/v2"
)

// RateLimitMiddleware limits requests per authenticated user, falling back
// to the client IP. It must run after JwtMiddleware.
func RateLimitMiddleware(store *memory.RateLimitStore) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		key := UserId(ctx)
		if key == "" {
			key = "ip:" + ctx.IP()
		}
		if !store.Allow(key) {
			return ctx.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse(fiber.StatusTooManyRequests, "Too many requests"))
		}
		return ctx.Next()
	}
}
