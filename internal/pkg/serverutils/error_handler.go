package serverutils

import (
	"errors"

	"ai-studychat-be/internal/pkg/apperror"

	"github.com/gofiber/fiber/v2"
)

// StatusFor maps an error to the HTTP status the caller sees.
func StatusFor(err error) int {
	var verr *apperror.ValidationError
	var ferr *fiber.Error

	switch {
	case errors.As(err, &verr):
		return fiber.StatusBadRequest
	case errors.Is(err, apperror.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, apperror.ErrNotAuthorized):
		return fiber.StatusForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperror.ErrUpstreamUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &ferr):
		return ferr.Code
	}
	return fiber.StatusInternalServerError
}

// PublicMessage hides internal error details behind a generic message.
func PublicMessage(err error) string {
	switch StatusFor(err) {
	case fiber.StatusInternalServerError:
		return "Internal server error"
	case fiber.StatusServiceUnavailable:
		return "The assistant is unavailable, please retry"
	}
	return err.Error()
}

func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		status := StatusFor(err)
		var verr *apperror.ValidationError
		if errors.As(err, &verr) {
			return ctx.Status(status).JSON(BaseResponse[map[string]string]{
				Success: false,
				Code:    status,
				Message: "Validation failed",
				Data:    verr.Fields,
			})
		}
		return ctx.Status(status).JSON(ErrorResponse(status, PublicMessage(err)))
	}
}
