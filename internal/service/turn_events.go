package service

import (
	"context"
	"errors"

	"ai-studychat-be/internal/dto"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/pkg/chat/stream"
)

// Emitter delivers one stream event to the client. An error means the
// client is gone.
type Emitter func(event string, data interface{}) error

// EmitTurn drives a started turn over a client transport: metadata first,
// then tokens, then exactly one of done or error. It returns the pump error
// so callers can log it.
func EmitTurn(turn *Turn, emit Emitter, publicMessage func(error) string) error {
	if err := emit(dto.StreamEventMetadata, turn.Metadata()); err != nil {
		turn.Close()
		return err
	}

	result, err := turn.Pump(stream.SinkFunc(func(delta string) error {
		return emit(dto.StreamEventToken, dto.StreamToken{Delta: delta})
	}))

	switch {
	case err == nil:
		done := dto.StreamDone{FinishReason: result.FinishReason}
		if result.Usage.Known {
			tokens := result.Usage.TotalTokens
			done.TokensUsed = &tokens
		}
		return emit(dto.StreamEventDone, done)
	case errors.Is(err, stream.ErrSinkClosed):
		return err
	case IsCancellation(err):
		_ = EmitCancelled(emit)
		return err
	default:
		_ = emit(dto.StreamEventError, dto.StreamError{
			Message:   publicMessage(err),
			Retryable: apperror.IsRetryable(err),
		})
		return err
	}
}

// IsCancellation reports whether a turn ended because it was cancelled
// rather than because something failed.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// EmitCancelled sends the done event of a cancelled turn.
func EmitCancelled(emit Emitter) error {
	return emit(dto.StreamEventDone, dto.StreamDone{FinishReason: dto.FinishReasonCancelled})
}
