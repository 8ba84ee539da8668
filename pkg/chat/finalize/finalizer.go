// Package finalize persists the outcome of a streamed turn after the
// response has reached the caller.
package finalize

import (
	"context"
	"errors"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/mapper"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/pkg/chat/stream"
	"ai-studychat-be/pkg/events"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type MessageStore interface {
	AppendMessages(ctx context.Context, conversationId string, messages []*entity.Message) (int64, error)
	TouchUpdatedAt(ctx context.Context, conversationId string) error
}

type Finalizer struct {
	store      MessageStore
	publisher  events.Publisher
	codec      *mapper.MessageCodec
	logger     logger.ILogger
	durability logger.ILogger
	tracer     trace.Tracer
}

// NewFinalizer logs durability gaps to durabilityLog in addition to log.
func NewFinalizer(store MessageStore, publisher events.Publisher, log logger.ILogger, durabilityLog logger.ILogger) *Finalizer {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Finalizer{
		store:      store,
		publisher:  publisher,
		codec:      mapper.NewMessageCodec(),
		logger:     log,
		durability: durabilityLog,
		tracer:     otel.Tracer("ai-studychat-be/pkg/chat/finalize"),
	}
}

// NewMessages returns the messages of all whose id is not in prior, in the
// order they appear in all. Position plays no part.
func NewMessages(prior, all []*entity.Message) []*entity.Message {
	seen := make(map[string]struct{}, len(prior)+len(all))
	for _, m := range prior {
		seen[m.Id] = struct{}{}
	}

	out := make([]*entity.Message, 0, 2)
	for _, m := range all {
		if _, ok := seen[m.Id]; ok {
			continue
		}
		seen[m.Id] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Commit writes the messages of the turn that are not yet stored and bumps
// the conversation's updatedAt. Failures never reach the caller: they are
// logged as durability warnings and published for reconciliation. It
// returns the number of rows written.
func (f *Finalizer) Commit(ctx context.Context, conversationId string, prior, all []*entity.Message, usage stream.Usage) int64 {
	ctx, span := f.tracer.Start(ctx, "PersistenceFinalizer.Commit", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationId),
	))
	defer span.End()

	pending := withTokens(NewMessages(prior, all), usage)
	span.SetAttributes(attribute.Int("chat.pending_messages", len(pending)))
	if len(pending) == 0 {
		return 0
	}

	written, err := f.store.AppendMessages(ctx, conversationId, pending)
	if err != nil {
		f.reportGap(ctx, span, conversationId, StageAppend, pending, err)
		return 0
	}

	if err := f.store.TouchUpdatedAt(ctx, conversationId); err != nil {
		f.reportGap(ctx, span, conversationId, StageTouch, pending, err)
		return written
	}

	f.logger.Info("Finalizer", "Turn persisted", map[string]interface{}{
		"conversation_id": conversationId,
		"pending":         len(pending),
		"written":         written,
	})
	f.publishCompleted(ctx, conversationId, pending, usage)
	return written
}

// withTokens copies the ASSISTANT messages and attaches the turn's usage.
func withTokens(messages []*entity.Message, usage stream.Usage) []*entity.Message {
	if !usage.Known {
		return messages
	}
	out := make([]*entity.Message, len(messages))
	for i, m := range messages {
		if m.Role != entity.MessageRoleAssistant {
			out[i] = m
			continue
		}
		cp := *m
		tokens := usage.TotalTokens
		cp.TokensUsed = &tokens
		out[i] = &cp
	}
	return out
}

func (f *Finalizer) reportGap(ctx context.Context, span trace.Span, conversationId, stage string, pending []*entity.Message, cause error) {
	ids := make([]string, len(pending))
	for i, m := range pending {
		ids[i] = m.Id
	}
	warning := &apperror.DurabilityWarning{ConversationId: conversationId, MessageIds: ids, Cause: cause}

	span.RecordError(warning)
	span.SetStatus(codes.Error, "durability gap")

	f.logger.Warn("Finalizer", "Durability gap", map[string]interface{}{
		"conversation_id": conversationId,
		"stage":           stage,
		"error":           warning.Error(),
	})
	f.durability.Error("Finalizer", "Durability gap", map[string]interface{}{
		"conversation_id": conversationId,
		"stage":           stage,
		"message_ids":     ids,
		"error":           warning,
	})

	records, err := ToRecords(f.codec, pending)
	if err != nil {
		f.durability.Error("Finalizer", "Cannot encode gap for reconciliation", map[string]interface{}{
			"conversation_id": conversationId,
			"error":           err,
		})
		return
	}

	event, err := events.NewEvent(EventDurabilityGap, DurabilityGap{
		ConversationId: conversationId,
		Stage:          stage,
		Messages:       records,
		Error:          cause.Error(),
	})
	if err == nil {
		err = f.publisher.Publish(context.WithoutCancel(ctx), event)
	}
	if err != nil {
		f.durability.Error("Finalizer", "Failed to publish durability gap", map[string]interface{}{
			"conversation_id": conversationId,
			"error":           err,
		})
	}
}

func (f *Finalizer) publishCompleted(ctx context.Context, conversationId string, pending []*entity.Message, usage stream.Usage) {
	payload := TurnCompleted{ConversationId: conversationId, UsageEstimated: usage.Estimated}
	for _, m := range pending {
		payload.MessageIds = append(payload.MessageIds, m.Id)
	}
	if usage.Known {
		tokens := usage.TotalTokens
		payload.TokensUsed = &tokens
	}

	event, err := events.NewEvent(EventTurnCompleted, payload)
	if err == nil {
		err = f.publisher.Publish(ctx, event)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Warn("Finalizer", "Failed to publish turn completion", map[string]interface{}{
			"conversation_id": conversationId,
			"error":           err.Error(),
		})
	}
}
