// Package reconcile repairs finalize-stage writes that did not land.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"ai-studychat-be/internal/mapper"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/repository/contract"
	"ai-studychat-be/pkg/chat/finalize"
	"ai-studychat-be/pkg/events"
)

const durableName = "chat-reconciler"

// UnpairedFinder reports conversations whose USER and ASSISTANT counts
// disagree among those updated since the given time.
type UnpairedFinder interface {
	FindUnpairedConversations(ctx context.Context, since time.Time) ([]contract.UnpairedConversation, error)
}

type Reconciler struct {
	store      finalize.MessageStore
	finder     UnpairedFinder
	subscriber events.Subscriber
	codec      *mapper.MessageCodec
	logger     logger.ILogger
	durability logger.ILogger
	interval   time.Duration
	lookback   time.Duration
}

func NewReconciler(
	store finalize.MessageStore,
	finder UnpairedFinder,
	subscriber events.Subscriber,
	log logger.ILogger,
	durabilityLog logger.ILogger,
	interval, lookback time.Duration,
) *Reconciler {
	return &Reconciler{
		store:      store,
		finder:     finder,
		subscriber: subscriber,
		codec:      mapper.NewMessageCodec(),
		logger:     log,
		durability: durabilityLog,
		interval:   interval,
		lookback:   lookback,
	}
}

// Start consumes durability-gap events and, when interval is positive,
// runs the periodic scan until ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.subscriber.Subscribe(ctx, finalize.EventDurabilityGap, durableName, r.HandleGap); err != nil {
		return fmt.Errorf("subscribe to durability gaps: %w", err)
	}

	if r.interval > 0 {
		go r.scanLoop(ctx)
	}

	r.logger.Info("Reconciler", "Started", map[string]interface{}{
		"interval": r.interval.String(),
		"lookback": r.lookback.String(),
	})
	return nil
}

// HandleGap re-applies the writes carried by a durability-gap event. Both
// writes are idempotent, so redelivery is safe.
func (r *Reconciler) HandleGap(ctx context.Context, event events.Event) error {
	var gap finalize.DurabilityGap
	if err := events.DecodePayload(event, &gap); err != nil {
		r.durability.Error("Reconciler", "Discarding malformed gap event", map[string]interface{}{
			"error": err,
		})
		return nil
	}

	messages, err := finalize.FromRecords(r.codec, gap.Messages)
	if err != nil {
		r.durability.Error("Reconciler", "Discarding gap with undecodable messages", map[string]interface{}{
			"conversation_id": gap.ConversationId,
			"error":           err,
		})
		return nil
	}

	written, err := r.store.AppendMessages(ctx, gap.ConversationId, messages)
	if err != nil {
		return fmt.Errorf("re-append messages of %s: %w", gap.ConversationId, err)
	}
	if err := r.store.TouchUpdatedAt(ctx, gap.ConversationId); err != nil {
		return fmt.Errorf("touch %s: %w", gap.ConversationId, err)
	}

	r.durability.Info("Reconciler", "Durability gap repaired", map[string]interface{}{
		"conversation_id": gap.ConversationId,
		"stage":           gap.Stage,
		"written":         written,
	})
	return nil
}

// Scan logs every conversation in the lookback window whose turns are not
// paired. It returns what it found.
func (r *Reconciler) Scan(ctx context.Context) ([]contract.UnpairedConversation, error) {
	since := time.Now().Add(-r.lookback)
	unpaired, err := r.finder.FindUnpairedConversations(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("scan unpaired conversations: %w", err)
	}

	for _, u := range unpaired {
		r.durability.Warn("Reconciler", "Conversation has unpaired turns", map[string]interface{}{
			"conversation_id": u.ConversationId,
			"user_messages":   u.UserCount,
			"assistant_count": u.AssistantCount,
		})
	}
	return unpaired, nil
}

func (r *Reconciler) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil {
				r.logger.Error("Reconciler", "Scan failed", map[string]interface{}{
					"error": err,
				})
			}
		}
	}
}
