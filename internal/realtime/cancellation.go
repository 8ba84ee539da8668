// Package realtime carries chat control signals between server instances.
package realtime

import (
	"context"
	"encoding/json"

	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cancelChannel = "chat_cancellations"

type cancelMessage struct {
	ConversationId string `json:"conversation_id"`
	Origin         string `json:"origin"`
}

// CancellationBus stops the in-flight streams of a conversation on every
// instance. Without Redis it only reaches streams on this instance.
type CancellationBus struct {
	registry   *memory.StreamRegistry
	rdb        *redis.Client
	logger     logger.ILogger
	instanceId string
}

func NewCancellationBus(registry *memory.StreamRegistry, rdb *redis.Client, log logger.ILogger) *CancellationBus {
	return &CancellationBus{
		registry:   registry,
		rdb:        rdb,
		logger:     log,
		instanceId: uuid.NewString(),
	}
}

// Cancel stops local streams immediately and broadcasts to the other
// instances. It returns how many local streams were cancelled.
func (b *CancellationBus) Cancel(ctx context.Context, conversationId string) (int, error) {
	local := b.registry.Cancel(conversationId)

	if b.rdb != nil {
		payload, err := json.Marshal(cancelMessage{ConversationId: conversationId, Origin: b.instanceId})
		if err != nil {
			return local, err
		}
		if err := b.rdb.Publish(ctx, cancelChannel, payload).Err(); err != nil {
			b.logger.Warn("CancellationBus", "Failed to broadcast cancellation", map[string]interface{}{
				"conversation_id": conversationId,
				"error":           err.Error(),
			})
			return local, err
		}
	}

	b.logger.Info("CancellationBus", "Cancellation requested", map[string]interface{}{
		"conversation_id": conversationId,
		"local_streams":   local,
	})
	return local, nil
}

// Run applies cancellations broadcast by other instances until ctx is done.
func (b *CancellationBus) Run(ctx context.Context) {
	if b.rdb == nil {
		return
	}

	pubsub := b.rdb.Subscribe(ctx, cancelChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.apply(msg.Payload)
		}
	}
}

func (b *CancellationBus) apply(payload string) {
	var m cancelMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.logger.Warn("CancellationBus", "Ignoring malformed cancellation", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if m.Origin == b.instanceId {
		return
	}
	if n := b.registry.Cancel(m.ConversationId); n > 0 {
		b.logger.Info("CancellationBus", "Remote cancellation applied", map[string]interface{}{
			"conversation_id": m.ConversationId,
			"streams":         n,
		})
	}
}
