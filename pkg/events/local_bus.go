package events

import (
	"context"
	"fmt"
	"time"

	"ai-studychat-be/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	localMaxAttempts = 5
	localRetryDelay  = 500 * time.Millisecond
)

// LocalBus is the in-process event bus used when no NATS server is
// configured. Events do not survive a restart.
type LocalBus struct {
	pubSub *gochannel.GoChannel
	logger logger.ILogger
}

func NewLocalBus(log logger.ILogger) *LocalBus {
	return &LocalBus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewStdLogger(false, false),
		),
		logger: log,
	}
}

func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	data, err := Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(event.EventType(), msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventType(), err)
	}
	return nil
}

// Subscribe redelivers a failed event up to localMaxAttempts times, then
// drops it with an error log.
func (b *LocalBus) Subscribe(ctx context.Context, subject string, durable string, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		attempts := make(map[string]int)
		for msg := range messages {
			b.process(ctx, msg, subject, handler, attempts)
		}
	}()
	return nil
}

func (b *LocalBus) process(ctx context.Context, msg *message.Message, subject string, handler Handler, attempts map[string]int) {
	event, err := Unmarshal(msg.Payload)
	if err != nil {
		b.logger.Error("EventBus", "Dropping undecodable event", map[string]interface{}{
			"subject": subject,
			"error":   err,
		})
		msg.Ack()
		return
	}

	if err := handler(ctx, event); err != nil {
		attempts[msg.UUID]++
		if attempts[msg.UUID] >= localMaxAttempts {
			b.logger.Error("EventBus", "Giving up on event", map[string]interface{}{
				"subject":  subject,
				"attempts": attempts[msg.UUID],
				"error":    err,
			})
			delete(attempts, msg.UUID)
			msg.Ack()
			return
		}
		select {
		case <-time.After(localRetryDelay):
		case <-ctx.Done():
		}
		msg.Nack()
		return
	}

	delete(attempts, msg.UUID)
	msg.Ack()
}

func (b *LocalBus) Close() error {
	return b.pubSub.Close()
}
