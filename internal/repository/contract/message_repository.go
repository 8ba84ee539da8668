package contract

import (
	"context"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/repository/specification"
)

// UnpairedConversation is a conversation whose USER and ASSISTANT message
// counts disagree.
type UnpairedConversation struct {
	ConversationId string
	UserCount      int64
	AssistantCount int64
}

type MessageRepository interface {
	// CreateIfAbsent inserts every message whose id is not stored yet and
	// returns how many rows were actually written.
	CreateIfAbsent(ctx context.Context, messages []*entity.Message) (int64, error)
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Message, error)
	Count(ctx context.Context, specs ...specification.Specification) (int64, error)
	FindUnpairedConversations(ctx context.Context, since time.Time) ([]UnpairedConversation, error)
}
