package contract

import (
	"context"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/repository/specification"
)

type ConversationRepository interface {
	// CreateIfAbsent inserts the row unless one with the same id exists.
	// created is false when another writer got there first.
	CreateIfAbsent(ctx context.Context, conversation *entity.Conversation) (created bool, err error)
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Conversation, error)
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Conversation, error)
	UpdateTitle(ctx context.Context, id string, title string) error
	UpdateSystemPrompt(ctx context.Context, id string, prompt string) error
	TouchUpdatedAt(ctx context.Context, id string, at time.Time) error
}
