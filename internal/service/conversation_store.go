package service

import (
	"context"
	"fmt"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/pkg/apperror"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/repository/specification"
	"ai-studychat-be/internal/repository/unitofwork"
)

// IConversationStore is the persistence boundary of the chat flow. Every
// write is a single statement keyed by a caller-supplied id, so retries and
// duplicate requests are harmless.
type IConversationStore interface {
	// ResolveOrCreate returns the conversation with its messages oldest
	// first, creating it with defaults when the id is unknown.
	ResolveOrCreate(ctx context.Context, id string, userId string, defaults entity.ConversationDefaults) (*entity.Conversation, bool, []*entity.Message, error)
	// AppendMessages skips messages whose id is already stored.
	AppendMessages(ctx context.Context, conversationId string, messages []*entity.Message) (int64, error)
	TouchUpdatedAt(ctx context.Context, conversationId string) error
	UpdateTitle(ctx context.Context, conversationId string, title string) error
	SaveSystemPrompt(ctx context.Context, conversationId string, prompt string) error

	GetOwned(ctx context.Context, id string, userId string) (*entity.Conversation, error)
	ListMessages(ctx context.Context, conversationId string) ([]*entity.Message, error)
	ListConversations(ctx context.Context, userId string, limit, offset int) ([]*entity.Conversation, error)
}

type conversationStore struct {
	uowFactory unitofwork.RepositoryFactory
	logger     logger.ILogger
	now        func() time.Time
}

func NewConversationStore(uowFactory unitofwork.RepositoryFactory, log logger.ILogger) IConversationStore {
	return &conversationStore{
		uowFactory: uowFactory,
		logger:     log,
		now:        time.Now,
	}
}

func (s *conversationStore) ResolveOrCreate(ctx context.Context, id string, userId string, defaults entity.ConversationDefaults) (*entity.Conversation, bool, []*entity.Message, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	conversation, err := uow.ConversationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, false, nil, fmt.Errorf("find conversation: %w", err)
	}
	if conversation != nil {
		return s.found(ctx, uow, conversation, userId)
	}

	now := s.now()
	candidate := &entity.Conversation{
		Id:          id,
		UserId:      userId,
		Title:       defaults.Title,
		Model:       defaults.Model,
		Temperature: defaults.Temperature,
		NoteId:      defaults.NoteId,
		CourseId:    defaults.CourseId,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := uow.ConversationRepository().CreateIfAbsent(ctx, candidate)
	if err != nil {
		return nil, false, nil, fmt.Errorf("create conversation: %w", err)
	}
	if created {
		return candidate, true, []*entity.Message{}, nil
	}

	// Another request created it between our read and our insert.
	conversation, err = uow.ConversationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, false, nil, fmt.Errorf("re-read conversation: %w", err)
	}
	if conversation == nil {
		return nil, false, nil, fmt.Errorf("conversation %s missing after conflicting create", id)
	}
	return s.found(ctx, uow, conversation, userId)
}

func (s *conversationStore) found(ctx context.Context, uow unitofwork.UnitOfWork, conversation *entity.Conversation, userId string) (*entity.Conversation, bool, []*entity.Message, error) {
	if conversation.UserId != userId {
		return nil, false, nil, apperror.ErrNotAuthorized
	}
	messages, err := uow.MessageRepository().FindAll(ctx,
		specification.ByConversationID{ConversationID: conversation.Id},
		specification.ChronologicalOrder{},
	)
	if err != nil {
		return nil, false, nil, fmt.Errorf("load messages: %w", err)
	}
	return conversation, false, messages, nil
}

func (s *conversationStore) AppendMessages(ctx context.Context, conversationId string, messages []*entity.Message) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	now := s.now()
	rows := make([]*entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Id == "" {
			return 0, apperror.NewValidationError("message.id", "required")
		}
		if m.ConversationId != "" && m.ConversationId != conversationId {
			return 0, apperror.NewValidationError("message.conversation_id", "does not match conversation")
		}
		cp := *m
		cp.ConversationId = conversationId
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		rows = append(rows, &cp)
	}

	uow := s.uowFactory.NewUnitOfWork(ctx)
	written, err := uow.MessageRepository().CreateIfAbsent(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("append messages: %w", err)
	}
	if written < int64(len(rows)) {
		s.reportForeignIds(ctx, uow, conversationId, rows)
	}
	return written, nil
}

// reportForeignIds logs skipped ids that belong to another conversation.
// Ids already stored in this conversation are ordinary retries.
func (s *conversationStore) reportForeignIds(ctx context.Context, uow unitofwork.UnitOfWork, conversationId string, rows []*entity.Message) {
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.Id
	}

	foreign, err := uow.MessageRepository().FindAll(ctx,
		specification.ByIDs{IDs: ids},
		specification.OutsideConversation{ConversationID: conversationId},
	)
	if err != nil {
		s.logger.Warn("ConversationStore", "Failed to check skipped message ids", map[string]interface{}{
			"conversation_id": conversationId,
			"error":           err.Error(),
		})
		return
	}
	if len(foreign) == 0 {
		return
	}

	collisions := make([]map[string]interface{}, 0, len(foreign))
	for _, m := range foreign {
		collisions = append(collisions, map[string]interface{}{
			"message_id":      m.Id,
			"conversation_id": m.ConversationId,
		})
	}
	s.logger.Warn("ConversationStore", "Message ids already stored in another conversation", map[string]interface{}{
		"conversation_id": conversationId,
		"collisions":      collisions,
	})
}

func (s *conversationStore) TouchUpdatedAt(ctx context.Context, conversationId string) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	return uow.ConversationRepository().TouchUpdatedAt(ctx, conversationId, s.now())
}

func (s *conversationStore) UpdateTitle(ctx context.Context, conversationId string, title string) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	return uow.ConversationRepository().UpdateTitle(ctx, conversationId, title)
}

func (s *conversationStore) SaveSystemPrompt(ctx context.Context, conversationId string, prompt string) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	return uow.ConversationRepository().UpdateSystemPrompt(ctx, conversationId, prompt)
}

func (s *conversationStore) GetOwned(ctx context.Context, id string, userId string) (*entity.Conversation, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	conversation, err := uow.ConversationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, apperror.ErrNotFound
	}
	if conversation.UserId != userId {
		return nil, apperror.ErrNotAuthorized
	}
	return conversation, nil
}

func (s *conversationStore) ListMessages(ctx context.Context, conversationId string) ([]*entity.Message, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	return uow.MessageRepository().FindAll(ctx,
		specification.ByConversationID{ConversationID: conversationId},
		specification.ChronologicalOrder{},
	)
}

func (s *conversationStore) ListConversations(ctx context.Context, userId string, limit, offset int) ([]*entity.Conversation, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	return uow.ConversationRepository().FindAll(ctx,
		specification.UserOwnedBy{UserID: userId},
		specification.OrderBy{Field: "updated_at", Desc: true},
		specification.Pagination{Limit: limit, Offset: offset},
	)
}
