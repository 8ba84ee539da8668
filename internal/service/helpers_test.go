package service

import (
	"context"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/repository/contract"
	"ai-studychat-be/internal/repository/unitofwork"
)

// interceptingFactory runs beforeCreate ahead of every conversation insert.
type interceptingFactory struct {
	unitofwork.RepositoryFactory
	beforeCreate func()
}

func (f *interceptingFactory) NewUnitOfWork(ctx context.Context) unitofwork.UnitOfWork {
	return &interceptingUoW{UnitOfWork: f.RepositoryFactory.NewUnitOfWork(ctx), beforeCreate: f.beforeCreate}
}

type interceptingUoW struct {
	unitofwork.UnitOfWork
	beforeCreate func()
}

func (u *interceptingUoW) ConversationRepository() contract.ConversationRepository {
	return &interceptingConversations{ConversationRepository: u.UnitOfWork.ConversationRepository(), beforeCreate: u.beforeCreate}
}

type interceptingConversations struct {
	contract.ConversationRepository
	beforeCreate func()
}

func (r *interceptingConversations) CreateIfAbsent(ctx context.Context, c *entity.Conversation) (bool, error) {
	if r.beforeCreate != nil {
		r.beforeCreate()
	}
	return r.ConversationRepository.CreateIfAbsent(ctx, c)
}

// failingStore wraps a store and fails the selected finalize-stage writes.
type failingStore struct {
	IConversationStore
	failAppend error
	failTouch  error
}

func (s *failingStore) AppendMessages(ctx context.Context, conversationId string, messages []*entity.Message) (int64, error) {
	if s.failAppend != nil {
		return 0, s.failAppend
	}
	return s.IConversationStore.AppendMessages(ctx, conversationId, messages)
}

func (s *failingStore) TouchUpdatedAt(ctx context.Context, conversationId string) error {
	if s.failTouch != nil {
		return s.failTouch
	}
	return s.IConversationStore.TouchUpdatedAt(ctx, conversationId)
}
