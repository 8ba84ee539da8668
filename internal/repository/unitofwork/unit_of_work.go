package unitofwork

import (
	"context"

	"ai-studychat-be/internal/repository/contract"
)

type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	ConversationRepository() contract.ConversationRepository
	MessageRepository() contract.MessageRepository
	NoteRepository() contract.NoteRepository
	CourseRepository() contract.CourseRepository
}
