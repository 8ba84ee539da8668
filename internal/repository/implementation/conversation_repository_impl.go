package implementation

import (
	"context"
	"errors"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/mapper"
	"ai-studychat-be/internal/model"
	"ai-studychat-be/internal/repository/contract"
	"ai-studychat-be/internal/repository/specification"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.ChatMapper
}

func NewConversationRepository(db *gorm.DB) contract.ConversationRepository {
	return &ConversationRepositoryImpl{
		db:     db,
		mapper: mapper.NewChatMapper(),
	}
}

func (r *ConversationRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *ConversationRepositoryImpl) CreateIfAbsent(ctx context.Context, conversation *entity.Conversation) (bool, error) {
	m := r.mapper.ConversationToModel(conversation)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(m)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	*conversation = *r.mapper.ConversationToEntity(m)
	return true, nil
}

func (r *ConversationRepositoryImpl) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Conversation, error) {
	var m model.Conversation
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.mapper.ConversationToEntity(&m), nil
}

func (r *ConversationRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Conversation, error) {
	var models []*model.Conversation
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	entities := make([]*entity.Conversation, len(models))
	for i, m := range models {
		entities[i] = r.mapper.ConversationToEntity(m)
	}
	return entities, nil
}

func (r *ConversationRepositoryImpl) UpdateTitle(ctx context.Context, id string, title string) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).Update("title", title).Error
}

func (r *ConversationRepositoryImpl) UpdateSystemPrompt(ctx context.Context, id string, prompt string) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).UpdateColumn("system_prompt", prompt).Error
}

func (r *ConversationRepositoryImpl) TouchUpdatedAt(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).UpdateColumn("updated_at", at).Error
}
