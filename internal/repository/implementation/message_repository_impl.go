package implementation

import (
	"context"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/mapper"
	"ai-studychat-be/internal/model"
	"ai-studychat-be/internal/repository/contract"
	"ai-studychat-be/internal/repository/specification"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.ChatMapper
}

func NewMessageRepository(db *gorm.DB) contract.MessageRepository {
	return &MessageRepositoryImpl{
		db:     db,
		mapper: mapper.NewChatMapper(),
	}
}

func (r *MessageRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *MessageRepositoryImpl) CreateIfAbsent(ctx context.Context, messages []*entity.Message) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	models := make([]*model.Message, 0, len(messages))
	for _, msg := range messages {
		m, err := r.mapper.MessageToModel(msg)
		if err != nil {
			return 0, err
		}
		models = append(models, m)
	}

	// One statement: the batch lands whole or not at all, and ids that
	// already exist are skipped row by row.
	result := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&models)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return 0, nil
		}
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *MessageRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.Message, error) {
	var models []*model.Message
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return r.mapper.MessagesToEntities(models)
}

func (r *MessageRepositoryImpl) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	var count int64
	query := r.applySpecifications(r.db.WithContext(ctx).Model(&model.Message{}), specs...)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepositoryImpl) FindUnpairedConversations(ctx context.Context, since time.Time) ([]contract.UnpairedConversation, error) {
	const (
		userCount      = "SUM(CASE WHEN messages.role = 'USER' THEN 1 ELSE 0 END)"
		assistantCount = "SUM(CASE WHEN messages.role = 'ASSISTANT' THEN 1 ELSE 0 END)"
	)

	var rows []contract.UnpairedConversation
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Select("messages.conversation_id AS conversation_id, " + userCount + " AS user_count, " + assistantCount + " AS assistant_count").
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.updated_at >= ?", since).
		Group("messages.conversation_id").
		Having(userCount + " <> " + assistantCount).
		Order("messages.conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
