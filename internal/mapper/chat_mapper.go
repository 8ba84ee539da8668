package mapper

import (
	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/model"
)

type ChatMapper struct {
	codec *MessageCodec
}

func NewChatMapper() *ChatMapper {
	return &ChatMapper{codec: NewMessageCodec()}
}

// Conversation Mappers

func (m *ChatMapper) ConversationToEntity(c *model.Conversation) *entity.Conversation {
	if c == nil {
		return nil
	}

	return &entity.Conversation{
		Id:           c.Id,
		UserId:       c.UserId,
		Title:        c.Title,
		Model:        c.Model,
		Temperature:  c.Temperature,
		NoteId:       c.NoteId,
		CourseId:     c.CourseId,
		SystemPrompt: c.SystemPrompt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (m *ChatMapper) ConversationToModel(c *entity.Conversation) *model.Conversation {
	if c == nil {
		return nil
	}

	return &model.Conversation{
		Id:           c.Id,
		UserId:       c.UserId,
		Title:        c.Title,
		Model:        c.Model,
		Temperature:  c.Temperature,
		NoteId:       c.NoteId,
		CourseId:     c.CourseId,
		SystemPrompt: c.SystemPrompt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Message Mappers

func (m *ChatMapper) MessageToEntity(msg *model.Message) (*entity.Message, error) {
	if msg == nil {
		return nil, nil
	}

	role, err := m.codec.DecodeRole(msg.Role)
	if err != nil {
		return nil, err
	}
	parts, err := m.codec.DecodeParts(msg.Content)
	if err != nil {
		return nil, err
	}
	metadata, err := m.codec.DecodeMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}

	return &entity.Message{
		Id:             msg.Id,
		ConversationId: msg.ConversationId,
		Role:           role,
		Parts:          parts,
		Metadata:       metadata,
		TokensUsed:     msg.TokensUsed,
		CreatedAt:      msg.CreatedAt,
	}, nil
}

func (m *ChatMapper) MessageToModel(msg *entity.Message) (*model.Message, error) {
	if msg == nil {
		return nil, nil
	}

	content, err := m.codec.EncodeParts(msg.Parts)
	if err != nil {
		return nil, err
	}
	metadata, err := m.codec.EncodeMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}

	return &model.Message{
		Id:             msg.Id,
		ConversationId: msg.ConversationId,
		Role:           m.codec.EncodeRole(msg.Role),
		Content:        content,
		Metadata:       metadata,
		TokensUsed:     msg.TokensUsed,
		CreatedAt:      msg.CreatedAt,
	}, nil
}

func (m *ChatMapper) MessagesToEntities(models []*model.Message) ([]*entity.Message, error) {
	entities := make([]*entity.Message, 0, len(models))
	for _, mm := range models {
		e, err := m.MessageToEntity(mm)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}
