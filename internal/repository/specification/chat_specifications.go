package specification

import "gorm.io/gorm"

type ByConversationID struct {
	ConversationID string
}

func (s ByConversationID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("conversation_id = ?", s.ConversationID)
}

type OutsideConversation struct {
	ConversationID string
}

func (s OutsideConversation) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("conversation_id <> ?", s.ConversationID)
}

// ChronologicalOrder is the canonical turn order for a conversation.
type ChronologicalOrder struct{}

func (s ChronologicalOrder) Apply(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC")
}
