package model

import (
	"time"

	"gorm.io/datatypes"
)

type Message struct {
	Id             string         `gorm:"type:varchar(191);primaryKey"`
	ConversationId string         `gorm:"type:varchar(191);not null;index:idx_messages_conversation_created,priority:1"`
	Role           string         `gorm:"type:varchar(20);not null"`
	Content        datatypes.JSON `gorm:"type:jsonb;not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	TokensUsed     *int
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation_created,priority:2"`

	Conversation *Conversation `gorm:"foreignKey:ConversationId;constraint:OnDelete:CASCADE"`
}

func (Message) TableName() string {
	return "messages"
}
