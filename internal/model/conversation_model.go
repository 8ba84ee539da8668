package model

import "time"

type Conversation struct {
	Id           string    `gorm:"type:varchar(191);primaryKey"`
	UserId       string    `gorm:"type:varchar(191);not null;index"` // immutable owner
	Title        string    `gorm:"type:text;not null"`
	Model        string    `gorm:"type:varchar(100);not null"`
	Temperature  float64   `gorm:"not null"`
	NoteId       *string   `gorm:"type:varchar(191);index"`
	CourseId     *string   `gorm:"type:varchar(191);index"`
	SystemPrompt string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime;index"`
}

func (Conversation) TableName() string {
	return "conversations"
}
