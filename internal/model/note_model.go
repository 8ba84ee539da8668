package model

import "time"

type Note struct {
	Id        string    `gorm:"type:varchar(191);primaryKey"`
	UserId    string    `gorm:"type:varchar(191);not null;index"`
	CourseId  *string   `gorm:"type:varchar(191);index"`
	Title     string    `gorm:"type:varchar(255);not null"`
	Content   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Note) TableName() string {
	return "notes"
}
