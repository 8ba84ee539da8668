package model

import "time"

type Course struct {
	Id          string    `gorm:"type:varchar(191);primaryKey"`
	Code        string    `gorm:"type:varchar(50)"`
	Name        string    `gorm:"type:varchar(255);not null"`
	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Course) TableName() string {
	return "courses"
}
