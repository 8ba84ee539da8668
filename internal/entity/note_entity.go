package entity

import "time"

type Note struct {
	Id        string
	UserId    string
	CourseId  *string
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
