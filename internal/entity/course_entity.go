package entity

import "time"

type Course struct {
	Id          string
	Code        string
	Name        string
	Description string
	CreatedAt   time.Time
}
