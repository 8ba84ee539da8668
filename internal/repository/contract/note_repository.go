package contract

import (
	"context"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/repository/specification"
)

type NoteRepository interface {
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Note, error)
}

type CourseRepository interface {
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.Course, error)
}
