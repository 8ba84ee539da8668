package entity

import "time"

// Conversation is keyed by a caller-supplied id that doubles as the
// idempotency key for creation.
type Conversation struct {
	Id           string
	UserId       string
	Title        string
	Model        string
	Temperature  float64
	NoteId       *string
	CourseId     *string
	SystemPrompt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConversationDefaults are applied only when the conversation is created.
type ConversationDefaults struct {
	Title       string
	Model       string
	Temperature float64
	NoteId      *string
	CourseId    *string
}
