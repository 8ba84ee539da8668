package prompt

import (
	"context"
	"strings"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/pkg/logger"
	"ai-studychat-be/internal/repository/specification"
	"ai-studychat-be/internal/repository/unitofwork"
	"ai-studychat-be/pkg/lexical"
)

// maxNoteRunes caps how much of a note is inlined into the system prompt.
const maxNoteRunes = 12000

const genericPrompt = "You are a helpful teaching assistant. Explain concepts clearly, " +
	"check the student's understanding, and say so when you are not sure about something."

// ContextBuilder derives a conversation's system prompt from the note or
// course it is attached to. Lookup failures fall back to the generic prompt.
type ContextBuilder struct {
	uowFactory unitofwork.RepositoryFactory
	logger     logger.ILogger
}

func NewContextBuilder(uowFactory unitofwork.RepositoryFactory, log logger.ILogger) *ContextBuilder {
	return &ContextBuilder{
		uowFactory: uowFactory,
		logger:     log,
	}
}

// Build never fails. A note takes precedence over a course.
func (b *ContextBuilder) Build(ctx context.Context, conversation *entity.Conversation) string {
	uow := b.uowFactory.NewUnitOfWork(ctx)

	if conversation.NoteId != nil && *conversation.NoteId != "" {
		note, err := uow.NoteRepository().FindOne(ctx,
			specification.ByID{ID: *conversation.NoteId},
			specification.UserOwnedBy{UserID: conversation.UserId},
		)
		if err != nil {
			b.logger.Warn("ContextBuilder", "Note lookup failed, using generic prompt", map[string]interface{}{
				"conversation_id": conversation.Id,
				"note_id":         *conversation.NoteId,
				"error":           err.Error(),
			})
			return genericPrompt
		}
		if note != nil {
			return NotePrompt(note)
		}
		b.logger.Warn("ContextBuilder", "Note not found, using generic prompt", map[string]interface{}{
			"conversation_id": conversation.Id,
			"note_id":         *conversation.NoteId,
		})
		return genericPrompt
	}

	if conversation.CourseId != nil && *conversation.CourseId != "" {
		course, err := uow.CourseRepository().FindOne(ctx, specification.ByID{ID: *conversation.CourseId})
		if err != nil || course == nil {
			details := map[string]interface{}{
				"conversation_id": conversation.Id,
				"course_id":       *conversation.CourseId,
			}
			if err != nil {
				details["error"] = err.Error()
			}
			b.logger.Warn("ContextBuilder", "Course unavailable, using generic prompt", details)
			return genericPrompt
		}
		return CoursePrompt(course)
	}

	return genericPrompt
}

// GenericPrompt is used when a conversation has no usable context.
func GenericPrompt() string {
	return genericPrompt
}

func NotePrompt(note *entity.Note) string {
	var prompt strings.Builder

	prompt.WriteString("You are a helpful teaching assistant. The student is studying their note titled \"")
	prompt.WriteString(note.Title)
	prompt.WriteString("\".\n")
	prompt.WriteString("Ground your answers in the note below. If the note does not cover the question, say so before answering from general knowledge.\n\n")

	prompt.WriteString("<note>\n")
	prompt.WriteString(truncateRunes(lexical.ToMarkdown(note.Content), maxNoteRunes))
	prompt.WriteString("\n</note>")

	return prompt.String()
}

func CoursePrompt(course *entity.Course) string {
	var prompt strings.Builder

	prompt.WriteString("You are a helpful teaching assistant for the course \"")
	if course.Code != "" {
		prompt.WriteString(course.Code)
		prompt.WriteString(" ")
	}
	prompt.WriteString(course.Name)
	prompt.WriteString("\".\n")
	if course.Description != "" {
		prompt.WriteString("Course description: ")
		prompt.WriteString(course.Description)
		prompt.WriteString("\n")
	}
	prompt.WriteString("Keep your explanations relevant to this course and its level.")

	return prompt.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
