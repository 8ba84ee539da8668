package dto

import (
	"encoding/json"
	"time"
)

type ChatMessageDto struct {
	Id       string                 `json:"id" validate:"required,max=191"`
	Role     string                 `json:"role" validate:"required"`
	Parts    []json.RawMessage      `json:"parts" validate:"required,min=1,max=32"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type SendChatRequest struct {
	ConversationId string         `json:"conversation_id" validate:"required,max=191"`
	Message        ChatMessageDto `json:"message" validate:"required"`
	CourseId       *string        `json:"course_id,omitempty" validate:"omitempty,max=191"`
	NoteId         *string        `json:"note_id,omitempty" validate:"omitempty,max=191"`
	Model          string         `json:"model,omitempty" validate:"omitempty,max=100"`
	Temperature    *float64       `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
}

// StreamMetadata is the first event of every chat stream.
type StreamMetadata struct {
	ConversationId     string `json:"conversation_id"`
	Title              string `json:"title"`
	IsNew              bool   `json:"is_new"`
	UserMessageId      string `json:"user_message_id"`
	AssistantMessageId string `json:"assistant_message_id"`
	Replayed           bool   `json:"replayed"`
}

type StreamToken struct {
	Delta string `json:"delta"`
}

type StreamError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type StreamDone struct {
	TokensUsed   *int   `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
}

type ConversationResponse struct {
	Id          string    `json:"id"`
	Title       string    `json:"title"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	NoteId      *string   `json:"note_id,omitempty"`
	CourseId    *string   `json:"course_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type MessageResponse struct {
	Id         string                 `json:"id"`
	Role       string                 `json:"role"`
	Parts      []json.RawMessage      `json:"parts"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TokensUsed *int                   `json:"tokens_used,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

type ListConversationsQuery struct {
	Limit  int `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset int `query:"offset" validate:"omitempty,min=0"`
}

type CancelChatResponse struct {
	ConversationId string `json:"conversation_id"`
	Cancelled      int    `json:"cancelled"`
}

// WsClientFrame is a frame sent by a WebSocket client. Type is "chat" or
// "cancel"; chat frames carry the request inline.
type WsClientFrame struct {
	Type string `json:"type"`
	SendChatRequest
}

type WsServerFrame struct {
	Type           string      `json:"type"`
	ConversationId string      `json:"conversation_id,omitempty"`
	Data           interface{} `json:"data"`
}

// Stream event names shared by the SSE and WebSocket transports.
const (
	StreamEventMetadata = "metadata"
	StreamEventToken    = "token"
	StreamEventError    = "error"
	StreamEventDone     = "done"

	FinishReasonCancelled = "cancelled"
)
