package entity

import (
	"encoding/json"
	"strings"
	"time"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
	MessageRoleSystem    MessageRole = "SYSTEM"
)

func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
		return true
	}
	return false
}

const ContentPartText = "text"

// ContentPart is one typed segment of a message. Keys other than "type" and
// "text" are kept verbatim in Extra so unknown part kinds survive storage.
type ContentPart struct {
	Type  string
	Text  string
	Extra map[string]json.RawMessage
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentPartText, Text: text}
}

// Message is append-only: created once, never mutated by the chat flow.
type Message struct {
	Id             string
	ConversationId string
	Role           MessageRole
	Parts          []ContentPart
	Metadata       map[string]interface{}
	TokensUsed     *int
	CreatedAt      time.Time
}

// Text joins the text parts in order.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != ContentPartText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
