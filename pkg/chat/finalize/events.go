package finalize

import (
	"encoding/json"
	"time"

	"ai-studychat-be/internal/entity"
	"ai-studychat-be/internal/mapper"
)

const (
	EventDurabilityGap = "chat.durability_gap"
	EventTurnCompleted = "chat.turn_completed"
)

const (
	StageAppend = "append"
	StageTouch  = "touch"
)

// MessageRecord is a message in the form it travels on the event bus.
type MessageRecord struct {
	Id             string          `json:"id"`
	ConversationId string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        json.RawMessage `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	TokensUsed     *int            `json:"tokens_used,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DurabilityGap describes writes that did not land, carrying everything
// needed to re-apply them.
type DurabilityGap struct {
	ConversationId string          `json:"conversation_id"`
	Stage          string          `json:"stage"`
	Messages       []MessageRecord `json:"messages"`
	Error          string          `json:"error"`
}

type TurnCompleted struct {
	ConversationId string   `json:"conversation_id"`
	MessageIds     []string `json:"message_ids"`
	TokensUsed     *int     `json:"tokens_used,omitempty"`
	UsageEstimated bool     `json:"usage_estimated"`
}

func ToRecords(codec *mapper.MessageCodec, messages []*entity.Message) ([]MessageRecord, error) {
	records := make([]MessageRecord, 0, len(messages))
	for _, m := range messages {
		content, err := codec.EncodeParts(m.Parts)
		if err != nil {
			return nil, err
		}
		metadata, err := codec.EncodeMetadata(m.Metadata)
		if err != nil {
			return nil, err
		}
		records = append(records, MessageRecord{
			Id:             m.Id,
			ConversationId: m.ConversationId,
			Role:           codec.EncodeRole(m.Role),
			Content:        json.RawMessage(content),
			Metadata:       json.RawMessage(metadata),
			TokensUsed:     m.TokensUsed,
			CreatedAt:      m.CreatedAt,
		})
	}
	return records, nil
}

func FromRecords(codec *mapper.MessageCodec, records []MessageRecord) ([]*entity.Message, error) {
	messages := make([]*entity.Message, 0, len(records))
	for _, r := range records {
		role, err := codec.DecodeRole(r.Role)
		if err != nil {
			return nil, err
		}
		parts, err := codec.DecodeParts(r.Content)
		if err != nil {
			return nil, err
		}
		metadata, err := codec.DecodeMetadata(r.Metadata)
		if err != nil {
			return nil, err
		}
		messages = append(messages, &entity.Message{
			Id:             r.Id,
			ConversationId: r.ConversationId,
			Role:           role,
			Parts:          parts,
			Metadata:       metadata,
			TokensUsed:     r.TokensUsed,
			CreatedAt:      r.CreatedAt,
		})
	}
	return messages, nil
}
