package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"ai-studychat-be/internal/entity"

	"gorm.io/datatypes"
)

// MessageCodec converts a message's role, content parts and metadata between
// the entity form and their JSON representation (storage columns and the
// wire). Part kinds it does not know are round-tripped untouched.
type MessageCodec struct{}

func NewMessageCodec() *MessageCodec {
	return &MessageCodec{}
}

// EncodeRole returns the storage spelling (USER, ASSISTANT, SYSTEM).
func (c *MessageCodec) EncodeRole(role entity.MessageRole) string {
	return string(role)
}

// DecodeRole accepts either the storage or the wire spelling.
func (c *MessageCodec) DecodeRole(raw string) (entity.MessageRole, error) {
	role := entity.MessageRole(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown message role %q", raw)
	}
	return role, nil
}

// WireRole returns the lowercase spelling used by clients and providers.
func (c *MessageCodec) WireRole(role entity.MessageRole) string {
	return strings.ToLower(string(role))
}

func (c *MessageCodec) EncodePart(part entity.ContentPart) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage, len(part.Extra)+2)
	for k, v := range part.Extra {
		obj[k] = v
	}

	typ, err := json.Marshal(part.Type)
	if err != nil {
		return nil, err
	}
	obj["type"] = typ

	if part.Type == entity.ContentPartText || part.Text != "" {
		text, err := json.Marshal(part.Text)
		if err != nil {
			return nil, err
		}
		obj["text"] = text
	}

	return json.Marshal(obj)
}

func (c *MessageCodec) DecodePart(raw json.RawMessage) (entity.ContentPart, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return entity.ContentPart{}, fmt.Errorf("decode content part: %w", err)
	}

	var part entity.ContentPart
	typ, ok := obj["type"]
	if !ok {
		return entity.ContentPart{}, fmt.Errorf("decode content part: missing type")
	}
	if err := json.Unmarshal(typ, &part.Type); err != nil || part.Type == "" {
		return entity.ContentPart{}, fmt.Errorf("decode content part: invalid type")
	}
	delete(obj, "type")

	if text, ok := obj["text"]; ok {
		if err := json.Unmarshal(text, &part.Text); err != nil {
			return entity.ContentPart{}, fmt.Errorf("decode content part: invalid text: %w", err)
		}
		delete(obj, "text")
	}

	if len(obj) > 0 {
		part.Extra = obj
	}
	return part, nil
}

func (c *MessageCodec) EncodeParts(parts []entity.ContentPart) (datatypes.JSON, error) {
	encoded := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		raw, err := c.EncodePart(p)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, raw)
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func (c *MessageCodec) DecodeParts(data []byte) ([]entity.ContentPart, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []entity.ContentPart{}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	parts := make([]entity.ContentPart, 0, len(raws))
	for _, raw := range raws {
		p, err := c.DecodePart(raw)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// EncodeMetadata stores nil and empty maps as SQL NULL.
func (c *MessageCodec) EncodeMetadata(metadata map[string]interface{}) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return datatypes.JSON(data), nil
}

func (c *MessageCodec) DecodeMetadata(data []byte) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(trimmed, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}
