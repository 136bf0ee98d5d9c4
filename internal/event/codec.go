package event

import (
	"fmt"

	"github.com/goccy/go-json"
)

// envelope is the persisted form of a MessageContent: a msgtype
// discriminator plus the kind-specific payload.
type envelope struct {
	MsgType string          `json:"msgtype"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalContent serializes a MessageContent for storage.
func MarshalContent(c MessageContent) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", c.MsgType(), err)
	}
	return json.Marshal(envelope{MsgType: c.MsgType(), Payload: payload})
}

// UnmarshalContent restores a MessageContent from its stored form.
func UnmarshalContent(data []byte) (MessageContent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal content envelope: %w", err)
	}

	var c MessageContent
	switch env.MsgType {
	case TextContent{}.MsgType():
		var v TextContent
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal text content: %w", err)
		}
		c = v
	case ImageContent{}.MsgType():
		var v ImageContent
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal image content: %w", err)
		}
		c = v
	case ReactionContent{}.MsgType():
		var v ReactionContent
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal reaction content: %w", err)
		}
		c = v
	case EncryptedContent{}.MsgType():
		var v EncryptedContent
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal encrypted content: %w", err)
		}
		c = v
	default:
		return nil, fmt.Errorf("unknown msgtype %q", env.MsgType)
	}
	return c, nil
}
