package livesocket

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Message is one decoded incoming payload.
type Message struct {
	// Raw holds the payload bytes as received.
	Raw json.RawMessage
	// Value is the payload decoded into generic JSON values (map[string]any, []any, string, float64, bool or nil).
	Value any
}

// DecodeMessage parses payload as JSON.
func DecodeMessage(payload []byte) (Message, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return Message{}, errors.Wrap(err, "decode message")
	}
	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)
	return Message{Raw: raw, Value: v}, nil
}

// Type returns the "type" field of an object payload, or "" when there is none.
func (m Message) Type() string {
	obj, ok := m.Value.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := obj["type"].(string)
	return t
}

// Decode unmarshals the raw payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}
