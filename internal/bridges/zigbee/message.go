package zigbee

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
)

// Message is one decoded device message. Topic holds the device or group
// ID (the topic segment below the base topic).
type Message struct {
	Topic   string
	Payload map[string]any
}

// Empty reports whether the message carries no properties.
func (m Message) Empty() bool {
	return len(m.Payload) == 0
}

// clone returns a copy whose payload map is independent of m's.
func (m Message) clone() Message {
	return Message{Topic: m.Topic, Payload: maps.Clone(m.Payload)}
}

// properties returns payload keys in a stable order.
func (m Message) properties() []string {
	keys := make([]string, 0, len(m.Payload))
	for k := range m.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodeMessage builds a Message from a raw MQTT payload. An empty or
// whitespace-only payload yields an empty Message. Anything other than a
// JSON object is rejected.
func DecodeMessage(deviceID string, payload []byte) (Message, error) {
	msg := Message{Topic: deviceID}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return msg, nil
	}
	if trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: %s", ErrInvalidPayload, deviceID)
	}
	if err := json.Unmarshal(trimmed, &msg.Payload); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, deviceID, err)
	}
	return msg, nil
}
