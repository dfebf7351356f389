package engine

import (
	"encoding/json"
	"fmt"
)

// Message is the unit crossing the engine boundary. The protocol layer
// guarantees Channel and Data; ID is assigned on publish when absent.
type Message struct {
	ID       string `json:"id,omitempty"`
	Channel  string `json:"channel,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Encode serializes the message for Redis.
func (m Message) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return payload, nil
}

// DecodeMessage parses a JSON payload coming back from a queue or the
// pub/sub bus.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
