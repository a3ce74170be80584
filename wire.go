package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the framing shared by every push-channel transport: a topic
// discriminator plus an opaque payload. Transports that already carry the
// topic out of band (Redis channels, Kafka topics) ship the bare payload and
// re-wrap on receipt.
type Envelope struct {
	Type    Topic           `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEnvelope marshals a payload under its topic.
func EncodeEnvelope(topic Topic, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return json.Marshal(Envelope{Type: topic, Payload: raw})
}

// DecodeEnvelope parses a raw frame into a typed Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in push frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing type field in push frame")
	}
	return &env, nil
}

// DecodeMessage parses and validates a message payload. The engine depends on
// the identity and direction fields; frames missing them are rejected rather
// than merged as partial records.
func DecodeMessage(payload json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("invalid message payload: %w", err)
	}
	if m.ID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return nil, fmt.Errorf("missing required fields in message payload (id, senderId, receiverId)")
	}
	return &m, nil
}

// DecodePresence parses a presence payload.
func DecodePresence(payload json.RawMessage) (*PresenceEvent, error) {
	var p PresenceEvent
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid presence payload: %w", err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("missing userId in presence payload")
	}
	return &p, nil
}

// DecodeTyping parses a typing payload.
func DecodeTyping(payload json.RawMessage) (*TypingEvent, error) {
	var t TypingEvent
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("invalid typing payload: %w", err)
	}
	if t.UserID == "" {
		return nil, fmt.Errorf("missing userId in typing payload")
	}
	return &t, nil
}

// DecodeReadReceipt parses a read-receipt payload.
func DecodeReadReceipt(payload json.RawMessage) (*ReadReceiptEvent, error) {
	var r ReadReceiptEvent
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("invalid read-receipt payload: %w", err)
	}
	if r.UserID == "" {
		return nil, fmt.Errorf("missing userId in read-receipt payload")
	}
	return &r, nil
}
