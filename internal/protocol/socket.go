package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kitewallet/wclink/internal/envelope"
)

// Relay socket message types.
const (
	SocketTypePub = "pub"
	SocketTypeSub = "sub"
	SocketTypeAck = "ack"
)

// SocketMessage is one relay frame in either direction. Payload carries
// the JSON-serialized encrypted envelope for pub frames and is empty for
// sub frames.
type SocketMessage struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

// NewSubMessage subscribes the connection to a topic.
func NewSubMessage(topic string) SocketMessage {
	return SocketMessage{Topic: topic, Type: SocketTypeSub, Payload: ""}
}

// NewPubMessage publishes an encrypted envelope to a topic.
func NewPubMessage(topic string, env envelope.Envelope, silent bool) (SocketMessage, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return SocketMessage{}, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return SocketMessage{Topic: topic, Type: SocketTypePub, Payload: string(payload), Silent: silent}, nil
}

// EncodeSocketMessage renders one relay frame.
func EncodeSocketMessage(msg SocketMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeSocketMessage parses one relay frame.
func DecodeSocketMessage(raw []byte) (SocketMessage, error) {
	var msg SocketMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SocketMessage{}, fmt.Errorf("%w: %v", ErrInvalidSocketMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return SocketMessage{}, err
	}
	return msg, nil
}

func (m SocketMessage) Validate() error {
	if strings.TrimSpace(m.Topic) == "" {
		return fmt.Errorf("%w: missing topic", ErrInvalidSocketMessage)
	}
	switch m.Type {
	case SocketTypePub, SocketTypeSub, SocketTypeAck:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSocketType, m.Type)
	}
}

// ParseEnvelope extracts the encrypted envelope from a pub frame payload.
// Returns false when any of the three fields is absent; such frames are
// dropped rather than decrypted.
func ParseEnvelope(payload string) (envelope.Envelope, bool) {
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return envelope.Envelope{}, false
	}
	if env.Data == "" || env.HMAC == "" || env.IV == "" {
		return envelope.Envelope{}, false
	}
	return env, true
}
