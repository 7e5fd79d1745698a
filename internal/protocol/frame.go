package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/whisperlink/internal/registry"
)

// Frame types as they appear in the "type" field on the wire.
const (
	TypeSystem      = "system"
	TypeUsers       = "users"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeMessage     = "message"
	TypeMessageSent = "message_sent"
	TypePing        = "ping"
	TypePong        = "pong"
)

var validate = validator.New()

// Record is the JSON shape of a transcript entry.
type Record struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Timestamp   time.Time `json:"timestamp"`
	IsEncrypted bool      `json:"isEncrypted"`
}

// RecordOf converts a transcript entry into its wire representation.
func RecordOf(m registry.Message) Record {
	return Record{
		ID:          m.ID,
		Content:     m.Content,
		Sender:      m.Sender,
		Receiver:    m.Receiver,
		Timestamp:   m.Timestamp.UTC(),
		IsEncrypted: m.IsEncrypted,
	}
}

type systemFrame struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type usersFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type presenceFrame struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type deliveredFrame struct {
	Type    string `json:"type"`
	Message Record `json:"message"`
}

type sentAckFrame struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Welcome greets a freshly connected identity.
func Welcome(identity string, at time.Time) ([]byte, error) {
	return encode(systemFrame{
		Type:      TypeSystem,
		Content:   fmt.Sprintf("Welcome to the chat, %s!", identity),
		Timestamp: at.UTC(),
	})
}

// PresenceSnapshot lists every connected identity.
func PresenceSnapshot(identities []string) ([]byte, error) {
	if identities == nil {
		identities = []string{}
	}
	return encode(usersFrame{Type: TypeUsers, Users: identities})
}

// Joined announces a new identity to the other sessions.
func Joined(identity string, at time.Time) ([]byte, error) {
	return encode(presenceFrame{Type: TypeUserJoined, Username: identity, Timestamp: at.UTC()})
}

// Left announces that identity disconnected.
func Left(identity string, at time.Time) ([]byte, error) {
	return encode(presenceFrame{Type: TypeUserLeft, Username: identity, Timestamp: at.UTC()})
}

// Delivered carries a relayed message to its receiver.
func Delivered(m registry.Message) ([]byte, error) {
	return encode(deliveredFrame{Type: TypeMessage, Message: RecordOf(m)})
}

// SentAck confirms to the sender that the server accepted a message.
func SentAck(m registry.Message) ([]byte, error) {
	return encode(sentAckFrame{Type: TypeMessageSent, MessageID: m.ID, Timestamp: m.Timestamp.UTC()})
}

// Pong answers a ping.
func Pong(at time.Time) ([]byte, error) {
	return encode(pongFrame{Type: TypePong, Timestamp: at.UTC()})
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// MessageRequest is the body of an inbound "message" frame.
type MessageRequest struct {
	Content     string `json:"content" validate:"required"`
	Receiver    string `json:"receiver" validate:"required"`
	IsEncrypted *bool  `json:"isEncrypted"`
}

// Encrypted returns the encryption-intent flag, which defaults to true when
// the client omits it.
func (r MessageRequest) Encrypted() bool {
	return r.IsEncrypted == nil || *r.IsEncrypted
}

// DecodeType extracts the frame type from raw inbound data.
func DecodeType(raw []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return envelope.Type, nil
}

// DecodeMessage parses and validates an inbound "message" frame.
func DecodeMessage(raw []byte) (MessageRequest, error) {
	var req MessageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return MessageRequest{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := validate.Struct(req); err != nil {
		return MessageRequest{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return req, nil
}
