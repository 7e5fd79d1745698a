package registry

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single relayed direct message as retained in the transcript.
// Messages are never mutated after creation.
type Message struct {
	ID          string
	Content     string
	Sender      string
	Receiver    string
	Timestamp   time.Time
	IsEncrypted bool
}

// NewMessage creates a Message with a fresh UUID. IsEncrypted is carried as
// metadata only; the content is stored exactly as submitted.
func NewMessage(sender, receiver, content string, encrypted bool, at time.Time) Message {
	return Message{
		ID:          uuid.NewString(),
		Content:     content,
		Sender:      sender,
		Receiver:    receiver,
		Timestamp:   at,
		IsEncrypted: encrypted,
	}
}

// Involves reports whether identity is the sender or the receiver.
func (m Message) Involves(identity string) bool {
	return m.Sender == identity || m.Receiver == identity
}
