package models

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// MessageKind distinguishes literal text from uploaded-file references.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// Message is one entry of a conversation transcript. For KindText the
// content is the literal message string; for KindFile it is a reference
// to the stored upload.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Sender    Sender      `json:"sender"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage builds a message with a fresh id and the current time.
func NewMessage(kind MessageKind, sender Sender, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		Sender:    sender,
		CreatedAt: time.Now().UTC(),
	}
}
