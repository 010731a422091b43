package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies the payload of a chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Message is a single chat message. OriginalText holds the text as sent by
// the author; Text holds the display form for the current locale. For own
// messages the two are always equal.
type Message struct {
	ID           string `json:"id"`
	SenderID     string `json:"senderId"`
	OriginalText string `json:"originalText"`
	Text         string `json:"text"`
	Kind         Kind   `json:"type"`
	Timestamp    int64  `json:"timestamp"` // unix milliseconds
	IsMe         bool   `json:"isMe"`
}

// NewMessage creates a message with a fresh ID and the current time. The
// display text starts equal to the original; the store rewrites it for
// incoming messages.
func NewMessage(senderID, text string, kind Kind, isMe bool) Message {
	return Message{
		ID:           uuid.NewString(),
		SenderID:     senderID,
		OriginalText: text,
		Text:         text,
		Kind:         kind,
		Timestamp:    time.Now().UnixMilli(),
		IsMe:         isMe,
	}
}
