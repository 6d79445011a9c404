package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

const (
	// PlaceholderContent is shown while the assistant reply is pending.
	PlaceholderContent = "Thinking..."

	placeholderPrefix = "loading-"
)

// Message is one turn of a conversation. Persona holds the display name of the
// persona that authored a bot message.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Persona   string    `json:"persona,omitempty"`
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{
		ID:        "msg-" + uuid.NewString(),
		Content:   content,
		Sender:    SenderUser,
		Timestamp: time.Now().UTC(),
	}
}

// NewBotMessage builds a bot message authored by the persona display name.
func NewBotMessage(prefix, content, personaName string) Message {
	if prefix == "" {
		prefix = "msg"
	}
	return Message{
		ID:        prefix + "-" + uuid.NewString(),
		Content:   content,
		Sender:    SenderBot,
		Timestamp: time.Now().UTC(),
		Persona:   personaName,
	}
}

// NewPlaceholder builds the transient bot message shown while a reply is pending.
func NewPlaceholder(personaName string) Message {
	msg := NewBotMessage("", PlaceholderContent, personaName)
	msg.ID = placeholderPrefix + uuid.NewString()
	return msg
}

// IsPlaceholder reports whether m is a transient loading message.
func (m Message) IsPlaceholder() bool {
	return strings.HasPrefix(m.ID, placeholderPrefix)
}
