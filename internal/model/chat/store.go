package chat

import (
	"context"
	"errors"
)

// ErrConversationNotFound is returned by stores for unknown or foreign ids.
var ErrConversationNotFound = errors.New("conversation not found")

// Store is the persistence contract shared by the local and remote adapters.
// Persona values are display names, matching what the remote table stores.
type Store interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, title, persona string) (string, error)
	LoadMessages(ctx context.Context, conversationID string) ([]Message, error)
	AppendMessage(ctx context.Context, conversationID string, message Message) error
	UpdateTitle(ctx context.Context, conversationID, title string) error
	UpdatePersona(ctx context.Context, conversationID, persona string) error
}
