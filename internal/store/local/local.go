// Package local implements the anonymous conversation store on top of a key-value
// store. All conversations live in a single JSON blob that is read, modified and
// rewritten in full on every mutation.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/store/kv"
)

const (
	// ChatsKey holds the anonymous conversations, each embedding its messages.
	ChatsKey = "greenbot-chats"
	// DeletedKey holds the ids of conversations the user removed.
	DeletedKey = "greenbot-deleted-chats"
)

var log = logrus.WithField("component", "local-store")

// Store is the local persistence adapter. It satisfies chat.Store and also keeps
// the deleted-ids tombstone set.
type Store struct {
	kv kv.Store
	mu sync.Mutex
}

// New wraps a key-value store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// ListConversations returns stored conversations, most recently updated first,
// without tombstoned entries.
func (s *Store) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	deleted, err := s.loadDeleted(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]chat.Conversation, 0, len(convs))
	for _, conv := range convs {
		if _, gone := deleted[conv.ID]; gone {
			continue
		}
		result = append(result, conv)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// CreateConversation prepends a new conversation and returns its local id.
func (s *Store) CreateConversation(ctx context.Context, title, persona string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	conv := chat.Conversation{
		ID:        chat.NewLocalID(),
		Title:     title,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []chat.Message{},
	}
	convs = append([]chat.Conversation{conv}, convs...)

	if err := s.save(ctx, convs); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// LoadMessages returns the embedded messages of a conversation.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexOf(convs, conversationID)
	if idx < 0 {
		return nil, chat.ErrConversationNotFound
	}
	return append([]chat.Message(nil), convs[idx].Messages...), nil
}

// AppendMessage adds a message and bumps the conversation's update time.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, message chat.Message) error {
	return s.mutate(ctx, conversationID, func(conv *chat.Conversation) {
		conv.Messages = append(conv.Messages, message)
		conv.UpdatedAt = time.Now().UTC()
	})
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, conversationID, title string) error {
	return s.mutate(ctx, conversationID, func(conv *chat.Conversation) {
		conv.Title = title
	})
}

// UpdatePersona records the persona display name on a conversation.
func (s *Store) UpdatePersona(ctx context.Context, conversationID, persona string) error {
	return s.mutate(ctx, conversationID, func(conv *chat.Conversation) {
		conv.Persona = persona
	})
}

// Export returns the full records, messages included, for migration to the remote
// store. Tombstoned conversations are skipped.
func (s *Store) Export(ctx context.Context) ([]chat.Conversation, error) {
	return s.ListConversations(ctx)
}

// RemoveConversation drops a record from the blob. It is used after a successful
// migration; user-initiated deletes go through MarkDeleted instead.
func (s *Store) RemoveConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(convs, conversationID)
	if idx < 0 {
		return nil
	}
	convs = append(convs[:idx], convs[idx+1:]...)
	return s.save(ctx, convs)
}

// DeletedIDs returns the tombstone set.
func (s *Store) DeletedIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDeleted(ctx)
}

// MarkDeleted adds id to the tombstone set.
func (s *Store) MarkDeleted(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, err := s.loadDeleted(ctx)
	if err != nil {
		return err
	}
	if _, ok := deleted[conversationID]; ok {
		return nil
	}
	deleted[conversationID] = struct{}{}

	ids := make([]string, 0, len(deleted))
	for id := range deleted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal deleted ids: %w", err)
	}
	if err := s.kv.Set(ctx, DeletedKey, string(data)); err != nil {
		return fmt.Errorf("failed to save deleted ids: %w", err)
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, conversationID string, fn func(*chat.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(convs, conversationID)
	if idx < 0 {
		return chat.ErrConversationNotFound
	}
	fn(&convs[idx])
	return s.save(ctx, convs)
}

// load reads the blob. A corrupt blob is logged and treated as empty so the next
// save replaces it.
func (s *Store) load(ctx context.Context) ([]chat.Conversation, error) {
	raw, ok, err := s.kv.Get(ctx, ChatsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read local conversations: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var convs []chat.Conversation
	if err := json.Unmarshal([]byte(raw), &convs); err != nil {
		log.WithError(err).Warn("discarding unreadable local conversations")
		return nil, nil
	}
	return convs, nil
}

func (s *Store) save(ctx context.Context, convs []chat.Conversation) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("failed to marshal local conversations: %w", err)
	}
	if err := s.kv.Set(ctx, ChatsKey, string(data)); err != nil {
		return fmt.Errorf("failed to save local conversations: %w", err)
	}
	return nil
}

func (s *Store) loadDeleted(ctx context.Context) (map[string]struct{}, error) {
	raw, ok, err := s.kv.Get(ctx, DeletedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read deleted ids: %w", err)
	}
	deleted := make(map[string]struct{})
	if !ok || raw == "" {
		return deleted, nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		log.WithError(err).Warn("discarding unreadable deleted ids")
		return deleted, nil
	}
	for _, id := range ids {
		deleted[id] = struct{}{}
	}
	return deleted, nil
}

func indexOf(convs []chat.Conversation, id string) int {
	for i := range convs {
		if convs[i].ID == id {
			return i
		}
	}
	return -1
}
