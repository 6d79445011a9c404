package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
)

// ConversationStore is the remote persistence adapter for one user. Every query is
// filtered by the user's id.
type ConversationStore struct {
	db     *DB
	userID string
}

// ForUser scopes conversation access to userID.
func (d *DB) ForUser(userID string) *ConversationStore {
	return &ConversationStore{db: d, userID: userID}
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *ConversationStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.query(ctx, `
		SELECT id, title, persona, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []chat.Conversation
	for rows.Next() {
		var conv chat.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Persona, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// CreateConversation inserts a conversation row and returns its id.
func (s *ConversationStore) CreateConversation(ctx context.Context, title, persona string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.exec(ctx, `
		INSERT INTO conversations (id, user_id, title, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, s.userID, title, persona, now, now)
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	return id, nil
}

// LoadMessages returns the conversation's messages in insertion order.
func (s *ConversationStore) LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := s.checkOwner(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.query(ctx, `
		SELECT id, content, sender, persona, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var (
			msg     chat.Message
			sender  string
			persona sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Content, &sender, &persona, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Sender = chat.Sender(sender)
		msg.Persona = persona.String
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// AppendMessage inserts a message row and bumps the conversation's updated_at.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, message chat.Message) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.db.rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`),
		now, conversationID, s.userID)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrConversationNotFound
	}

	id := message.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := message.Timestamp
	if createdAt.IsZero() {
		createdAt = now
	}

	var seq int64
	err = tx.QueryRowContext(ctx, s.db.rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("reading message sequence: %w", err)
	}

	if err := s.insertMessage(ctx, tx, conversationID, id, message, seq+1, createdAt); err != nil {
		return err
	}
	return tx.Commit()
}

// insertMessage ignores a message id the conversation already holds, so copying
// the same messages twice is harmless.
func (s *ConversationStore) insertMessage(ctx context.Context, tx *sql.Tx, conversationID, id string, message chat.Message, seq int64, createdAt time.Time) error {
	_, err := tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO messages (id, conversation_id, content, sender, persona, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, id) DO NOTHING`),
		id, conversationID, message.Content, string(message.Sender), nullString(message.Persona), seq, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// ImportConversation stores a whole conversation in one transaction and returns
// its new id. Nothing is written when any message fails.
func (s *ConversationStore) ImportConversation(ctx context.Context, conv chat.Conversation) (string, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	createdAt, updatedAt := conv.CreatedAt, conv.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	title := conv.Title
	if title == "" {
		title = chat.DefaultTitle
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO conversations (id, user_id, title, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`), id, s.userID, title, conv.Persona, createdAt.UTC(), updatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}

	var seq int64
	for _, msg := range conv.Messages {
		if msg.IsPlaceholder() {
			continue
		}
		seq++
		msgID := msg.ID
		if msgID == "" {
			msgID = uuid.NewString()
		}
		at := msg.Timestamp
		if at.IsZero() {
			at = updatedAt
		}
		if err := s.insertMessage(ctx, tx, id, msgID, msg, seq, at); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing import: %w", err)
	}
	return id, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.rebind(`
		DELETE FROM conversations WHERE id = ? AND user_id = ?`), conversationID, s.userID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx, s.db.rebind(`
		DELETE FROM messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return tx.Commit()
}

// UpdateTitle renames a conversation.
func (s *ConversationStore) UpdateTitle(ctx context.Context, conversationID, title string) error {
	return s.update(ctx, "title", conversationID, title)
}

// UpdatePersona records the persona display name on a conversation.
func (s *ConversationStore) UpdatePersona(ctx context.Context, conversationID, persona string) error {
	return s.update(ctx, "persona", conversationID, persona)
}

func (s *ConversationStore) update(ctx context.Context, column, conversationID, value string) error {
	res, err := s.db.exec(ctx, `UPDATE conversations SET `+column+` = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		value, time.Now().UTC(), conversationID, s.userID)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) checkOwner(ctx context.Context, conversationID string) error {
	var owner string
	err := s.db.queryRow(ctx, `SELECT user_id FROM conversations WHERE id = ?`, conversationID).Scan(&owner)
	if err == sql.ErrNoRows {
		return chat.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("getting conversation: %w", err)
	}
	if owner != s.userID {
		return chat.ErrConversationNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
