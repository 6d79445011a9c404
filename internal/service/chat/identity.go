package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
)

// SetIdentity switches between anonymous and authenticated storage. Signing in
// moves local conversations to the user's remote store; signing out returns to
// the local history. The history is reloaded either way. Identity changes run
// one at a time.
func (c *Controller) SetIdentity(ctx context.Context, userID string) error {
	if err := c.switching.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.switching.Release(1)

	c.mu.Lock()
	if c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	if userID != "" && c.deps.Remote == nil {
		c.mu.Unlock()
		return ErrRemoteUnavailable
	}
	c.mu.Unlock()

	if err := c.queue.flush(ctx); err != nil {
		c.log.WithError(err).Debug("flush before identity change interrupted")
	}

	var remote chat.Store
	if userID != "" {
		remote = c.deps.Remote(userID)
	}

	c.mu.Lock()
	c.userID = userID
	c.remote = remote
	c.mu.Unlock()

	if remote != nil {
		c.migrate(ctx, remote)
	}
	c.reload(ctx)
	return nil
}

// migrate copies every local conversation into remote, oldest first so the
// remote ordering matches, and drops the local copy once it is stored.
func (c *Controller) migrate(ctx context.Context, remote chat.Store) {
	convs, err := c.deps.Local.Export(ctx)
	if err != nil {
		c.log.WithError(err).Warn("failed to read local conversations for migration")
		return
	}

	migrated := 0
	for i := len(convs) - 1; i >= 0; i-- {
		conv := convs[i]
		id, err := migrateConversation(ctx, remote, conv)
		if err != nil {
			c.log.WithError(err).WithField("conversation", conv.ID).Warn("migration failed, keeping local copy")
			continue
		}
		if err := c.deps.Local.RemoveConversation(ctx, conv.ID); err != nil {
			c.log.WithError(err).WithField("conversation", conv.ID).Warn("failed to remove migrated conversation")
		}

		c.mu.Lock()
		c.aliases[conv.ID] = id
		c.mu.Unlock()
		migrated++
	}

	if migrated > 0 {
		c.log.WithField("count", migrated).Info("migrated local conversations")
	}
}

// conversationImporter stores a conversation and its messages atomically.
type conversationImporter interface {
	ImportConversation(ctx context.Context, conv chat.Conversation) (string, error)
}

// conversationRemover deletes a conversation row.
type conversationRemover interface {
	DeleteConversation(ctx context.Context, conversationID string) error
}

// migrateConversation copies conv into remote. A failed copy leaves nothing
// behind so a later sign-in can retry it.
func migrateConversation(ctx context.Context, remote chat.Store, conv chat.Conversation) (string, error) {
	if importer, ok := remote.(conversationImporter); ok {
		id, err := importer.ImportConversation(ctx, conv)
		if err != nil {
			return "", fmt.Errorf("import conversation: %w", err)
		}
		return id, nil
	}

	title := conv.Title
	if title == "" {
		title = chat.DefaultTitle
	}
	id, err := remote.CreateConversation(ctx, title, conv.Persona)
	if err != nil {
		return "", fmt.Errorf("create remote conversation: %w", err)
	}
	for _, msg := range conv.Messages {
		if msg.IsPlaceholder() {
			continue
		}
		if err := remote.AppendMessage(ctx, id, msg); err != nil {
			if remover, ok := remote.(conversationRemover); ok {
				if derr := remover.DeleteConversation(context.WithoutCancel(ctx), id); derr != nil {
					err = errors.Join(err, fmt.Errorf("remove partial copy: %w", derr))
				}
			}
			return "", fmt.Errorf("copy message %s: %w", msg.ID, err)
		}
	}
	return id, nil
}

// reload rebuilds the history from storage and opens the most recent
// conversation. Authenticated users always end with a selected conversation;
// anonymous users may stay on the welcome screen until their first message.
func (c *Controller) reload(ctx context.Context) {
	convs := c.listConversations(ctx)

	c.mu.Lock()
	c.history = c.history[:0]
	c.personaOf = make(map[string]string, len(convs))
	for _, conv := range convs {
		c.history = append(c.history, chat.HistoryItemFor(conv))
		c.personaOf[conv.ID] = conv.Persona
	}
	c.current = ""

	if len(c.history) == 0 {
		if c.remote != nil {
			c.newChatLocked()
		} else {
			c.absentLocked()
		}
		c.broadcastLocked()
		c.mu.Unlock()
		return
	}

	first := c.history[0].ID
	c.markSelectedLocked(first)
	c.broadcastLocked()
	c.mu.Unlock()

	c.loadSelected(ctx, first)
}

// listConversations merges the remote list (when signed in) with local
// conversations and drops tombstoned ids. Store failures yield what could be read.
func (c *Controller) listConversations(ctx context.Context) []chat.Conversation {
	c.mu.Lock()
	remote := c.remote
	deleted := make(map[string]struct{}, len(c.deleted))
	for id := range c.deleted {
		deleted[id] = struct{}{}
	}
	c.mu.Unlock()

	stored, err := c.deps.Local.DeletedIDs(ctx)
	if err != nil {
		c.log.WithError(err).Warn("failed to read tombstones")
	}
	for id := range stored {
		deleted[id] = struct{}{}
	}

	var convs []chat.Conversation
	if remote != nil {
		remoteConvs, err := remote.ListConversations(ctx)
		if err != nil {
			c.log.WithError(err).Warn("failed to list remote conversations")
		}
		convs = append(convs, remoteConvs...)
	}

	localConvs, err := c.deps.Local.ListConversations(ctx)
	if err != nil {
		c.log.WithError(err).Warn("failed to list local conversations")
	}
	convs = append(convs, localConvs...)

	filtered := convs[:0]
	for _, conv := range convs {
		if _, gone := deleted[conv.ID]; gone {
			continue
		}
		filtered = append(filtered, conv)
	}
	sortConversations(filtered)
	return filtered
}
