package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	"github.com/zhouzirui/greenbot/backend/internal/service/ai"
)

// NewChat opens a fresh conversation with the current persona's welcome.
func (c *Controller) NewChat(ctx context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newChatLocked()
	c.broadcastLocked()
	return c.snapshotLocked()
}

func (c *Controller) newChatLocked() string {
	id := chat.NewLocalID()
	welcome := c.welcomeMessage(c.persona)
	name := c.persona.Name

	for i := range c.history {
		c.history[i].Selected = false
	}
	c.history = append([]chat.HistoryItem{{
		ID:       id,
		Title:    chat.DefaultTitle,
		Date:     chat.DisplayDate(time.Now()),
		Selected: true,
	}}, c.history...)
	c.personaOf[id] = name
	c.current = id
	c.loading = false
	c.messages = []chat.Message{welcome}

	remote := c.remote
	c.queue.enqueue("create-conversation", func(ctx context.Context) error {
		return c.persistNewConversation(ctx, id, remote, name, welcome)
	})
	return id
}

func (c *Controller) persistNewConversation(ctx context.Context, provisional string, remote chat.Store, personaName string, welcome chat.Message) error {
	if remote != nil {
		id, err := remote.CreateConversation(ctx, chat.DefaultTitle, personaName)
		if err == nil {
			if err := remote.AppendMessage(ctx, id, welcome); err != nil {
				c.log.WithError(err).WithField("conversation", id).Warn("failed to persist welcome message")
			}
			c.substitute(provisional, id)
			return nil
		}
		c.log.WithError(err).Warn("remote create failed, keeping conversation locally")
	}

	id, err := c.deps.Local.CreateConversation(ctx, chat.DefaultTitle, personaName)
	if err != nil {
		return fmt.Errorf("create local conversation: %w", err)
	}
	c.substitute(provisional, id)
	if err := c.deps.Local.AppendMessage(ctx, id, welcome); err != nil {
		return fmt.Errorf("persist welcome message: %w", err)
	}
	return nil
}

// SelectChat opens a conversation from the history. It is a no-op when id is
// already open or another selection is still loading.
func (c *Controller) SelectChat(ctx context.Context, id string) error {
	if !c.selecting.TryAcquire(1) {
		return nil
	}
	defer c.selecting.Release(1)

	c.mu.Lock()
	if id == c.current || (c.current != "" && c.resolveLocked(id) == c.resolveLocked(c.current)) {
		c.mu.Unlock()
		return nil
	}
	if !c.markSelectedLocked(id) {
		c.mu.Unlock()
		return ErrConversationNotFound
	}
	c.broadcastLocked()
	c.mu.Unlock()

	c.loadSelected(ctx, id)
	return nil
}

// loadSelected fills the message list of the selected conversation. It always
// ends with a displayable list.
func (c *Controller) loadSelected(ctx context.Context, id string) {
	if err := c.queue.flush(ctx); err != nil {
		c.log.WithError(err).Debug("flush before load interrupted")
	}

	target := c.resolve(id)
	store := c.storeFor(target)
	msgs, err := store.LoadMessages(ctx, target)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != id && c.current != target {
		// selection moved on while loading
		return
	}
	c.loading = false

	switch {
	case err != nil:
		c.log.WithError(err).WithField("conversation", target).Warn("failed to load messages")
		c.messages = []chat.Message{chat.NewBotMessage("error", FallbackContent, c.persona.Name)}
	case len(msgs) == 0:
		welcome := c.welcomeMessage(c.persona)
		c.messages = []chat.Message{welcome}
		c.enqueueAppendLocked(target, welcome)
	default:
		c.messages = msgs
	}
	c.broadcastLocked()
}

// enqueueAppendLocked persists a message to whatever id the conversation
// resolves to when the task runs.
func (c *Controller) enqueueAppendLocked(id string, msgs ...chat.Message) {
	c.queue.enqueue("append-message", func(ctx context.Context) error {
		target := c.resolve(id)
		store := c.storeFor(target)
		for _, msg := range msgs {
			if err := store.AppendMessage(ctx, target, msg); err != nil {
				return fmt.Errorf("append message to %s: %w", target, err)
			}
		}
		return nil
	})
}

// SendMessage appends the user message and a placeholder, asks the responder for
// a reply and swaps the placeholder for the reply or an error text. Completion
// failures never surface as errors.
func (c *Controller) SendMessage(ctx context.Context, content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	keys := c.keys()

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return chat.Message{}, ErrSelectionLoading
	}
	if c.current == "" {
		if c.remote != nil {
			c.mu.Unlock()
			return chat.Message{}, ErrNoConversation
		}
		c.newChatLocked()
	}

	convID := c.current
	p := c.persona
	prior := make([]chat.Message, 0, len(c.messages))
	firstExchange := true
	for _, msg := range c.messages {
		if msg.IsPlaceholder() {
			continue
		}
		if msg.Sender == chat.SenderUser {
			firstExchange = false
		}
		prior = append(prior, msg)
	}

	userMsg := chat.NewUserMessage(content)
	placeholder := chat.NewPlaceholder(p.Name)
	c.messages = append(c.messages, userMsg, placeholder)
	c.pending++

	title := ""
	if firstExchange {
		title = chat.DeriveTitle(content)
		if idx := c.historyIndexLocked(convID); idx >= 0 {
			c.history[idx].Title = title
			c.history[idx].Date = chat.DisplayDate(time.Now())
		}
	}
	c.broadcastLocked()
	c.mu.Unlock()

	// the caller cannot cancel a completion once it has started
	reply, err := c.deps.Responder.GenerateResponse(context.WithoutCancel(ctx), convID, keys, &p, prior, content)
	text := ""
	if err != nil {
		text = ai.DisplayText(err)
	} else {
		text = reply.Content
	}
	botMsg := chat.NewBotMessage("msg", text, p.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--
	for i := range c.messages {
		if c.messages[i].ID == placeholder.ID {
			c.messages[i] = botMsg
			break
		}
	}

	c.queue.enqueue("persist-exchange", func(ctx context.Context) error {
		target := c.resolve(convID)
		store := c.storeFor(target)
		if title != "" {
			if err := store.UpdateTitle(ctx, target, title); err != nil {
				c.log.WithError(err).WithField("conversation", target).Warn("failed to update title")
			}
		}
		for _, msg := range []chat.Message{userMsg, botMsg} {
			if err := store.AppendMessage(ctx, target, msg); err != nil {
				return fmt.Errorf("append message to %s: %w", target, err)
			}
		}
		return nil
	})
	c.broadcastLocked()
	return botMsg, nil
}

// ChangePersona switches the persona. When the conversation ends with a bot
// message it is replaced by the new persona's introduction; otherwise the
// introduction is appended.
func (c *Controller) ChangePersona(ctx context.Context, id persona.ID) (Snapshot, error) {
	p, ok := c.deps.Personas.FindByID(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownPersona, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.persona = p
	intro := chat.NewBotMessage("persona-change", p.OpeningLine, p.Name)

	if n := len(c.messages); n > 0 && c.messages[n-1].Sender == chat.SenderBot && !c.messages[n-1].IsPlaceholder() {
		c.messages[n-1] = intro
	} else {
		c.messages = append(c.messages, intro)
	}

	if convID := c.current; convID != "" {
		c.personaOf[convID] = p.Name
		c.queue.enqueue("update-persona", func(ctx context.Context) error {
			target := c.resolve(convID)
			return c.storeFor(target).UpdatePersona(ctx, target, p.Name)
		})
	}

	c.broadcastLocked()
	return c.snapshotLocked(), nil
}

// DeleteChat tombstones a conversation and removes it from the history. When it
// was open, the item now at its position (or the last one) is opened instead, or
// a new chat when nothing remains.
func (c *Controller) DeleteChat(ctx context.Context, id string) error {
	// pending creates must resolve before the tombstone is written
	if err := c.queue.flush(ctx); err != nil {
		c.log.WithError(err).Debug("flush before delete interrupted")
	}

	c.mu.Lock()
	if c.findLocked(id) < 0 {
		c.mu.Unlock()
		return ErrConversationNotFound
	}
	target := c.resolveLocked(id)
	c.deleted[id] = struct{}{}
	c.deleted[target] = struct{}{}
	c.mu.Unlock()

	for _, tombstone := range uniqueIDs(id, target) {
		if err := c.deps.Local.MarkDeleted(ctx, tombstone); err != nil {
			c.log.WithError(err).WithField("conversation", tombstone).Warn("failed to persist tombstone")
		}
	}

	c.mu.Lock()
	idx := c.findLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return nil
	}
	wasSelected := c.current == id || c.current == target
	delete(c.personaOf, c.history[idx].ID)
	c.history = append(c.history[:idx], c.history[idx+1:]...)

	if !wasSelected {
		c.broadcastLocked()
		c.mu.Unlock()
		return nil
	}

	if len(c.history) == 0 {
		c.newChatLocked()
		c.broadcastLocked()
		c.mu.Unlock()
		return nil
	}

	if idx >= len(c.history) {
		idx = len(c.history) - 1
	}
	next := c.history[idx].ID
	c.markSelectedLocked(next)
	c.broadcastLocked()
	c.mu.Unlock()

	c.loadSelected(ctx, next)
	return nil
}

// CompleteQuiz posts the quiz result into the open conversation.
func (c *Controller) CompleteQuiz(ctx context.Context, score, total int) (chat.Message, error) {
	if total <= 0 || score < 0 || score > total {
		return chat.Message{}, ErrInvalidScore
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg := chat.NewBotMessage("quiz-result", QuizResultText(score, total), c.persona.Name)
	c.messages = append(c.messages, msg)
	if c.current != "" {
		c.enqueueAppendLocked(c.current, msg)
	}
	c.broadcastLocked()
	return msg, nil
}

// QuizResultText is the chat message posted when a quiz finishes.
func QuizResultText(score, total int) string {
	verdict := "Keep learning! There's always more to discover about sustainability."
	if float64(score) >= float64(total)*0.7 {
		verdict = "Great job! You have a solid understanding of this topic."
	}
	return fmt.Sprintf("You've completed the quiz with a score of %d/%d! %s", score, total, verdict)
}

func uniqueIDs(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
