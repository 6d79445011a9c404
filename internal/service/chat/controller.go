// Package chat holds the conversation controller: the single owner of the open
// conversation, its messages and the history list for one client.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	"github.com/zhouzirui/greenbot/backend/internal/service/ai"
)

var (
	ErrEmptyMessage         = errors.New("message content is required")
	ErrNoConversation       = errors.New("no conversation selected")
	ErrConversationNotFound = chat.ErrConversationNotFound
	ErrUnknownPersona       = errors.New("unknown persona")
	ErrInvalidScore         = errors.New("quiz total must be positive")
	ErrRemoteUnavailable    = errors.New("remote storage is not configured")
	ErrSelectionLoading     = errors.New("conversation is still loading")
)

// FallbackContent replaces the message list when a conversation cannot be loaded.
const FallbackContent = "Sorry, I couldn't load this conversation right now. Your messages are safe; please try again in a moment."

// Responder produces the assistant reply for a message.
type Responder interface {
	GenerateResponse(ctx context.Context, conversationID string, keys ai.KeySource, p *persona.Persona, history []chat.Message, userMessage string) (*schema.Message, error)
}

// LocalStore is the anonymous store plus the operations only it offers.
type LocalStore interface {
	chat.Store
	Export(ctx context.Context) ([]chat.Conversation, error)
	RemoveConversation(ctx context.Context, conversationID string) error
	DeletedIDs(ctx context.Context) (map[string]struct{}, error)
	MarkDeleted(ctx context.Context, conversationID string) error
}

// RemoteFactory scopes the remote store to a user.
type RemoteFactory func(userID string) chat.Store

// Credentials is the API key source the controller hands to the responder.
// Signed-in clients may keep a key on their account.
type Credentials interface {
	ai.KeySource
	SetAPIKey(ctx context.Context, value string) error
	ForUser(userID string) ai.KeySource
	SetAccountKey(ctx context.Context, userID, value string) error
	AccountKeysAvailable() bool
	UseAccountKey(ctx context.Context) bool
	SetUseAccountKey(ctx context.Context, enabled bool) error
}

// Deps are the collaborators injected into a Controller.
type Deps struct {
	Personas  persona.Store
	Responder Responder
	Local     LocalStore
	Keys      Credentials
	// Remote is nil when no database is configured; sign-in is then rejected.
	Remote RemoteFactory
	Log    *logrus.Entry
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	ConversationID string             `json:"conversationId,omitempty"`
	Persona        persona.ID         `json:"persona"`
	PersonaName    string             `json:"personaName"`
	Authenticated  bool               `json:"authenticated"`
	Loading        bool               `json:"loading"`
	Pending        int                `json:"pending"`
	History        []chat.HistoryItem `json:"history"`
	Messages       []chat.Message     `json:"messages"`
	Version        uint64             `json:"version"`
}

// Controller reconciles the in-memory conversation state with the local and
// remote stores. State changes happen under mu; store and completion calls run
// outside it, and writes go through an ordered task queue.
type Controller struct {
	deps   Deps
	log    *logrus.Entry
	tracer trace.Tracer
	queue  *taskQueue

	selecting *semaphore.Weighted
	switching *semaphore.Weighted

	mu        sync.Mutex
	persona   persona.Persona
	history   []chat.HistoryItem
	personaOf map[string]string
	messages  []chat.Message
	current   string
	loading   bool
	pending   int
	userID    string
	remote    chat.Store
	deleted   map[string]struct{}
	aliases   map[string]string
	version   uint64
	subs      map[uint64]chan Snapshot
	nextSub   uint64
	started   bool
	disposed  bool
}

// NewController builds an anonymous controller. Call Init before use.
func NewController(deps Deps) *Controller {
	log := deps.Log
	if log == nil {
		log = logrus.WithField("component", "chat")
	}
	tracer := otel.Tracer("github.com/zhouzirui/greenbot/backend/internal/service/chat")

	return &Controller{
		deps:      deps,
		log:       log,
		tracer:    tracer,
		queue:     newTaskQueue(log, tracer),
		selecting: semaphore.NewWeighted(1),
		switching: semaphore.NewWeighted(1),
		persona:   deps.Personas.Resolve(persona.Default),
		personaOf: make(map[string]string),
		deleted:   make(map[string]struct{}),
		aliases:   make(map[string]string),
		subs:      make(map[uint64]chan Snapshot),
	}
}

// Init starts the write queue and loads the history.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.queue.start()
	c.reload(ctx)
	return nil
}

// Dispose drains pending writes and closes every subscription.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	started := c.started
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if started {
		c.queue.close()
	}
}

// Flush waits for every write enqueued so far.
func (c *Controller) Flush(ctx context.Context) error {
	return c.queue.flush(ctx)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe delivers a snapshot after every state change. The channel keeps only
// the latest snapshot when the reader falls behind.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				close(sub)
				delete(c.subs, id)
			}
		})
	}
}

var errNoCredentials = errors.New("credential storage unavailable")

// SetAPIKey stores the completion key. Signed-in clients store it on their
// account when account keys are available; otherwise it stays with the client.
func (c *Controller) SetAPIKey(ctx context.Context, value string) error {
	if c.deps.Keys == nil {
		return errNoCredentials
	}
	if userID := c.UserID(); userID != "" && c.deps.Keys.AccountKeysAvailable() {
		return c.deps.Keys.SetAccountKey(ctx, userID, value)
	}
	return c.deps.Keys.SetAPIKey(ctx, value)
}

// SetUseAccountKey toggles whether the account key wins over the client key.
func (c *Controller) SetUseAccountKey(ctx context.Context, enabled bool) error {
	if c.deps.Keys == nil {
		return errNoCredentials
	}
	return c.deps.Keys.SetUseAccountKey(ctx, enabled)
}

// UseAccountKey reports the client's account key preference.
func (c *Controller) UseAccountKey(ctx context.Context) bool {
	return c.deps.Keys != nil && c.deps.Keys.UseAccountKey(ctx)
}

// KeyConfigured reports whether a completion key is available.
func (c *Controller) KeyConfigured(ctx context.Context) bool {
	keys := c.keys()
	if keys == nil {
		return false
	}
	key, err := keys.APIKey(ctx)
	return err == nil && key != ""
}

// keys returns the key source for the current identity.
func (c *Controller) keys() ai.KeySource {
	if c.deps.Keys == nil {
		return nil
	}
	return c.deps.Keys.ForUser(c.UserID())
}

// busy reports whether someone is watching the controller or waiting on a reply.
func (c *Controller) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0 || c.pending > 0
}

// UserID returns the authenticated user, or "" when anonymous.
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: c.current,
		Persona:        c.persona.ID,
		PersonaName:    c.persona.Name,
		Authenticated:  c.remote != nil,
		Loading:        c.loading,
		Pending:        c.pending,
		History:        append([]chat.HistoryItem(nil), c.history...),
		Messages:       append([]chat.Message(nil), c.messages...),
		Version:        c.version,
	}
}

func (c *Controller) broadcastLocked() {
	c.version++
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// storeFor picks the backend that owns id.
func (c *Controller) storeFor(id string) chat.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeForLocked(id)
}

func (c *Controller) storeForLocked(id string) chat.Store {
	if c.remote != nil && !chat.IsLocalID(id) {
		return c.remote
	}
	return c.deps.Local
}

// resolve maps a provisional id to the id the store assigned.
func (c *Controller) resolve(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(id)
}

func (c *Controller) resolveLocked(id string) string {
	for i := 0; i < 4; i++ {
		next, ok := c.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// substitute replaces a provisional id everywhere once the store has answered.
func (c *Controller) substitute(provisional, persisted string) {
	if provisional == persisted {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.aliases[provisional] = persisted
	if name, ok := c.personaOf[provisional]; ok {
		c.personaOf[persisted] = name
		delete(c.personaOf, provisional)
	}
	for i := range c.history {
		if c.history[i].ID == provisional {
			c.history[i].ID = persisted
		}
	}
	if c.current == provisional {
		c.current = persisted
	}
	if _, gone := c.deleted[provisional]; gone {
		c.deleted[persisted] = struct{}{}
	}
	c.broadcastLocked()
}

func (c *Controller) welcomeMessage(p persona.Persona) chat.Message {
	return chat.NewBotMessage("welcome", p.OpeningLine, p.Name)
}

func (c *Controller) historyIndexLocked(id string) int {
	for i := range c.history {
		if c.history[i].ID == id {
			return i
		}
	}
	return -1
}

// findLocked locates id in the history, following a provisional id to the
// persisted one when needed.
func (c *Controller) findLocked(id string) int {
	if idx := c.historyIndexLocked(id); idx >= 0 {
		return idx
	}
	return c.historyIndexLocked(c.resolveLocked(id))
}

// markSelectedLocked keeps exactly one history item selected.
func (c *Controller) markSelectedLocked(id string) bool {
	idx := c.findLocked(id)
	if idx < 0 {
		return false
	}
	for i := range c.history {
		c.history[i].Selected = i == idx
	}
	id = c.history[idx].ID
	c.current = id
	c.messages = nil
	c.loading = true
	if name, ok := c.personaOf[id]; ok {
		if p, found := c.deps.Personas.FindByName(name); found {
			c.persona = p
		}
	}
	return true
}

// absentLocked shows the welcome of an anonymous session that has no
// conversation yet. Nothing is persisted until the first message.
func (c *Controller) absentLocked() {
	for i := range c.history {
		c.history[i].Selected = false
	}
	c.current = ""
	c.loading = false
	c.messages = []chat.Message{c.welcomeMessage(c.persona)}
}

func sortConversations(convs []chat.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
