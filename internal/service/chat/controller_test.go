package chat_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	"github.com/zhouzirui/greenbot/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/greenbot/backend/internal/service/chat"
	"github.com/zhouzirui/greenbot/backend/internal/store/kv"
	"github.com/zhouzirui/greenbot/backend/internal/store/local"
	"github.com/zhouzirui/greenbot/backend/internal/store/remote"
)

type responderCall struct {
	conversationID string
	persona        persona.ID
	history        []chat.Message
	message        string
}

type fakeResponder struct {
	mu    sync.Mutex
	reply string
	err   error
	gate  chan struct{}
	calls []responderCall
}

func (f *fakeResponder) GenerateResponse(_ context.Context, conversationID string, _ ai.KeySource, p *persona.Persona, history []chat.Message, userMessage string) (*schema.Message, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, responderCall{
		conversationID: conversationID,
		persona:        p.ID,
		history:        append([]chat.Message(nil), history...),
		message:        userMessage,
	})
	if f.err != nil {
		return nil, f.err
	}
	reply := f.reply
	if reply == "" {
		reply = "Try composting."
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (f *fakeResponder) lastCall(t *testing.T) responderCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("responder was not called")
	}
	return f.calls[len(f.calls)-1]
}

// countingStore records every store call made by the controller.
type countingStore struct {
	*local.Store
	calls     atomic.Int64
	failLoads bool
	loadGate  chan struct{}
}

func (s *countingStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	s.calls.Add(1)
	return s.Store.ListConversations(ctx)
}

func (s *countingStore) CreateConversation(ctx context.Context, title, p string) (string, error) {
	s.calls.Add(1)
	return s.Store.CreateConversation(ctx, title, p)
}

func (s *countingStore) LoadMessages(ctx context.Context, id string) ([]chat.Message, error) {
	s.calls.Add(1)
	if s.loadGate != nil {
		<-s.loadGate
	}
	if s.failLoads {
		return nil, errors.New("disk unavailable")
	}
	return s.Store.LoadMessages(ctx, id)
}

func (s *countingStore) AppendMessage(ctx context.Context, id string, msg chat.Message) error {
	s.calls.Add(1)
	return s.Store.AppendMessage(ctx, id, msg)
}

func (s *countingStore) UpdateTitle(ctx context.Context, id, title string) error {
	s.calls.Add(1)
	return s.Store.UpdateTitle(ctx, id, title)
}

func (s *countingStore) UpdatePersona(ctx context.Context, id, p string) error {
	s.calls.Add(1)
	return s.Store.UpdatePersona(ctx, id, p)
}

// brokenRemote fails every call, standing in for an unreachable database.
type brokenRemote struct{}

var errUnreachable = errors.New("remote unreachable")

func (brokenRemote) ListConversations(context.Context) ([]chat.Conversation, error) {
	return nil, errUnreachable
}
func (brokenRemote) CreateConversation(context.Context, string, string) (string, error) {
	return "", errUnreachable
}
func (brokenRemote) LoadMessages(context.Context, string) ([]chat.Message, error) {
	return nil, errUnreachable
}
func (brokenRemote) AppendMessage(context.Context, string, chat.Message) error { return errUnreachable }
func (brokenRemote) UpdateTitle(context.Context, string, string) error { return errUnreachable }
func (brokenRemote) UpdatePersona(context.Context, string, string) error { return errUnreachable }

// flakyRemote fails the nth message append once and hides the bulk import, so
// conversations are copied one message at a time.
type flakyRemote struct {
	chat.Store
	remover *remote.ConversationStore
	appends *atomic.Int64
	failAt  int64
}

func (r flakyRemote) AppendMessage(ctx context.Context, id string, msg chat.Message) error {
	if r.appends.Add(1) == r.failAt {
		return errUnreachable
	}
	return r.Store.AppendMessage(ctx, id, msg)
}

func (r flakyRemote) DeleteConversation(ctx context.Context, id string) error {
	return r.remover.DeleteConversation(ctx, id)
}

type fixture struct {
	ctrl      *chatservice.Controller
	kv        *kv.MemoryStore
	local     *countingStore
	responder *fakeResponder
	personas  persona.Store
}

type option func(*chatservice.Deps)

func withRemote(factory chatservice.RemoteFactory) option {
	return func(d *chatservice.Deps) { d.Remote = factory }
}

func newFixture(t *testing.T, store *kv.MemoryStore, opts ...option) *fixture {
	t.Helper()
	if store == nil {
		store = kv.NewMemoryStore()
	}
	f := &fixture{
		kv:        store,
		local:     &countingStore{Store: local.New(store)},
		responder: &fakeResponder{},
		personas:  persona.NewMemoryStore(persona.Seed()),
	}
	deps := chatservice.Deps{
		Personas:  f.personas,
		Responder: f.responder,
		Local:     f.local,
		Keys:      ai.NewCredentials(store, "deepseek-api-key", "sk-test"),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.ctrl = chatservice.NewController(deps)
	if err := f.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(f.ctrl.Dispose)
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.ctrl.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func openRemote(t *testing.T) *remote.DB {
	t.Helper()
	db, err := remote.Open(context.Background(), remote.SQLite, filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func remoteFor(db *remote.DB) chatservice.RemoteFactory {
	return func(userID string) chat.Store { return db.ForUser(userID) }
}

func requireSingleSelection(t *testing.T, snap chatservice.Snapshot) {
	t.Helper()
	selected := 0
	for _, item := range snap.History {
		if item.Selected {
			selected++
			if item.ID != snap.ConversationID {
				t.Fatalf("selected item %s does not match open conversation %s", item.ID, snap.ConversationID)
			}
		}
	}
	if len(snap.History) > 0 && selected != 1 {
		t.Fatalf("expected exactly one selected item, got %d in %+v", selected, snap.History)
	}
}

func TestInitAnonymousShowsWelcome(t *testing.T) {
	f := newFixture(t, nil)
	snap := f.ctrl.Snapshot()

	if snap.ConversationID != "" || len(snap.History) != 0 {
		t.Fatalf("expected no conversation, got %+v", snap)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Sender != chat.SenderBot {
		t.Fatalf("expected welcome message, got %+v", snap.Messages)
	}
	if snap.Authenticated {
		t.Fatal("expected anonymous controller")
	}
}

func TestNewChatAnonymous(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.ctrl.NewChat(ctx)
	f.flush(t)
	before := f.ctrl.Snapshot()

	snap := f.ctrl.NewChat(ctx)
	if len(snap.History) != len(before.History)+1 {
		t.Fatalf("expected history to grow by one, got %d -> %d", len(before.History), len(snap.History))
	}
	if !snap.History[0].Selected || snap.History[0].Title != chat.DefaultTitle {
		t.Fatalf("unexpected new item %+v", snap.History[0])
	}
	requireSingleSelection(t, snap)

	welcome := f.personas.Resolve(persona.Default).OpeningLine
	if len(snap.Messages) != 1 || snap.Messages[0].Content != welcome {
		t.Fatalf("expected only the welcome message, got %+v", snap.Messages)
	}

	f.flush(t)
	after := f.ctrl.Snapshot()
	stored, err := f.local.Store.LoadMessages(ctx, after.ConversationID)
	if err != nil {
		t.Fatalf("conversation %s not persisted: %v", after.ConversationID, err)
	}
	if len(stored) != 1 || stored[0].Content != welcome {
		t.Fatalf("unexpected stored messages %+v", stored)
	}
	requireSingleSelection(t, after)
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ctrl.NewChat(ctx)
	before := f.ctrl.Snapshot()

	for _, content := range []string{"", "   \n\t"} {
		if _, err := f.ctrl.SendMessage(ctx, content); !errors.Is(err, chatservice.ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage for %q, got %v", content, err)
		}
	}

	after := f.ctrl.Snapshot()
	if after.Version != before.Version || len(after.Messages) != len(before.Messages) || len(after.History) != len(before.History) {
		t.Fatalf("state changed after blank send: %+v -> %+v", before, after)
	}
}

func TestSendMessageFirstExchange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.responder.reply = "Start with a reusable bottle."

	reply, err := f.ctrl.SendMessage(ctx, "Tips for recycling? I sort glass already.")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Content != "Start with a reusable bottle." || reply.Sender != chat.SenderBot {
		t.Fatalf("unexpected reply %+v", reply)
	}

	snap := f.ctrl.Snapshot()
	if len(snap.Messages) != 3 {
		t.Fatalf("expected welcome, user and reply, got %+v", snap.Messages)
	}
	if snap.Messages[1].Sender != chat.SenderUser || snap.Messages[2].ID != reply.ID {
		t.Fatalf("unexpected order %+v", snap.Messages)
	}
	if len(snap.History) != 1 || snap.History[0].Title != "Tips for recycling?" {
		t.Fatalf("unexpected history %+v", snap.History)
	}
	requireSingleSelection(t, snap)

	call := f.responder.lastCall(t)
	if len(call.history) != 1 || call.history[0].Sender != chat.SenderBot {
		t.Fatalf("expected only the welcome as prior history, got %+v", call.history)
	}

	f.flush(t)
	id := f.ctrl.Snapshot().ConversationID
	stored, err := f.local.Store.LoadMessages(ctx, id)
	if err != nil || len(stored) != 3 {
		t.Fatalf("expected 3 stored messages, got %d (%v)", len(stored), err)
	}
	convs, _ := f.local.Store.ListConversations(ctx)
	if len(convs) != 1 || convs[0].Title != "Tips for recycling?" {
		t.Fatalf("title not persisted: %+v", convs)
	}

	// later messages keep the title
	if _, err := f.ctrl.SendMessage(ctx, "What about glass?"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if got := f.ctrl.Snapshot().History[0].Title; got != "Tips for recycling?" {
		t.Fatalf("title changed to %q", got)
	}
}

func TestSendMessageCompletionFailureShowsError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.responder.err = &ai.NetworkError{Provider: "deepseek", Err: errors.New("connection refused")}

	reply, err := f.ctrl.SendMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("completion failure must not escape: %v", err)
	}
	if !strings.HasPrefix(reply.Content, "Sorry, I encountered an error") || !strings.Contains(reply.Content, "connection refused") {
		t.Fatalf("unexpected error text %q", reply.Content)
	}

	snap := f.ctrl.Snapshot()
	for _, msg := range snap.Messages {
		if msg.IsPlaceholder() || msg.Content == chat.PlaceholderContent {
			t.Fatalf("placeholder left behind: %+v", snap.Messages)
		}
	}
	if last := snap.Messages[len(snap.Messages)-1]; last.ID != reply.ID {
		t.Fatalf("error message not in placeholder position: %+v", snap.Messages)
	}
}

func TestSendMessageShowsPlaceholderWhilePending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.responder.gate = make(chan struct{})

	updates, cancel := f.ctrl.Subscribe()
	defer cancel()

	done := make(chan chat.Message, 1)
	go func() {
		reply, _ := f.ctrl.SendMessage(ctx, "hello")
		done <- reply
	}()

	deadline := time.After(5 * time.Second)
	for {
		var snap chatservice.Snapshot
		select {
		case snap = <-updates:
		case <-deadline:
			t.Fatal("placeholder never published")
		}
		if snap.Pending == 1 {
			last := snap.Messages[len(snap.Messages)-1]
			if !last.IsPlaceholder() || last.Content != chat.PlaceholderContent {
				t.Fatalf("expected placeholder, got %+v", last)
			}
			break
		}
	}

	close(f.responder.gate)
	reply := <-done

	snap := f.ctrl.Snapshot()
	if snap.Pending != 0 || snap.Messages[len(snap.Messages)-1].ID != reply.ID {
		t.Fatalf("placeholder not replaced: %+v", snap.Messages)
	}
}

func TestFirstAnonymousMessageCreatesConversation(t *testing.T) {
	f := newFixture(t, nil)
	if f.ctrl.Snapshot().ConversationID != "" {
		t.Fatal("expected no conversation")
	}
	if _, err := f.ctrl.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("anonymous first message should create a conversation: %v", err)
	}
	if f.ctrl.Snapshot().ConversationID == "" {
		t.Fatal("conversation not created")
	}
}

func TestSelectChatCurrentIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ctrl.NewChat(ctx)
	f.flush(t)

	before := f.ctrl.Snapshot()
	calls := f.local.calls.Load()

	if err := f.ctrl.SelectChat(ctx, before.ConversationID); err != nil {
		t.Fatalf("select: %v", err)
	}

	after := f.ctrl.Snapshot()
	if after.Version != before.Version {
		t.Fatalf("state changed: version %d -> %d", before.Version, after.Version)
	}
	f.flush(t)
	if got := f.local.calls.Load(); got != calls {
		t.Fatalf("expected no store calls, got %d", got-calls)
	}
}

func TestSelectChatUnknownID(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.NewChat(context.Background())
	before := f.ctrl.Snapshot()

	if err := f.ctrl.SelectChat(context.Background(), "local-missing"); !errors.Is(err, chatservice.ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if after := f.ctrl.Snapshot(); after.ConversationID != before.ConversationID || after.Version != before.Version {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestSelectChatSwitchesConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ctrl.SendMessage(ctx, "first conversation"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)
	first := f.ctrl.Snapshot().ConversationID

	f.ctrl.NewChat(ctx)
	f.flush(t)

	if err := f.ctrl.SelectChat(ctx, first); err != nil {
		t.Fatalf("select: %v", err)
	}
	snap := f.ctrl.Snapshot()
	requireSingleSelection(t, snap)
	if snap.ConversationID != first || len(snap.Messages) != 3 || snap.Messages[1].Content != "first conversation" {
		t.Fatalf("unexpected state after select: %+v", snap)
	}
	if snap.Loading {
		t.Fatal("loading flag left set")
	}
}

func TestSelectChatEmptyConversationGetsWelcome(t *testing.T) {
	store := kv.NewMemoryStore()
	id, err := local.New(store).CreateConversation(context.Background(), chat.DefaultTitle, "Waste Wizard")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := newFixture(t, store)
	snap := f.ctrl.Snapshot()
	if snap.ConversationID != id {
		t.Fatalf("expected %s to be opened, got %s", id, snap.ConversationID)
	}
	if snap.Persona != persona.Waste {
		t.Fatalf("expected persona from record, got %s", snap.Persona)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Persona != "Waste Wizard" {
		t.Fatalf("expected synthesized welcome, got %+v", snap.Messages)
	}

	f.flush(t)
	stored, _ := f.local.Store.LoadMessages(context.Background(), id)
	if len(stored) != 1 {
		t.Fatalf("welcome not persisted: %+v", stored)
	}
}

func TestSelectChatLoadFailureShowsFallback(t *testing.T) {
	store := kv.NewMemoryStore()
	if _, err := local.New(store).CreateConversation(context.Background(), "Saved", "GreenBot"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	f := &fixture{
		kv:        store,
		local:     &countingStore{Store: local.New(store), failLoads: true},
		responder: &fakeResponder{},
		personas:  persona.NewMemoryStore(persona.Seed()),
	}
	f.ctrl = chatservice.NewController(chatservice.Deps{Personas: f.personas, Responder: f.responder, Local: f.local})
	if err := f.ctrl.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer f.ctrl.Dispose()

	snap := f.ctrl.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Content != chatservice.FallbackContent {
		t.Fatalf("expected fallback message, got %+v", snap.Messages)
	}
	requireSingleSelection(t, snap)
}

func TestDeleteOnlyConversationStartsNewChat(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.ctrl.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)
	deleted := f.ctrl.Snapshot().ConversationID

	if err := f.ctrl.DeleteChat(ctx, deleted); err != nil {
		t.Fatalf("delete: %v", err)
	}

	snap := f.ctrl.Snapshot()
	if len(snap.History) != 1 || snap.History[0].ID == deleted || snap.History[0].Title != chat.DefaultTitle {
		t.Fatalf("expected a fresh conversation, got %+v", snap.History)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Sender != chat.SenderBot {
		t.Fatalf("expected welcome only, got %+v", snap.Messages)
	}
	requireSingleSelection(t, snap)

	tombstones, _ := f.local.Store.DeletedIDs(ctx)
	if _, ok := tombstones[deleted]; !ok {
		t.Fatalf("tombstone for %s not persisted", deleted)
	}
}

func TestDeleteSelectsNeighbour(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, text := range []string{"oldest", "middle", "newest"} {
		f.ctrl.NewChat(ctx)
		if _, err := f.ctrl.SendMessage(ctx, text); err != nil {
			t.Fatalf("send: %v", err)
		}
		f.flush(t)
	}

	snap := f.ctrl.Snapshot()
	if len(snap.History) != 3 {
		t.Fatalf("expected 3 conversations, got %+v", snap.History)
	}
	if err := f.ctrl.SelectChat(ctx, snap.History[1].ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := f.ctrl.DeleteChat(ctx, snap.History[1].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	after := f.ctrl.Snapshot()
	requireSingleSelection(t, after)
	if len(after.History) != 2 || after.ConversationID != snap.History[2].ID {
		t.Fatalf("expected the next item to open, got %+v", after)
	}
	if after.Messages[1].Content != "oldest" {
		t.Fatalf("unexpected messages %+v", after.Messages)
	}

	// deleting an unselected item leaves the selection alone
	if err := f.ctrl.DeleteChat(ctx, snap.History[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if final := f.ctrl.Snapshot(); len(final.History) != 1 || final.ConversationID != snap.History[2].ID {
		t.Fatalf("unexpected state %+v", final)
	}
}

func TestTombstonedConversationsNeverReload(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	seed := local.New(store)
	keep, _ := seed.CreateConversation(ctx, "Keep", "GreenBot")
	gone, _ := seed.CreateConversation(ctx, "Gone", "GreenBot")
	if err := seed.MarkDeleted(ctx, gone); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	f := newFixture(t, store)
	snap := f.ctrl.Snapshot()
	if len(snap.History) != 1 || snap.History[0].ID != keep {
		t.Fatalf("tombstoned conversation resurfaced: %+v", snap.History)
	}

	if err := f.ctrl.DeleteChat(ctx, keep); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.flush(t)

	reloaded := newFixture(t, store).ctrl.Snapshot()
	for _, item := range reloaded.History {
		if item.ID == keep || item.ID == gone {
			t.Fatalf("deleted id %s in reloaded history", item.ID)
		}
	}
}

func TestChangePersonaReplacesTrailingBotMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ctrl.NewChat(ctx)
	before := f.ctrl.Snapshot()

	snap, err := f.ctrl.ChangePersona(ctx, persona.Waste)
	if err != nil {
		t.Fatalf("change persona: %v", err)
	}
	if len(snap.Messages) != len(before.Messages) {
		t.Fatalf("expected length %d, got %d", len(before.Messages), len(snap.Messages))
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Persona != "Waste Wizard" || snap.Persona != persona.Waste {
		t.Fatalf("expected Waste Wizard introduction, got %+v", last)
	}

	f.flush(t)
	convs, _ := f.local.Store.ListConversations(ctx)
	if len(convs) != 1 || convs[0].Persona != "Waste Wizard" {
		t.Fatalf("persona not persisted: %+v", convs)
	}

	if _, err := f.ctrl.SendMessage(ctx, "what goes in the blue bin?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if call := f.responder.lastCall(t); call.persona != persona.Waste {
		t.Fatalf("reply generated with persona %s", call.persona)
	}
}

func TestChangePersonaAppendsAfterUserMessage(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	seed := local.New(store)
	id, _ := seed.CreateConversation(ctx, "Unanswered", "GreenBot")
	_ = seed.AppendMessage(ctx, id, chat.NewBotMessage("welcome", "Hello!", "GreenBot"))
	_ = seed.AppendMessage(ctx, id, chat.NewUserMessage("anyone there?"))

	f := newFixture(t, store)
	before := f.ctrl.Snapshot()
	if len(before.Messages) != 2 {
		t.Fatalf("unexpected seed state %+v", before.Messages)
	}

	snap, err := f.ctrl.ChangePersona(ctx, persona.Climate)
	if err != nil {
		t.Fatalf("change persona: %v", err)
	}
	if len(snap.Messages) != 3 || snap.Messages[2].Persona != "Climate Guardian" {
		t.Fatalf("expected appended introduction, got %+v", snap.Messages)
	}
	if snap.Messages[0].Content != "Hello!" {
		t.Fatalf("earlier bot message must stay: %+v", snap.Messages)
	}
}

func TestChangePersonaUnknown(t *testing.T) {
	f := newFixture(t, nil)
	before := f.ctrl.Snapshot()
	if _, err := f.ctrl.ChangePersona(context.Background(), "pirate"); !errors.Is(err, chatservice.ErrUnknownPersona) {
		t.Fatalf("expected ErrUnknownPersona, got %v", err)
	}
	if f.ctrl.Snapshot().Version != before.Version {
		t.Fatal("state changed for unknown persona")
	}
}

func TestCompleteQuizPostsResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ctrl.NewChat(ctx)

	msg, err := f.ctrl.CompleteQuiz(ctx, 4, 5)
	if err != nil {
		t.Fatalf("complete quiz: %v", err)
	}
	if msg.Content != "You've completed the quiz with a score of 4/5! Great job! You have a solid understanding of this topic." {
		t.Fatalf("unexpected result %q", msg.Content)
	}
	if got := chatservice.QuizResultText(3, 5); !strings.HasSuffix(got, "Keep learning! There's always more to discover about sustainability.") {
		t.Fatalf("unexpected low-score text %q", got)
	}
	if _, err := f.ctrl.CompleteQuiz(ctx, 1, 0); !errors.Is(err, chatservice.ErrInvalidScore) {
		t.Fatalf("expected ErrInvalidScore, got %v", err)
	}

	f.flush(t)
	stored, _ := f.local.Store.LoadMessages(ctx, f.ctrl.Snapshot().ConversationID)
	if len(stored) != 2 || stored[1].Content != msg.Content {
		t.Fatalf("quiz result not persisted: %+v", stored)
	}
}

func TestAuthenticatedRoundTrip(t *testing.T) {
	db := openRemote(t)
	ctx := context.Background()

	f := newFixture(t, nil, withRemote(remoteFor(db)))
	if err := f.ctrl.SetIdentity(ctx, "user-1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	f.flush(t)

	snap := f.ctrl.Snapshot()
	if !snap.Authenticated || snap.ConversationID == "" || chat.IsLocalID(snap.ConversationID) {
		t.Fatalf("expected a remote conversation, got %+v", snap)
	}

	f.responder.reply = "Hi! Ask me anything green."
	if _, err := f.ctrl.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)
	id := f.ctrl.Snapshot().ConversationID
	want := f.ctrl.Snapshot().Messages

	// open another conversation, then come back as a reload would
	f.ctrl.NewChat(ctx)
	f.flush(t)
	if err := f.ctrl.SelectChat(ctx, id); err != nil {
		t.Fatalf("select: %v", err)
	}
	got := f.ctrl.Snapshot().Messages
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), got)
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Content != want[i].Content || got[i].Sender != want[i].Sender {
			t.Fatalf("message %d differs: %+v vs %+v", i, got[i], want[i])
		}
	}
	n := len(got)
	if got[n-2].Content != "hello" || got[n-1].Content != "Hi! Ask me anything green." {
		t.Fatalf("unexpected exchange %+v", got[n-2:])
	}

	// a second client of the same user sees the same conversation
	other := newFixture(t, nil, withRemote(remoteFor(db)))
	if err := other.ctrl.SetIdentity(ctx, "user-1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	found := false
	for _, item := range other.ctrl.Snapshot().History {
		if item.ID == id && item.Title == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("conversation %s missing from second client: %+v", id, other.ctrl.Snapshot().History)
	}
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	f := newFixture(t, nil, withRemote(func(string) chat.Store { return brokenRemote{} }))
	ctx := context.Background()

	if err := f.ctrl.SetIdentity(ctx, "user-1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	f.flush(t)

	snap := f.ctrl.Snapshot()
	if !chat.IsLocalID(snap.ConversationID) || len(snap.Messages) == 0 {
		t.Fatalf("expected a usable local conversation, got %+v", snap)
	}
	requireSingleSelection(t, snap)

	if _, err := f.ctrl.SendMessage(ctx, "still works?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)
	stored, err := f.local.Store.LoadMessages(ctx, snap.ConversationID)
	if err != nil || len(stored) != 3 {
		t.Fatalf("expected the exchange stored locally, got %d (%v)", len(stored), err)
	}
}

func TestSignInMigratesLocalConversations(t *testing.T) {
	db := openRemote(t)
	ctx := context.Background()
	f := newFixture(t, nil, withRemote(remoteFor(db)))

	if _, err := f.ctrl.SendMessage(ctx, "Saved before sign in"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)

	if err := f.ctrl.SetIdentity(ctx, "user-1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	f.flush(t)

	remaining, _ := f.local.Store.ListConversations(ctx)
	if len(remaining) != 0 {
		t.Fatalf("local copy not removed: %+v", remaining)
	}

	snap := f.ctrl.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Title != "Saved before sign in" || chat.IsLocalID(snap.ConversationID) {
		t.Fatalf("unexpected history after migration %+v", snap.History)
	}
	if len(snap.Messages) != 3 || snap.Messages[1].Content != "Saved before sign in" {
		t.Fatalf("messages not migrated: %+v", snap.Messages)
	}

	if err := f.ctrl.SetIdentity(ctx, ""); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.Authenticated || len(snap.History) != 0 {
		t.Fatalf("expected anonymous empty history after sign out, got %+v", snap)
	}
}

func TestConcurrentSignInMigratesOnce(t *testing.T) {
	db := openRemote(t)
	ctx := context.Background()
	f := newFixture(t, nil, withRemote(remoteFor(db)))

	if _, err := f.ctrl.SendMessage(ctx, "Saved before sign in"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.ctrl.SetIdentity(ctx, "user-1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("sign in: %v", err)
		}
	}
	f.flush(t)

	convs, err := db.ForUser("user-1").ListConversations(ctx)
	if err != nil {
		t.Fatalf("list remote: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected one remote conversation, got %d", len(convs))
	}
	if snap := f.ctrl.Snapshot(); len(snap.History) != 1 {
		t.Fatalf("expected one history item, got %+v", snap.History)
	}
}

func TestFailedMigrationLeavesNoRemoteCopy(t *testing.T) {
	db := openRemote(t)
	ctx := context.Background()
	appends := &atomic.Int64{}
	factory := func(userID string) chat.Store {
		store := db.ForUser(userID)
		return flakyRemote{Store: store, remover: store, appends: appends, failAt: 2}
	}
	f := newFixture(t, nil, withRemote(factory))

	if _, err := f.ctrl.SendMessage(ctx, "Keep me safe"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)

	if err := f.ctrl.SetIdentity(ctx, "user-1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	f.flush(t)

	if convs, _ := db.ForUser("user-1").ListConversations(ctx); len(convs) != 0 {
		t.Fatalf("partial copy left behind: %+v", convs)
	}
	if local, _ := f.local.Store.ListConversations(ctx); len(local) != 1 {
		t.Fatalf("local copy must survive a failed migration, got %+v", local)
	}

	if err := f.ctrl.SetIdentity(ctx, ""); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if err := f.ctrl.SetIdentity(ctx, "user-1"); err != nil {
		t.Fatalf("sign in again: %v", err)
	}
	f.flush(t)

	convs, _ := db.ForUser("user-1").ListConversations(ctx)
	if len(convs) != 1 || convs[0].Title != "Keep me safe" {
		t.Fatalf("expected the retried copy, got %+v", convs)
	}
	snap := f.ctrl.Snapshot()
	if len(snap.History) != 1 || len(snap.Messages) != 3 {
		t.Fatalf("unexpected state after retry: %+v", snap)
	}
	if local, _ := f.local.Store.ListConversations(ctx); len(local) != 0 {
		t.Fatalf("local copy not removed after retry: %+v", local)
	}
}

func TestSendMessageWhileSelectionLoads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ctrl.SendMessage(ctx, "first conversation"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)
	first := f.ctrl.Snapshot().ConversationID

	f.ctrl.NewChat(ctx)
	if _, err := f.ctrl.SendMessage(ctx, "second conversation"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.flush(t)

	gate := make(chan struct{})
	f.local.loadGate = gate
	done := make(chan error, 1)
	go func() { done <- f.ctrl.SelectChat(ctx, first) }()

	deadline := time.Now().Add(5 * time.Second)
	for !f.ctrl.Snapshot().Loading {
		if time.Now().After(deadline) {
			t.Fatal("selection never started loading")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.ctrl.SendMessage(ctx, "typed during load"); !errors.Is(err, chatservice.ErrSelectionLoading) {
		t.Fatalf("expected ErrSelectionLoading, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("select: %v", err)
	}
	f.flush(t)

	snap := f.ctrl.Snapshot()
	if snap.ConversationID != first || len(snap.Messages) != 3 {
		t.Fatalf("unexpected state after load: %+v", snap)
	}
	for _, item := range snap.History {
		if item.Title == "typed during load" {
			t.Fatalf("conversation renamed by a rejected message: %+v", snap.History)
		}
	}
}

func TestSetIdentityWithoutRemote(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ctrl.SetIdentity(context.Background(), "user-1"); !errors.Is(err, chatservice.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestSubscribeAndDispose(t *testing.T) {
	f := newFixture(t, nil)
	updates, cancel := f.ctrl.Subscribe()
	defer cancel()

	first := <-updates
	f.ctrl.NewChat(context.Background())

	select {
	case snap := <-updates:
		if snap.Version <= first.Version || snap.ConversationID == "" {
			t.Fatalf("unexpected update %+v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no update after NewChat")
	}

	f.ctrl.Dispose()
	for range updates {
	}
}
