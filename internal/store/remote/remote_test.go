package remote_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/greenbot/backend/internal/model/chat"
	"github.com/zhouzirui/greenbot/backend/internal/store/remote"
)

func openTestDB(t *testing.T) *remote.DB {
	t.Helper()
	db, err := remote.Open(context.Background(), remote.SQLite, filepath.Join(t.TempDir(), "greenbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).ForUser("user-1")

	id, err := store.CreateConversation(ctx, chat.DefaultTitle, "GreenBot")
	require.NoError(t, err)
	assert.False(t, chat.IsLocalID(id))

	welcome := chat.NewBotMessage("welcome", "Hello!", "GreenBot")
	user := chat.NewUserMessage("hello")
	bot := chat.NewBotMessage("", "Hi, how can I help?", "GreenBot")
	for _, msg := range []chat.Message{welcome, user, bot} {
		require.NoError(t, store.AppendMessage(ctx, id, msg))
	}
	require.NoError(t, store.UpdateTitle(ctx, id, "hello"))
	require.NoError(t, store.UpdatePersona(ctx, id, "Power Sage"))

	msgs, err := store.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"Hello!", "hello", "Hi, how can I help?"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	assert.Equal(t, chat.SenderUser, msgs[1].Sender)
	assert.Equal(t, "", msgs[1].Persona)
	assert.Equal(t, user.ID, msgs[1].ID)

	convs, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "hello", convs[0].Title)
	assert.Equal(t, "Power Sage", convs[0].Persona)
}

func TestConversationsAreScopedToUser(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alice := db.ForUser("alice")
	bob := db.ForUser("bob")

	id, err := alice.CreateConversation(ctx, "private", "GreenBot")
	require.NoError(t, err)

	convs, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)

	_, err = bob.LoadMessages(ctx, id)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	assert.ErrorIs(t, bob.AppendMessage(ctx, id, chat.NewUserMessage("sneaky")), chat.ErrConversationNotFound)
	assert.ErrorIs(t, bob.UpdateTitle(ctx, id, "mine"), chat.ErrConversationNotFound)
}

func TestUsersAndSessions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	user, err := db.CreateUser(ctx, " Green@Example.com ", "hash")
	require.NoError(t, err)
	assert.Equal(t, "green@example.com", user.Email)

	_, err = db.CreateUser(ctx, "green@example.com", "hash")
	assert.ErrorIs(t, err, remote.ErrUserExists)

	found, err := db.FindUserByEmail(ctx, "GREEN@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	now := time.Now().UTC()
	require.NoError(t, db.CreateSession(ctx, remote.AuthSession{Token: "fresh", UserID: user.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, db.CreateSession(ctx, remote.AuthSession{Token: "stale", UserID: user.ID, CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}))

	removed, err := db.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	session, err := db.FindSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)

	require.NoError(t, db.DeleteSession(ctx, "fresh"))
	_, err = db.FindSession(ctx, "fresh")
	assert.ErrorIs(t, err, remote.ErrSessionNotFound)
}

func TestQuizHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.SaveQuizResponse(ctx, remote.QuizResponse{UserID: "u1", QuestionID: "gs-1", SelectedAnswer: "1", IsCorrect: true}))
	require.NoError(t, db.SaveQuizSession(ctx, remote.QuizSession{UserID: "u1", Persona: "GreenBot", Score: 4, TotalQuestions: 5}))
	require.NoError(t, db.SaveQuizSession(ctx, remote.QuizSession{UserID: "u2", Persona: "GreenBot", Score: 1, TotalQuestions: 5}))

	history, err := db.QuizHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 4, history[0].Score)
}

func TestCreateConversationSurfacesDriverErrors(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO conversations").WillReturnError(errors.New("connection refused"))

	store := remote.New(sqlDB, remote.Postgres).ForUser("user-1")
	_, err = store.CreateConversation(context.Background(), chat.DefaultTitle, "GreenBot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListConversationsUsesPostgresPlaceholders(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "title", "persona", "created_at", "updated_at"}).
		AddRow("c1", "Composting", "Waste Wizard", now, now)
	mock.ExpectQuery(`WHERE user_id = \$1`).WithArgs("user-1").WillReturnRows(rows)

	convs, err := remote.New(sqlDB, remote.Postgres).ForUser("user-1").ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Composting", convs[0].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := remote.Open(context.Background(), remote.Dialect("mysql"), "")
	assert.Error(t, err)
}

func TestImportConversationKeepsOrderAndTimes(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).ForUser("user-1")

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	user := chat.NewUserMessage("how do I compost?")
	conv := chat.Conversation{
		ID:        "local-1",
		Title:     "how do I compost?",
		Persona:   "Waste Wizard",
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		Messages: []chat.Message{
			chat.NewBotMessage("welcome", "Hello!", "Waste Wizard"),
			user,
			chat.NewPlaceholder("Waste Wizard"),
			chat.NewBotMessage("", "Start with a bin.", "Waste Wizard"),
		},
	}

	id, err := store.ImportConversation(ctx, conv)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, id)

	msgs, err := store.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"Hello!", "how do I compost?", "Start with a bin."}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	convs, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].UpdatedAt.Equal(created.Add(time.Minute)))

	// a second copy of the same messages is its own conversation
	again, err := store.ImportConversation(ctx, conv)
	require.NoError(t, err)
	msgs, err = store.LoadMessages(ctx, again)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	require.NoError(t, store.AppendMessage(ctx, id, user))
	msgs, err = store.LoadMessages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "re-appending a stored message must not duplicate it")
}

func TestImportConversationRollsBackOnFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	store := remote.New(sqlDB, remote.Postgres).ForUser("user-1")
	_, err = store.ImportConversation(context.Background(), chat.Conversation{
		Title:    "t",
		Persona:  "GreenBot",
		Messages: []chat.Message{chat.NewUserMessage("hello")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := db.ForUser("user-1")

	id, err := store.CreateConversation(ctx, chat.DefaultTitle, "GreenBot")
	require.NoError(t, err)
	msg := chat.NewUserMessage("hello")
	require.NoError(t, store.AppendMessage(ctx, id, msg))

	assert.ErrorIs(t, db.ForUser("user-2").DeleteConversation(ctx, id), chat.ErrConversationNotFound)
	require.NoError(t, store.DeleteConversation(ctx, id))

	convs, err := store.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)

	// the message id is free again once its conversation is gone
	other, err := store.CreateConversation(ctx, chat.DefaultTitle, "GreenBot")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, other, msg))
	msgs, err := store.LoadMessages(ctx, other)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUserAPIKeys(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.UserAPIKey(ctx, "user-1", "deepseek")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetUserAPIKey(ctx, "user-1", "deepseek", "sk-one"))
	require.NoError(t, db.SetUserAPIKey(ctx, "user-1", "deepseek", "sk-two"))
	require.NoError(t, db.SetUserAPIKey(ctx, "user-1", "openai", "sk-openai"))

	key, ok, err := db.UserAPIKey(ctx, "user-1", "deepseek")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-two", key)

	_, ok, err = db.UserAPIKey(ctx, "user-2", "deepseek")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetUserAPIKey(ctx, "user-1", "deepseek", ""))
	_, ok, err = db.UserAPIKey(ctx, "user-1", "deepseek")
	require.NoError(t, err)
	assert.False(t, ok)

	key, _, err = db.UserAPIKey(ctx, "user-1", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-openai", key)
}
