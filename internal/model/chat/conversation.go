package chat

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DefaultTitle names conversations that have not received a user message yet.
const DefaultTitle = "New Conversation"

const localIDPrefix = "local-"

// Conversation is the persisted record of a chat. Local records embed their
// messages; remote listings leave Messages empty.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// HistoryItem is the sidebar entry for a conversation.
type HistoryItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Selected bool   `json:"selected"`
}

// NewLocalID returns an id that can never collide with a remote id.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was generated for local storage.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// DisplayDate renders a timestamp for the history list.
func DisplayDate(t time.Time) string {
	if t.IsZero() {
		return humanize.Time(time.Now())
	}
	return humanize.Time(t)
}

// HistoryItemFor converts a stored conversation into an unselected history entry.
func HistoryItemFor(conv Conversation) HistoryItem {
	title := conv.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	ts := conv.UpdatedAt
	if ts.IsZero() {
		ts = conv.CreatedAt
	}
	return HistoryItem{ID: conv.ID, Title: title, Date: DisplayDate(ts)}
}
