package chat

import "strings"

const maxTitleRunes = 30

// DeriveTitle builds a conversation title from the first user message: the first
// sentence or the first 30 characters, whichever is shorter, with an ellipsis when
// the text had to be cut.
func DeriveTitle(content string) string {
	text := strings.Join(strings.Fields(content), " ")
	if text == "" {
		return DefaultTitle
	}

	sentence := text
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		sentence = strings.TrimSpace(text[:idx+1])
	}

	runes := []rune(sentence)
	if len(runes) <= maxTitleRunes {
		return sentence
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
