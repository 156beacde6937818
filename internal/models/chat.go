package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Chat represents a conversation shown in the sidebar. It correlates the local transcript with the
// upstream session identifier and keeps the accumulated thoughts trace of that conversation.
type Chat struct {
	ID        string
	Title     string
	SessionID string
	Thoughts  []string
	CreatedAt time.Time
}

// ErrNotFound is returned by stores when a chat or message does not exist.
var ErrNotFound = errors.New("not found")

const maxTitleRunes = 48

// TitleFromQuery derives a sidebar title from the first query of a chat. Whitespace is collapsed
// and the result is cut at 48 runes with a trailing ellipsis.
func TitleFromQuery(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
