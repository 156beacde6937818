package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/google/uuid"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type transcriptData struct {
	Messages []message
	Loading  bool
	Err      string
}

type homePageData struct {
	CurrentChatID string
	Chats         []chat
	Thoughts      []string
	Transcript    transcriptData
}

// HandleHome renders the chat page. The chat_id query parameter selects a chat; without it a new
// chat id is minted, which is only persisted once the first query is submitted.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.New().String()
	} else if !validChatID(chatID) {
		http.Error(w, "Invalid chat_id", http.StatusBadRequest)
		return
	}

	st, err := m.chatState(r, chatID)
	if err != nil {
		m.logger.Error("Failed to load chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chats, err := m.chatList(r, chatID)
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	transcript, err := transcriptOf(st)
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		CurrentChatID: chatID,
		Chats:         chats,
		Thoughts:      st.Thoughts,
		Transcript:    transcript,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// chatState returns the live state of an open chat, or the stored transcript otherwise. Viewing a
// chat does not open an upstream session for it.
func (m Main) chatState(r *http.Request, chatID string) (stream.State, error) {
	if rm, ok := m.openRoom(chatID); ok {
		return rm.session.State(), nil
	}

	ch, err := m.store.Chat(r.Context(), chatID)
	if errors.Is(err, models.ErrNotFound) {
		return stream.State{}, nil
	}
	if err != nil {
		return stream.State{}, fmt.Errorf("failed to get chat: %w", err)
	}
	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		return stream.State{}, fmt.Errorf("failed to get messages: %w", err)
	}
	return stream.State{Messages: messages, Thoughts: ch.Thoughts, SessionID: ch.SessionID}, nil
}

func (m Main) chatList(r *http.Request, activeID string) ([]chat, error) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}
	res := make([]chat, len(chats))
	for i, ch := range chats {
		res[i] = chat{ID: ch.ID, Title: ch.Title, Active: ch.ID == activeID}
	}
	return res, nil
}

// transcriptOf converts a state into template data. Assistant messages are rendered as markdown,
// user messages are shown as typed.
func transcriptOf(st stream.State) (transcriptData, error) {
	msgs := make([]message, len(st.Messages))
	for i, msg := range st.Messages {
		var content template.HTML
		if msg.Role == models.RoleAssistant {
			rendered, err := models.RenderMarkdown(msg.Content)
			if err != nil {
				return transcriptData{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
			}
			// RenderMarkdown omits raw HTML, so its output is safe to embed.
			content = template.HTML(rendered) //nolint:gosec
		} else {
			content = template.HTML(template.HTMLEscapeString(msg.Content)) //nolint:gosec
		}
		msgs[i] = message{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   content,
			Timestamp: msg.Timestamp,
		}
	}
	return transcriptData{Messages: msgs, Loading: st.Loading, Err: st.Err}, nil
}

func validChatID(chatID string) bool {
	_, err := uuid.Parse(chatID)
	return err == nil
}
