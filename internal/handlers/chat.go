package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/askstream/internal/metrics"
	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// HandleChats submits a query from the chat form. It accepts the "message" and "chat_id" form
// fields. A blank message is ignored with 204 No Content. Otherwise the chat is persisted if it is
// new, the query is submitted to the chat's session and the updated transcript is rendered. The
// answer itself is delivered through the chat's SSE stream.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	chatID := r.FormValue("chat_id")
	if !validChatID(chatID) {
		m.logger.Error("Invalid chat id", slog.String("chatID", chatID))
		http.Error(w, "Invalid chat_id", http.StatusBadRequest)
		return
	}

	rm, err := m.acquire(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to open chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer m.release(rm)

	isNewChat, err := m.ensureChat(r.Context(), rm, msg)
	if err != nil {
		m.logger.Error("Failed to add chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if isNewChat {
		m.publishChats(r.Context())
	}

	// The connection outlives this request and is only bound to the server lifetime.
	rm.session.Submit(m.rooms.ctx, msg)
	metrics.ChatSubmissions.Inc()

	transcript, err := transcriptOf(rm.session.State())
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "messages", transcript); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE streams the state changes of the chat given by the chat_id query parameter. The chat
// stays open while the browser is connected.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if !validChatID(chatID) {
		http.Error(w, "Invalid chat_id", http.StatusBadRequest)
		return
	}

	rm, err := m.acquire(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to open chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer m.release(rm)

	rm.sseSrv.ServeHTTP(w, r)
}

// ensureChat stores the chat of rm on its first submission, titled after the query.
func (m Main) ensureChat(ctx context.Context, rm *room, query string) (bool, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.persisted {
		return false, nil
	}

	ch := models.Chat{
		ID:        rm.id,
		Title:     models.TitleFromQuery(query),
		CreatedAt: time.Now(),
	}
	if _, err := m.store.AddChat(ctx, ch); err != nil {
		return false, fmt.Errorf("failed to add chat: %w", err)
	}
	rm.chat = ch
	rm.persisted = true
	return true, nil
}

// stateChanged is the change callback of every chat session. It runs with the session lock held,
// so it only persists and publishes. Messages are written when they appear and again once the
// connection has finished, which is when the streamed assistant content is complete. While loading,
// states that add no message are coalesced into one publish per publishInterval.
func (m Main) stateChanged(rm *room, st stream.State) {
	rm.mu.Lock()
	finished := rm.loading && !st.Loading
	grown := len(st.Messages) != rm.msgCount
	rm.loading = st.Loading
	rm.msgCount = len(st.Messages)
	if (grown || finished) && rm.persisted {
		m.persist(rm, st, finished)
	}

	rm.version++
	version := rm.version
	now := time.Now()
	throttled := st.Loading && !grown && now.Sub(rm.published) < publishInterval
	if throttled {
		rm.latest = st
		rm.latestVersion = version
		if rm.pending == nil {
			rm.pending = time.AfterFunc(publishInterval-now.Sub(rm.published), func() { m.publishLatest(rm) })
		}
	} else {
		rm.published = now
	}
	rm.mu.Unlock()

	if !throttled {
		m.publishState(rm, st, version)
	}

	if finished {
		result := "done"
		if st.Err != "" {
			result = "error"
		}
		metrics.ChatStreamsFinished.WithLabelValues(result).Inc()

		// Outside the session lock.
		go m.closeIfIdle(rm)
	}
}

// publishLatest publishes the state coalesced by stateChanged.
func (m Main) publishLatest(rm *room) {
	rm.mu.Lock()
	st, version := rm.latest, rm.latestVersion
	rm.pending = nil
	rm.published = time.Now()
	rm.mu.Unlock()

	m.publishState(rm, st, version)
}

// persist writes new and changed messages of st. On a finished connection it also stores the
// thoughts trace and the upstream session id of the chat. Callers hold rm.mu.
func (m Main) persist(rm *room, st stream.State, finished bool) {
	ctx := context.Background()

	for _, msg := range st.Messages {
		content, ok := rm.saved[msg.ID]
		switch {
		case !ok:
			if _, err := m.store.AddMessage(ctx, rm.id, msg); err != nil {
				m.logger.Error("Failed to add message",
					slog.String("chatID", rm.id),
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
		case content != msg.Content:
			if err := m.store.UpdateMessage(ctx, rm.id, msg); err != nil {
				m.logger.Error("Failed to update message",
					slog.String("chatID", rm.id),
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
		default:
			continue
		}
		rm.saved[msg.ID] = msg.Content
	}

	if !finished {
		return
	}

	rm.chat.Thoughts = st.Thoughts
	rm.chat.SessionID = st.SessionID
	if err := m.store.UpdateChat(ctx, rm.chat); err != nil {
		m.logger.Error("Failed to update chat",
			slog.String("chatID", rm.id),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishState renders st and sends it to the browsers watching rm. A state older than one already
// published is dropped.
func (m Main) publishState(rm *room, st stream.State, version uint64) {
	rm.pubMu.Lock()
	defer rm.pubMu.Unlock()
	if version <= rm.pubVersion {
		return
	}
	rm.pubVersion = version

	transcript, err := transcriptOf(st)
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("chatID", rm.id),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	var messages, thoughts strings.Builder
	if err := m.templates.ExecuteTemplate(&messages, "messages", transcript); err != nil {
		m.logger.Error("Failed to execute messages template", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := m.templates.ExecuteTemplate(&thoughts, "thoughts", st.Thoughts); err != nil {
		m.logger.Error("Failed to execute thoughts template", slog.String(errLoggerKey, err.Error()))
		return
	}

	status := "idle"
	if st.Loading {
		status = "loading"
	}

	m.publish(rm, messagesSSEType, messages.String())
	m.publish(rm, thoughtsSSEType, thoughts.String())
	m.publish(rm, statusSSEType, status)
}

// publishChats sends the refreshed sidebar to the browsers of every open chat, each with its own
// chat marked active.
func (m Main) publishChats(ctx context.Context) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		return
	}

	m.rooms.mu.Lock()
	open := make([]*room, 0, len(m.rooms.byID))
	for _, r := range m.rooms.byID {
		open = append(open, r)
	}
	m.rooms.mu.Unlock()

	for _, rm := range open {
		divs, err := m.chatDivs(chats, rm.id)
		if err != nil {
			m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
			return
		}
		m.publish(rm, chatsSSEType, divs)
	}
}

func (m Main) publish(rm *room, eventType string, data string) {
	msg := sse.Message{
		Type: sse.Type(eventType),
	}
	msg.AppendData(data)
	if err := rm.sseSrv.Publish(&msg); err != nil {
		m.logger.Debug("Failed to publish",
			slog.String("chatID", rm.id),
			slog.String("type", eventType),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs(chats []models.Chat, activeID string) (string, error) {
	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
