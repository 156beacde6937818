package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/askstream"
	"github.com/MegaGrindStone/askstream/internal/metrics"
	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats and their associated messages. Lookups of a missing chat
// return an error wrapping models.ErrNotFound.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main handles the web chat: it renders pages, owns one stream.Session per open chat and pushes
// every state change of a chat to the browsers watching it through server-sent events.
type Main struct {
	templates *template.Template

	streamer stream.Streamer
	store    Store
	policy   stream.ThoughtsPolicy

	rooms *rooms

	logger *slog.Logger
}

// room is an open chat: its consumer session, the SSE server of the browsers watching it and the
// bookkeeping needed to persist the transcript. A room stays open while a request holds it or its
// session is loading.
type room struct {
	id      string
	session *stream.Session
	sseSrv  *sse.Server

	refs int // guarded by rooms.mu

	mu        sync.Mutex
	chat      models.Chat
	persisted bool
	saved     map[string]string
	loading   bool
	msgCount  int

	// Loading states are published at most once per publishInterval; the latest one wins.
	version       uint64
	latest        stream.State
	latestVersion uint64
	published     time.Time
	pending       *time.Timer

	pubMu      sync.Mutex
	pubVersion uint64
}

type rooms struct {
	mu     sync.Mutex
	byID   map[string]*room
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

const publishInterval = 100 * time.Millisecond

// ErrShuttingDown is returned when a chat is requested after Shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// SSE event types for real-time updates.
const (
	chatsSSEType    = "chats"
	messagesSSEType = "messages"
	thoughtsSSEType = "thoughts"
	statusSSEType   = "status"
)

const errLoggerKey = "err"

// NewMain creates a new Main reading answers through streamer and persisting chats in store.
// Templates are parsed from the embedded filesystem.
func NewMain(streamer stream.Streamer, store Store, policy stream.ThoughtsPolicy, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"timeOf": func(t time.Time) string { return t.Format("15:04") },
	}).ParseFS(
		askstream.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return Main{
		templates: tmpl,
		streamer:  streamer,
		store:     store,
		policy:    policy,
		rooms: &rooms{
			byID:   make(map[string]*room),
			ctx:    ctx,
			cancel: cancel,
		},
		logger: logger.With(slog.String("module", "main")),
	}, nil
}

// acquire returns the open chat with chatID, opening it from the store when needed, and holds it
// open until the matching release. A chat that is not in the store yet opens empty and is
// persisted on its first submission.
func (m Main) acquire(ctx context.Context, chatID string) (*room, error) {
	m.rooms.mu.Lock()
	defer m.rooms.mu.Unlock()

	if m.rooms.closed {
		return nil, ErrShuttingDown
	}
	if r, ok := m.rooms.byID[chatID]; ok {
		r.refs++
		return r, nil
	}

	r := &room{
		id:     chatID,
		sseSrv: &sse.Server{},
		chat:   models.Chat{ID: chatID},
		saved:  make(map[string]string),
		refs:   1,
	}

	var seed stream.State
	ch, err := m.store.Chat(ctx, chatID)
	switch {
	case err == nil:
		messages, err := m.store.Messages(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to get messages: %w", err)
		}
		for _, msg := range messages {
			r.saved[msg.ID] = msg.Content
		}
		r.chat = ch
		r.persisted = true
		r.msgCount = len(messages)
		seed = stream.State{
			Messages:  messages,
			Thoughts:  ch.Thoughts,
			SessionID: ch.SessionID,
		}
	case errors.Is(err, models.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	r.session = stream.NewSession(m.streamer,
		stream.WithThoughtsPolicy(m.policy),
		stream.WithState(seed),
		stream.WithLogger(m.logger.With(slog.String("chatID", chatID))),
		stream.WithOnChange(func(st stream.State) { m.stateChanged(r, st) }),
	)
	m.rooms.byID[chatID] = r
	metrics.ChatRoomsOpen.Inc()
	return r, nil
}

// release drops a hold taken by acquire.
func (m Main) release(rm *room) {
	m.rooms.mu.Lock()
	rm.refs--
	m.rooms.mu.Unlock()

	m.closeIfIdle(rm)
}

// closeIfIdle closes rm once nothing holds it and its session is not loading. The next request
// for the chat reopens it from the store.
func (m Main) closeIfIdle(rm *room) {
	m.rooms.mu.Lock()
	rm.mu.Lock()
	loading := rm.loading
	rm.mu.Unlock()
	if m.rooms.closed || rm.refs > 0 || loading || m.rooms.byID[rm.id] != rm {
		m.rooms.mu.Unlock()
		return
	}
	delete(m.rooms.byID, rm.id)
	m.rooms.mu.Unlock()

	metrics.ChatRoomsOpen.Dec()

	rm.mu.Lock()
	if rm.pending != nil {
		rm.pending.Stop()
	}
	rm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rm.sseSrv.Shutdown(ctx); err != nil {
		m.logger.Debug("Failed to shut down chat events",
			slog.String("chatID", rm.id),
			slog.String(errLoggerKey, err.Error()))
	}
}

// OpenChats returns the number of chats currently open.
func (m Main) OpenChats() int {
	m.rooms.mu.Lock()
	defer m.rooms.mu.Unlock()
	return len(m.rooms.byID)
}

// openRoom returns the chat with chatID only if it is already open.
func (m Main) openRoom(chatID string) (*room, bool) {
	m.rooms.mu.Lock()
	defer m.rooms.mu.Unlock()

	r, ok := m.rooms.byID[chatID]
	return r, ok
}

// Shutdown closes the upstream connection of every open chat, tells the browsers to stop listening
// and shuts the SSE servers down. Connections still open after 5 seconds are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.rooms.mu.Lock()
	m.rooms.closed = true
	open := make([]*room, 0, len(m.rooms.byID))
	for _, r := range m.rooms.byID {
		open = append(open, r)
	}
	m.rooms.mu.Unlock()

	for _, r := range open {
		r.session.Close()
	}
	m.rooms.cancel()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var errs []error
	for _, r := range open {
		e := &sse.Message{Type: sse.Type("closeChat")}
		// An event without data is never dispatched by browsers.
		e.AppendData("bye")

		// We ignore the error here since we're shutting down anyway
		_ = r.sseSrv.Publish(e)

		if err := r.sseSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", r.id, err))
		}
	}
	return errors.Join(errs...)
}
