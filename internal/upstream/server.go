// Package upstream is a small query-answering service speaking the upstream event protocol on top
// of an LLM provider. It lets the web chat, the relay and the ask command run without the
// production search backend.
package upstream

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/askstream/internal/metrics"
	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// LLM streams the answer to a conversation chunk by chunk.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Server answers queries with an LLM and keeps the conversation of recent sessions in memory.
type Server struct {
	llm         LLM
	maxHistory  int
	maxSessions int
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*list.Element
	recent   *list.List // of *sessionHistory, most recently used first

	logger *slog.Logger
}

type sessionHistory struct {
	sessionID string
	messages  []models.Message
}

type streamRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

const errLoggerKey = "err"

// NewServer creates a Server answering with llm. maxHistory bounds the messages remembered per
// session and maxSessions the number of sessions remembered at all, forgetting the least recently
// used one first. Zero or less means unbounded.
func NewServer(llm LLM, maxHistory, maxSessions int, logger *slog.Logger) *Server {
	return &Server{
		llm:         llm,
		maxHistory:  maxHistory,
		maxSessions: maxSessions,
		newID:       func() string { return uuid.New().String() },
		sessions:    make(map[string]*list.Element),
		recent:      list.New(),
		logger:      logger.With(slog.String("module", "upstream")),
	}
}

// Sessions returns the number of sessions currently remembered.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.Len()
}

// HandleStream answers one query as an event stream. GET reads the query and session_id
// parameters, POST reads the same fields from a JSON body.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	switch r.Method {
	case http.MethodGet:
		req.Query = r.URL.Query().Get("query")
		req.SessionID = r.URL.Query().Get("session_id")
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if req.SessionID == "" {
		req.SessionID = s.newID()
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	logger := s.logger.With(slog.String("sessionID", req.SessionID))
	if err := s.answer(r.Context(), sess, req); err != nil {
		if r.Context().Err() == nil {
			logger.Error("Failed to send event", slog.String(errLoggerKey, err.Error()))
		}
		return
	}
	logger.Debug("Answered query", slog.String("query", req.Query))
}

func (s *Server) answer(ctx context.Context, sess *sse.Session, req streamRequest) error {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		if err := send(sess, stream.TypeThoughts, map[string]string{
			"message":    "Received an empty query",
			"session_id": req.SessionID,
		}); err != nil {
			return err
		}
		metrics.UpstreamAnswers.WithLabelValues("empty_query").Inc()
		return send(sess, stream.TypeEnd, map[string]string{"message": "empty query"})
	}

	user := models.Message{
		ID:        s.newID(),
		Role:      models.RoleUser,
		Content:   query,
		Timestamp: time.Now(),
	}
	conversation := append(s.history(req.SessionID), user)

	thoughts := []string{
		fmt.Sprintf("Looking into %q", query),
		fmt.Sprintf("Drafting an answer from %d message(s) of context", len(conversation)),
	}
	for _, t := range thoughts {
		if err := send(sess, stream.TypeThoughts, map[string]string{
			"message":    t,
			"session_id": req.SessionID,
		}); err != nil {
			return err
		}
	}

	msgID := s.newID()
	if err := send(sess, stream.TypeAssistantStart, map[string]string{"message_id": msgID}); err != nil {
		return err
	}

	var content strings.Builder
	for chunk, err := range s.llm.Chat(ctx, conversation) {
		if err != nil {
			metrics.UpstreamAnswers.WithLabelValues("llm_error").Inc()
			s.logger.Error("LLM failed", slog.String(errLoggerKey, err.Error()))
			return send(sess, stream.TypeEnd, map[string]string{"message": "error: " + err.Error()})
		}
		content.WriteString(chunk)
		if err := send(sess, stream.TypeAssistant, map[string]string{
			"search_result": chunk,
			"message_id":    msgID,
		}); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.remember(req.SessionID, user, models.Message{
		ID:        msgID,
		Role:      models.RoleAssistant,
		Content:   content.String(),
		Timestamp: time.Now(),
	})
	metrics.UpstreamAnswers.WithLabelValues("ok").Inc()
	return send(sess, stream.TypeEnd, map[string]string{"message": "done"})
}

func (s *Server) history(sessionID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []models.Message
	if el, ok := s.sessions[sessionID]; ok {
		s.recent.MoveToFront(el)
		msgs = el.Value.(*sessionHistory).messages
	}
	out := make([]models.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return out
}

func (s *Server) remember(sessionID string, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.sessions[sessionID]
	if ok {
		s.recent.MoveToFront(el)
	} else {
		el = s.recent.PushFront(&sessionHistory{sessionID: sessionID})
		s.sessions[sessionID] = el
	}

	conv := el.Value.(*sessionHistory)
	history := append(conv.messages, msgs...)
	if s.maxHistory > 0 && len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	conv.messages = history

	for s.maxSessions > 0 && s.recent.Len() > s.maxSessions {
		oldest := s.recent.Remove(s.recent.Back()).(*sessionHistory)
		delete(s.sessions, oldest.sessionID)
		s.logger.Debug("Forgot session", slog.String("sessionID", oldest.sessionID))
	}
}

func send(sess *sse.Session, eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling %s event: %w", eventType, err)
	}

	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(string(b))
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("error sending %s event: %w", eventType, err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("error flushing %s event: %w", eventType, err)
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
