package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Streamer opens one upstream connection for a query. The returned sequence ends when the
// upstream closes the stream, when ctx is canceled, or when the consumer stops iterating.
type Streamer interface {
	Stream(ctx context.Context, query, sessionID string) iter.Seq2[Event, error]
}

// ErrClosedBeforeEnd reports an upstream stream that finished without an end event.
var ErrClosedBeforeEnd = errors.New("stream closed before end event")

// Session owns the state of one chat and at most one open upstream connection.
type Session struct {
	streamer Streamer
	policy   ThoughtsPolicy
	onChange func(State)
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger

	// connMu serializes Submit and Close so that a previous connection is fully stopped
	// before the next one opens.
	connMu sync.Mutex

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithThoughtsPolicy sets what happens to the thoughts trace on each submission.
func WithThoughtsPolicy(p ThoughtsPolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// WithState seeds the session, for example with a transcript loaded from storage.
func WithState(st State) SessionOption {
	return func(s *Session) {
		s.state = st.Clone()
		s.state.Loading = false
	}
}

// WithOnChange registers a callback receiving a snapshot after every state transition. The
// callback runs with the session lock held and must not call back into the Session.
func WithOnChange(fn func(State)) SessionOption {
	return func(s *Session) { s.onChange = fn }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(fn func() string) SessionOption {
	return func(s *Session) { s.newID = fn }
}

// WithClock replaces the clock used to timestamp user messages.
func WithClock(fn func() time.Time) SessionOption {
	return func(s *Session) { s.now = fn }
}

// NewSession creates an idle session reading from streamer.
func NewSession(streamer Streamer, opts ...SessionOption) *Session {
	s := &Session{
		streamer: streamer,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit sends query upstream. A blank query is a no-op and Submit returns false. Otherwise any
// open connection is closed first, the user message is appended and a new connection is opened
// with the current session id. The connection lives until the end event, a transport failure,
// Close, or cancellation of ctx.
func (s *Session) Submit(ctx context.Context, query string) bool {
	if strings.TrimSpace(query) == "" {
		return false
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.stop()

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.done = done
	s.state = Begin(s.state, query, s.newID(), s.policy, s.now())
	sessionID := s.state.SessionID
	s.notifyLocked()
	s.mu.Unlock()

	go s.run(connCtx, cancel, gen, query, sessionID, done)
	return true
}

// Close force-closes the open connection, if any, and clears the loading flag.
func (s *Session) Close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Loading {
		s.state.Loading = false
		s.notifyLocked()
	}
}

// State returns a snapshot of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Wait blocks until the current connection, if any, has stopped.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// stop cancels the open connection and waits for its reader to return. Bumping the generation
// first guarantees the reader can no longer apply events.
func (s *Session) stop() {
	s.mu.Lock()
	s.gen++
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Session) run(
	ctx context.Context,
	cancel context.CancelFunc,
	gen uint64,
	query, sessionID string,
	done chan struct{},
) {
	defer close(done)
	defer cancel()

	for ev, err := range s.streamer.Stream(ctx, query, sessionID) {
		if err != nil {
			if ctx.Err() != nil {
				s.markClosed(gen)
				return
			}
			s.logger.Warn("Upstream connection failed", slog.String(errLoggerKey, err.Error()))
			s.apply(gen, Event{Kind: KindError, Err: err})
			return
		}
		if !s.apply(gen, ev) {
			return
		}
		if ev.Kind == KindEnd {
			s.logger.Debug("Upstream stream ended", slog.String("message", ev.Message))
			return
		}
	}

	if ctx.Err() != nil {
		s.markClosed(gen)
		return
	}
	s.logger.Warn("Upstream stream closed without end event")
	s.apply(gen, Event{Kind: KindError, Err: ErrClosedBeforeEnd})
}

// apply reduces ev into the state unless the connection that produced it has been closed.
func (s *Session) apply(gen uint64, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}
	if ev.Kind == KindAssistantStart && ev.MessageID == "" {
		ev.MessageID = s.newID()
	}
	s.state = Reduce(s.state, ev)
	s.notifyLocked()
	return true
}

// markClosed clears the loading flag of a connection canceled by its context. Connections closed
// through Submit or Close have already been superseded and are left alone.
func (s *Session) markClosed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.state.Loading {
		return
	}
	s.state.Loading = false
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	if s.onChange != nil {
		s.onChange(s.state.Clone())
	}
}

const errLoggerKey = "err"
