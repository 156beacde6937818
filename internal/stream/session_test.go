package stream_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/askstream/internal/models"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamItem struct {
	ev  stream.Event
	err error
}

type fakeConn struct {
	query     string
	sessionID string
	items     chan streamItem
	closed    chan struct{}
}

type fakeStreamer struct {
	opened chan *fakeConn
}

type stateRecorder struct {
	states chan stream.State
}

const waitTimeout = 2 * time.Second

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{opened: make(chan *fakeConn, 8)}
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: make(chan stream.State, 64)}
}

func newTestSession(
	streamer stream.Streamer,
	rec *stateRecorder,
	opts ...stream.SessionOption,
) *stream.Session {
	var mu sync.Mutex
	n := 0
	opts = append([]stream.SessionOption{
		stream.WithOnChange(rec.record),
		stream.WithClock(func() time.Time { return testTime }),
		stream.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	}, opts...)
	return stream.NewSession(streamer, opts...)
}

func TestSessionScenario(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	s := newTestSession(streamer, rec)

	require.True(t, s.Submit(context.Background(), "hello"))
	st := rec.next(t)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, models.RoleUser, st.Messages[0].Role)
	assert.Equal(t, "hello", st.Messages[0].Content)
	assert.True(t, st.Loading)

	conn := streamer.next(t)
	assert.Equal(t, "hello", conn.query)
	assert.Equal(t, "", conn.sessionID)

	conn.send(t, stream.Event{Kind: stream.KindThoughts, Message: "looking", SessionID: "s1"})
	st = rec.next(t)
	assert.Equal(t, []string{"looking"}, st.Thoughts)
	assert.Equal(t, "s1", st.SessionID)

	conn.send(t, stream.Event{Kind: stream.KindAssistantStart})
	st = rec.next(t)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, models.RoleAssistant, st.Messages[1].Role)
	assert.Equal(t, "", st.Messages[1].Content)
	assert.NotEmpty(t, st.Messages[1].ID)

	conn.send(t, stream.Event{Kind: stream.KindAssistant, Fragment: "Hi"})
	assert.Equal(t, "Hi", rec.next(t).Messages[1].Content)

	conn.send(t, stream.Event{Kind: stream.KindAssistant, Fragment: " there"})
	assert.Equal(t, "Hi there", rec.next(t).Messages[1].Content)

	conn.send(t, stream.Event{Kind: stream.KindEnd, Message: "done"})
	st = rec.next(t)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Err)

	s.Wait()
	conn.requireClosed(t)
	assert.Equal(t, "Hi there", s.State().Messages[1].Content)
}

func TestSessionBlankQueryIsNoop(t *testing.T) {
	for _, q := range []string{"", "   ", "\n\t"} {
		streamer := newFakeStreamer()
		rec := newStateRecorder()
		s := newTestSession(streamer, rec)

		assert.False(t, s.Submit(context.Background(), q))
		assert.Empty(t, s.State().Messages)
		assert.False(t, s.State().Loading)
		assert.Empty(t, streamer.opened)
		assert.Empty(t, rec.states)
	}
}

func TestSessionSubmitClosesPreviousConnection(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	s := newTestSession(streamer, rec)

	require.True(t, s.Submit(context.Background(), "first"))
	rec.next(t)
	first := streamer.next(t)
	first.send(t, stream.Event{Kind: stream.KindThoughts, Message: "t1", SessionID: "s1"})
	rec.next(t)

	require.True(t, s.Submit(context.Background(), "second"))
	first.requireClosed(t)

	second := streamer.next(t)
	assert.Equal(t, "second", second.query)
	assert.Equal(t, "s1", second.sessionID)
	assert.Empty(t, streamer.opened)

	st := s.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "first", st.Messages[0].Content)
	assert.Equal(t, "second", st.Messages[1].Content)
	assert.True(t, st.Loading)

	s.Close()
	second.requireClosed(t)
}

func TestSessionTransportError(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	s := newTestSession(streamer, rec)

	require.True(t, s.Submit(context.Background(), "hello"))
	rec.next(t)
	conn := streamer.next(t)

	conn.fail(t, errors.New("connection reset"))
	st := rec.next(t)
	assert.False(t, st.Loading)
	assert.Equal(t, "connection reset", st.Err)

	s.Wait()
	conn.requireClosed(t)
}

func TestSessionStreamEndsWithoutEnd(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	s := newTestSession(streamer, rec)

	require.True(t, s.Submit(context.Background(), "hello"))
	rec.next(t)
	conn := streamer.next(t)

	close(conn.items)
	st := rec.next(t)
	assert.False(t, st.Loading)
	assert.Equal(t, stream.ErrClosedBeforeEnd.Error(), st.Err)
}

func TestSessionClose(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	s := newTestSession(streamer, rec)

	require.True(t, s.Submit(context.Background(), "hello"))
	rec.next(t)
	conn := streamer.next(t)

	s.Close()
	conn.requireClosed(t)

	st := rec.next(t)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Err)

	// Closing an idle session is harmless.
	s.Close()
	assert.Empty(t, rec.states)
}

func TestSessionContextCancel(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	s := newTestSession(streamer, rec)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Submit(ctx, "hello"))
	rec.next(t)
	conn := streamer.next(t)

	cancel()
	conn.requireClosed(t)
	s.Wait()

	// A canceled connection is not an upstream failure.
	st := rec.next(t)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Err)
}

func TestSessionThoughtsPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy stream.ThoughtsPolicy
		want   []string
	}{
		{name: "keep", policy: stream.ThoughtsKeep, want: []string{"t1", "t2"}},
		{name: "reset", policy: stream.ThoughtsReset, want: []string{"t2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := newFakeStreamer()
			rec := newStateRecorder()
			s := newTestSession(streamer, rec, stream.WithThoughtsPolicy(tt.policy))

			for i, q := range []string{"q1", "q2"} {
				require.True(t, s.Submit(context.Background(), q))
				conn := streamer.next(t)
				conn.send(t, stream.Event{
					Kind:      stream.KindThoughts,
					Message:   fmt.Sprintf("t%d", i+1),
					SessionID: "s1",
				})
				conn.send(t, stream.Event{Kind: stream.KindEnd})
				s.Wait()
			}

			assert.Equal(t, tt.want, s.State().Thoughts)
		})
	}
}

func TestSessionWithState(t *testing.T) {
	streamer := newFakeStreamer()
	rec := newStateRecorder()
	seed := stream.State{
		Messages:  []models.Message{{ID: "u0", Role: models.RoleUser, Content: "earlier"}},
		Thoughts:  []string{"old"},
		SessionID: "s9",
		Loading:   true,
	}
	s := newTestSession(streamer, rec, stream.WithState(seed))

	st := s.State()
	assert.False(t, st.Loading)
	assert.Equal(t, "s9", st.SessionID)

	require.True(t, s.Submit(context.Background(), "again"))
	conn := streamer.next(t)
	assert.Equal(t, "s9", conn.sessionID)
	assert.Len(t, s.State().Messages, 2)
	s.Close()
}

func (f *fakeStreamer) Stream(ctx context.Context, query, sessionID string) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		c := &fakeConn{
			query:     query,
			sessionID: sessionID,
			items:     make(chan streamItem),
			closed:    make(chan struct{}),
		}
		defer close(c.closed)
		f.opened <- c

		for {
			select {
			case <-ctx.Done():
				yield(stream.Event{}, ctx.Err())
				return
			case it, ok := <-c.items:
				if !ok {
					return
				}
				if !yield(it.ev, it.err) {
					return
				}
			}
		}
	}
}

func (f *fakeStreamer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.opened:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (c *fakeConn) send(t *testing.T, ev stream.Event) {
	t.Helper()
	select {
	case c.items <- streamItem{ev: ev}:
	case <-time.After(waitTimeout):
		t.Fatal("timed out sending event")
	}
}

func (c *fakeConn) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case c.items <- streamItem{err: err}:
	case <-time.After(waitTimeout):
		t.Fatal("timed out sending error")
	}
}

func (c *fakeConn) requireClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatal("connection was not closed")
	}
}

func (r *stateRecorder) record(st stream.State) {
	r.states <- st
}

func (r *stateRecorder) next(t *testing.T) stream.State {
	t.Helper()
	select {
	case st := <-r.states:
		return st
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a state change")
		return stream.State{}
	}
}
