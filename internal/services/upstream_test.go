package services_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/askstream/internal/services"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUpstream(t *testing.T, handler http.HandlerFunc) services.Upstream {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := services.NewUpstream(srv.URL, "/stream", time.Second, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return u
}

func TestNewUpstreamRejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"localhost:8080", "ftp://example.com", "://bad"} {
		_, err := services.NewUpstream(raw, "/stream", 0, slog.New(slog.DiscardHandler))
		assert.Error(t, err, raw)
	}
}

func TestUpstreamStreamURL(t *testing.T) {
	u, err := services.NewUpstream("http://localhost:8080", "/stream", 0, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	tests := []struct {
		query     string
		sessionID string
		want      string
	}{
		{query: "hello", want: "http://localhost:8080/stream?query=hello&session_id="},
		{query: "what is go?", sessionID: "s1", want: "http://localhost:8080/stream?query=what%20is%20go%3F&session_id=s1"},
		{query: "a&b=c", sessionID: "x y", want: "http://localhost:8080/stream?query=a%26b%3Dc&session_id=x%20y"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, u.StreamURL(tt.query, tt.sessionID))
	}
}

func TestUpstreamStream(t *testing.T) {
	requests := make(chan *http.Request, 1)
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: thoughts\ndata: {\"message\":\"searching\",\"session_id\":\"s1\"}\n\n")
		_, _ = io.WriteString(w, "event: ping\ndata: {}\n\n")
		_, _ = io.WriteString(w, "event: assistant_msg_start\ndata: {}\n\n")
		_, _ = io.WriteString(w, "event: assistant\ndata: {\"search_result\":\n\n")
		_, _ = io.WriteString(w, "event: assistant\ndata: {\"search_result\":\"Hi\"}\n\n")
		_, _ = io.WriteString(w, "event: assistant\ndata: {\"search_result\":\" there\"}\n\n")
		_, _ = io.WriteString(w, "event: end\ndata: {\"message\":\"done\"}\n\n")
	})

	var got []stream.Event
	for ev, err := range u.Stream(context.Background(), "hello", "") {
		require.NoError(t, err)
		got = append(got, ev)
	}

	r := <-requests
	assert.Equal(t, http.MethodGet, r.Method)
	assert.Equal(t, "/stream", r.URL.Path)
	assert.Equal(t, "query=hello&session_id=", r.URL.RawQuery)
	assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

	// The unknown and the malformed events are skipped.
	assert.Equal(t, []stream.Event{
		{Kind: stream.KindThoughts, Message: "searching", SessionID: "s1"},
		{Kind: stream.KindAssistantStart},
		{Kind: stream.KindAssistant, Fragment: "Hi"},
		{Kind: stream.KindAssistant, Fragment: " there"},
		{Kind: stream.KindEnd, Message: "done"},
	}, got)
}

func TestUpstreamStreamStatusError(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})

	var errs []error
	for _, err := range u.Stream(context.Background(), "hello", "") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], services.ErrUpstreamStatus)
}

func TestUpstreamStreamStopsOnCancel(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: thoughts\ndata: {\"message\":\"t\",\"session_id\":\"s1\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	var kinds []stream.Kind
	var lastErr error
	for ev, err := range u.Stream(ctx, "hello", "") {
		if err != nil {
			lastErr = err
			break
		}
		kinds = append(kinds, ev.Kind)
		cancel()
	}

	assert.Equal(t, []stream.Kind{stream.KindThoughts}, kinds)
	assert.Error(t, lastErr)
	assert.Error(t, ctx.Err())
}

func TestUpstreamForward(t *testing.T) {
	bodies := make(chan string, 1)
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- r.Method + " " + r.Header.Get("Content-Type") + " " + string(b)
		_, _ = io.WriteString(w, "data: ok\n\n")
	})

	resp, err := u.Forward(context.Background(), []byte(`{"query":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: ok\n\n", string(b))
	assert.Equal(t, `POST application/json {"query":"hello"}`, <-bodies)
}

func TestUpstreamForwardErrorStatus(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"query missing"}`)
	})

	resp, err := u.Forward(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"detail":"query missing"}`, string(b))
}
