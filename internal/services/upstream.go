package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// Upstream is the client of the query-answering service. It opens streaming connections for the
// chat consumer and forwards relay requests.
type Upstream struct {
	endpoint *url.URL

	client *http.Client

	logger *slog.Logger
}

// ErrUpstreamStatus is returned by Stream when the upstream answers with a non-2xx status.
var ErrUpstreamStatus = errors.New("unexpected upstream status")

// NewUpstream creates an Upstream for baseURL and streamPath. headerTimeout bounds the wait for
// response headers only, since the body of a stream stays open for as long as the answer takes.
// A zero headerTimeout disables it.
func NewUpstream(baseURL, streamPath string, headerTimeout time.Duration, logger *slog.Logger) (Upstream, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid upstream url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return Upstream{}, fmt.Errorf("invalid upstream url %q: scheme must be http or https", baseURL)
	}

	endpoint := base.JoinPath(streamPath)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout

	return Upstream{
		endpoint: endpoint,
		client:   &http.Client{Transport: transport},
		logger:   logger.With(slog.String("module", "upstream")),
	}, nil
}

// StreamURL returns the URL of the streaming connection for query and sessionID.
func (u Upstream) StreamURL(query, sessionID string) string {
	endpoint := *u.endpoint
	endpoint.RawQuery = "query=" + escapeComponent(query) + "&session_id=" + escapeComponent(sessionID)
	return endpoint.String()
}

// escapeComponent escapes s the way browsers' encodeURIComponent does, with spaces as %20.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Stream implements stream.Streamer. It opens a GET connection to the upstream and yields the
// decoded events in arrival order. Events outside the upstream vocabulary and events with a
// malformed payload are logged and skipped.
func (u Upstream) Stream(ctx context.Context, query, sessionID string) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.StreamURL(query, sessionID), nil)
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := u.client.Do(req)
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			yield(stream.Event{}, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(stream.Event{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			e, ok, err := stream.Decode(ev.Type, ev.Data)
			if err != nil {
				u.logger.Warn("Skipping malformed event",
					slog.String("type", ev.Type),
					slog.String("data", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			if !ok {
				u.logger.Debug("Skipping unknown event", slog.String("type", ev.Type))
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Forward posts body as JSON to the upstream stream endpoint and returns the response with its
// body still open, whatever its status. Only transport failures are errors. The caller must close
// the body.
func (u Upstream) Forward(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		u.logger.Warn("Upstream answered relay request with an error status",
			slog.Int("status", resp.StatusCode))
	}
	return resp, nil
}

const errLoggerKey = "err"
