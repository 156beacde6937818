package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/askstream/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Forwarder posts a relay request body to the upstream and returns the open response, whatever its
// status. Only failures to reach the upstream are errors.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) (*http.Response, error)
}

// Relay exposes the upstream stream endpoint to browsers as a same-origin POST endpoint. Any
// upstream body is copied back unmodified with 200, including the body of an error status.
type Relay struct {
	upstream Forwarder
	sem      *semaphore.Weighted

	logger *slog.Logger
}

type relayRequest struct {
	Query json.RawMessage `json:"query,omitempty"`
}

const (
	// NoResponseBodyText is the exact body sent when the upstream answers without a body.
	NoResponseBodyText = "No response body from FastAPI server"

	maxRelayBodyBytes = 1 << 20
	relayChunkSize    = 32 * 1024
)

// NewRelay creates a Relay forwarding to upstream. maxConcurrent bounds the number of relayed
// streams open at once; zero or less means unlimited.
func NewRelay(upstream Forwarder, maxConcurrent int64, logger *slog.Logger) Relay {
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(maxConcurrent)
	}
	return Relay{
		upstream: upstream,
		sem:      sem,
		logger:   logger.With(slog.String("module", "relay")),
	}
}

// HandleStream serves POST /api/stream. The JSON body's query field is forwarded as-is, without
// validation, and an absent field is forwarded as an empty object.
func (rl Relay) HandleStream(w http.ResponseWriter, r *http.Request) {
	if rl.sem != nil {
		if !rl.sem.TryAcquire(1) {
			metrics.RelayRequests.WithLabelValues("saturated").Inc()
			writeJSONError(w, http.StatusServiceUnavailable, "too many concurrent streams")
			return
		}
		defer rl.sem.Release(1)
	}

	var req relayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRelayBodyBytes)).Decode(&req); err != nil {
		rl.logger.Warn("Invalid relay request body", slog.String(errLoggerKey, err.Error()))
		metrics.RelayRequests.WithLabelValues("bad_request").Inc()
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		metrics.RelayRequests.WithLabelValues("bad_request").Inc()
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to encode request: %v", err))
		return
	}

	resp, err := rl.upstream.Forward(r.Context(), body)
	if err != nil {
		rl.logger.Error("Failed to reach upstream", slog.String(errLoggerKey, err.Error()))
		metrics.RelayRequests.WithLabelValues("upstream_error").Inc()
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	buf := make([]byte, relayChunkSize)
	n, err := readFirst(resp, buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			rl.logger.Warn("Upstream answered without a body")
			metrics.RelayRequests.WithLabelValues("empty_body").Inc()
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, NoResponseBodyText)
			return
		}
		rl.logger.Error("Failed to read upstream body", slog.String(errLoggerKey, err.Error()))
		metrics.RelayRequests.WithLabelValues("upstream_error").Inc()
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	outcome := "streamed"
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "upstream_status"
	}
	metrics.RelayRequests.WithLabelValues(outcome).Inc()
	metrics.RelayActiveStreams.Inc()
	defer metrics.RelayActiveStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for {
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				rl.logger.Debug("Relay client went away", slog.String(errLoggerKey, werr.Error()))
				return
			}
			metrics.RelayBytes.Add(float64(n))
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				rl.logger.Debug("Failed to flush relay chunk", slog.String(errLoggerKey, ferr.Error()))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				rl.logger.Warn("Upstream stream interrupted", slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		n, err = resp.Body.Read(buf)
	}
}

// readFirst reads the first non-empty chunk of the response body. Responses that declare an empty
// body are not read at all.
func readFirst(resp *http.Response, buf []byte) (int, error) {
	if resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		return 0, io.EOF
	}
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	var b bytes.Buffer
	_ = json.NewEncoder(&b).Encode(map[string]string{"error": msg})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b.Bytes())
}
