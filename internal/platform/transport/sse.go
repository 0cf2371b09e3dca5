package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/internal/realtime"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// SSEHandler serves the one-way event stream backed by the stream registry.
// Streams are per-subject, so anonymous callers are refused.
type SSEHandler struct {
	registry *realtime.Registry
	identity IdentityFn
	logger   zerolog.Logger
}

// NewSSEHandler wires the stream registry behind an SSE endpoint.
func NewSSEHandler(registry *realtime.Registry, identity IdentityFn, logger zerolog.Logger) *SSEHandler {
	if identity == nil {
		identity = HeaderIdentity
	}
	return &SSEHandler{
		registry: registry,
		identity: identity,
		logger:   logger.With().Str("component", "SSEHandler").Logger(),
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := h.identity(r)
	if id.SubjectID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn(w, flusher)
	connection := realtime.NewConnection(conn, id.SubjectID, id.DisplayName, fanout.Role(id.Role))
	if err := h.registry.Add(r.Context(), connection); err != nil {
		return
	}
	h.logger.Info().Str("subject", id.SubjectID).Msg("Stream opened.")

	defer func() {
		h.registry.Remove(r.Context(), connection)
		_ = conn.Close(realtime.CloseNormal, "")
		h.logger.Info().Str("subject", id.SubjectID).Msg("Stream closed.")
	}()

	select {
	case <-r.Context().Done():
	case <-conn.done:
	}
}

var errStreamClosed = errors.New("stream closed")

// sseConn adapts a flusher-backed response writer to the registry's handle.
// Sends after Close are refused so the registry never writes into a finished
// handler.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, flusher: flusher, done: make(chan struct{})}
}

func (c *sseConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errStreamClosed
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close(int, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
