// Package transport adapts accepted HTTP connections into registry handles:
// gorilla WebSockets for the chat flavor, server-sent events for the stream
// flavor. Authentication happens upstream; the handlers only read the
// identity the middleware attached.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Server runs one transport listener with its own HTTP server.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer builds a server on the given port.
func NewServer(port string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    ":" + port,
			Handler: handler,
		},
		logger: logger.With().Str("component", "TransportServer").Str("port", port).Logger(),
	}
}

// Start serves until Shutdown; it blocks the calling goroutine.
func (s *Server) Start(context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Transport server starting...")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Transport server shutting down...")
	return s.server.Shutdown(ctx)
}

// Identity is the authenticated caller as established by upstream
// middleware. A guest has an empty SubjectID.
type Identity struct {
	SubjectID   string
	DisplayName string
	Role        string
}

// IdentityFn extracts the caller's identity from the request.
type IdentityFn func(r *http.Request) Identity

// HeaderIdentity reads the identity headers a fronting auth proxy sets.
func HeaderIdentity(r *http.Request) Identity {
	return Identity{
		SubjectID:   r.Header.Get("X-Subject-Id"),
		DisplayName: r.Header.Get("X-Display-Name"),
		Role:        r.Header.Get("X-Role"),
	}
}
