package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/internal/realtime"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

const writeWait = 10 * time.Second

// WebSocketHandler upgrades chat clients and pumps their inbound frames into
// the chat registry.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	registry *realtime.Registry
	identity IdentityFn
	logger   zerolog.Logger
}

// NewWebSocketHandler wires the chat registry behind a WebSocket endpoint.
func NewWebSocketHandler(registry *realtime.Registry, identity IdentityFn, logger zerolog.Logger) *WebSocketHandler {
	if identity == nil {
		identity = HeaderIdentity
	}
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin enforcement belongs to the fronting proxy.
				return true
			},
		},
		registry: registry,
		identity: identity,
		logger:   logger.With().Str("component", "WebSocketHandler").Logger(),
	}
}

// inboundFrame is what chat clients send up the socket.
type inboundFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Body   string `json:"body"`
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := h.identity(r)

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	conn := newWSConn(raw)
	connection := realtime.NewConnection(conn, id.SubjectID, id.DisplayName, fanout.Role(id.Role))
	if err := h.registry.Add(r.Context(), connection); err != nil {
		// Add already told the client and closed the socket.
		return
	}
	h.logger.Info().Str("key", connection.PresenceKey()).Msg("Client connected.")

	defer func() {
		h.registry.Remove(r.Context(), connection)
		_ = conn.Close(realtime.CloseNormal, "")
		h.logger.Info().Str("key", connection.PresenceKey()).Msg("Client disconnected.")
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			h.logger.Warn().Err(err).Msg("Dropping unreadable inbound frame.")
			continue
		}

		switch in.Type {
		case "ping":
			h.registry.Touch(r.Context(), connection)
		case "message":
			if _, err := h.registry.HandleInbound(r.Context(), connection, in.RoomID, in.Body); err != nil {
				if errors.Is(err, realtime.ErrRateLimited) {
					continue
				}
				h.logger.Error().Err(err).Str("room", in.RoomID).Msg("Inbound message not admitted.")
			}
		default:
			h.logger.Warn().Str("type", in.Type).Msg("Dropping inbound frame of unknown type.")
		}
	}
}

// wsConn adapts a gorilla connection to the registry's handle. Writes are
// serialized behind a mutex; gorilla permits one concurrent writer only.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn { return &wsConn{conn: conn} }

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}
