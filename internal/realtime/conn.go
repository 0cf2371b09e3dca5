// Package realtime tracks this instance's live client connections and fans
// events out to them. The registries are purely local: cross-instance
// propagation is the broadcaster's job, fleet-wide presence the tracker's.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// Close codes follow the WebSocket registry so the transport adapters can
// pass them through unchanged.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	ClosePolicy    = 1008
)

// Conn is the transport handle a registry fans out to. Implementations wrap
// a WebSocket or SSE stream; Send must be safe for concurrent use.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Connection is one tracked client connection with its identity snapshot.
// Guests have no subject id and get a synthetic presence key instead.
type Connection struct {
	conn        Conn
	SubjectID   string
	DisplayName string
	Role        fanout.Role

	presenceKey  string
	lastActivity time.Time
}

// NewConnection wraps a transport handle. subjectID is empty for guests,
// whose presence key is minted per connection.
func NewConnection(conn Conn, subjectID, displayName string, role fanout.Role) *Connection {
	if !role.Valid() {
		role = fanout.RoleGuest
	}
	key := subjectID
	if key == "" {
		key = "guest-" + uuid.NewString()
	}
	return &Connection{
		conn:        conn,
		SubjectID:   subjectID,
		DisplayName: displayName,
		Role:        role,
		presenceKey: key,
	}
}

// PresenceKey is the identity this connection occupies in the fleet-wide
// presence sets.
func (c *Connection) PresenceKey() string { return c.presenceKey }

// Client-only frame types, never published on the coordination channels.
const (
	eventRateLimited    fanout.EventType = "rate_limited"
	eventServerShutdown fanout.EventType = "server_shutdown"
)

// frame is the unit sent down a client connection.
type frame struct {
	Event fanout.EventType `json:"event"`
	Data  json.RawMessage  `json:"data"`
}

func encodeRawFrame(event fanout.EventType, data json.RawMessage) ([]byte, error) {
	out, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return out, nil
}

func encodeFrame(event fanout.EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return encodeRawFrame(event, data)
}
