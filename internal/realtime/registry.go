package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/internal/presence"
	"github.com/tinywideclouds/go-fanout-service/internal/ratelimit"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// ErrDraining rejects connections arriving while the registry shuts down.
var ErrDraining = errors.New("registry draining")

// ErrRateLimited signals an inbound message rejected by the rate gate. The
// client has already been told; the read loop should keep the socket open.
var ErrRateLimited = errors.New("rate limited")

// Flavor selects the registry's fan-out shape.
type Flavor int

const (
	// FlavorChat serves bidirectional chat sockets: broadcasts address
	// every live connection, send failures are logged but tolerated.
	FlavorChat Flavor = iota
	// FlavorStream serves one-way event streams: broadcasts address one
	// subject's connections, and a failing stream is dropped on the spot.
	FlavorStream
)

// Publisher is the cross-instance propagation hook, satisfied by the
// broadcaster. The registry always applies events locally first.
type Publisher interface {
	Publish(ctx context.Context, event fanout.EventType, payload any) error
}

// Config carries the registry's timing parameters.
type Config struct {
	// PresenceTimeout ages out idle connections and stale presence.
	PresenceTimeout time.Duration
	// PruneInterval spaces the idle-connection sweeps.
	PruneInterval time.Duration
	// PresenceDebounce coalesces join/leave churn into one broadcast.
	PresenceDebounce time.Duration
	// ShutdownGrace bounds the notify-then-close window.
	ShutdownGrace time.Duration
}

// Registry tracks this instance's live connections of one flavor. All
// methods are safe for concurrent use; store calls happen outside the
// registry lock so a slow store never blocks connection handling.
type Registry struct {
	flavor    Flavor
	presence  *presence.Tracker
	publisher Publisher
	gate      *ratelimit.Gate
	cfg       Config
	logger    zerolog.Logger
	clock     func() time.Time

	mu         sync.Mutex
	conns      map[Conn]*Connection
	bySubject  map[string]map[Conn]*Connection
	draining   bool
	debounce   *time.Timer
	sweep      *time.Timer
	sweepArmed bool
}

// NewChatRegistry creates the chat-socket registry. The gate admits inbound
// messages per room scope.
func NewChatRegistry(tracker *presence.Tracker, publisher Publisher, gate *ratelimit.Gate, cfg Config, logger zerolog.Logger) *Registry {
	return newRegistry(FlavorChat, tracker, publisher, gate, cfg, logger.With().Str("component", "ChatRegistry").Logger())
}

// NewStreamRegistry creates the event-stream registry with a per-subject
// index for targeted delivery.
func NewStreamRegistry(tracker *presence.Tracker, publisher Publisher, cfg Config, logger zerolog.Logger) *Registry {
	return newRegistry(FlavorStream, tracker, publisher, nil, cfg, logger.With().Str("component", "StreamRegistry").Logger())
}

func newRegistry(flavor Flavor, tracker *presence.Tracker, publisher Publisher, gate *ratelimit.Gate, cfg Config, logger zerolog.Logger) *Registry {
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = 60 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 30 * time.Second
	}
	if cfg.PresenceDebounce <= 0 {
		cfg.PresenceDebounce = 250 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	return &Registry{
		flavor:    flavor,
		presence:  tracker,
		publisher: publisher,
		gate:      gate,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
		conns:     make(map[Conn]*Connection),
		bySubject: make(map[string]map[Conn]*Connection),
	}
}

// Len returns the live connection count; the heartbeat monitor reports it.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// HasSubject reports whether the subject has at least one live connection
// here.
func (r *Registry) HasSubject(subjectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySubject[subjectID]) > 0
}

// Add registers a connection, joins presence, and schedules a coalesced
// presence broadcast. While draining the connection is told to go away and
// closed before ErrDraining is returned.
func (r *Registry) Add(ctx context.Context, c *Connection) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		if notice, err := encodeFrame(eventServerShutdown, map[string]string{"reason": "server shutting down"}); err == nil {
			_ = c.conn.Send(notice)
		}
		_ = c.conn.Close(CloseGoingAway, "server shutting down")
		return ErrDraining
	}
	c.lastActivity = r.clock()
	r.conns[c.conn] = c
	if c.SubjectID != "" {
		if r.bySubject[c.SubjectID] == nil {
			r.bySubject[c.SubjectID] = make(map[Conn]*Connection)
		}
		r.bySubject[c.SubjectID][c.conn] = c
	}
	r.armSweepLocked()
	r.mu.Unlock()

	if err := r.presence.Add(ctx, c.presenceKey, c.Role); err != nil {
		r.logger.Warn().Err(err).Str("key", c.presenceKey).Msg("Presence registration failed.")
	}
	r.schedulePresenceBroadcast()
	return nil
}

// Remove deregisters a connection and leaves presence. The transport closes
// the handle itself.
func (r *Registry) Remove(ctx context.Context, c *Connection) {
	r.mu.Lock()
	_, tracked := r.conns[c.conn]
	r.dropLocked(c)
	r.mu.Unlock()
	if !tracked {
		return
	}

	if err := r.presence.Remove(ctx, c.presenceKey, c.Role); err != nil {
		r.logger.Warn().Err(err).Str("key", c.presenceKey).Msg("Presence removal failed.")
	}
	r.schedulePresenceBroadcast()
}

// dropLocked removes c from both maps. Caller holds r.mu.
func (r *Registry) dropLocked(c *Connection) {
	delete(r.conns, c.conn)
	if c.SubjectID != "" {
		if set := r.bySubject[c.SubjectID]; set != nil {
			delete(set, c.conn)
			if len(set) == 0 {
				delete(r.bySubject, c.SubjectID)
			}
		}
	}
}

// Touch records client activity and refreshes the presence entry so the
// fleet-wide sweep keeps seeing this connection as live.
func (r *Registry) Touch(ctx context.Context, c *Connection) {
	r.mu.Lock()
	c.lastActivity = r.clock()
	r.mu.Unlock()

	if err := r.presence.Touch(ctx, c.presenceKey, c.Role); err != nil {
		r.logger.Warn().Err(err).Str("key", c.presenceKey).Msg("Presence refresh failed.")
	}
}

// BroadcastLocal serializes the event once and sends it to every live
// connection. Per-connection failures are isolated: logged, counted, and on
// the stream flavor the broken connection is dropped.
func (r *Registry) BroadcastLocal(event fanout.EventType, data json.RawMessage) (delivered, failed int) {
	payload, err := encodeRawFrame(event, data)
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(event)).Msg("Broadcast frame not encodable.")
		return 0, 0
	}

	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	return r.sendAll(targets, event, payload)
}

// BroadcastUpdateLocal replays an edited message to every live connection.
func (r *Registry) BroadcastUpdateLocal(data json.RawMessage) (int, int) {
	return r.BroadcastLocal(fanout.EventMessageUpdated, data)
}

// BroadcastDeletionLocal replays a message removal to every live connection.
func (r *Registry) BroadcastDeletionLocal(data json.RawMessage) (int, int) {
	return r.BroadcastLocal(fanout.EventMessageDeleted, data)
}

// BroadcastPresenceLocal pushes fresh presence counts to every live
// connection.
func (r *Registry) BroadcastPresenceLocal(data json.RawMessage) (int, int) {
	return r.BroadcastLocal(fanout.EventPresenceChange, data)
}

// BroadcastToSubject sends the event to every connection of one subject.
func (r *Registry) BroadcastToSubject(subjectID string, event fanout.EventType, data json.RawMessage) (delivered, failed int) {
	payload, err := encodeRawFrame(event, data)
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(event)).Msg("Broadcast frame not encodable.")
		return 0, 0
	}

	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.bySubject[subjectID]))
	for _, c := range r.bySubject[subjectID] {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	return r.sendAll(targets, event, payload)
}

func (r *Registry) sendAll(targets []*Connection, event fanout.EventType, payload []byte) (delivered, failed int) {
	var broken []*Connection
	for _, c := range targets {
		if err := c.conn.Send(payload); err != nil {
			failed++
			r.logger.Warn().Err(err).Str("event", string(event)).Str("key", c.presenceKey).Msg("Send failed, skipping connection.")
			if r.flavor == FlavorStream {
				broken = append(broken, c)
			}
			continue
		}
		delivered++
	}

	for _, c := range broken {
		_ = c.conn.Close(CloseGoingAway, "send failed")
		r.Remove(context.Background(), c)
	}
	return delivered, failed
}

// DisconnectUserLocal force-closes every local connection of one subject and
// returns how many were dropped.
func (r *Registry) DisconnectUserLocal(subjectID, reason string) int {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.bySubject[subjectID]))
	for _, c := range r.bySubject[subjectID] {
		targets = append(targets, c)
	}
	for _, c := range targets {
		r.dropLocked(c)
	}
	r.mu.Unlock()

	ctx := context.Background()
	for _, c := range targets {
		_ = c.conn.Close(ClosePolicy, reason)
		if err := r.presence.Remove(ctx, c.presenceKey, c.Role); err != nil {
			r.logger.Warn().Err(err).Str("key", c.presenceKey).Msg("Presence removal failed.")
		}
	}
	if len(targets) > 0 {
		r.logger.Info().Str("subject", subjectID).Str("reason", reason).Int("count", len(targets)).Msg("Disconnected subject.")
		r.schedulePresenceBroadcast()
	}
	return len(targets)
}

// HandleInbound admits one chat message through the rate gate, applies it to
// local connections, and publishes it for the rest of the fleet. The room id
// doubles as the throttle scope; unknown rooms use the default budget.
func (r *Registry) HandleInbound(ctx context.Context, c *Connection, roomID, body string) (*fanout.Message, error) {
	r.Touch(ctx, c)

	decision, err := r.gate.Allow(ctx, c.presenceKey, roomID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		rejection, encErr := encodeFrame(eventRateLimited, map[string]int64{
			"retryAfterMs": decision.RetryAfter.Milliseconds(),
		})
		if encErr == nil {
			_ = c.conn.Send(rejection)
		}
		return nil, ErrRateLimited
	}

	msg := &fanout.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		AuthorID: c.SubjectID,
		Body:     body,
		SentAt:   r.clock().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	r.BroadcastLocal(fanout.EventNewMessage, data)
	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, fanout.EventNewMessage, msg)
	}
	return msg, nil
}

// schedulePresenceBroadcast arms (or re-arms) the debounce timer; each call
// during a churn burst pushes the single broadcast further out.
func (r *Registry) schedulePresenceBroadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return
	}
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(r.cfg.PresenceDebounce, r.emitPresence)
}

// emitPresence reads fleet-wide counts, applies them to local connections,
// then publishes for the other instances.
func (r *Registry) emitPresence() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts := r.presence.Counts(ctx)
	data, err := json.Marshal(counts)
	if err != nil {
		return
	}
	r.BroadcastPresenceLocal(data)
	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, fanout.EventPresenceChange, counts)
	}
}

// armSweepLocked starts the idle sweep if it is not already pending. Caller
// holds r.mu.
func (r *Registry) armSweepLocked() {
	if r.sweepArmed || r.draining {
		return
	}
	r.sweepArmed = true
	r.sweep = time.AfterFunc(r.cfg.PruneInterval, r.pruneIdle)
}

// pruneIdle closes connections idle past the presence timeout, then re-arms
// itself while any connections remain. An empty registry disarms the sweep.
func (r *Registry) pruneIdle() {
	r.mu.Lock()
	r.sweepArmed = false
	if r.draining {
		r.mu.Unlock()
		return
	}
	cutoff := r.clock().Add(-r.cfg.PresenceTimeout)
	var idle []*Connection
	for _, c := range r.conns {
		if c.lastActivity.Before(cutoff) {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		r.dropLocked(c)
	}
	if len(r.conns) > 0 {
		r.armSweepLocked()
	}
	r.mu.Unlock()

	if len(idle) == 0 {
		return
	}
	ctx := context.Background()
	for _, c := range idle {
		_ = c.conn.Close(CloseGoingAway, "idle timeout")
		if err := r.presence.Remove(ctx, c.presenceKey, c.Role); err != nil {
			r.logger.Warn().Err(err).Str("key", c.presenceKey).Msg("Presence removal failed.")
		}
	}
	r.logger.Info().Int("count", len(idle)).Msg("Pruned idle connections.")
	r.schedulePresenceBroadcast()
}

// Shutdown drains the registry: new connections are refused, live ones get a
// shutdown notice and a bounded grace period before being force-closed. All
// timers are cancelled so nothing fires after the registry empties.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	if r.sweep != nil {
		r.sweep.Stop()
		r.sweep = nil
		r.sweepArmed = false
	}
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	if len(targets) > 0 {
		if notice, err := encodeFrame(eventServerShutdown, map[string]string{"reason": "server shutting down"}); err == nil {
			for _, c := range targets {
				_ = c.conn.Send(notice)
			}
		}
		select {
		case <-time.After(r.cfg.ShutdownGrace):
		case <-ctx.Done():
		}
	}

	for _, c := range targets {
		_ = c.conn.Close(CloseGoingAway, "server shutting down")
		if err := r.presence.Remove(ctx, c.presenceKey, c.Role); err != nil {
			r.logger.Warn().Err(err).Str("key", c.presenceKey).Msg("Presence removal failed.")
		}
	}

	r.mu.Lock()
	r.conns = make(map[Conn]*Connection)
	r.bySubject = make(map[string]map[Conn]*Connection)
	r.mu.Unlock()

	r.logger.Info().Int("count", len(targets)).Msg("Registry drained.")
	return nil
}
