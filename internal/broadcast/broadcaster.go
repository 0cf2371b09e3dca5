package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinywideclouds/go-fanout-service/internal/store"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// ChatSink is the local-replay surface of the chat connection registry.
// Remote envelopes are dispatched to exactly one of these methods; the
// registry applies them to its own live connections only.
type ChatSink interface {
	BroadcastLocal(event fanout.EventType, data json.RawMessage) (delivered, failed int)
	BroadcastUpdateLocal(data json.RawMessage) (delivered, failed int)
	BroadcastDeletionLocal(data json.RawMessage) (delivered, failed int)
	BroadcastPresenceLocal(data json.RawMessage) (delivered, failed int)
	DisconnectUserLocal(subjectID, reason string) int
}

// NotificationSink is the local-replay surface of the event-stream registry,
// addressing all of one subject's connections.
type NotificationSink interface {
	BroadcastToSubject(subjectID string, event fanout.EventType, data json.RawMessage) (delivered, failed int)
	DisconnectUserLocal(subjectID, reason string) int
}

// Config carries the broadcaster's wiring parameters.
type Config struct {
	InstanceID          string
	ChatChannel         string
	NotificationChannel string
	// Enabled false bypasses the broadcaster entirely: every instance
	// behaves as an isolated island.
	Enabled             bool
	DedupTTL            time.Duration
	ResubscribeInterval time.Duration
}

// Broadcaster bridges the local connection registries and the shared store's
// channels. Publishing is best-effort: the caller has already applied the
// event locally, so a publish failure only degrades other instances' view.
type Broadcaster struct {
	store         store.Store
	cfg           Config
	chat          ChatSink
	notifications NotificationSink

	dedup  *dedupSet
	stats  *stats
	logger zerolog.Logger
	clock  func() time.Time

	degraded atomic.Bool

	publishedCounter metric.Int64Counter
	receivedCounter  metric.Int64Counter
	failureCounter   metric.Int64Counter
	latencyHistogram metric.Int64Histogram

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sub    store.Subscription
}

// New creates a broadcaster. chat and notifications are the local replay
// sinks; either may be nil when the instance does not host that flavor.
func New(st store.Store, cfg Config, chat ChatSink, notifications NotificationSink, logger zerolog.Logger) *Broadcaster {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Second
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = 2 * time.Second
	}

	meter := otel.Meter("pubsub-broadcaster")
	published, _ := meter.Int64Counter("broadcast_published_total",
		metric.WithDescription("Envelopes published to the shared channels"))
	received, _ := meter.Int64Counter("broadcast_received_total",
		metric.WithDescription("Remote envelopes received for local replay"))
	failures, _ := meter.Int64Counter("broadcast_publish_failures_total",
		metric.WithDescription("Publish attempts that failed"))
	latency, _ := meter.Int64Histogram("broadcast_replay_latency_ms",
		metric.WithDescription("Delay between envelope emission and local replay"))

	return &Broadcaster{
		store:            st,
		cfg:              cfg,
		chat:             chat,
		notifications:    notifications,
		dedup:            newDedupSet(cfg.DedupTTL),
		stats:            newStats(),
		logger:           logger.With().Str("component", "Broadcaster").Str("instance", cfg.InstanceID).Logger(),
		clock:            time.Now,
		publishedCounter: published,
		receivedCounter:  received,
		failureCounter:   failures,
		latencyHistogram: latency,
	}
}

// AttachSinks sets the local replay sinks after construction. The registries
// publish through the broadcaster, so one side has to be wired late; call
// this before Start.
func (b *Broadcaster) AttachSinks(chat ChatSink, notifications NotificationSink) {
	b.chat = chat
	b.notifications = notifications
}

func (b *Broadcaster) channelFor(event fanout.EventType) string {
	if event.NotificationEvent() {
		return b.cfg.NotificationChannel
	}
	return b.cfg.ChatChannel
}

// Publish wraps payload in an envelope and publishes it for other instances
// to replay. Store failures are counted and logged but never returned: the
// event is already applied to this instance's own connections, and failing
// the caller would not undo that.
func (b *Broadcaster) Publish(ctx context.Context, event fanout.EventType, payload any) error {
	if !b.cfg.Enabled {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	envelope := Envelope{
		Type:      event,
		Origin:    b.cfg.InstanceID,
		EmittedAt: b.clock().UnixMilli(),
		Data:      data,
	}
	frame, err := json.Marshal(&envelope)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	if err := b.store.Publish(ctx, b.channelFor(event), frame); err != nil {
		b.stats.incPublishFailure()
		b.failureCounter.Add(ctx, 1)
		b.logger.Warn().Err(err).Str("event", string(event)).Msg("Publish failed, other instances will miss this event.")
		return nil
	}
	b.stats.incPublished()
	b.publishedCounter.Add(ctx, 1)
	return nil
}

// Start subscribes to the channel set and runs the receive loop until Stop.
// With the broadcaster disabled it is a no-op.
func (b *Broadcaster) Start(ctx context.Context) error {
	if !b.cfg.Enabled {
		b.logger.Info().Msg("Distributed mode off, running as an isolated island.")
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return fmt.Errorf("broadcaster already started")
	}

	sub, err := b.store.Subscribe(ctx, b.cfg.ChatChannel, b.cfg.NotificationChannel)
	if err != nil {
		return fmt.Errorf("subscribe to broadcast channels: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.sub = sub

	go b.run(runCtx, sub)
	b.logger.Info().Str("chat", b.cfg.ChatChannel).Str("notifications", b.cfg.NotificationChannel).Msg("Broadcaster subscribed.")
	return nil
}

// run consumes the subscription, flipping to degraded mode whenever the
// message stream closes and back once a resubscribe succeeds.
func (b *Broadcaster) run(ctx context.Context, sub store.Subscription) {
	defer close(b.done)

	for {
		if !b.consume(ctx, sub) {
			return
		}

		b.degraded.Store(true)
		b.logger.Warn().Msg("Store subscription lost, entering degraded mode.")

		for {
			if err := sub.Resubscribe(ctx); err == nil {
				break
			} else {
				b.logger.Warn().Err(err).Msg("Resubscribe failed, retrying.")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.ResubscribeInterval):
			}
		}

		b.degraded.Store(false)
		b.logger.Info().Msg("Resubscribed, leaving degraded mode.")
	}
}

// consume forwards messages until the stream closes (returns true, caller
// should reconnect) or the context is cancelled (returns false).
func (b *Broadcaster) consume(ctx context.Context, sub store.Subscription) bool {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-sub.Err():
			b.logger.Warn().Err(err).Msg("Subscription error.")
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err() == nil
			}
			b.handle(ctx, msg)
		}
	}
}

// handle validates, dedups, and replays one remote envelope. Nothing here may
// panic the subscriber loop; every malformed input is logged and dropped.
func (b *Broadcaster) handle(ctx context.Context, msg store.ChannelMessage) {
	var envelope Envelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		b.stats.incDiscarded()
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Discarding undecodable envelope.")
		return
	}
	if err := envelope.Validate(); err != nil {
		b.stats.incDiscarded()
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Discarding invalid envelope.")
		return
	}

	// Our own publishes were applied locally at emission time; the store's
	// echo must not render them twice.
	if envelope.Origin == b.cfg.InstanceID {
		return
	}

	b.stats.incReceived()
	b.receivedCounter.Add(ctx, 1)
	latency := b.clock().UnixMilli() - envelope.EmittedAt
	b.stats.recordLatency(latency)
	b.latencyHistogram.Record(ctx, latency)

	if key, ok := envelope.DedupKey(); ok && b.dedup.seen(key) {
		b.stats.incDeduplicated()
		b.logger.Debug().Str("key", key).Msg("Dropping duplicate envelope.")
		return
	}

	b.dispatch(&envelope)
}

func (b *Broadcaster) dispatch(envelope *Envelope) {
	if envelope.Type.NotificationEvent() {
		if b.notifications == nil {
			return
		}
		subjectID := envelope.SubjectID()
		if subjectID == "" {
			b.stats.incDiscarded()
			b.logger.Warn().Str("event", string(envelope.Type)).Msg("Discarding notification envelope without subject.")
			return
		}
		b.notifications.BroadcastToSubject(subjectID, envelope.Type, envelope.Data)
		return
	}

	if b.chat == nil {
		return
	}
	switch envelope.Type {
	case fanout.EventNewMessage, fanout.EventBulkDelete:
		b.chat.BroadcastLocal(envelope.Type, envelope.Data)
	case fanout.EventMessageUpdated:
		b.chat.BroadcastUpdateLocal(envelope.Data)
	case fanout.EventMessageDeleted:
		b.chat.BroadcastDeletionLocal(envelope.Data)
	case fanout.EventPresenceChange:
		b.chat.BroadcastPresenceLocal(envelope.Data)
	case fanout.EventDisconnectUser:
		var order fanout.Disconnect
		if err := json.Unmarshal(envelope.Data, &order); err != nil || order.SubjectID == "" {
			b.stats.incDiscarded()
			b.logger.Warn().Str("event", string(envelope.Type)).Msg("Discarding disconnect envelope without subject.")
			return
		}
		// A fleet-wide disconnect covers every transport the subject
		// holds here, event streams included.
		b.chat.DisconnectUserLocal(order.SubjectID, order.Reason)
		if b.notifications != nil {
			b.notifications.DisconnectUserLocal(order.SubjectID, order.Reason)
		}
	default:
		b.stats.incDiscarded()
		b.logger.Warn().Str("event", string(envelope.Type)).Msg("Discarding envelope with unknown type.")
	}
}

// DegradedMode reports whether cross-instance coordination is currently
// unavailable; local-only operation continues regardless.
func (b *Broadcaster) DegradedMode() bool { return b.degraded.Load() }

// MetricsSnapshot returns the broadcaster's counters for external
// observability.
func (b *Broadcaster) MetricsSnapshot() Metrics { return b.stats.snapshot() }

// Stop cancels the receive loop and closes the subscription.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	sub := b.sub
	b.cancel = nil
	b.sub = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if sub != nil {
		_ = sub.Close()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.logger.Info().Msg("Broadcaster stopped.")
	return nil
}
