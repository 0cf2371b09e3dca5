// Package store defines the coordination-store capability consumed by the
// presence, rate-limiting, heartbeat, and broadcast components, together with
// its Redis implementation. The rest of the service depends only on the
// interfaces here so tests can supply in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrScriptUnsupported is returned by ReserveSlot when the store cannot
// guarantee atomic execution of the sliding-window check. Callers must treat
// this as a hard failure: a non-atomic admission decision is not trustworthy.
var ErrScriptUnsupported = errors.New("store: atomic scripting unsupported")

// Member is one sorted-set entry.
type Member struct {
	Value string
	Score float64
}

// ChannelMessage is one payload received from a subscribed channel.
type ChannelMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more channels.
//
// Messages is closed when the underlying connection is lost; Resubscribe
// re-establishes the subscription on a fresh connection, after which Messages
// returns a new stream of events.
type Subscription interface {
	Messages() <-chan ChannelMessage
	Err() <-chan error
	Resubscribe(ctx context.Context) error
	Close() error
}

// SlotReservation is the outcome of one atomic sliding-window admission check.
type SlotReservation struct {
	Allowed      bool
	RetryAfterMs int64
	Current      int
}

// Store is the coordination-store contract. All write operations that affect
// correctness (ReserveSlot) are atomic server-side; the remaining operations
// are advisory and tolerate read-after-write races.
type Store interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// ReserveSlot atomically trims stale window members, checks the current
	// cardinality against limit, and either admits (inserting a new member
	// scored at now) or rejects with the delay until the oldest member ages
	// out. Indivisible with respect to concurrent callers sharing key.
	ReserveSlot(ctx context.Context, key string, now int64, windowMs int64, limit int) (SlotReservation, error)
}
