package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// reserveSlotScript is the atomic sliding-window admission check. It trims
// members older than the window, rejects with the oldest member's age-out
// delay when the window is full, and otherwise inserts a member scored at now
// using a per-key monotonic sequence as a collision-free identity.
var reserveSlotScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local current = redis.call('ZCARD', key)
if current >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
    if retry < 0 then retry = 0 end
  end
  return {0, retry, current}
end
local seqKey = key .. ':seq'
local seq = redis.call('INCR', seqKey)
redis.call('PEXPIRE', seqKey, window)
redis.call('ZADD', key, now, tostring(seq))
redis.call('PEXPIRE', key, window)
return {1, 0, current + 1}
`)

// RedisStore implements Store on go-redis. It holds two clients: one for
// commands and publishing, and a dedicated one for subscriptions, because a
// connection in subscribe mode cannot multiplex other commands.
type RedisStore struct {
	client    redis.UniversalClient
	subClient redis.UniversalClient
	logger    zerolog.Logger
}

// NewRedisStore wires a coordination store over the given clients. subClient
// may be nil when the caller never subscribes (islands mode).
func NewRedisStore(client, subClient redis.UniversalClient, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisStore{
		client:    client,
		subClient: subClient,
		logger:    logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the dedicated subscriber client.
func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if s.subClient == nil {
		return nil, fmt.Errorf("no subscriber client configured")
	}
	sub := &redisSubscription{
		client:   s.subClient,
		channels: channels,
		errs:     make(chan error, 1),
	}
	if err := sub.open(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// ReserveSlot runs the sliding-window script. A server that cannot execute
// scripts surfaces ErrScriptUnsupported so the caller does not silently fall
// through to a non-atomic decision.
func (s *RedisStore) ReserveSlot(ctx context.Context, key string, now, windowMs int64, limit int) (SlotReservation, error) {
	res, err := reserveSlotScript.Run(ctx, s.client, []string{key}, now, windowMs, limit).Result()
	if err != nil {
		if isScriptUnsupported(err) {
			return SlotReservation{}, ErrScriptUnsupported
		}
		return SlotReservation{}, fmt.Errorf("reserve slot: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return SlotReservation{}, fmt.Errorf("reserve slot: unexpected script reply %v", res)
	}
	return SlotReservation{
		Allowed:      asInt64(vals[0]) == 1,
		RetryAfterMs: asInt64(vals[1]),
		Current:      int(asInt64(vals[2])),
	}, nil
}

func isScriptUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command") && strings.Contains(msg, "eval")
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func toMembers(zs []redis.Z) []Member {
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		val, _ := z.Member.(string)
		members = append(members, Member{Value: val, Score: z.Score})
	}
	return members
}

func formatScore(f float64) string {
	switch {
	case f < -1e17:
		return "-inf"
	case f > 1e17:
		return "+inf"
	}
	return fmt.Sprintf("%f", f)
}

// redisSubscription adapts *redis.PubSub to the Subscription contract. Each
// open starts a pump goroutine that forwards until the underlying channel
// closes, at which point Messages is closed and the consumer may Resubscribe.
type redisSubscription struct {
	client   redis.UniversalClient
	channels []string
	errs     chan error

	mu   sync.Mutex
	ps   *redis.PubSub
	msgs chan ChannelMessage
}

func (s *redisSubscription) open(ctx context.Context) error {
	ps := s.client.Subscribe(ctx, s.channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %v: %w", s.channels, err)
	}

	msgs := make(chan ChannelMessage, 64)
	go func() {
		for msg := range ps.Channel() {
			msgs <- ChannelMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
		close(msgs)
	}()

	s.mu.Lock()
	s.ps = ps
	s.msgs = msgs
	s.mu.Unlock()
	return nil
}

func (s *redisSubscription) Messages() <-chan ChannelMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs
}

func (s *redisSubscription) Err() <-chan error { return s.errs }

func (s *redisSubscription) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	old := s.ps
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return s.open(ctx)
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ps == nil {
		return nil
	}
	err := s.ps.Close()
	s.ps = nil
	return err
}
