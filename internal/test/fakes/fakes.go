// Package fakes provides in-memory test doubles for the service's
// dependencies: a coordination store with working sorted sets, key expiry,
// pub/sub fan-out, and the atomic sliding-window reservation, plus a fake
// transport connection. They are used by package tests and the cmd/local
// entrypoint.
package fakes

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tinywideclouds/go-fanout-service/internal/store"
)

// Store is an in-memory store.Store. All operations execute under one mutex,
// which also gives ReserveSlot the atomicity the contract demands.
type Store struct {
	mu      sync.Mutex
	zsets   map[string]map[string]float64
	kv      map[string]kvEntry
	seqs    map[string]int64
	subs    []*Subscription
	failErr error

	// PublishEcho controls whether locally published payloads are delivered
	// back to this store's own subscribers, mirroring a real broker's echo.
	PublishEcho bool

	published [][]byte
}

type kvEntry struct {
	value     string
	expiresAt time.Time
}

// NewStore returns an empty fake store with echo enabled.
func NewStore() *Store {
	return &Store{
		zsets:       make(map[string]map[string]float64),
		kv:          make(map[string]kvEntry),
		seqs:        make(map[string]int64),
		PublishEcho: true,
	}
}

// FailWith makes every subsequent operation return err; nil restores normal
// behaviour.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Published returns every payload passed to Publish, oldest first.
func (s *Store) Published() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.published))
	copy(out, s.published)
	return out
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.zsets[key] == nil {
		s.zsets[key] = make(map[string]float64)
	}
	s.zsets[key][member] = score
	return nil
}

func (s *Store) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	delete(s.zsets[key], member)
	return nil
}

func (s *Store) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return s.zRemRangeLocked(key, min, max), nil
}

func (s *Store) zRemRangeLocked(key string, min, max float64) int64 {
	var removed int64
	for member, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], member)
			removed++
		}
	}
	return removed
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	return sliceRange(s.sortedLocked(key, false), start, stop), nil
}

func (s *Store) ZRevRange(_ context.Context, key string, start, stop int64) ([]store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	return sliceRange(s.sortedLocked(key, true), start, stop), nil
}

func (s *Store) sortedLocked(key string, reverse bool) []store.Member {
	members := make([]store.Member, 0, len(s.zsets[key]))
	for member, score := range s.zsets[key] {
		members = append(members, store.Member{Value: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			if reverse {
				return members[i].Score > members[j].Score
			}
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})
	return members
}

func sliceRange(members []store.Member, start, stop int64) []store.Member {
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	return members[start : stop+1]
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return int64(len(s.zsets[key])), nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if entry, ok := s.kv[key]; ok {
		entry.expiresAt = time.Now().Add(ttl)
		s.kv[key] = entry
	}
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, key := range keys {
		delete(s.kv, key)
		delete(s.zsets, key)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	entry, ok := s.kv[key]
	if !ok {
		return "", store.ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.kv, key)
		return "", store.ErrNotFound
	}
	return entry.value, nil
}

func (s *Store) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = entry
	return nil
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	s.published = append(s.published, payload)
	var targets []*Subscription
	if s.PublishEcho {
		for _, sub := range s.subs {
			if sub.subscribed(channel) {
				targets = append(targets, sub)
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(channel, payload)
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channels ...string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	sub := newSubscription(channels)
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Deliver injects a payload as if another instance had published it.
func (s *Store) Deliver(channel string, payload []byte) {
	s.mu.Lock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.subscribed(channel) {
			sub.deliver(channel, payload)
		}
	}
}

// DropConnections simulates the broker connection closing: every
// subscription's Messages channel is closed and resubscribe attempts fail
// until RestoreConnections is called.
func (s *Store) DropConnections() {
	s.mu.Lock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.setResubErr(errors.New("connection refused"))
		sub.drop()
	}
}

// RestoreConnections lets dropped subscriptions resubscribe again.
func (s *Store) RestoreConnections() {
	s.mu.Lock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.setResubErr(nil)
	}
}

func (s *Store) ReserveSlot(_ context.Context, key string, now, windowMs int64, limit int) (store.SlotReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return store.SlotReservation{}, s.failErr
	}

	s.zRemRangeLocked(key, -1e18, float64(now-windowMs))
	current := len(s.zsets[key])
	if current >= limit {
		retry := windowMs
		if members := s.sortedLocked(key, false); len(members) > 0 {
			retry = int64(members[0].Score) + windowMs - now
			if retry < 0 {
				retry = 0
			}
		}
		return store.SlotReservation{Allowed: false, RetryAfterMs: retry, Current: current}, nil
	}

	s.seqs[key]++
	if s.zsets[key] == nil {
		s.zsets[key] = make(map[string]float64)
	}
	s.zsets[key][strconv.FormatInt(s.seqs[key], 10)] = float64(now)
	return store.SlotReservation{Allowed: true, Current: current + 1}, nil
}

// Subscription is the fake store's subscription handle.
type Subscription struct {
	channels map[string]bool
	errs     chan error

	mu       sync.Mutex
	msgs     chan store.ChannelMessage
	dropped  bool
	closed   bool
	resubErr error
}

func newSubscription(channels []string) *Subscription {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Subscription{
		channels: set,
		msgs:     make(chan store.ChannelMessage, 64),
		errs:     make(chan error, 1),
	}
}

func (s *Subscription) subscribed(channel string) bool { return s.channels[channel] }

func (s *Subscription) deliver(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped || s.closed {
		return
	}
	select {
	case s.msgs <- store.ChannelMessage{Channel: channel, Payload: payload}:
	default:
	}
}

func (s *Subscription) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped || s.closed {
		return
	}
	s.dropped = true
	close(s.msgs)
}

func (s *Subscription) Messages() <-chan store.ChannelMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs
}

func (s *Subscription) Err() <-chan error { return s.errs }

func (s *Subscription) setResubErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resubErr = err
}

func (s *Subscription) Resubscribe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscription closed")
	}
	if s.resubErr != nil {
		return s.resubErr
	}
	if s.dropped {
		s.dropped = false
		s.msgs = make(chan store.ChannelMessage, 64)
	}
	return nil
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.dropped {
		close(s.msgs)
	}
	return nil
}
