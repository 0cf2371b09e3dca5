// Package presence maintains fleet-wide counts of connected subjects. Each
// role owns one sorted set in the coordination store, scored by last-seen
// epoch millis, so entries from instances that died without cleaning up age
// out of the liveness window on their own.
package presence

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/internal/store"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

const keyPrefix = "presence:"

var roles = []fanout.Role{fanout.RoleGuest, fanout.RoleMember, fanout.RoleAdmin}

// Tracker is the fleet-wide presence registry. It never mutates counts from
// local state directly; all accounting goes through the shared store.
type Tracker struct {
	store   store.Store
	timeout time.Duration
	logger  zerolog.Logger
	clock   func() time.Time
}

// NewTracker creates a presence tracker. timeout is the liveness window after
// which an unrefreshed entry no longer counts as connected.
func NewTracker(st store.Store, timeout time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:   st,
		timeout: timeout,
		logger:  logger.With().Str("component", "PresenceTracker").Logger(),
		clock:   time.Now,
	}
}

func roleKey(role fanout.Role) string { return keyPrefix + string(role) }

// Add upserts a presence entry for key under role, stamped now. The same call
// serves as the refresh path, so Touch is an alias.
func (t *Tracker) Add(ctx context.Context, key string, role fanout.Role) error {
	score := float64(t.clock().UnixMilli())
	if err := t.store.ZAdd(ctx, roleKey(role), score, key); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Str("role", string(role)).Msg("Failed to register presence.")
		return err
	}
	return nil
}

// Touch refreshes the last-seen timestamp of an existing entry, inserting it
// if it aged out in the meantime.
func (t *Tracker) Touch(ctx context.Context, key string, role fanout.Role) error {
	return t.Add(ctx, key, role)
}

// Remove deletes the presence entry on explicit disconnect.
func (t *Tracker) Remove(ctx context.Context, key string, role fanout.Role) error {
	if err := t.store.ZRem(ctx, roleKey(role), key); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Str("role", string(role)).Msg("Failed to remove presence.")
		return err
	}
	return nil
}

// PruneStale removes entries across all roles whose last-seen timestamp fell
// outside the liveness window. It must run before any count is read so that
// instances that died without removing their entries do not inflate counts.
func (t *Tracker) PruneStale(ctx context.Context) error {
	cutoff := float64(t.clock().Add(-t.timeout).UnixMilli())
	var firstErr error
	for _, role := range roles {
		removed, err := t.store.ZRemRangeByScore(ctx, roleKey(role), math.Inf(-1), cutoff)
		if err != nil {
			t.logger.Warn().Err(err).Str("role", string(role)).Msg("Failed to prune stale presence entries.")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if removed > 0 {
			t.logger.Debug().Int64("removed", removed).Str("role", string(role)).Msg("Pruned stale presence entries.")
		}
	}
	return firstErr
}

// Counts prunes, then returns the per-role cardinalities. Presence is
// best-effort: any store failure yields all-zero counts instead of an error.
func (t *Tracker) Counts(ctx context.Context) fanout.PresenceCounts {
	if err := t.PruneStale(ctx); err != nil {
		return fanout.PresenceCounts{}
	}

	var counts fanout.PresenceCounts
	for _, role := range roles {
		n, err := t.store.ZCard(ctx, roleKey(role))
		if err != nil {
			t.logger.Warn().Err(err).Str("role", string(role)).Msg("Failed to count presence, reporting zeros.")
			return fanout.PresenceCounts{}
		}
		switch role {
		case fanout.RoleGuest:
			counts.Guests = n
		case fanout.RoleMember:
			counts.Members = n
		case fanout.RoleAdmin:
			counts.Admins = n
		}
	}
	return counts
}
