package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-fanout-service/internal/ratelimit"
	"github.com/tinywideclouds/go-fanout-service/internal/store"
	"github.com/tinywideclouds/go-fanout-service/internal/test/fakes"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

func newGate(t *testing.T, st store.Store, policy ratelimit.FailurePolicy) *ratelimit.Gate {
	t.Helper()
	gate, err := ratelimit.NewGate(st, map[string]fanout.Throttle{
		ratelimit.DefaultScope: {MaxUnits: 3, PerSeconds: 10},
		"room":                 {MaxUnits: 2, PerSeconds: 10},
	}, policy, zerolog.Nop())
	require.NoError(t, err)
	return gate
}

func TestGate_BurstWithinLimitAdmitted(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, fakes.NewStore(), ratelimit.FailClosed)

	for i := 1; i <= 3; i++ {
		decision, err := gate.Allow(ctx, "user-1", ratelimit.DefaultScope)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "call %d should be admitted", i)
		assert.Equal(t, i, decision.Current)
		assert.Zero(t, decision.RetryAfter)
	}
}

func TestGate_OverLimitRejectedWithRetryAfter(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, fakes.NewStore(), ratelimit.FailClosed)

	for i := 0; i < 3; i++ {
		decision, err := gate.Allow(ctx, "user-1", ratelimit.DefaultScope)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := gate.Allow(ctx, "user-1", ratelimit.DefaultScope)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.Equal(t, 3, decision.Current)
}

func TestGate_AdmittedAgainAfterWindowElapses(t *testing.T) {
	ctx := context.Background()
	st := fakes.NewStore()
	gate := newGate(t, st, ratelimit.FailClosed)

	// Fill the room scope window (limit 2), then expire it by seeding the
	// members in the past via a fresh burst against an aged key.
	decision, err := gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	decision, err = gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	decision, err = gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Age the window members past the 10s window.
	aged := float64(time.Now().Add(-11 * time.Second).UnixMilli())
	for _, m := range mustMembers(t, st, "throttle:room:user-1") {
		require.NoError(t, st.ZAdd(ctx, "throttle:room:user-1", aged, m.Value))
	}

	decision, err = gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Current)
}

func mustMembers(t *testing.T, st *fakes.Store, key string) []store.Member {
	t.Helper()
	members, err := st.ZRange(context.Background(), key, 0, -1)
	require.NoError(t, err)
	return members
}

func TestGate_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, fakes.NewStore(), ratelimit.FailClosed)

	for i := 0; i < 2; i++ {
		decision, err := gate.Allow(ctx, "user-1", "room")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
	decision, err := gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Same subject, different scope: separate window.
	decision, err = gate.Allow(ctx, "user-1", ratelimit.DefaultScope)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_UnknownScopeFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, fakes.NewStore(), ratelimit.FailClosed)

	assert.Equal(t, gate.Throttle(ratelimit.DefaultScope), gate.Throttle("no-such-scope"))

	decision, err := gate.Allow(ctx, "user-1", "no-such-scope")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_FailClosedRejectsOnStoreError(t *testing.T) {
	ctx := context.Background()
	st := fakes.NewStore()
	gate := newGate(t, st, ratelimit.FailClosed)

	st.FailWith(errors.New("store unavailable"))

	decision, err := gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 10*time.Second, decision.RetryAfter)
}

func TestGate_FailOpenAdmitsThroughLocalLimiter(t *testing.T) {
	ctx := context.Background()
	st := fakes.NewStore()
	gate := newGate(t, st, ratelimit.FailOpen)

	st.FailWith(errors.New("store unavailable"))

	// The local limiter for "room" has burst 2 at 0.2/s: the first two pass,
	// the third is rejected even though the policy is fail-open.
	for i := 0; i < 2; i++ {
		decision, err := gate.Allow(ctx, "user-1", "room")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "call %d", i)
	}
	decision, err := gate.Allow(ctx, "user-1", "room")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestGate_FailOpenLimitsSubjectsIndependently(t *testing.T) {
	ctx := context.Background()
	st := fakes.NewStore()
	gate := newGate(t, st, ratelimit.FailOpen)

	st.FailWith(errors.New("store unavailable"))

	// A noisy subject exhausting its burst must not starve another
	// subject in the same scope.
	for i := 0; i < 2; i++ {
		decision, err := gate.Allow(ctx, "noisy", "room")
		require.NoError(t, err)
		require.True(t, decision.Allowed, "call %d", i)
	}
	decision, err := gate.Allow(ctx, "noisy", "room")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	decision, err = gate.Allow(ctx, "quiet", "room")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_ScriptUnsupportedSurfacesHardError(t *testing.T) {
	ctx := context.Background()
	st := fakes.NewStore()
	gate := newGate(t, st, ratelimit.FailOpen)

	st.FailWith(store.ErrScriptUnsupported)

	_, err := gate.Allow(ctx, "user-1", "room")
	assert.ErrorIs(t, err, store.ErrScriptUnsupported)
}

func TestGate_UpdateScopesTakesEffect(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, fakes.NewStore(), ratelimit.FailClosed)

	gate.UpdateScopes(map[string]fanout.Throttle{
		ratelimit.DefaultScope: {MaxUnits: 1, PerSeconds: 10},
	})

	decision, err := gate.Allow(ctx, "user-9", ratelimit.DefaultScope)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = gate.Allow(ctx, "user-9", ratelimit.DefaultScope)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestGate_RequiresDefaultScope(t *testing.T) {
	_, err := ratelimit.NewGate(fakes.NewStore(), map[string]fanout.Throttle{
		"room": {MaxUnits: 1, PerSeconds: 1},
	}, ratelimit.FailClosed, zerolog.Nop())
	assert.Error(t, err)
}
