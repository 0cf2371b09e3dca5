//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-test/emulators"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-fanout-service/internal/store"
)

func setupRedisStore(t *testing.T) (context.Context, *store.RedisStore) {
	t.Helper()
	testCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cfg := emulators.GetDefaultRedisImageContainer()
	connInfo := emulators.SetupRedisContainer(t, context.Background(), cfg)

	cmdClient := redis.NewClient(&redis.Options{Addr: connInfo.EmulatorAddress})
	subClient := redis.NewClient(&redis.Options{Addr: connInfo.EmulatorAddress})
	t.Cleanup(func() {
		_ = cmdClient.Close()
		_ = subClient.Close()
	})
	require.NoError(t, cmdClient.FlushDB(testCtx).Err())

	st, err := store.NewRedisStore(cmdClient, subClient, zerolog.Nop())
	require.NoError(t, err)
	return testCtx, st
}

func TestRedisStore_SortedSetRoundTrip(t *testing.T) {
	ctx, st := setupRedisStore(t)

	require.NoError(t, st.ZAdd(ctx, "presence:member", 100, "u1"))
	require.NoError(t, st.ZAdd(ctx, "presence:member", 200, "u2"))

	count, err := st.ZCard(ctx, "presence:member")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	members, err := st.ZRange(ctx, "presence:member", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].Value)

	removed, err := st.ZRemRangeByScore(ctx, "presence:member", 0, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestRedisStore_ReserveSlotExactness(t *testing.T) {
	ctx, st := setupRedisStore(t)

	const limit = 3
	windowMs := int64(60_000)
	now := time.Now().UnixMilli()

	for i := 0; i < limit; i++ {
		res, err := st.ReserveSlot(ctx, "throttle:default:u1", now+int64(i), windowMs, limit)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d within the limit must be admitted", i+1)
	}

	res, err := st.ReserveSlot(ctx, "throttle:default:u1", now+int64(limit), windowMs, limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfterMs)
	assert.Equal(t, limit, res.Current)

	// Once the window has slid past the oldest member, admission resumes.
	later := now + windowMs + 1
	res, err = st.ReserveSlot(ctx, "throttle:default:u1", later, windowMs, limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_PubSubDelivery(t *testing.T) {
	ctx, st := setupRedisStore(t)

	sub, err := st.Subscribe(ctx, "fanout:chat")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	// Redis pub/sub drops messages published before the subscription is
	// established; give it a beat.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, st.Publish(ctx, "fanout:chat", []byte(`{"eventType":"new_message"}`)))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "fanout:chat", msg.Channel)
		assert.JSONEq(t, `{"eventType":"new_message"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("published message never arrived")
	}
}

func TestRedisStore_KeyExpiry(t *testing.T) {
	ctx, st := setupRedisStore(t)

	require.NoError(t, st.SetWithTTL(ctx, "instance:a", `{"instanceId":"a"}`, 200*time.Millisecond))

	value, err := st.Get(ctx, "instance:a")
	require.NoError(t, err)
	assert.NotEmpty(t, value)

	assert.Eventually(t, func() bool {
		_, err := st.Get(ctx, "instance:a")
		return err != nil
	}, 2*time.Second, 50*time.Millisecond)
}
