package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to REDIS_TEST_ADDR (DB 1) or skips the test.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return Wrap(rdb)
}

func TestStreamBusGroupCursorAndPendingReplay(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	b := NewStreamBus(c, StreamBusConfig{Partitions: 1, Batch: 10, Block: 50 * time.Millisecond})
	topic := "test." + uuid.NewString()

	require.NoError(t, b.Publish(ctx, topic, "k", []byte("one")))
	require.NoError(t, b.Publish(ctx, topic, "k", []byte("two")))

	sub := domain.Subscription{Topic: topic, Group: "g", Consumer: "c1"}
	pending, err := b.Fetch(ctx, sub, true)
	require.NoError(t, err)
	assert.Empty(t, pending)

	recs, err := b.Fetch(ctx, sub, false)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "one", string(recs[0].Payload))
	assert.Equal(t, "k", recs[0].Key)
	require.NoError(t, b.Ack(ctx, sub, recs[0].ID))

	// A restarted consumer with the same name sees only the unacked record.
	pending, err = b.Fetch(ctx, sub, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "two", string(pending[0].Payload))

	// Nothing new for the group.
	recs, err = b.Fetch(ctx, sub, false)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLockManagerExclusive(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	release, err := lm.Acquire(ctx, "calibrate:kalshi:X", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "calibrate:kalshi:X", time.Second)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	release()
	release()

	again, err := lm.Acquire(ctx, "calibrate:kalshi:X", time.Second)
	require.NoError(t, err)
	again()
}

func TestRateLimiterWindow(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarketCacheRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	mc := NewMarketCache(c)

	_, err := mc.Get(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m := domain.Market{ID: 42, Platform: domain.PlatformKalshi, ExternalID: "FED-25", Title: "Fed cuts", MarketProbability: 0.4}
	require.NoError(t, mc.Set(ctx, m))
	got, err := mc.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, m.Title, got.Title)

	require.NoError(t, mc.Invalidate(ctx, 42))
	_, err = mc.Get(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusRelaysWhileSubscribed(t *testing.T) {
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := NewSignalBus(c)

	ch, err := sb.Subscribe(ctx, "ch:test")
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, "ch:test", []byte(`{"edge_id":"e1"}`)))

	select {
	case got := <-ch:
		assert.JSONEq(t, `{"edge_id":"e1"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message relayed")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
