package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionIsStable(t *testing.T) {
	for _, key := range []string{"kalshi:FED-25", "polymarket:0xabc", ""} {
		p := Partition(key, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(key, 8))
	}
	assert.Equal(t, 0, Partition("anything", 1))
}

func TestMemoryLogOrdersByKey(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(4, 100, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Publish(ctx, "t", "k1", []byte(fmt.Sprintf("a%d", i))))
		require.NoError(t, log.Publish(ctx, "t", "k2", []byte(fmt.Sprintf("b%d", i))))
	}

	var got []string
	for p := 0; p < log.Partitions(); p++ {
		sub := domain.Subscription{Topic: "t", Group: "g", Consumer: "c", Partition: p}
		recs, err := log.Fetch(ctx, sub, false)
		require.NoError(t, err)
		for _, r := range recs {
			if r.Key == "k1" {
				got = append(got, string(r.Payload))
			}
		}
	}
	assert.Equal(t, []string{"a0", "a1", "a2", "a3", "a4"}, got)
}

func TestMemoryLogPendingReplay(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(1, 2, 10*time.Millisecond)
	sub := domain.Subscription{Topic: "t", Group: "g", Consumer: "c"}

	for i := 0; i < 3; i++ {
		require.NoError(t, log.Publish(ctx, "t", "k", []byte{byte(i)}))
	}

	first, err := log.Fetch(ctx, sub, false)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NoError(t, log.Ack(ctx, sub, first[0].ID))

	// The unacked record is pending; new reads skip it.
	pending, err := log.Fetch(ctx, sub, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first[1].ID, pending[0].ID)

	next, err := log.Fetch(ctx, sub, false)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, []byte{2}, next[0].Payload)

	// A separate group starts from offset zero.
	other := sub
	other.Group = "g2"
	all, err := log.Fetch(ctx, other, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryLogFetchBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(1, 10, time.Second)
	sub := domain.Subscription{Topic: "t", Group: "g", Consumer: "c"}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = log.Publish(ctx, "t", "k", []byte("late"))
	}()

	recs, err := log.Fetch(ctx, sub, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "late", string(recs[0].Payload))
}

func TestMemorySignalFanOut(t *testing.T) {
	sig := NewMemorySignal()
	ctx, cancel := context.WithCancel(context.Background())

	a, err := sig.Subscribe(ctx, "ch:edges")
	require.NoError(t, err)
	b, err := sig.Subscribe(ctx, "ch:edges")
	require.NoError(t, err)

	require.NoError(t, sig.Publish(context.Background(), "ch:edges", []byte("x")))
	assert.Equal(t, []byte("x"), <-a)
	assert.Equal(t, []byte("x"), <-b)

	cancel()
	_, open := <-a
	assert.False(t, open)
}
