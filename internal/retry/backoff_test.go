package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(50))
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	p := Policy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, nil, func(ctx context.Context, attempt int) error {
		calls++
		return errBoom
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	p := Policy{Attempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(err error) bool { return !errors.Is(err, permanent) },
		func(ctx context.Context, attempt int) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, BaseDelay: time.Hour}
	err := Do(ctx, p, nil, func(ctx context.Context, attempt int) error {
		cancel()
		return errBoom
	})
	assert.ErrorIs(t, err, context.Canceled)
}
