package ratelimit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/serroba/vision-gateway-go/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newBackend(limits ratelimit.Limits) (*ratelimit.MemoryBackend, *fakeClock) {
	clock := newFakeClock()

	return ratelimit.NewMemoryBackend(limits).WithClock(clock.Now), clock
}

func TestMemoryBackend_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("admits requests under both limits", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 3, PerDay: 10})

		for i := range 3 {
			res, err := b.Reserve(ctx, "client1")

			require.NoError(t, err)
			assert.False(t, res.Limited, "request %d should be admitted", i)
			assert.NotEmpty(t, res.ReservationID)
		}
	})

	t.Run("issues unique reservation ids", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		res1, _ := b.Reserve(ctx, "client1")
		res2, _ := b.Reserve(ctx, "client1")

		assert.NotEqual(t, res1.ReservationID, res2.ReservationID)
	})

	t.Run("limits by the minute window with a wait hint", func(t *testing.T) {
		b, clock := newBackend(ratelimit.Limits{PerMinute: 2, PerDay: 10})

		_, _ = b.Reserve(ctx, "client1")
		clock.Advance(10 * time.Second)
		_, _ = b.Reserve(ctx, "client1")

		res, err := b.Reserve(ctx, "client1")

		require.NoError(t, err)
		assert.True(t, res.Limited)
		assert.Equal(t, ratelimit.ReasonMinute, res.Reason)
		// Oldest entry is 10s old, so it expires in 50s.
		assert.Equal(t, 50, res.RetryAfter)
		assert.Empty(t, res.ReservationID)
	})

	t.Run("minute wait hint is at least one second", func(t *testing.T) {
		b, clock := newBackend(ratelimit.Limits{PerMinute: 1, PerDay: 10})

		_, _ = b.Reserve(ctx, "client1")
		clock.Advance(time.Minute - time.Millisecond)

		res, _ := b.Reserve(ctx, "client1")

		assert.True(t, res.Limited)
		assert.GreaterOrEqual(t, res.RetryAfter, 1)
	})

	t.Run("limits by the daily quota with no wait hint", func(t *testing.T) {
		b, clock := newBackend(ratelimit.Limits{PerMinute: 10, PerDay: 1})

		_, _ = b.Reserve(ctx, "client1")

		// Even after the minute window clears, the day is spent.
		clock.Advance(2 * time.Minute)

		res, err := b.Reserve(ctx, "client1")

		require.NoError(t, err)
		assert.True(t, res.Limited)
		assert.Equal(t, ratelimit.ReasonDaily, res.Reason)
		assert.Zero(t, res.RetryAfter)
		assert.Empty(t, res.ReservationID)
	})

	t.Run("window entries expire after sixty seconds", func(t *testing.T) {
		b, clock := newBackend(ratelimit.Limits{PerMinute: 1, PerDay: 10})

		_, _ = b.Reserve(ctx, "client1")
		clock.Advance(61 * time.Second)

		res, err := b.Reserve(ctx, "client1")

		require.NoError(t, err)
		assert.False(t, res.Limited, "entries older than the window must not count")
	})

	t.Run("tracks keys independently", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 1, PerDay: 10})

		_, _ = b.Reserve(ctx, "client1")

		res, err := b.Reserve(ctx, "client2")

		require.NoError(t, err)
		assert.False(t, res.Limited)
	})
}

func TestMemoryBackend_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("frees a minute slot and the daily count", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 1, PerDay: 2})

		first, err := b.Reserve(ctx, "client1")
		require.NoError(t, err)
		require.False(t, first.Limited)

		second, _ := b.Reserve(ctx, "client1")
		assert.True(t, second.Limited)
		assert.Equal(t, ratelimit.ReasonMinute, second.Reason)
		assert.GreaterOrEqual(t, second.RetryAfter, 1)

		require.NoError(t, b.Release(ctx, "client1", first.ReservationID))

		third, err := b.Reserve(ctx, "client1")
		require.NoError(t, err)
		assert.False(t, third.Limited, "released quota should be reusable immediately")

		count, _ := b.DailyCount(ctx, "client1")
		assert.Equal(t, 1, count)
	})

	t.Run("releasing twice only decrements once", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		res1, _ := b.Reserve(ctx, "client1")
		_, _ = b.Reserve(ctx, "client1")

		require.NoError(t, b.Release(ctx, "client1", res1.ReservationID))
		require.NoError(t, b.Release(ctx, "client1", res1.ReservationID))

		count, err := b.DailyCount(ctx, "client1")

		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("unknown reservation id is a no-op", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		require.NoError(t, b.Release(ctx, "client1", "never-issued"))

		count, err := b.DailyCount(ctx, "client1")

		require.NoError(t, err)
		assert.Equal(t, 0, count, "counter must never go negative")
	})

	t.Run("does not decrement a different day's counter", func(t *testing.T) {
		b, clock := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		res, _ := b.Reserve(ctx, "client1")

		clock.Advance(25 * time.Hour)

		require.NoError(t, b.Release(ctx, "client1", res.ReservationID))

		count, _ := b.DailyCount(ctx, "client1")
		assert.Equal(t, 0, count)
	})
}

func TestMemoryBackend_DailyCount(t *testing.T) {
	ctx := context.Background()

	t.Run("reads zero for an unseen key", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		count, err := b.DailyCount(ctx, "nobody")

		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("resets at the day boundary without any write", func(t *testing.T) {
		b, clock := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		_, _ = b.Reserve(ctx, "client1")
		_, _ = b.Reserve(ctx, "client1")

		count, _ := b.DailyCount(ctx, "client1")
		assert.Equal(t, 2, count)

		clock.Advance(24 * time.Hour)

		count, err := b.DailyCount(ctx, "client1")

		require.NoError(t, err)
		assert.Equal(t, 0, count, "stale day counter must read as zero")
	})
}

func TestMemoryBackend_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("daily limit holds under parallel callers", func(t *testing.T) {
		const (
			dailyLimit = 10
			callers    = 50
		)

		b := ratelimit.NewMemoryBackend(ratelimit.Limits{PerMinute: callers, PerDay: dailyLimit})

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)

		for range callers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				res, err := b.Reserve(ctx, "client1")
				if err == nil && !res.Limited {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, dailyLimit, admitted)

		count, err := b.DailyCount(ctx, "client1")

		require.NoError(t, err)
		assert.Equal(t, dailyLimit, count, "daily count must never exceed the limit")
	})

	t.Run("minute limit admits exactly one caller for the last slot", func(t *testing.T) {
		const callers = 20

		b := ratelimit.NewMemoryBackend(ratelimit.Limits{PerMinute: 1, PerDay: 100})

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)

		for range callers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				res, err := b.Reserve(ctx, "client1")
				if err == nil && !res.Limited {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, 1, admitted)
	})
}

func TestMemoryBackend_KeyEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("bounds the number of tracked keys", func(t *testing.T) {
		b, _ := newBackend(ratelimit.Limits{PerMinute: 5, PerDay: 10})

		// One more key than the capacity ceiling.
		for i := range 10001 {
			_, err := b.Reserve(ctx, fmt.Sprintf("client-%d", i))
			require.NoError(t, err)
		}

		// The oldest-inserted key was evicted, so its counter is gone.
		count, err := b.DailyCount(ctx, "client-0")

		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// The newest key is still tracked.
		count, err = b.DailyCount(ctx, "client-10000")

		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
