package ratelimit_test

import (
	"context"
	"testing"

	"github.com/serroba/vision-gateway-go/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSelector(t *testing.T) {
	ctx := context.Background()
	limits := ratelimit.Limits{PerMinute: 5, PerDay: 10}

	t.Run("selects memory when no redis url is configured", func(t *testing.T) {
		s := ratelimit.NewSelector("", limits, zap.NewNop())

		assert.Equal(t, ratelimit.KindMemory, s.Kind(ctx))
	})

	t.Run("falls back to memory when redis is unreachable", func(t *testing.T) {
		// Port 1 is never listening; the probe fails fast.
		s := ratelimit.NewSelector("redis://127.0.0.1:1", limits, zap.NewNop())

		assert.Equal(t, ratelimit.KindMemory, s.Kind(ctx))
	})

	t.Run("falls back to memory on a malformed url", func(t *testing.T) {
		s := ratelimit.NewSelector("not-a-url", limits, zap.NewNop())

		assert.Equal(t, ratelimit.KindMemory, s.Kind(ctx))
	})

	t.Run("memoizes the selection", func(t *testing.T) {
		s := ratelimit.NewSelector("", limits, zap.NewNop())

		first := s.Backend(ctx)
		second := s.Backend(ctx)

		assert.Same(t, first, second)
	})

	t.Run("reset discards the memoized backend", func(t *testing.T) {
		s := ratelimit.NewSelector("", limits, zap.NewNop())

		res, err := s.Reserve(ctx, "client1")
		require.NoError(t, err)
		require.False(t, res.Limited)

		count, _ := s.DailyCount(ctx, "client1")
		assert.Equal(t, 1, count)

		s.Reset()

		count, err = s.DailyCount(ctx, "client1")

		require.NoError(t, err)
		assert.Equal(t, 0, count, "reset should start from a fresh backend")
	})

	t.Run("delegates the backend contract", func(t *testing.T) {
		s := ratelimit.NewSelector("", ratelimit.Limits{PerMinute: 1, PerDay: 2}, zap.NewNop())

		first, err := s.Reserve(ctx, "client1")
		require.NoError(t, err)
		require.False(t, first.Limited)

		second, _ := s.Reserve(ctx, "client1")
		assert.True(t, second.Limited)

		require.NoError(t, s.Release(ctx, "client1", first.ReservationID))

		third, err := s.Reserve(ctx, "client1")
		require.NoError(t, err)
		assert.False(t, third.Limited)
	})
}
