package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayKey(t *testing.T) {
	t.Run("formats the UTC date", func(t *testing.T) {
		at := time.Date(2025, 3, 9, 15, 4, 5, 0, time.UTC)

		assert.Equal(t, "2025-03-09", DayKey(at))
	})

	t.Run("converts local time to UTC before deriving the day", func(t *testing.T) {
		tokyo := time.FixedZone("JST", 9*3600)
		// 08:00 JST on March 10 is still March 9 in UTC.
		at := time.Date(2025, 3, 10, 8, 0, 0, 0, tokyo)

		assert.Equal(t, "2025-03-09", DayKey(at))
	})
}

func TestSecondsUntilMidnight(t *testing.T) {
	t.Run("counts down to the next UTC midnight", func(t *testing.T) {
		at := time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC)

		assert.Equal(t, 60, SecondsUntilMidnight(at))
	})

	t.Run("full day remains at midnight", func(t *testing.T) {
		at := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)

		assert.Equal(t, 86400, SecondsUntilMidnight(at))
	})

	t.Run("never returns less than one second", func(t *testing.T) {
		at := time.Date(2025, 3, 9, 23, 59, 59, 900_000_000, time.UTC)

		assert.Equal(t, 1, SecondsUntilMidnight(at))
	})
}

func TestWaitSeconds(t *testing.T) {
	now := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

	t.Run("rounds the remaining window up", func(t *testing.T) {
		oldest := now.Add(-45*time.Second - 500*time.Millisecond)

		// 14.5s remaining rounds up to 15.
		assert.Equal(t, 15, waitSeconds(oldest, now))
	})

	t.Run("floors at one second", func(t *testing.T) {
		oldest := now.Add(-window)

		assert.Equal(t, 1, waitSeconds(oldest, now))
	})
}
