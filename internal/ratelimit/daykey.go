package ratelimit

import (
	"math"
	"time"
)

// Clock supplies the current time. Injectable for tests.
type Clock func() time.Time

// window is the span of the per-minute sliding window.
const window = time.Minute

// DayKey returns the UTC calendar day for t in YYYY-MM-DD form.
// Daily counters are keyed by it, so they reset implicitly at the
// day boundary without any sweep job.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SecondsUntilMidnight returns the whole seconds from t until the next
// UTC midnight, floored at 1. It sizes the TTL of daily counter keys.
func SecondsUntilMidnight(t time.Time) int {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	secs := int(midnight.Sub(t).Seconds())
	if secs < 1 {
		return 1
	}

	return secs
}

// waitSeconds computes how long a minute-limited caller should wait:
// the ceiling of the time until the oldest window entry expires,
// floored at 1. Both backends use this one formula so single- and
// multi-process deployments report identical hints.
func waitSeconds(oldest, now time.Time) int {
	secs := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}
