package ratelimit

import "context"

// Reason identifies which quota rejected a reservation.
type Reason string

const (
	// ReasonNone means the reservation was admitted.
	ReasonNone Reason = ""
	// ReasonMinute means the per-minute sliding window is full.
	ReasonMinute Reason = "minute"
	// ReasonDaily means the daily quota is exhausted.
	ReasonDaily Reason = "daily"
)

// Limits holds the per-client quota configuration.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Result is the outcome of a Reserve call.
//
// When Limited is false, ReservationID identifies the recorded
// reservation. When limited by the minute window, RetryAfter holds the
// whole seconds until the oldest window entry expires (always >= 1).
// Daily exhaustion carries no retry hint: the quota resets at midnight,
// not after a short wait.
type Result struct {
	Limited       bool
	Reason        Reason
	ReservationID string
	RetryAfter    int
}

// Backend records quota reservations for rate keys.
//
// Reserve checks both quotas and records a reservation atomically:
// there is no window between the limit check and the increment in
// which a concurrent caller for the same key could slip through.
//
// A successful Reserve obliges the caller to either keep the
// reservation (it then counts until its window expires naturally) or
// Release it exactly once. Release with an unknown or already-released
// id is a no-op.
type Backend interface {
	Reserve(ctx context.Context, key string) (Result, error)
	Release(ctx context.Context, key, reservationID string) error

	// DailyCount returns the current day's reservation count for key.
	// A stale day's counter reads as zero.
	DailyCount(ctx context.Context, key string) (int, error)
}
