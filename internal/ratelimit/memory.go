package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxTrackedKeys bounds how many distinct rate keys each table holds.
// Once reached, the oldest-inserted key is dropped so memory stays
// bounded under an unbounded set of clients.
const maxTrackedKeys = 10000

type windowEntry struct {
	at time.Time
	id string
}

type windowRecord struct {
	entries []windowEntry
	elem    *list.Element
}

type dailyRecord struct {
	day   string
	count int
	elem  *list.Element
}

// MemoryBackend is the single-process Backend implementation. One
// mutex guards the check-and-mutate critical section; it is never held
// across I/O. Expired window entries and stale day counters are
// ignored on read and compacted on every mutating access.
type MemoryBackend struct {
	mu     sync.Mutex
	limits Limits
	now    Clock
	newID  func() string

	windows     map[string]*windowRecord
	windowOrder *list.List // insertion order of window keys, for eviction

	daily      map[string]*dailyRecord
	dailyOrder *list.List
}

// NewMemoryBackend creates an in-memory backend with the given limits.
func NewMemoryBackend(limits Limits) *MemoryBackend {
	return &MemoryBackend{
		limits:      limits,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		windows:     make(map[string]*windowRecord),
		windowOrder: list.New(),
		daily:       make(map[string]*dailyRecord),
		dailyOrder:  list.New(),
	}
}

// WithClock overrides the time source. Test hook.
func (b *MemoryBackend) WithClock(now Clock) *MemoryBackend {
	b.now = now

	return b
}

func (b *MemoryBackend) Reserve(_ context.Context, key string) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	today := DayKey(now)

	day := b.daily[key]
	count := 0

	if day != nil && day.day == today {
		count = day.count
	}

	if count >= b.limits.PerDay {
		return Result{Limited: true, Reason: ReasonDaily}, nil
	}

	recent := b.pruneWindow(key, now)
	if len(recent) >= b.limits.PerMinute {
		// Entries are appended in order, so the oldest survivor is first.
		return Result{
			Limited:    true,
			Reason:     ReasonMinute,
			RetryAfter: waitSeconds(recent[0].at, now),
		}, nil
	}

	id := b.newID()
	b.storeWindow(key, append(recent, windowEntry{at: now, id: id}))
	b.storeDaily(key, today, count+1)

	return Result{ReservationID: id}, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, reservationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	rec := b.windows[key]

	if rec == nil {
		return nil
	}

	cutoff := now.Add(-window)
	kept := make([]windowEntry, 0, len(rec.entries))
	removed := false

	for _, e := range rec.entries {
		if !removed && e.id == reservationID {
			removed = true

			continue
		}

		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	b.storeWindow(key, kept)

	if !removed {
		return nil
	}

	today := DayKey(now)
	if day := b.daily[key]; day != nil && day.day == today && day.count > 0 {
		day.count--
	}

	return nil
}

func (b *MemoryBackend) DailyCount(_ context.Context, key string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := b.daily[key]
	if day == nil || day.day != DayKey(b.now()) {
		return 0, nil
	}

	return day.count, nil
}

// pruneWindow returns the entries for key still inside the window.
func (b *MemoryBackend) pruneWindow(key string, now time.Time) []windowEntry {
	rec := b.windows[key]
	if rec == nil {
		return nil
	}

	cutoff := now.Add(-window)
	recent := make([]windowEntry, 0, len(rec.entries))

	for _, e := range rec.entries {
		if e.at.After(cutoff) {
			recent = append(recent, e)
		}
	}

	return recent
}

func (b *MemoryBackend) storeWindow(key string, entries []windowEntry) {
	rec := b.windows[key]

	if len(entries) == 0 {
		if rec != nil {
			b.windowOrder.Remove(rec.elem)
			delete(b.windows, key)
		}

		return
	}

	if rec == nil {
		if len(b.windows) >= maxTrackedKeys {
			b.evictOldestWindow()
		}

		rec = &windowRecord{elem: b.windowOrder.PushBack(key)}
		b.windows[key] = rec
	}

	rec.entries = entries
}

func (b *MemoryBackend) storeDaily(key, today string, count int) {
	rec := b.daily[key]

	if rec == nil {
		if len(b.daily) >= maxTrackedKeys {
			b.evictOldestDaily()
		}

		rec = &dailyRecord{elem: b.dailyOrder.PushBack(key)}
		b.daily[key] = rec
	}

	rec.day = today
	rec.count = count
}

func (b *MemoryBackend) evictOldestWindow() {
	front := b.windowOrder.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)

	b.windowOrder.Remove(front)
	delete(b.windows, key)
}

func (b *MemoryBackend) evictOldestDaily() {
	front := b.dailyOrder.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)

	b.dailyOrder.Remove(front)
	delete(b.daily, key)
}

// Compile-time check.
var _ Backend = (*MemoryBackend)(nil)
