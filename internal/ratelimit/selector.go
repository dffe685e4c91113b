package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Kind names the active backend implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
)

const probeTimeout = 5 * time.Second

// Selector lazily picks the rate limit backend on first use: Redis
// when a URL is configured and reachable, otherwise in-memory. The
// choice is memoized for the process lifetime; connection failure
// means fail-open to the weaker in-memory limiter rather than
// rejecting traffic, and the fallback is logged, never hidden.
//
// Selector itself implements Backend by delegating to the selected
// implementation.
type Selector struct {
	mu       sync.Mutex
	redisURL string
	limits   Limits
	logger   *zap.Logger
	backend  Backend
	kind     Kind
}

// NewSelector creates a backend selector. An empty redisURL always
// selects the in-memory backend.
func NewSelector(redisURL string, limits Limits, logger *zap.Logger) *Selector {
	return &Selector{
		redisURL: redisURL,
		limits:   limits,
		logger:   logger,
	}
}

// Backend returns the active backend, selecting one on first call.
func (s *Selector) Backend(ctx context.Context) Backend {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectLocked(ctx)
}

// Kind reports which backend is active, selecting one if needed.
// Exposed for readiness reporting.
func (s *Selector) Kind(ctx context.Context) Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selectLocked(ctx)

	return s.kind
}

// Reset discards the memoized backend. Test hook only.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backend = nil
	s.kind = ""
}

func (s *Selector) selectLocked(ctx context.Context) Backend {
	if s.backend != nil {
		return s.backend
	}

	if s.redisURL != "" {
		if client, err := s.probeRedis(ctx); err != nil {
			s.logger.Warn("redis unreachable, falling back to in-memory rate limiting",
				zap.String("addr", maskRedisURL(s.redisURL)),
				zap.Error(err),
			)
		} else {
			s.backend = NewRedisBackend(client, s.limits)
			s.kind = KindRedis
			s.logger.Info("rate limiting via redis",
				zap.String("addr", maskRedisURL(s.redisURL)),
			)

			return s.backend
		}
	}

	s.backend = NewMemoryBackend(s.limits)
	s.kind = KindMemory
	s.logger.Info("rate limiting in-memory (single process only)")

	return s.backend
}

func (s *Selector) probeRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(s.redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, err
	}

	return client, nil
}

// maskRedisURL strips credentials from a Redis URL for logging.
func maskRedisURL(url string) string {
	if idx := strings.LastIndex(url, "@"); idx != -1 {
		return url[idx+1:]
	}

	return url
}

func (s *Selector) Reserve(ctx context.Context, key string) (Result, error) {
	return s.Backend(ctx).Reserve(ctx, key)
}

func (s *Selector) Release(ctx context.Context, key, reservationID string) error {
	return s.Backend(ctx).Release(ctx, key, reservationID)
}

func (s *Selector) DailyCount(ctx context.Context, key string) (int, error) {
	return s.Backend(ctx).DailyCount(ctx, key)
}

// Compile-time check.
var _ Backend = (*Selector)(nil)
