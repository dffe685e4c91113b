package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serroba/vision-gateway-go/internal/analytics"
)

// Postgres persists request outcome events to PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL-backed analytics store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) SaveRequestAnalyzed(ctx context.Context, event *analytics.RequestAnalyzedEvent) error {
	query := `
		INSERT INTO request_analyzed_events
			(request_id, mode, items, duration_ms, client_ip, user_agent, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err := p.pool.Exec(ctx, query,
		event.RequestID,
		event.Mode,
		event.Items,
		event.DurationMS,
		event.ClientIP,
		event.UserAgent,
		event.AnalyzedAt,
	)

	return err
}

func (p *Postgres) SaveRateLimited(ctx context.Context, event *analytics.RateLimitedEvent) error {
	query := `
		INSERT INTO rate_limited_events
			(request_id, limit_type, retry_after, client_ip, limited_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err := p.pool.Exec(ctx, query,
		event.RequestID,
		event.LimitType,
		event.RetryAfter,
		event.ClientIP,
		event.LimitedAt,
	)

	return err
}

// Compile-time check.
var _ analytics.Store = (*Postgres)(nil)
