package analytics

import "context"

// Store persists request outcome events.
type Store interface {
	SaveRequestAnalyzed(ctx context.Context, event *RequestAnalyzedEvent) error
	SaveRateLimited(ctx context.Context, event *RateLimitedEvent) error
}
