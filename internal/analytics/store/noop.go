package store

import (
	"context"

	"github.com/serroba/vision-gateway-go/internal/analytics"
	"go.uber.org/zap"
)

// Noop is a no-op implementation of analytics.Store that logs events.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a new no-op analytics store.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) SaveRequestAnalyzed(_ context.Context, event *analytics.RequestAnalyzedEvent) error {
	n.logger.Info("request analyzed event received",
		zap.String("requestId", event.RequestID),
		zap.String("mode", event.Mode),
		zap.Int("items", event.Items),
		zap.Int64("durationMs", event.DurationMS),
	)

	return nil
}

func (n *Noop) SaveRateLimited(_ context.Context, event *analytics.RateLimitedEvent) error {
	n.logger.Info("rate limited event received",
		zap.String("requestId", event.RequestID),
		zap.String("limitType", event.LimitType),
		zap.Int("retryAfter", event.RetryAfter),
	)

	return nil
}

// Compile-time check.
var _ analytics.Store = (*Noop)(nil)
