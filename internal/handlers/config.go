package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/vision-gateway-go/internal/ratelimit"
	"go.uber.org/zap"
)

// ConfigHandler exposes quota configuration and per-client usage.
type ConfigHandler struct {
	backend ratelimit.Backend
	limits  ratelimit.Limits
	logger  *zap.Logger
}

// NewConfigHandler creates a new config handler.
func NewConfigHandler(backend ratelimit.Backend, limits ratelimit.Limits, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		backend: backend,
		limits:  limits,
		logger:  logger,
	}
}

// Limits returns the configured quota values.
func (h *ConfigHandler) Limits(_ context.Context, _ *struct{}) (*LimitsResponse, error) {
	resp := &LimitsResponse{}
	resp.Body.DailyLimit = h.limits.PerDay

	return resp, nil
}

// Usage returns the caller's current daily usage from the backend.
func (h *ConfigHandler) Usage(ctx context.Context, _ *struct{}) (*UsageResponse, error) {
	meta := RequestMetaFromContext(ctx)

	count, err := h.backend.DailyCount(ctx, meta.RateKey)
	if err != nil {
		h.logger.Error("failed to read daily count",
			zap.String("requestId", meta.RequestID),
			zap.Error(err),
		)

		return nil, huma.Error500InternalServerError("failed to read usage")
	}

	resp := &UsageResponse{}
	resp.Body.DailyCount = count
	resp.Body.DailyLimit = h.limits.PerDay
	resp.Body.PerMinuteLimit = h.limits.PerMinute

	return resp, nil
}
