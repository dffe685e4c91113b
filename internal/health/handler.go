package health

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/vision-gateway-go/internal/ratelimit"
)

// Handler reports liveness and readiness.
type Handler struct {
	apiKeyConfigured bool
	redisConfigured  bool
	selector         *ratelimit.Selector
}

// NewHandler creates a new health handler.
func NewHandler(apiKeyConfigured, redisConfigured bool, selector *ratelimit.Selector) *Handler {
	return &Handler{
		apiKeyConfigured: apiKeyConfigured,
		redisConfigured:  redisConfigured,
		selector:         selector,
	}
}

// LivenessResponse is the response for the liveness endpoint.
type LivenessResponse struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Live reports that the process is up. No dependency checks.
func (h *Handler) Live(_ context.Context, _ *struct{}) (*LivenessResponse, error) {
	resp := &LivenessResponse{}
	resp.Body.Status = "ok"

	return resp, nil
}

// ReadinessResponse is the response for the readiness endpoint.
type ReadinessResponse struct {
	Status int
	Body   struct {
		Status string `json:"status"`
		Checks struct {
			APIKeyConfigured   bool   `json:"api_key_configured"`
			RateLimiterBackend string `json:"rate_limiter_backend"`
			RateLimiterOK      bool   `json:"rate_limiter_ok"`
		} `json:"checks"`
		Warnings []string `json:"warnings,omitempty"`
	}
}

// Ready reports whether the process can serve requests. A configured
// but unreachable Redis is not fatal since the limiter falls back to
// in-memory, but the degradation is reported so operators see it.
func (h *Handler) Ready(ctx context.Context, _ *struct{}) (*ReadinessResponse, error) {
	kind := h.selector.Kind(ctx)
	redisFallback := h.redisConfigured && kind == ratelimit.KindMemory

	resp := &ReadinessResponse{}
	resp.Body.Checks.APIKeyConfigured = h.apiKeyConfigured
	resp.Body.Checks.RateLimiterBackend = string(kind)
	resp.Body.Checks.RateLimiterOK = !redisFallback

	if redisFallback {
		resp.Body.Warnings = append(resp.Body.Warnings,
			"redis is configured but unreachable; rate limiting fell back to in-memory")
	}

	switch {
	case !h.apiKeyConfigured:
		resp.Status = http.StatusServiceUnavailable
		resp.Body.Status = "not_ready"
	case redisFallback:
		resp.Status = http.StatusOK
		resp.Body.Status = "degraded"
	default:
		resp.Status = http.StatusOK
		resp.Body.Status = "ok"
	}

	return resp, nil
}

// RegisterRoutes registers the health endpoints.
func RegisterRoutes(api huma.API, h *Handler) {
	huma.Get(api, "/healthz", h.Live)
	huma.Get(api, "/readyz", h.Ready)
}
