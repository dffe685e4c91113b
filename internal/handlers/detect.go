package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/vision-gateway-go/internal/analytics"
	"github.com/serroba/vision-gateway-go/internal/messaging"
	"github.com/serroba/vision-gateway-go/internal/ratelimit"
	"github.com/serroba/vision-gateway-go/internal/upstream"
	"go.uber.org/zap"
)

// Detector is the upstream analysis call the handler depends on.
type Detector interface {
	Detect(ctx context.Context, imageB64 string, mode upstream.Mode, contextHint string) (*upstream.Detection, error)
}

// DetectHandler handles image analysis requests. It owns the
// reservation contract: every successful Reserve is either kept (on
// upstream success) or Released exactly once (on any downstream
// failure).
type DetectHandler struct {
	backend            ratelimit.Backend
	detector           Detector
	publishAnalyzed    messaging.Publish[analytics.RequestAnalyzedEvent]
	publishRateLimited messaging.Publish[analytics.RateLimitedEvent]
	logger             *zap.Logger
}

// NewDetectHandler creates a new detect handler.
func NewDetectHandler(
	backend ratelimit.Backend,
	detector Detector,
	publishAnalyzed messaging.Publish[analytics.RequestAnalyzedEvent],
	publishRateLimited messaging.Publish[analytics.RateLimitedEvent],
	logger *zap.Logger,
) *DetectHandler {
	return &DetectHandler{
		backend:            backend,
		detector:           detector,
		publishAnalyzed:    publishAnalyzed,
		publishRateLimited: publishRateLimited,
		logger:             logger,
	}
}

// Retry-After hints for limited responses. The daily quota only
// resets at midnight, so that hint is a coarse placeholder rather
// than a recovery time.
const (
	dailyRetryAfterHint    = 60
	upstreamRetryAfterHint = 30
)

func (h *DetectHandler) Detect(ctx context.Context, req *DetectRequest) (*DetectResponse, error) {
	mode, err := upstream.ParseMode(req.Body.Mode)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	if req.Body.Image == "" {
		return nil, huma.Error400BadRequest("image is required")
	}

	meta := RequestMetaFromContext(ctx)

	res, err := h.backend.Reserve(ctx, meta.RateKey)
	if err != nil {
		h.logger.Error("rate limit check failed",
			zap.String("requestId", meta.RequestID),
			zap.Error(err),
		)

		return nil, huma.Error500InternalServerError("rate limit check failed")
	}

	if res.Limited {
		return h.limitedResponse(meta, res), nil
	}

	start := time.Now()

	detection, err := h.detector.Detect(ctx, req.Body.Image, mode, req.Body.ContextHint)
	if err != nil {
		return h.failedResponse(ctx, meta, res.ReservationID, mode, err), nil
	}

	h.logger.Info("api_success",
		zap.String("requestId", meta.RequestID),
		zap.String("ip", meta.ClientIP),
		zap.String("mode", string(mode)),
		zap.Int("items", len(detection.Items)),
	)

	event := &analytics.RequestAnalyzedEvent{
		RequestID:  meta.RequestID,
		Mode:       string(mode),
		Items:      len(detection.Items),
		DurationMS: time.Since(start).Milliseconds(),
		ClientIP:   meta.ClientIP,
		UserAgent:  meta.UserAgent,
		AnalyzedAt: time.Now(),
	}
	if err := h.publishAnalyzed(event); err != nil {
		h.logger.Error("failed to publish analyzed event",
			zap.String("requestId", meta.RequestID),
			zap.Error(err),
		)
	}

	resp := &DetectResponse{Status: http.StatusOK}
	resp.Body = DetectBody{
		OK:        true,
		Data:      detection.Items,
		RequestID: meta.RequestID,
	}

	if resp.Body.Data == nil {
		resp.Body.Data = []json.RawMessage{}
	}

	return resp, nil
}

// limitedResponse translates a local quota rejection into a 429.
// Minute exhaustion carries the computed wait; daily exhaustion has no
// meaningful short wait, so clients should retry tomorrow.
func (h *DetectHandler) limitedResponse(meta RequestMeta, res ratelimit.Result) *DetectResponse {
	retryAfter := res.RetryAfter
	message := "Too many requests, slow down"

	if res.Reason == ratelimit.ReasonDaily {
		retryAfter = dailyRetryAfterHint
		message = "Daily request quota reached, try again tomorrow"
	}

	h.logger.Info("rate_limited",
		zap.String("requestId", meta.RequestID),
		zap.String("ip", meta.ClientIP),
		zap.String("limitType", string(res.Reason)),
		zap.Int("retryAfter", retryAfter),
	)

	event := &analytics.RateLimitedEvent{
		RequestID:  meta.RequestID,
		LimitType:  string(res.Reason),
		RetryAfter: retryAfter,
		ClientIP:   meta.ClientIP,
		LimitedAt:  time.Now(),
	}
	if err := h.publishRateLimited(event); err != nil {
		h.logger.Error("failed to publish rate limited event",
			zap.String("requestId", meta.RequestID),
			zap.Error(err),
		)
	}

	resp := &DetectResponse{Status: http.StatusTooManyRequests}
	resp.Headers.RetryAfter = strconv.Itoa(retryAfter)
	resp.Body = DetectBody{
		OK:         false,
		Data:       []json.RawMessage{},
		RequestID:  meta.RequestID,
		ErrorCode:  ErrCodeRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
		LimitType:  string(res.Reason),
	}

	return resp
}

// failedResponse refunds the reservation and maps the upstream error.
// The release runs on a cancel-free context: the refund must happen
// even when the client request was cancelled or timed out.
func (h *DetectHandler) failedResponse(
	ctx context.Context,
	meta RequestMeta,
	reservationID string,
	mode upstream.Mode,
	detectErr error,
) *DetectResponse {
	releaseCtx := context.WithoutCancel(ctx)
	if err := h.backend.Release(releaseCtx, meta.RateKey, reservationID); err != nil {
		h.logger.Error("failed to release reservation",
			zap.String("requestId", meta.RequestID),
			zap.Error(err),
		)
	}

	code := upstream.ErrorCode(detectErr)

	h.logger.Warn("api_failure",
		zap.String("requestId", meta.RequestID),
		zap.String("ip", meta.ClientIP),
		zap.String("mode", string(mode)),
		zap.String("errorCode", code),
		zap.Error(detectErr),
	)

	resp := &DetectResponse{}
	resp.Body = DetectBody{
		OK:        false,
		Data:      []json.RawMessage{},
		RequestID: meta.RequestID,
		ErrorCode: code,
	}

	if errors.Is(detectErr, upstream.ErrRateLimited) {
		resp.Status = http.StatusTooManyRequests
		resp.Headers.RetryAfter = strconv.Itoa(upstreamRetryAfterHint)
		resp.Body.RetryAfter = upstreamRetryAfterHint
		resp.Body.Message = "The analysis service is rate limited, try again shortly"

		return resp
	}

	resp.Status = http.StatusBadGateway
	resp.Body.Message = "The analysis service failed to process the request"

	return resp
}
