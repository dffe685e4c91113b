package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/serroba/vision-gateway-go/internal/analytics"
	"github.com/serroba/vision-gateway-go/internal/handlers"
	"github.com/serroba/vision-gateway-go/internal/messaging"
	"github.com/serroba/vision-gateway-go/internal/ratelimit"
	"github.com/serroba/vision-gateway-go/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testImage = "aGVsbG8="

// noopPublish returns a publish function that always succeeds.
func noopPublish[T any]() messaging.Publish[T] {
	return func(_ *T) error { return nil }
}

// errorPublish returns a publish function that always fails.
func errorPublish[T any](err error) messaging.Publish[T] {
	return func(_ *T) error { return err }
}

// fakeBackend scripts reservation outcomes and records releases.
type fakeBackend struct {
	result     ratelimit.Result
	reserveErr error
	releaseErr error
	dailyCount int
	dailyErr   error

	reserves int
	releases []string
}

func (b *fakeBackend) Reserve(_ context.Context, _ string) (ratelimit.Result, error) {
	b.reserves++

	return b.result, b.reserveErr
}

func (b *fakeBackend) Release(_ context.Context, _, reservationID string) error {
	b.releases = append(b.releases, reservationID)

	return b.releaseErr
}

func (b *fakeBackend) DailyCount(_ context.Context, _ string) (int, error) {
	return b.dailyCount, b.dailyErr
}

// fakeDetector scripts the upstream call.
type fakeDetector struct {
	detection *upstream.Detection
	err       error
	calls     int
}

func (d *fakeDetector) Detect(_ context.Context, _ string, mode upstream.Mode, _ string) (*upstream.Detection, error) {
	d.calls++

	if d.err != nil {
		return nil, d.err
	}

	detection := d.detection
	if detection == nil {
		detection = &upstream.Detection{Mode: mode}
	}

	return detection, nil
}

func newDetectHandler(backend *fakeBackend, detector *fakeDetector) *handlers.DetectHandler {
	return handlers.NewDetectHandler(
		backend,
		detector,
		noopPublish[analytics.RequestAnalyzedEvent](),
		noopPublish[analytics.RateLimitedEvent](),
		zap.NewNop(),
	)
}

func newDetectRequest(mode string) *handlers.DetectRequest {
	req := &handlers.DetectRequest{}
	req.Body.Image = testImage
	req.Body.Mode = mode

	return req
}

func metaContext() context.Context {
	return handlers.ContextWithRequestMeta(context.Background(), handlers.RequestMeta{
		ClientIP:  "203.0.113.7",
		RateKey:   "203.0.113.7",
		RequestID: "req-1",
	})
}

func TestDetect(t *testing.T) {
	t.Run("successful analysis keeps the reservation", func(t *testing.T) {
		backend := &fakeBackend{result: ratelimit.Result{ReservationID: "res-1"}}
		detector := &fakeDetector{}
		handler := newDetectHandler(backend, detector)

		resp, err := handler.Detect(metaContext(), newDetectRequest("text"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.True(t, resp.Body.OK)
		assert.Equal(t, "req-1", resp.Body.RequestID)
		assert.NotNil(t, resp.Body.Data)
		assert.Equal(t, 1, backend.reserves)
		assert.Empty(t, backend.releases, "success must not refund the slot")
	})

	t.Run("minute limit returns 429 with computed wait", func(t *testing.T) {
		backend := &fakeBackend{result: ratelimit.Result{
			Limited:    true,
			Reason:     ratelimit.ReasonMinute,
			RetryAfter: 17,
		}}
		detector := &fakeDetector{}
		handler := newDetectHandler(backend, detector)

		resp, err := handler.Detect(metaContext(), newDetectRequest("object"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.Status)
		assert.Equal(t, "17", resp.Headers.RetryAfter)
		assert.False(t, resp.Body.OK)
		assert.Equal(t, handlers.ErrCodeRateLimited, resp.Body.ErrorCode)
		assert.Equal(t, 17, resp.Body.RetryAfter)
		assert.Equal(t, "minute", resp.Body.LimitType)
		assert.Zero(t, detector.calls, "limited requests must not reach upstream")
	})

	t.Run("daily limit returns 429 with coarse hint", func(t *testing.T) {
		backend := &fakeBackend{result: ratelimit.Result{
			Limited: true,
			Reason:  ratelimit.ReasonDaily,
		}}
		handler := newDetectHandler(backend, &fakeDetector{})

		resp, err := handler.Detect(metaContext(), newDetectRequest("label"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.Status)
		assert.Equal(t, "60", resp.Headers.RetryAfter)
		assert.Equal(t, "daily", resp.Body.LimitType)
	})

	t.Run("upstream failure refunds the reservation", func(t *testing.T) {
		backend := &fakeBackend{result: ratelimit.Result{ReservationID: "res-9"}}
		detector := &fakeDetector{err: upstream.ErrTimeout}
		handler := newDetectHandler(backend, detector)

		resp, err := handler.Detect(metaContext(), newDetectRequest("text"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.Status)
		assert.False(t, resp.Body.OK)
		assert.Equal(t, upstream.CodeTimeout, resp.Body.ErrorCode)
		assert.Equal(t, []string{"res-9"}, backend.releases)
	})

	t.Run("upstream rate limit maps to 429 and refunds", func(t *testing.T) {
		backend := &fakeBackend{result: ratelimit.Result{ReservationID: "res-2"}}
		detector := &fakeDetector{err: upstream.ErrRateLimited}
		handler := newDetectHandler(backend, detector)

		resp, err := handler.Detect(metaContext(), newDetectRequest("text"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.Status)
		assert.Equal(t, "30", resp.Headers.RetryAfter)
		assert.Equal(t, upstream.CodeRateLimited, resp.Body.ErrorCode)
		assert.Equal(t, []string{"res-2"}, backend.releases)
	})

	t.Run("release failure still returns the mapped error", func(t *testing.T) {
		backend := &fakeBackend{
			result:     ratelimit.Result{ReservationID: "res-3"},
			releaseErr: errors.New("redis down"),
		}
		detector := &fakeDetector{err: upstream.ErrConnection}
		handler := newDetectHandler(backend, detector)

		resp, err := handler.Detect(metaContext(), newDetectRequest("text"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.Status)
		assert.Equal(t, upstream.CodeConnection, resp.Body.ErrorCode)
	})

	t.Run("reserve error returns 500 without calling upstream", func(t *testing.T) {
		backend := &fakeBackend{reserveErr: errors.New("backend broke")}
		detector := &fakeDetector{}
		handler := newDetectHandler(backend, detector)

		resp, err := handler.Detect(metaContext(), newDetectRequest("text"))

		assert.Nil(t, resp)
		assert.Error(t, err)
		assert.Zero(t, detector.calls)
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		handler := newDetectHandler(&fakeBackend{}, &fakeDetector{})

		resp, err := handler.Detect(metaContext(), newDetectRequest("faces"))

		assert.Nil(t, resp)
		assert.Error(t, err)
	})

	t.Run("rejects missing image", func(t *testing.T) {
		backend := &fakeBackend{}
		handler := newDetectHandler(backend, &fakeDetector{})

		req := &handlers.DetectRequest{}
		req.Body.Mode = "text"

		resp, err := handler.Detect(metaContext(), req)

		assert.Nil(t, resp)
		assert.Error(t, err)
		assert.Zero(t, backend.reserves, "invalid requests must not consume quota")
	})

	t.Run("publish failure does not fail the request", func(t *testing.T) {
		backend := &fakeBackend{result: ratelimit.Result{ReservationID: "res-4"}}
		handler := handlers.NewDetectHandler(
			backend,
			&fakeDetector{},
			errorPublish[analytics.RequestAnalyzedEvent](errors.New("publish error")),
			errorPublish[analytics.RateLimitedEvent](errors.New("publish error")),
			zap.NewNop(),
		)

		resp, err := handler.Detect(metaContext(), newDetectRequest("text"))

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
	})
}
