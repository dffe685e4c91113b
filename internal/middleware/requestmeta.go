package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/vision-gateway-go/internal/handlers"
)

// KeyMode selects how the rate key is derived from a request.
type KeyMode string

const (
	// KeyModeIP keys quotas by client IP alone.
	KeyModeIP KeyMode = "ip"
	// KeyModeIPUA keys quotas by IP plus a short User-Agent digest, so
	// distinct clients behind one NAT get separate quotas.
	KeyModeIPUA KeyMode = "ip_ua"
)

// uaFragmentLen bounds how much of the User-Agent feeds the digest.
const uaFragmentLen = 64

// RequestIDGenerator produces opaque per-request ids.
type RequestIDGenerator func() string

// RequestMeta returns a middleware that derives the client IP, the
// rate key and a request id, and stores them in the request context.
func RequestMeta(_ huma.API, keyMode KeyMode, newRequestID RequestIDGenerator) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		ip := clientIP(ctx)
		ua := ctx.Header("User-Agent")

		meta := handlers.RequestMeta{
			ClientIP:  ip,
			UserAgent: ua,
			RateKey:   rateKey(keyMode, ip, ua),
			RequestID: newRequestID(),
		}

		newCtx := handlers.ContextWithRequestMeta(ctx.Context(), meta)
		ctx = huma.WithContext(ctx, newCtx)

		next(ctx)
	}
}

// rateKey builds the quota key for a client.
func rateKey(mode KeyMode, ip, ua string) string {
	if mode != KeyModeIPUA {
		return ip
	}

	fragment := ua
	if len(fragment) > uaFragmentLen {
		fragment = fragment[:uaFragmentLen]
	}

	digest := sha256.Sum256([]byte(fragment))

	return ip + ":" + hex.EncodeToString(digest[:])[:8]
}

// clientIP extracts the client IP from the request, considering proxies.
func clientIP(ctx huma.Context) string {
	// Check X-Forwarded-For header (may contain multiple IPs)
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := ctx.Header("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to the remote host
	host := ctx.Host()

	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}

	return ip
}
