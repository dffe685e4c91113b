package handlers

import "context"

type requestMetaKey struct{}

// RequestMeta holds per-request metadata populated by the middleware:
// the client identity for quota accounting and a request id for log
// correlation.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
	RateKey   string
	RequestID string
}

// ContextWithRequestMeta adds request metadata to context.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext extracts request metadata from context.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if v, ok := ctx.Value(requestMetaKey{}).(RequestMeta); ok {
		return v
	}

	return RequestMeta{}
}
