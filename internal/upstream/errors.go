package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors. ErrRateLimited is terminal: the retry budget was
// spent on 429 responses and the caller should release its local
// quota reservation, since the upstream's own admission control
// prevented success rather than anything the caller did.
var (
	ErrRateLimited   = errors.New("upstream: rate limited")
	ErrTimeout       = errors.New("upstream: request timed out")
	ErrConnection    = errors.New("upstream: connection failed")
	ErrSafetyBlocked = errors.New("upstream: content blocked by safety filters")
	ErrParse         = errors.New("upstream: response could not be parsed")
	ErrNoAPIKey      = errors.New("upstream: api key not configured")
)

// Error codes surfaced to API clients.
const (
	CodeTimeout       = "TIMEOUT"
	CodeConnection    = "CONNECTION_ERROR"
	CodeRateLimited   = "GEMINI_RATE_LIMITED"
	CodeSafetyBlocked = "SAFETY_BLOCKED"
	CodeParse         = "PARSE_ERROR"
	CodeRequest       = "REQUEST_ERROR"
)

// StatusError reports a non-success, non-429 upstream HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d", e.StatusCode)
}

// ErrorCode maps an upstream error to its client-facing code.
func ErrorCode(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("API_%d", statusErr.StatusCode)
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrSafetyBlocked):
		return CodeSafetyBlocked
	case errors.Is(err, ErrParse):
		return CodeParse
	default:
		return CodeRequest
	}
}
