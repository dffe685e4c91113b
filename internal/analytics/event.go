package analytics

import "time"

// Topics for request outcome events.
const (
	TopicRequestAnalyzed = "request.analyzed"
	TopicRateLimited     = "request.ratelimited"
)

// RequestAnalyzedEvent is emitted when an analysis request completes
// successfully and its quota reservation is kept.
type RequestAnalyzedEvent struct {
	RequestID  string    `json:"requestId"`
	Mode       string    `json:"mode"`
	Items      int       `json:"items"`
	DurationMS int64     `json:"durationMs"`
	ClientIP   string    `json:"clientIp"`
	UserAgent  string    `json:"userAgent"`
	AnalyzedAt time.Time `json:"analyzedAt"`
}

// RateLimitedEvent is emitted when local admission control rejects a
// request. LimitType is "minute" or "daily".
type RateLimitedEvent struct {
	RequestID  string    `json:"requestId"`
	LimitType  string    `json:"limitType"`
	RetryAfter int       `json:"retryAfter"`
	ClientIP   string    `json:"clientIp"`
	LimitedAt  time.Time `json:"limitedAt"`
}
