package handlers

import "encoding/json"

// Error codes surfaced by the detect endpoint for locally rejected
// requests. Upstream failures carry codes from the upstream package.
const (
	ErrCodeRateLimited = "RATE_LIMITED"
)

// DetectRequest is the request body for image analysis.
type DetectRequest struct {
	Body struct {
		Image       string `doc:"Base64-encoded JPEG image"                          json:"image"`
		Mode        string `doc:"Detection mode"                                     enum:"text,object,label" json:"mode"`
		ContextHint string `doc:"Optional hint appended to the model prompt"         json:"context_hint,omitempty" required:"false"`
	}
}

// DetectResponse is the response for image analysis. Status varies:
// 200 on success, 429 when locally or upstream rate limited, 502 on
// upstream failure.
type DetectResponse struct {
	Status  int
	Headers struct {
		RetryAfter string `doc:"Seconds to wait before retrying" header:"Retry-After"`
	}
	Body DetectBody
}

// DetectBody is the uniform detect payload shape.
type DetectBody struct {
	OK         bool              `json:"ok"`
	Data       []json.RawMessage `json:"data"`
	RequestID  string            `json:"request_id"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Message    string            `json:"message,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
	LimitType  string            `json:"limit_type,omitempty"`
}

// LimitsResponse exposes the configured quota values.
type LimitsResponse struct {
	Body struct {
		DailyLimit int `doc:"Daily request quota per client" json:"daily_limit"`
	}
}

// UsageResponse reports the caller's server-side usage. Browser-local
// counters drift across devices and NAT; this is the authoritative
// count.
type UsageResponse struct {
	Body struct {
		DailyCount     int `doc:"Requests used today"              json:"daily_count"`
		DailyLimit     int `doc:"Daily request quota per client"   json:"daily_limit"`
		PerMinuteLimit int `doc:"Per-minute request quota"         json:"per_minute_limit"`
	}
}
