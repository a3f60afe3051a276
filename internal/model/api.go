package model

import "time"

// Error codes returned by the HTTP API.
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeInvalid       = "invalid_request"
	ErrCodeCircuitBroken = "circuit_broken"
	ErrCodeInternal      = "internal_error"
	ErrCodeUnavailable   = "unavailable"
)

// ResponseMeta accompanies every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// DependencyHealth is one dependency's readiness probe result.
type DependencyHealth struct {
	Status  string `json:"status"` // ok or not_ready
	Detail  string `json:"detail,omitempty"`
	Breaker string `json:"breaker,omitempty"`
}

// ReadyResponse aggregates dependency probes; any non-ok dependency
// makes the whole response not_ready.
type ReadyResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	EpisodeQueue  int    `json:"episode_queue_depth"`
}
