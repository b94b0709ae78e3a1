// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These codes cover transport-level failures only (routing, malformed input,
// unknown resources). Solve-level failures travel inside the SolveResponse
// envelope with their own upper-case code taxonomy (PROFILE_BUSY,
// UPSTREAM_ERROR, ...) defined by the engine package.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
)
