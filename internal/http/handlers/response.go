// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all endpoints,
// including structured error envelopes and consistent JSON serialization. The
// goal is to guarantee uniform responses for both success and failure cases,
// making the API predictable and machine-friendly.
//
// Conventions:
//   - Transport-level error responses return an ErrorResponse with a stable
//     `code`. Solve outcomes are the exception: POST /v1/solve always answers
//     with the full SolveResponse envelope produced by the engine, even on
//     failure, so clients get job/attempt metadata alongside the error.
//   - `fail()` centralizes error logging and formatting, ensuring 5xx responses
//     are logged with request context for observability.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "unknown container_id"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/browserfarm/orchestrator/internal/http/middleware"
)

// ErrorResponse is the standard transport error envelope.
//
// RequestID echoes the X-Request-ID header so clients can correlate server
// logs with their errors. Code is a stable, machine-readable string (see
// errors.go constants). Message is a human-readable description.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	// Log 5xx (server-side) with request-scoped logger
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail().
//
// External packages (e.g., router setup) should call Fail to return
// consistent error envelopes without directly depending on unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// requestID returns the correlation id assigned by the RequestID middleware.
func requestID(c *gin.Context) string {
	return c.Writer.Header().Get("X-Request-ID")
}
