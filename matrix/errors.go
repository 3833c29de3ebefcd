// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"errors"
	"fmt"
	"time"
)

// APIError represents a structured error response from the Matrix
// homeserver. Callers can use errors.As to extract the structured
// information:
//
//	var apiErr *matrix.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == matrix.ErrCodeNotFound { ... }
//	}
type APIError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	// Empty when the server returned a non-JSON error body.
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
	// RetryAfter is the server-requested back-off window for 429
	// responses (from retry_after_ms in the body or the Retry-After
	// header). Zero when the server did not specify one.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("matrix: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Is reports ErrReauthRequired for token-rejection error codes, so
// callers can write errors.Is(err, matrix.ErrReauthRequired) without
// inspecting codes themselves.
func (e *APIError) Is(target error) bool {
	if target == ErrReauthRequired {
		return e.Code == ErrCodeUnknownToken || e.Code == ErrCodeMissingToken
	}
	return false
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeUserInUse     = "M_USER_IN_USE"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeMissingParam  = "M_MISSING_PARAM"
	ErrCodeRoomInUse     = "M_ROOM_IN_USE"
)

// ErrReauthRequired indicates the homeserver rejected the access token
// (M_UNKNOWN_TOKEN or M_MISSING_TOKEN). Retrying cannot help; the
// caller must obtain fresh credentials before any further requests.
var ErrReauthRequired = errors.New("matrix: access token rejected, re-authentication required")

// IsAPIError checks whether err is a *APIError with the given error code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// TransportError indicates that a request failed after exhausting the
// configured retry budget. The last underlying failure is available
// through Unwrap.
type TransportError struct {
	// Attempts is the number of attempts made before giving up.
	Attempts int
	// Err is the error from the final attempt.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("matrix: request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError indicates the homeserver rate-limited every attempt
// of a request. Distinct from TransportError so callers can slow down
// rather than treat the server as unreachable.
type RateLimitError struct {
	// Attempts is the number of attempts made, all answered with 429.
	Attempts int
	// RetryAfter is the back-off window from the final 429 response.
	RetryAfter time.Duration
	// Err is the *APIError from the final attempt.
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("matrix: rate limited after %d attempts (retry after %s): %v",
		e.Attempts, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// DecodeError indicates a sync response envelope could not be parsed
// at all. Individual events with unknown or malformed content never
// produce a DecodeError; they degrade to UnknownContent or
// MalformedContent on the affected event alone.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("matrix: decoding response envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
