// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"errors"
	"fmt"
)

// APIError represents an error response from the Bot API. Callers can
// use errors.As to extract the structured information:
//
//	var apiErr *telegram.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == http.StatusTooManyRequests { ... }
//	}
type APIError struct {
	// Code is the error_code field from the response envelope. It
	// mirrors HTTP status codes (400, 403, 429, 504, ...).
	Code int
	// Description is the human-readable description from the API.
	Description string
	// RetryAfter is the flood-control backoff hint in seconds, zero
	// when the API sent none.
	RetryAfter int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %d: %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %d: %s", e.Code, e.Description)
}

// Timeout reports whether the API rejected the request because an
// upstream hop timed out. A 504 on sendDocument means the API may
// still have received and published the file; the caller cannot treat
// it as a definite failure.
func (e *APIError) Timeout() bool {
	return e.Code == 504
}

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
