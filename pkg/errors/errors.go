package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures of the archiving pipeline
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeGone        ErrorType = "gone"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeStorage     ErrorType = "storage"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error represents a classified fetch/store error
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// ErrNothingNew is the non-fatal early-exit signal raised when the diff
// engine finds no posts left to process for a round. It is distinguishable
// from genuine failure so callers do not log it as fatal.
var ErrNothingNew = errors.New("no new posts left to archive after filtering")

// IsGone reports whether err marks a file the server answered 404 for.
// Gone images are never retried again for the process lifetime.
func IsGone(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeGone
	}
	return false
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeServerError, ErrorTypeStorage:
		return true
	case ErrorTypeGone:
		return false
	default:
		return false
	}
}

// IsRetryableError reports whether err is worth another attempt.
// Permanent-gone errors never are; unknown errors default to retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return IsRetryable(e.Type)
	}

	return true
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	case 500, 502, 503, 504: // Server errors
		return true
	case 401, 403, 404: // Client errors that won't change
		return false
	default:
		return statusCode >= 500 // Retry all 5xx errors
	}
}
