package efatura

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/bwb-tools/efatura-export/internal/domain"
)

// APIError represents a non-success response from the portal.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("efatura: API error %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// RetriesExhaustedError wraps the last failure after the retry budget
// for one request is spent.
type RetriesExhaustedError struct {
	Attempts int
	URL      string
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("efatura: %s failed after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// IsAuthError reports whether the error means the credential is invalid
// or expired. Such failures abort the run.
func IsAuthError(err error) bool {
	return errors.Is(err, domain.ErrAuthInvalid) || errors.Is(err, domain.ErrAuthExpired)
}

// IsNotFound checks if the error indicates a missing resource.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryableError reports whether a transport-level error is transient.
func retryableError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
