package ncshot

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigRejected means the configuration push failed. It is fatal for the batch.
	ErrConfigRejected = errors.New("configuration rejected")
	// ErrSubmissionFailed is a per-image rejection; the batch may continue.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrSystemicFailure means the service is degraded; no further images may be sent.
	ErrSystemicFailure = errors.New("systemic failure")
	// ErrPlateUnavailable is returned when a plate sub-image cannot be fetched.
	ErrPlateUnavailable = errors.New("plate image unavailable")

	ErrImageSize     = errors.New("image size outside accepted envelope")
	ErrMissingToken  = errors.New("response carried no session token")
	ErrSessionOpen   = errors.New("a session token is still outstanding")
	ErrNotConfigured = errors.New("configuration has not been pushed")
	ErrUnhealthy     = errors.New("recognition service unhealthy")

	ErrResponseTooLarge = errors.New("response body exceeds limit")
)

// StatusError reports an unexpected HTTP status from the recognition service.
type StatusError struct {
	Kind       error
	StatusCode int
	Snippet    string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("%v: status %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s", e.Kind, e.StatusCode, e.Snippet)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

// NotFoundOrServerError reports whether err carries a 404 or 5xx status.
func NotFoundOrServerError(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == 404 || statusErr.StatusCode >= 500
}
