package remote

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from a worker's control API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker API error (status %d): %s", e.Status, e.Body)
}

// TransportError is a failure to reach the worker at all (DNS, connect, TLS, read).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker transport error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying against the same worker:
// transport failures and 5xx responses are, application rejections are not.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	return false
}
