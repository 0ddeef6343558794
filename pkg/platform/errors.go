package platform

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient covers failures that may clear by the next tick: network errors, 429, 5xx,
	// open breakers, undecodable bodies.
	ErrTransient = errors.New("transient platform error")
	// ErrFatal covers failures that need outside remediation, such as a revoked token or a
	// deleted account.
	ErrFatal = errors.New("fatal platform error")

	ErrBreakerOpen = errors.New("all endpoints have an open circuit breaker")
)

// FetchError is returned by every client call that fails.
type FetchError struct {
	Kind     error // ErrTransient or ErrFatal
	Status   int   // HTTP status, 0 when no response was received
	Endpoint string
	Err      error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Kind == ErrFatal {
		kind = "fatal"
	}
	if e.Status != 0 {
		return fmt.Sprintf("platform %s (status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("platform %s: %v", kind, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{e.Kind, e.Err} }

func transient(endpoint string, status int, err error) *FetchError {
	return &FetchError{Kind: ErrTransient, Status: status, Endpoint: endpoint, Err: err}
}

func fatal(endpoint string, status int, err error) *FetchError {
	return &FetchError{Kind: ErrFatal, Status: status, Endpoint: endpoint, Err: err}
}

// classifyStatus maps a non-2xx status to an error kind.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ErrTransient
	default:
		// 401, 403, 404, 410 and every other 4xx
		return ErrFatal
	}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
