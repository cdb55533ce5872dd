package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run failures. Every kind aborts the run.
type ErrorKind string

const (
	// KindInvalidQuery is a non-200 response from the reporting API.
	KindInvalidQuery ErrorKind = "invalid_query"

	// KindMalformedResponse is a response body lacking what pagination and
	// merging depend on.
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindTransport is a failure to send the request or read the response,
	// including context cancellation.
	KindTransport ErrorKind = "transport"
)

// Sentinels matched by errors.Is against an *APIError of the same kind.
var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrMalformedResponse = errors.New("malformed response")
	ErrTransport         = errors.New("transport failure")
)

// APIError is the error returned for a failed run.
type APIError struct {
	Kind ErrorKind

	// StatusCode is the HTTP status (0 when no response was received).
	StatusCode int

	// Reason is the upstream reason phrase, extended with the API's error
	// message when the response carried one.
	Reason string

	// URL is the request that failed, with the access token redacted.
	URL string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	switch {
	case e.Kind == KindInvalidQuery:
		return fmt.Sprintf("reporting API %s (status %d): %s", e.Kind, e.StatusCode, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("reporting API %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("reporting API %s", e.Kind)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrInvalidQuery:
		return e.Kind == KindInvalidQuery
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	case ErrTransport:
		return e.Kind == KindTransport
	default:
		return false
	}
}
