package gateway

import (
	"errors"
	"fmt"
)

// ErrMissingToken is returned before any request is attempted when the
// bearer credential is absent from configuration.
var ErrMissingToken = errors.New("remote API token is not configured")

// APIError is a non-success HTTP-level response from the remote store,
// carrying the status code and the remote-supplied message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote API error: status %d", e.Status)
	}
	return fmt.Sprintf("remote API error: status %d: %s", e.Status, e.Message)
}

// TransportError wraps network-unreachable and timeout failures. It is
// distinct from APIError so callers can decide between queueing a mutation
// and surfacing a rejection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
