package chatsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// APIError is a structured error body returned by the REST backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// GatewayError wraps a failed REST call with the original request context so
// callers can attribute the failure to a specific user action and offer a
// retry. Transport-level push failures never take this form — they are
// absorbed by the reconnect loop.
type GatewayError struct {
	Op     string // e.g. "send", "history", "mark-read"
	PeerID string // peer the call concerned, if any
	Status int    // HTTP status, 0 on network failure
	API    *APIError
	Err    error
}

func (e *GatewayError) Error() string {
	switch {
	case e.API != nil:
		return fmt.Sprintf("gateway %s: %s", e.Op, e.API.Error())
	case e.Status != 0:
		return fmt.Sprintf("gateway %s: HTTP %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Temporary reports whether the failure was a network-level one that may
// succeed on retry, as opposed to a definitive server rejection.
func (e *GatewayError) Temporary() bool {
	return e.Status == 0 || e.Status >= 500
}

// ErrLoggedOut is returned by session operations that require an active
// session.
var ErrLoggedOut = errors.New("chatsync: not logged in")
