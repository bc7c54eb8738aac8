package common

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Taxonomy
// --------------------------------------------------------------------------

var (
	// ErrIO is the root of all transport level failures (closed link, malformed frame, protocol desync)
	ErrIO = errors.New("io failure")

	// ErrTimeout signals that a local wait budget was exceeded, the request may still be outstanding
	ErrTimeout = errors.New("timeout")

	// ErrInterrupted signals that a local wait was cancelled by its caller
	ErrInterrupted = errors.New("interrupted")

	// ErrLinkClosed is returned when an operation is issued on a link that was already closed
	ErrLinkClosed = fmt.Errorf("%w: link already closed", ErrIO)

	// ErrConnectionClosed is delivered to all pending requests when the link was closed intentionally
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrIO)

	// ErrServerCrashed is delivered to all pending requests when the link failed unexpectedly
	ErrServerCrashed = fmt.Errorf("%w: server crashed", ErrIO)

	// ErrSessionRejected is returned by a handshake the server answered negatively
	ErrSessionRejected = fmt.Errorf("%w: session rejected", ErrIO)

	// ErrCloseTimeout is returned by Close when the receiver did not terminate in time
	ErrCloseTimeout = fmt.Errorf("%w: close timeout", ErrTimeout)
)

// ServerError is a structured error reported by the remote peer inside a well-formed response
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (code %d): %s", e.Code, e.Message)
}

// NewServerError creates a new ServerError
func NewServerError(code uint32, message string) *ServerError {
	return &ServerError{Code: code, Message: message}
}

// IsServerError reports whether err carries a ServerError
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ContextError maps the state of a finished context to the error taxonomy.
// A deadline maps to ErrTimeout, a cancellation to ErrInterrupted.
func ContextError(ctx context.Context, what string) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s", ErrInterrupted, what)
	default:
		return nil
	}
}
