package live

import (
	"errors"
	"fmt"
)

// Sentinel errors for the live layer.
var (
	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("live: connection closed")

	// ErrConnSuspended is returned when writing to a suspended connection.
	ErrConnSuspended = errors.New("live: connection suspended")

	// ErrNotReady is returned for commands received before the handshake
	// completed.
	ErrNotReady = errors.New("live: connection not ready")

	// ErrServerClosed is returned by Run after a graceful shutdown.
	ErrServerClosed = errors.New("live: server closed")
)

// CommandError is a per-command rejection. It maps onto a wire error
// event for the offending connection; the connection itself stays open.
type CommandError struct {
	Code    string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("live: command rejected (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("live: command rejected (%s): %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is.
func (e *CommandError) Unwrap() error { return e.Err }
