// Package apperr defines the wire error-kind taxonomy shared by the session
// manager, persistence, and IPC layers.
//
// A handler that fails returns an *Error (or wraps one with fmt.Errorf's
// %w) so the IPC server can translate it into a response{type:"error"}
// without resorting to string matching on the message text.
package apperr

import "errors"

// Kind identifies the category of a failure as it appears on the wire.
type Kind string

const (
	KindTerminalNotFound   Kind = "terminal_not_found"
	KindClientNotFound     Kind = "client_not_found"
	KindInvalidRequest     Kind = "invalid_request"
	KindIOError            Kind = "io_error"
	KindConfigError        Kind = "config_error"
	KindSerializationError Kind = "serialization_error"
	KindWorktreeError      Kind = "worktree_error"
	KindTerminalError      Kind = "terminal_error"
)

// Error is an error carrying a wire Kind alongside its message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// TerminalNotFound builds a terminal_not_found error for the given id.
func TerminalNotFound(id string) *Error {
	return New(KindTerminalNotFound, "terminal not found: "+id)
}

// InvalidRequest builds an invalid_request error with the given reason.
func InvalidRequest(reason string) *Error {
	return New(KindInvalidRequest, reason)
}

// IO wraps an I/O failure as an io_error.
func IO(err error) *Error {
	return New(KindIOError, err.Error())
}

// KindOf extracts the wire Kind from err, defaulting to terminal_error for
// any error that didn't originate as an *apperr.Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTerminalError
}
