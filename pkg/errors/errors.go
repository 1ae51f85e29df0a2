// Package errors provides structured error types for the wrpc RPC core.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeConnection represents TCP/unix-domain connection errors.
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTimeout represents timeout errors.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeProtocol represents HTTP/1.1 framing errors (malformed request, bad chunk).
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeIO represents I/O errors.
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeValidation represents validation errors (bad argument, bad value).
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeAuth represents a failed secret check (wire: 403).
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeNotFound represents an unresolved handler name (wire: 404).
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeNeedInfo represents a handler that needs more configuration (wire: 423).
	ErrorTypeNeedInfo ErrorType = "need_info"
	// ErrorTypeRedirect represents a handler-requested redirect (wire: 302).
	ErrorTypeRedirect ErrorType = "redirect"
	// ErrorTypeServer represents an unhandled handler panic/error (wire: 500).
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeIncompleteStream represents a chunked stream that never saw its terminator.
	ErrorTypeIncompleteStream ErrorType = "incomplete_stream"
	// ErrorTypeTransport represents an FD-transport failure (e.g. FDs on a TCP connection).
	ErrorTypeTransport ErrorType = "transport"
)

// NeededVar describes one entry of a NeedInfo error's needed_vars list.
type NeededVar struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default string `json:"default,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Error represents a structured error with context information, classifying
// failures the way the wire protocol and the call client need them
// classified (see spec §7).
type Error struct {
	Type      ErrorType `json:"type"`
	Op        string    `json:"op"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Addr      string    `json:"addr,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// NeedInfo-specific.
	Resource   string      `json:"resource,omitempty"`
	NeededVars []NeededVar `json:"needed_vars,omitempty"`

	// Redirect-specific.
	Location string `json:"location,omitempty"`

	// Server-specific: only populated (and only sent to the client) when
	// the originating request was authed, per spec §4.4/§7.
	StackTrace string `json:"stack_trace,omitempty"`
}

// TransportError is an alias for Error, provided for API compatibility with
// transport error naming conventions.
type TransportError = Error

// Error implements the error interface.
// Format: [type] op addr: message: cause
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Addr != "" {
		parts = append(parts, e.Addr)
	}

	errStr := strings.Join(parts, " ")
	if e.Message != "" {
		errStr += ": " + e.Message
	}
	if e.Cause != nil {
		errStr += ": " + e.Cause.Error()
	}
	return errStr
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// NewConnectionError creates a connection error.
func NewConnectionError(addr string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnection,
		Op:        "dial",
		Message:   fmt.Sprintf("failed to connect to %s", addr),
		Cause:     cause,
		Addr:      addr,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Op:        operation,
		Message:   fmt.Sprintf("operation timed out after %v", timeout),
		Timestamp: time.Now(),
	}
}

// NewProtocolError creates a protocol/framing error (malformed request line,
// bad chunk header, request too large).
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Op:        "parse",
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	op := operation
	switch {
	case strings.Contains(strings.ToLower(operation), "read"):
		op = "read"
	case strings.Contains(strings.ToLower(operation), "writ"):
		op = "write"
	}
	return &Error{
		Type:      ErrorTypeIO,
		Op:        op,
		Message:   fmt.Sprintf("I/O error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewValidationError creates a validation error (HTTP 400 on the wire).
func NewValidationError(message string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Op:        "validate",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewAuthError creates an auth-failure error (HTTP 403 on the wire).
func NewAuthError(message string) *Error {
	return &Error{Type: ErrorTypeAuth, Op: "auth", Message: message, Timestamp: time.Now()}
}

// NewNotFoundError creates a handler-not-found error (HTTP 404 on the wire).
func NewNotFoundError(name string) *Error {
	return &Error{
		Type:      ErrorTypeNotFound,
		Op:        "dispatch",
		Message:   fmt.Sprintf("no such handler: %s", name),
		Timestamp: time.Now(),
	}
}

// NewNeedInfoError creates a NeedInfo error (HTTP 423 on the wire).
func NewNeedInfoError(resource string, needed []NeededVar) *Error {
	return &Error{
		Type:       ErrorTypeNeedInfo,
		Op:         "dispatch",
		Message:    "more configuration is needed",
		Resource:   resource,
		NeededVars: needed,
		Timestamp:  time.Now(),
	}
}

// NewRedirectError creates a Redirect error (HTTP 302 on the wire).
func NewRedirectError(location string) *Error {
	return &Error{
		Type:      ErrorTypeRedirect,
		Op:        "dispatch",
		Message:   "redirect",
		Location:  location,
		Timestamp: time.Now(),
	}
}

// NewServerError creates a server-side handler error (HTTP 500 on the wire).
// stackTrace should be empty unless the originating request was authed.
func NewServerError(cause error, stackTrace string) *Error {
	return &Error{
		Type:       ErrorTypeServer,
		Op:         "handle",
		Message:    "handler error",
		Cause:      cause,
		StackTrace: stackTrace,
		Timestamp:  time.Now(),
	}
}

// NewIncompleteStreamError creates an IncompleteStream error: a chunked
// response ended without its zero-length terminator chunk.
func NewIncompleteStreamError() *Error {
	return &Error{
		Type:      ErrorTypeIncompleteStream,
		Op:        "stream",
		Message:   "stream ended without terminator chunk",
		Timestamp: time.Now(),
	}
}

// NewTransportError creates an FD-transport error (e.g. FDs requested over TCP).
func NewTransportError(message string) *Error {
	return &Error{Type: ErrorTypeTransport, Op: "fd", Message: message, Timestamp: time.Now()}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrorTypeTimeout
	}
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConnectionError checks if an error is a connect-level failure, the only
// class pkg/rpcclient retries with a fresh connection.
func IsConnectionError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrorTypeConnection
	}
	return false
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	if e, ok := err.(*Error); ok {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ToStatus projects a structured error onto an HTTP status code and a
// JSON-able response body, per spec §4.4/§7.
func ToStatus(err error) (code int, body map[string]any) {
	e, ok := err.(*Error)
	if !ok {
		return 500, map[string]any{"error": err.Error()}
	}
	switch e.Type {
	case ErrorTypeAuth:
		return 403, map[string]any{"error": e.Message}
	case ErrorTypeNotFound:
		return 404, map[string]any{"error": e.Message}
	case ErrorTypeValidation, ErrorTypeProtocol:
		return 400, map[string]any{"error": e.Message}
	case ErrorTypeNeedInfo:
		return 423, map[string]any{
			"error":       e.Message,
			"resource":    e.Resource,
			"needed_vars": e.NeededVars,
		}
	case ErrorTypeRedirect:
		return 302, map[string]any{"error": e.Message, "location": e.Location}
	case ErrorTypeServer:
		b := map[string]any{"error": e.Message}
		if e.StackTrace != "" {
			b["stack_trace"] = e.StackTrace
		}
		return 500, b
	default:
		return 500, map[string]any{"error": e.Error()}
	}
}

// FromStatus projects an HTTP status code and decoded JSON body back onto a
// structured error, per spec §7's client-projection table.
func FromStatus(code int, body map[string]any) error {
	msg, _ := body["error"].(string)
	switch {
	case code == 302:
		loc, _ := body["location"].(string)
		return NewRedirectError(loc)
	case code == 401 || code == 403 || code == 407:
		return NewAuthError(msg)
	case code == 404:
		return NewNotFoundError(msg)
	case code == 423:
		resource, _ := body["resource"].(string)
		var needed []NeededVar
		if raw, ok := body["needed_vars"].([]any); ok {
			for _, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				nv := NeededVar{}
				nv.Name, _ = m["name"].(string)
				nv.Type, _ = m["type"].(string)
				nv.Default, _ = m["default"].(string)
				nv.Comment, _ = m["comment"].(string)
				needed = append(needed, nv)
			}
		}
		return NewNeedInfoError(resource, needed)
	case code >= 400 && code < 500:
		return NewValidationError(msg)
	default:
		st, _ := body["stack_trace"].(string)
		e := NewServerError(nil, st)
		e.Message = msg
		return e
	}
}
