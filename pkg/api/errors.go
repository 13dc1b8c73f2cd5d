package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind represents the category of a drivercore error.
type ErrorKind string

const (
	// Registration-time errors.
	KindDuplicateID     ErrorKind = "duplicate_id"
	KindDuplicatePrefix ErrorKind = "duplicate_prefix"
	KindInvalidConfig   ErrorKind = "invalid_config"
	KindNotFound        ErrorKind = "not_found"

	// Spec generation.
	KindSpecUnavailable ErrorKind = "spec_unavailable"

	// Caller-input errors. NoCallFound is a "no action requested" signal
	// rather than a failure.
	KindNoCallFound           ErrorKind = "no_call_found"
	KindMalformedCall         ErrorKind = "malformed_call"
	KindUnknownTarget         ErrorKind = "unknown_target"
	KindCapabilityUnsupported ErrorKind = "capability_unsupported"

	// Infrastructure errors from the bridge and autostart path.
	KindBridgeUnavailable  ErrorKind = "bridge_unavailable"
	KindResolution         ErrorKind = "resolution_error"
	KindHealthCheckTimeout ErrorKind = "health_check_timeout"
	KindDriverUnavailable  ErrorKind = "driver_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindInternal           ErrorKind = "internal"
)

// Error is the typed error returned by every drivercore component. It carries
// the originating driver id and, where applicable, the last known lifecycle
// state and the raw offending input.
type Error struct {
	Kind     ErrorKind `json:"type"`
	DriverID string    `json:"driver_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Input    string    `json:"input,omitempty"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrDuplicateID           = &Error{Kind: KindDuplicateID}
	ErrDuplicatePrefix       = &Error{Kind: KindDuplicatePrefix}
	ErrInvalidConfig         = &Error{Kind: KindInvalidConfig}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrSpecUnavailable       = &Error{Kind: KindSpecUnavailable}
	ErrNoCallFound           = &Error{Kind: KindNoCallFound}
	ErrMalformedCall         = &Error{Kind: KindMalformedCall}
	ErrUnknownTarget         = &Error{Kind: KindUnknownTarget}
	ErrCapabilityUnsupported = &Error{Kind: KindCapabilityUnsupported}
	ErrBridgeUnavailable     = &Error{Kind: KindBridgeUnavailable}
	ErrResolution            = &Error{Kind: KindResolution}
	ErrHealthCheckTimeout    = &Error{Kind: KindHealthCheckTimeout}
	ErrDriverUnavailable     = &Error{Kind: KindDriverUnavailable}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrInternal              = &Error{Kind: KindInternal}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.DriverID != "" {
		fmt.Fprintf(&b, " [driver %s]", e.DriverID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.State != "" {
		fmt.Fprintf(&b, " (state: %s)", e.State)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorResponse wraps an Error for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// NewError creates an Error of the given kind for a driver.
func NewError(kind ErrorKind, driverID, message string) *Error {
	return &Error{Kind: kind, DriverID: driverID, Message: message}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind ErrorKind, driverID string, err error, message string) *Error {
	return &Error{Kind: kind, DriverID: driverID, Message: message, Err: err}
}

// NewMalformedCallError creates a MalformedCall error retaining the raw input.
func NewMalformedCallError(input, message string) *Error {
	return &Error{Kind: KindMalformedCall, Input: input, Message: message}
}

// NewUnknownTargetError creates an UnknownTarget error for a target reference.
func NewUnknownTargetError(target, input string) *Error {
	return &Error{
		Kind:    KindUnknownTarget,
		Input:   input,
		Message: fmt.Sprintf("no driver registered for target %q", target),
	}
}

// NewCapabilityUnsupportedError creates a CapabilityUnsupported error.
func NewCapabilityUnsupportedError(driverID, capability string) *Error {
	return &Error{
		Kind:     KindCapabilityUnsupported,
		DriverID: driverID,
		Message:  fmt.Sprintf("capability %q is not supported", capability),
	}
}

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no typed error.
func KindOf(err error) ErrorKind {
	if apiErr, ok := AsError(err); ok {
		return apiErr.Kind
	}
	return KindInternal
}

// IsCallerError reports whether the kind describes invalid caller input that
// is surfaced verbatim and never retried by the core.
func (k ErrorKind) IsCallerError() bool {
	switch k {
	case KindMalformedCall, KindUnknownTarget, KindCapabilityUnsupported, KindNoCallFound:
		return true
	}
	return false
}
