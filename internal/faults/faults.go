// Package faults defines the error taxonomy shared by the gateway layer and
// the command layer. The gateway never swallows errors; it classifies them
// here and lets the command layer translate each kind into a user-facing
// message.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind partitions every failure the gateway can surface.
type Kind int

const (
	// KindInternal covers anything uncategorized. No detail is leaked to users.
	KindInternal Kind = iota
	// KindValidation marks malformed operator input. Surfaced verbatim, never retried.
	KindValidation
	// KindGateway marks a downstream failure envelope or an unexpected payload shape.
	KindGateway
	// KindTimeout marks an exhausted retry budget or an elapsed deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGateway:
		return "gateway"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error carries a classified failure. The message is what the command layer
// may show to the operator for validation and gateway kinds.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a validation error from operator input.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Gatewayf builds a gateway error carrying the downstream message.
func Gatewayf(format string, args ...any) error {
	return &Error{Kind: KindGateway, Message: fmt.Sprintf(format, args...)}
}

// Gateway wraps err as a gateway failure with a short context message.
func Gateway(message string, err error) error {
	return &Error{Kind: KindGateway, Message: message, Err: err}
}

// Timeout wraps err as a timeout failure.
func Timeout(message string, err error) error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// Internal wraps err as an uncategorized failure.
func Internal(err error) error {
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf classifies err. Deadline expiry counts as a timeout even when the
// error was never wrapped, so command deadlines surface as "try again" rather
// than internal failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// MessageOf returns the classified message when one exists, or empty.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return ""
}
