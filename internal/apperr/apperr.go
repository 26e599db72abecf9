package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeNotFound    = "NOT_FOUND"
	CodeTimeout     = "TIMEOUT"
	CodeUnreachable = "UNREACHABLE"
	CodeInvalid     = "INVALID"
	CodeConflict    = "CONFLICT"
	CodeInternal    = "INTERNAL"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New returns a CodedError with the given code.
func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NotFound returns a NOT_FOUND error.
func NotFound(msg string) error { return New(CodeNotFound, msg, nil) }

// Timeout returns a TIMEOUT error.
func Timeout(msg string) error { return New(CodeTimeout, msg, nil) }

// Unreachable returns an UNREACHABLE error.
func Unreachable(msg string, cause error) error { return New(CodeUnreachable, msg, cause) }

// Invalid returns an INVALID error.
func Invalid(msg string, cause error) error { return New(CodeInvalid, msg, cause) }

// CodeOf returns the code of the first CodedError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
