package workflowerrors

import (
	"errors"
)

// Error carries an executor error together with retry metadata.
type Error struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	Permanent  bool   `json:"permanent,omitempty"`
	Cause      error  `json:"-"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

func (we *Error) Error() string {
	return we.Message
}

func (we *Error) Unwrap() error {
	if we == nil {
		return nil
	}

	return we.Cause
}

func (we *Error) Stack() string {
	return we.Stacktrace
}

var _ error = (*Error)(nil)

// FromError wraps the given error. The original error stays reachable through errors.Is/As.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	// Do not wrap again
	if e, ok := err.(*Error); ok {
		return e
	}

	e := &Error{
		Type:    getErrorType(err),
		Message: err.Error(),
		Cause:   err,
	}

	if stackTracer, ok := err.(interface{ Stack() string }); ok {
		e.Stacktrace = stackTracer.Stack()
	}

	return e
}

func NewPermanentError(err error) *Error {
	e := FromError(err)
	if e == nil {
		return nil
	}

	e.Permanent = true
	return e
}

// CanRetry returns true if the given error is retryable
func CanRetry(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return !e.Permanent
	}

	// Retry errors by default
	return true
}
