package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrorUninitialized      ErrorCode = "UNINITIALIZED"
	ErrorRequestInFlight    ErrorCode = "REQUEST_IN_FLIGHT"
	ErrorProviderInvocation ErrorCode = "PROVIDER_INVOCATION"
	ErrorStreamConsumption  ErrorCode = "STREAM_CONSUMPTION"
	ErrorNotFound           ErrorCode = "NOT_FOUND"
	ErrorSessionStore       ErrorCode = "SESSION_STORE"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Notice is the user-facing text for the error.
func (e *Error) Notice() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case ErrorRequestInFlight:
		return "A reply is still streaming. Wait for it to finish before sending another message."
	case ErrorInvalidInput:
		return fmt.Sprintf("Invalid input: %s", e.Reason)
	case ErrorUninitialized:
		return "The chat session is not ready yet."
	case ErrorNotFound:
		return "The chat session was not found."
	case ErrorSessionStore:
		return "The chat session could not be saved. Try again."
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
