package engine

import (
	"errors"
	"fmt"

	"stockline/internal/envelope"
	"stockline/internal/ledger"
	"stockline/internal/repo"
)

// Failure codes recorded on failed requests.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodeInvalidArgument    = "invalid-argument"
	CodeNotFound           = "not-found"
	CodeFailedPrecondition = "failed-precondition"
	CodeResourceExhausted  = "resource-exhausted"
	CodeUnimplemented      = "unimplemented"
	CodeHandlerError       = "handler_error"
)

// CommandError is a domain failure that terminates a request.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newCommandError(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) *CommandError {
	return newCommandError(CodeUnauthenticated, format, args...)
}

func InvalidArgument(format string, args ...any) *CommandError {
	return newCommandError(CodeInvalidArgument, format, args...)
}

func NotFound(format string, args ...any) *CommandError {
	return newCommandError(CodeNotFound, format, args...)
}

func FailedPrecondition(format string, args ...any) *CommandError {
	return newCommandError(CodeFailedPrecondition, format, args...)
}

func ResourceExhausted(format string, args ...any) *CommandError {
	return newCommandError(CodeResourceExhausted, format, args...)
}

func Unimplemented(format string, args ...any) *CommandError {
	return newCommandError(CodeUnimplemented, format, args...)
}

// CodeOf maps err onto the failure taxonomy.
func CodeOf(err error) string {
	var ce *CommandError
	var pe *envelope.PayloadError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &pe):
		return CodeInvalidArgument
	case errors.Is(err, envelope.ErrUnknownType):
		return CodeUnimplemented
	case errors.Is(err, repo.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ledger.ErrAggregateFull):
		return CodeResourceExhausted
	default:
		return CodeHandlerError
	}
}

// MessageOf returns the message stored alongside the code.
func MessageOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
