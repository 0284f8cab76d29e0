package hostlib

import (
	"context"
	"errors"
	"fmt"
)

// Code is a numeric status reported across the library boundary.
type Code int

// OK is the status of a successful operation.
const OK Code = 0

// General errors
const (
	CodeFail            Code = 100
	CodeInvalidArgument Code = 101
	CodeNotSupported    Code = 102
	CodeTimeout         Code = 103
	CodeCancelled       Code = 104
	CodeTypeMismatch    Code = 105
)

// Handle errors
const (
	CodeInvalidHandle   Code = 200
	CodeTooManyHandles  Code = 201
	CodeWrongHandleType Code = 202
)

// Host errors
const (
	CodeHostUnreachable  Code = 300
	CodeHostAuth         Code = 301
	CodeProtocolVersion  Code = 302
	CodeHostNotConnected Code = 303
)

// VM errors
const (
	CodeVMNotFound          Code = 400
	CodeVMConfigUnreadable  Code = 401
	CodeVMIsRunning         Code = 402
	CodeVMNotRunning        Code = 403
	CodeToolsTimeout        Code = 404
	CodeToolsNotRunning     Code = 405
	CodeVMAlreadyRegistered Code = 406
)

// Snapshot errors
const (
	CodeSnapshotNotFound Code = 500
	CodeSnapshotExists   Code = 501
	CodeSnapshotInvalid  Code = 502
)

// Guest errors
const (
	CodeGuestAuth              Code = 600
	CodeGuestFileNotFound      Code = 601
	CodeGuestNotAFile          Code = 602
	CodeGuestNotADirectory     Code = 603
	CodeGuestFileExists        Code = 604
	CodeGuestProgramNotStarted Code = 605
	CodeGuestPermission        Code = 606
	CodeGuestNotLoggedIn       Code = 607
)

var codeText = map[Code]string{
	OK:                         "ok",
	CodeFail:                   "operation failed",
	CodeInvalidArgument:        "invalid argument",
	CodeNotSupported:           "not supported",
	CodeTimeout:                "timed out",
	CodeCancelled:              "cancelled",
	CodeTypeMismatch:           "result type mismatch",
	CodeInvalidHandle:          "invalid handle",
	CodeTooManyHandles:         "too many handles",
	CodeWrongHandleType:        "operation not supported on handle type",
	CodeHostUnreachable:        "cannot connect to host",
	CodeHostAuth:               "host authentication failed",
	CodeProtocolVersion:        "unsupported protocol version",
	CodeHostNotConnected:       "host not connected",
	CodeVMNotFound:             "virtual machine not found",
	CodeVMConfigUnreadable:     "cannot read virtual machine configuration",
	CodeVMIsRunning:            "virtual machine is running",
	CodeVMNotRunning:           "virtual machine is not running",
	CodeToolsTimeout:           "timed out waiting for guest tools",
	CodeToolsNotRunning:        "guest tools are not running",
	CodeVMAlreadyRegistered:    "virtual machine already registered",
	CodeSnapshotNotFound:       "snapshot not found",
	CodeSnapshotExists:         "snapshot already exists",
	CodeSnapshotInvalid:        "invalid snapshot",
	CodeGuestAuth:              "cannot authenticate with guest",
	CodeGuestFileNotFound:      "guest file not found",
	CodeGuestNotAFile:          "guest path is not a file",
	CodeGuestNotADirectory:     "guest path is not a directory",
	CodeGuestFileExists:        "guest file already exists",
	CodeGuestProgramNotStarted: "guest program could not be started",
	CodeGuestPermission:        "guest permission denied",
	CodeGuestNotLoggedIn:       "not logged in to guest",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return fmt.Sprintf("status %d", int(c))
}

// Error is a failed status together with the message surfaced by the backend.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (code %d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("%s (code %d): %s", e.Code, int(e.Code), e.Message)
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the status code of err. Context errors map to CodeTimeout
// and CodeCancelled, any other foreign error to CodeFail.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeFail
	}
}

// AsError converts err into an *Error, keeping the original text as message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}
