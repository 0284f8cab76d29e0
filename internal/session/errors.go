package session

import (
	"errors"
	"fmt"

	"github.com/kriansa/vmctl/internal/hostlib"
)

// Reason classifies a session error. Callers match reasons with errors.Is
// against the Err* values below.
type Reason string

const (
	ReasonFailed  Reason = "failed"
	ReasonTimeout Reason = "timeout"

	ReasonUnreachable             Reason = "unreachable"
	ReasonAuthRejected            Reason = "auth-rejected"
	ReasonProtocolVersionMismatch Reason = "protocol-version-mismatch"
	ReasonNotConnected            Reason = "not-connected"
	ReasonAlreadyConnected        Reason = "already-connected"

	ReasonNotFound          Reason = "not-found"
	ReasonAlreadyBound      Reason = "already-bound"
	ReasonConfigUnreadable  Reason = "config-unreadable"
	ReasonStaleHandle       Reason = "stale-handle"
	ReasonToolsTimeout      Reason = "tools-timeout"
	ReasonIsRunning         Reason = "is-running"
	ReasonNotRunning        Reason = "not-running"
	ReasonAlreadyRegistered Reason = "already-registered"

	ReasonExists  Reason = "exists"
	ReasonInvalid Reason = "invalid"

	ReasonAuthFailed        Reason = "auth-failed"
	ReasonNoCredentials     Reason = "no-credentials"
	ReasonNotLoggedIn       Reason = "not-logged-in"
	ReasonNotAFile          Reason = "not-a-file"
	ReasonNotADirectory     Reason = "not-a-directory"
	ReasonProgramNotStarted Reason = "program-not-started"
	ReasonPermissionDenied  Reason = "permission-denied"
	ReasonToolsNotRunning   Reason = "tools-not-running"
)

// ConnError is a failure to reach or use the management host.
type ConnError struct {
	Reason  Reason
	Code    hostlib.Code
	Message string
	Err     error
}

func (e *ConnError) Error() string { return format("host", e.Reason, e.Message) }
func (e *ConnError) Unwrap() error { return e.Err }

// Is matches another *ConnError with the same reason.
func (e *ConnError) Is(target error) bool {
	t, ok := target.(*ConnError)
	return ok && t.Reason == e.Reason
}

// VMError is a failure of a VM-level operation.
type VMError struct {
	Reason  Reason
	Code    hostlib.Code
	Message string
	Err     error
}

func (e *VMError) Error() string { return format("vm", e.Reason, e.Message) }
func (e *VMError) Unwrap() error { return e.Err }

// Is matches another *VMError with the same reason.
func (e *VMError) Is(target error) bool {
	t, ok := target.(*VMError)
	return ok && t.Reason == e.Reason
}

// SnapshotError is a failure of a snapshot operation or lookup.
type SnapshotError struct {
	Reason  Reason
	Code    hostlib.Code
	Message string
	Err     error
}

func (e *SnapshotError) Error() string { return format("snapshot", e.Reason, e.Message) }
func (e *SnapshotError) Unwrap() error { return e.Err }

// Is matches another *SnapshotError with the same reason.
func (e *SnapshotError) Is(target error) bool {
	t, ok := target.(*SnapshotError)
	return ok && t.Reason == e.Reason
}

// GuestError is a failure inside the guest.
type GuestError struct {
	Reason  Reason
	Code    hostlib.Code
	Message string
	Err     error
}

func (e *GuestError) Error() string { return format("guest", e.Reason, e.Message) }
func (e *GuestError) Unwrap() error { return e.Err }

// Is matches another *GuestError with the same reason.
func (e *GuestError) Is(target error) bool {
	t, ok := target.(*GuestError)
	return ok && t.Reason == e.Reason
}

func format(scope string, reason Reason, msg string) string {
	if msg == "" {
		return fmt.Sprintf("%s: %s", scope, reason)
	}
	return fmt.Sprintf("%s: %s: %s", scope, reason, msg)
}

var (
	ErrUnreachable             = &ConnError{Reason: ReasonUnreachable}
	ErrAuthRejected            = &ConnError{Reason: ReasonAuthRejected}
	ErrProtocolVersionMismatch = &ConnError{Reason: ReasonProtocolVersionMismatch}
	ErrNotConnected            = &ConnError{Reason: ReasonNotConnected}
	ErrAlreadyConnected        = &ConnError{Reason: ReasonAlreadyConnected}

	ErrVMNotFound          = &VMError{Reason: ReasonNotFound}
	ErrAlreadyBound        = &VMError{Reason: ReasonAlreadyBound}
	ErrConfigUnreadable    = &VMError{Reason: ReasonConfigUnreadable}
	ErrStaleHandle         = &VMError{Reason: ReasonStaleHandle}
	ErrToolsTimeout        = &VMError{Reason: ReasonToolsTimeout}
	ErrVMIsRunning         = &VMError{Reason: ReasonIsRunning}
	ErrVMNotRunning        = &VMError{Reason: ReasonNotRunning}
	ErrVMAlreadyRegistered = &VMError{Reason: ReasonAlreadyRegistered}

	ErrSnapshotNotFound = &SnapshotError{Reason: ReasonNotFound}
	ErrSnapshotExists   = &SnapshotError{Reason: ReasonExists}
	ErrSnapshotInvalid  = &SnapshotError{Reason: ReasonInvalid}

	ErrGuestAuthFailed        = &GuestError{Reason: ReasonAuthFailed}
	ErrGuestNoCredentials     = &GuestError{Reason: ReasonNoCredentials}
	ErrNotLoggedIn            = &GuestError{Reason: ReasonNotLoggedIn}
	ErrGuestNotFound          = &GuestError{Reason: ReasonNotFound}
	ErrGuestNotAFile          = &GuestError{Reason: ReasonNotAFile}
	ErrGuestNotADirectory     = &GuestError{Reason: ReasonNotADirectory}
	ErrGuestExists            = &GuestError{Reason: ReasonExists}
	ErrGuestProgramNotStarted = &GuestError{Reason: ReasonProgramNotStarted}
	ErrGuestPermissionDenied  = &GuestError{Reason: ReasonPermissionDenied}
	ErrGuestToolsNotRunning   = &GuestError{Reason: ReasonToolsNotRunning}
)

// reasonFor maps a library status onto a reason. Codes outside the table
// become ReasonFailed.
func reasonFor(code hostlib.Code, table map[hostlib.Code]Reason) Reason {
	if r, ok := table[code]; ok {
		return r
	}
	if code == hostlib.CodeTimeout {
		return ReasonTimeout
	}
	return ReasonFailed
}

var connReasons = map[hostlib.Code]Reason{
	hostlib.CodeHostUnreachable:  ReasonUnreachable,
	hostlib.CodeHostAuth:         ReasonAuthRejected,
	hostlib.CodeProtocolVersion:  ReasonProtocolVersionMismatch,
	hostlib.CodeHostNotConnected: ReasonNotConnected,
}

var vmReasons = map[hostlib.Code]Reason{
	hostlib.CodeVMNotFound:          ReasonNotFound,
	hostlib.CodeVMConfigUnreadable:  ReasonConfigUnreadable,
	hostlib.CodeVMIsRunning:         ReasonIsRunning,
	hostlib.CodeVMNotRunning:        ReasonNotRunning,
	hostlib.CodeToolsTimeout:        ReasonToolsTimeout,
	hostlib.CodeVMAlreadyRegistered: ReasonAlreadyRegistered,
	hostlib.CodeInvalidHandle:       ReasonStaleHandle,
}

var snapshotReasons = map[hostlib.Code]Reason{
	hostlib.CodeSnapshotNotFound: ReasonNotFound,
	hostlib.CodeSnapshotExists:   ReasonExists,
	hostlib.CodeSnapshotInvalid:  ReasonInvalid,
	hostlib.CodeInvalidArgument:  ReasonInvalid,
	hostlib.CodeInvalidHandle:    ReasonStaleHandle,
}

var guestReasons = map[hostlib.Code]Reason{
	hostlib.CodeGuestAuth:              ReasonAuthFailed,
	hostlib.CodeGuestNotLoggedIn:       ReasonNotLoggedIn,
	hostlib.CodeGuestFileNotFound:      ReasonNotFound,
	hostlib.CodeGuestNotAFile:          ReasonNotAFile,
	hostlib.CodeGuestNotADirectory:     ReasonNotADirectory,
	hostlib.CodeGuestFileExists:        ReasonExists,
	hostlib.CodeGuestProgramNotStarted: ReasonProgramNotStarted,
	hostlib.CodeGuestPermission:        ReasonPermissionDenied,
	hostlib.CodeToolsNotRunning:        ReasonToolsNotRunning,
}

// describe returns the status code of err and the message to surface.
func describe(err error) (hostlib.Code, string) {
	if e, ok := err.(*hostlib.Error); ok {
		return e.Code, e.Message
	}
	return hostlib.CodeOf(err), err.Error()
}

// typed reports whether err already belongs to the session taxonomy.
func typed(err error) bool {
	var (
		ce *ConnError
		ve *VMError
		se *SnapshotError
		ge *GuestError
	)
	return errors.As(err, &ce) || errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &ge)
}

func connError(err error) error {
	if err == nil || typed(err) {
		return err
	}
	code, msg := describe(err)
	return &ConnError{Reason: reasonFor(code, connReasons), Code: code, Message: msg, Err: err}
}

func vmError(err error) error {
	if err == nil || typed(err) {
		return err
	}
	code, msg := describe(err)
	return &VMError{Reason: reasonFor(code, vmReasons), Code: code, Message: msg, Err: err}
}

func snapshotError(err error) error {
	if err == nil || typed(err) {
		return err
	}
	code, msg := describe(err)
	return &SnapshotError{Reason: reasonFor(code, snapshotReasons), Code: code, Message: msg, Err: err}
}

func guestError(err error) error {
	if err == nil || typed(err) {
		return err
	}
	code, msg := describe(err)
	return &GuestError{Reason: reasonFor(code, guestReasons), Code: code, Message: msg, Err: err}
}
