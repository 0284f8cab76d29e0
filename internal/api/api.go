// Package api defines the JSON messages of the vmctl control socket. Every
// call is a POST to /VMControl.<Method>; every response embeds Error, whose
// Err field is empty on success.
package api

import (
	"errors"
	"time"

	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/session"
)

// Manifest is returned by /Plugin.Activate.
const Manifest = `{"Implements": ["VMControl"]}`

// Methods served on the control socket.
const (
	MethodStatus         = "VMControl.Status"
	MethodPowerOn        = "VMControl.PowerOn"
	MethodPowerOff       = "VMControl.PowerOff"
	MethodRegister       = "VMControl.Register"
	MethodUnregister     = "VMControl.Unregister"
	MethodDelete         = "VMControl.Delete"
	MethodCreateSnapshot = "VMControl.CreateSnapshot"
	MethodRevertSnapshot = "VMControl.RevertSnapshot"
	MethodSnapshots      = "VMControl.Snapshots"
	MethodSnapshot       = "VMControl.Snapshot"
	MethodRun            = "VMControl.Run"
	MethodScript         = "VMControl.Script"
	MethodCopyToGuest    = "VMControl.CopyToGuest"
	MethodCopyFromGuest  = "VMControl.CopyFromGuest"
	MethodStat           = "VMControl.Stat"
	MethodList           = "VMControl.List"
	MethodMkdir          = "VMControl.Mkdir"
	MethodRemove         = "VMControl.Remove"
	MethodRename         = "VMControl.Rename"
	MethodWaitForTools   = "VMControl.WaitForTools"
	MethodLogout         = "VMControl.Logout"
	MethodDisconnect     = "VMControl.Disconnect"
)

// Error carries a failure across the socket without losing its class.
type Error struct {
	Err     string `json:"Err"`
	Scope   string `json:"Scope,omitempty"`
	Reason  string `json:"Reason,omitempty"`
	Code    int    `json:"Code,omitempty"`
	Message string `json:"Message,omitempty"`
}

// NewError describes err for the wire.
func NewError(err error) Error {
	if err == nil {
		return Error{}
	}

	e := Error{Err: err.Error()}
	var (
		connErr  *session.ConnError
		vmErr    *session.VMError
		snapErr  *session.SnapshotError
		guestErr *session.GuestError
	)
	switch {
	case errors.As(err, &connErr):
		e.Scope, e.Reason, e.Code, e.Message = "host", string(connErr.Reason), int(connErr.Code), connErr.Message
	case errors.As(err, &vmErr):
		e.Scope, e.Reason, e.Code, e.Message = "vm", string(vmErr.Reason), int(vmErr.Code), vmErr.Message
	case errors.As(err, &snapErr):
		e.Scope, e.Reason, e.Code, e.Message = "snapshot", string(snapErr.Reason), int(snapErr.Code), snapErr.Message
	case errors.As(err, &guestErr):
		e.Scope, e.Reason, e.Code, e.Message = "guest", string(guestErr.Reason), int(guestErr.Code), guestErr.Message
	}
	return e
}

// AsError rebuilds the error, typed when the server sent a class. It
// returns nil on success.
func (e Error) AsError() error {
	if e.Err == "" {
		return nil
	}

	reason := session.Reason(e.Reason)
	code := hostlib.Code(e.Code)
	switch e.Scope {
	case "host":
		return &session.ConnError{Reason: reason, Code: code, Message: e.Message}
	case "vm":
		return &session.VMError{Reason: reason, Code: code, Message: e.Message}
	case "snapshot":
		return &session.SnapshotError{Reason: reason, Code: code, Message: e.Message}
	case "guest":
		return &session.GuestError{Reason: reason, Code: code, Message: e.Message}
	default:
		return errors.New(e.Err)
	}
}

// Empty is the request of methods without arguments.
type Empty struct{}

// Status describes the bound VM.
type Status struct {
	Path       string `json:"Path"`
	PowerState string `json:"PowerState"`
	ToolsState string `json:"ToolsState"`
}

type StatusResponse struct {
	Status Status `json:"Status"`
	Error
}

// PathRequest names a VM definition, for Register and Unregister.
type PathRequest struct {
	Path string `json:"Path"`
}

type DeleteRequest struct {
	DeleteDisks bool `json:"DeleteDisks"`
}

type WaitRequest struct {
	Timeout time.Duration `json:"Timeout"`
}

// Snapshot describes one snapshot.
type Snapshot struct {
	Name        string `json:"Name"`
	Description string `json:"Description"`
	Parent      string `json:"Parent,omitempty"`
}

type CreateSnapshotRequest struct {
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

type SnapshotResponse struct {
	Snapshot Snapshot `json:"Snapshot"`
	Error
}

// SnapshotRequest names a snapshot. For a revert, empty selects the
// current one.
type SnapshotRequest struct {
	Name string `json:"Name"`
}

type SnapshotsResponse struct {
	Roots   []Snapshot `json:"Roots"`
	Current *Snapshot  `json:"Current,omitempty"`
	Error
}

type RunRequest struct {
	Program string   `json:"Program"`
	Args    []string `json:"Args"`
	// Detach returns as soon as the program started.
	Detach bool `json:"Detach"`
}

type ScriptRequest struct {
	Interpreter string `json:"Interpreter"`
	Text        string `json:"Text"`
	Detach      bool   `json:"Detach"`
}

// Process is the outcome of a guest program.
type Process struct {
	PID      int       `json:"PID"`
	ExitCode int       `json:"ExitCode"`
	Output   string    `json:"Output"`
	Detached bool      `json:"Detached"`
	Started  time.Time `json:"Started"`
}

type ProcessResponse struct {
	Process Process `json:"Process"`
	Error
}

// CopyRequest paths are on the server side and in the guest.
type CopyRequest struct {
	LocalPath string `json:"LocalPath"`
	GuestPath string `json:"GuestPath"`
}

type GuestPathRequest struct {
	Path string `json:"Path"`
}

type Stat struct {
	File      bool `json:"File"`
	Directory bool `json:"Directory"`
}

type StatResponse struct {
	Stat Stat `json:"Stat"`
	Error
}

type ListResponse struct {
	Entries []hostlib.DirEntry `json:"Entries"`
	Error
}

type RemoveRequest struct {
	Path string `json:"Path"`
	// Directory removes a directory tree instead of a file.
	Directory bool `json:"Directory"`
}

type RenameRequest struct {
	OldPath string `json:"OldPath"`
	NewPath string `json:"NewPath"`
}

// ErrorResponse is the response of methods returning nothing else.
type ErrorResponse struct {
	Error
}
