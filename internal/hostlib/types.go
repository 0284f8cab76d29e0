package hostlib

import (
	"fmt"
	"time"
)

// Handle is an opaque reference into the library handle table.
type Handle int32

// InvalidHandle is never allocated.
const InvalidHandle Handle = 0

// HandleType identifies what a handle refers to.
type HandleType int

const (
	HandleTypeNone HandleType = iota
	HandleTypeHost
	HandleTypeVM
	HandleTypeSnapshot
	HandleTypeJob
)

func (t HandleType) String() string {
	switch t {
	case HandleTypeHost:
		return "host"
	case HandleTypeVM:
		return "vm"
	case HandleTypeSnapshot:
		return "snapshot"
	case HandleTypeJob:
		return "job"
	default:
		return "none"
	}
}

// PowerState mirrors the hypervisor's view of a VM. It is read-only here.
type PowerState int

const (
	PowerStateUnknown PowerState = iota
	PoweredOff
	PoweringOn
	PoweredOn
	PoweringOff
	Suspending
	Suspended
	Paused
	Resetting
	Blocked
)

func (s PowerState) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case PoweringOn:
		return "powering-on"
	case PoweredOn:
		return "powered-on"
	case PoweringOff:
		return "powering-off"
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case Paused:
		return "paused"
	case Resetting:
		return "resetting"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ToolsState reports whether the in-guest helper agent is available.
type ToolsState int

const (
	ToolsUnknown ToolsState = iota
	ToolsRunning
	ToolsNotInstalled
)

func (s ToolsState) String() string {
	switch s {
	case ToolsRunning:
		return "running"
	case ToolsNotInstalled:
		return "not-installed"
	default:
		return "unknown"
	}
}

// Credentials authenticate against a host or a guest.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no username was given.
func (c Credentials) Empty() bool {
	return c.Username == ""
}

// String never includes the password.
func (c Credentials) String() string {
	return fmt.Sprintf("%s:***", c.Username)
}

// ConnectSpec describes the host to connect to.
type ConnectSpec struct {
	Address     string
	Port        int
	Credentials Credentials
}

// SnapshotInfo describes one snapshot in a VM's snapshot tree.
type SnapshotInfo struct {
	Name        string
	Description string
	// Parent is the parent snapshot name, empty for root snapshots.
	Parent string
}

// DirEntry is one item of a guest directory listing.
type DirEntry struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	IsDir     bool      `json:"is_dir"`
	IsSymlink bool      `json:"is_symlink"`
}

// ProcessResult is the outcome of a guest program that ran to completion.
type ProcessResult struct {
	PID      int           `json:"pid"`
	ExitCode int           `json:"exit_code"`
	Elapsed  time.Duration `json:"elapsed"`
	Output   []byte        `json:"output,omitempty"`
}
