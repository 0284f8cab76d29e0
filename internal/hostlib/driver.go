package hostlib

import "context"

// Driver is implemented by each hypervisor backend. Calls are synchronous;
// the Library turns them into jobs.
type Driver interface {
	// Name identifies the backend, e.g. "libvirt".
	Name() string
	// Connect opens a session with the management host.
	Connect(ctx context.Context, spec ConnectSpec) (Host, error)
}

// Host is a connected management host.
type Host interface {
	// Open binds to the VM identified by path.
	Open(ctx context.Context, path string) (Machine, error)
	// Register adds the VM at path to the host inventory.
	Register(ctx context.Context, path string) error
	// Unregister removes the VM at path from the host inventory.
	Unregister(ctx context.Context, path string) error
	// Close ends the host connection.
	Close() error
}

// Machine is one VM on a connected host.
type Machine interface {
	Path() string

	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerState(ctx context.Context) (PowerState, error)
	ToolsState(ctx context.Context) (ToolsState, error)
	// WaitForTools blocks until the guest agent answers or ctx is done.
	WaitForTools(ctx context.Context) error
	// Delete removes the VM, and its disks when deleteDisks is set.
	Delete(ctx context.Context, deleteDisks bool) error

	CreateSnapshot(ctx context.Context, name, description string) (SnapshotInfo, error)
	RevertToSnapshot(ctx context.Context, name string) error
	RootSnapshots(ctx context.Context) ([]SnapshotInfo, error)
	// NamedSnapshot returns CodeSnapshotNotFound when no snapshot has that name.
	NamedSnapshot(ctx context.Context, name string) (SnapshotInfo, error)
	// CurrentSnapshot returns CodeSnapshotNotFound when the VM has none.
	CurrentSnapshot(ctx context.Context) (SnapshotInfo, error)

	// Login authenticates inside the guest and returns a guest channel.
	Login(ctx context.Context, creds Credentials, interactive bool) (GuestConn, error)
}

// GuestConn runs file and process operations inside a logged-in guest.
type GuestConn interface {
	RunProgram(ctx context.Context, path string, args []string) (ProcessResult, error)
	// RunScript runs text with interpreter. An empty interpreter selects the
	// guest's default command shell.
	RunScript(ctx context.Context, interpreter, text string) (ProcessResult, error)
	// StartProgram and StartScript return the guest PID once the process is
	// launched. The process outlives ctx and the guest session.
	StartProgram(ctx context.Context, path string, args []string) (int, error)
	StartScript(ctx context.Context, interpreter, text string) (int, error)

	CopyToGuest(ctx context.Context, localPath, guestPath string) error
	CopyFromGuest(ctx context.Context, guestPath, localPath string) error

	FileExists(ctx context.Context, path string) (bool, error)
	DirectoryExists(ctx context.Context, path string) (bool, error)
	DeleteFile(ctx context.Context, path string) error
	RenameFile(ctx context.Context, oldPath, newPath string) error
	ListDirectory(ctx context.Context, path string) ([]DirEntry, error)
	CreateDirectory(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error

	Logout() error
}
