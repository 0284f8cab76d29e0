package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/job"
)

// Guest runs file and process operations inside a logged-in VM. It stops
// working once the VM logs out, closes or is deleted.
type Guest struct {
	vm     *VM
	user   string
	active bool
}

// Detached reports a guest command that was started without waiting for
// it to exit. There is no exit code or output. The command keeps running
// after the guest session and the Session are closed.
type Detached struct {
	Program string
	PID     int
	Started time.Time
}

// User returns the account the guest session runs as.
func (g *Guest) User() string {
	return g.user
}

// do runs fn with the session lock held, once the guest session is checked.
func (g *Guest) do(fn func(raw hostlib.Handle) error) error {
	s := g.vm.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !g.active {
		return &GuestError{Reason: ReasonNotLoggedIn, Code: hostlib.CodeGuestNotLoggedIn, Message: "no guest session on " + g.vm.path}
	}
	raw, err := g.vm.rawLocked()
	if err != nil {
		return err
	}
	return fn(raw)
}

// run waits for a guest job whose result is of kind want.
func (g *Guest) run(ctx context.Context, start job.StartFunc, want hostlib.Kind) (hostlib.Value, error) {
	v, err := g.vm.s.jobs.Run(ctx, start, want, g.vm.s.opts.operationTimeout)
	if err != nil {
		return v, guestError(err)
	}
	return v, nil
}

// Logout ends the guest session.
func (g *Guest) Logout(ctx context.Context) error {
	return g.do(func(raw hostlib.Handle) error {
		return g.vm.logoutLocked(ctx, raw)
	})
}

// RunProgram runs program with args and waits for it to exit.
func (g *Guest) RunProgram(ctx context.Context, program string, args ...string) (ProcessResult, error) {
	var res ProcessResult
	err := g.do(func(raw hostlib.Handle) error {
		v, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMRunProgramInGuest(raw, program, args)
		}, hostlib.KindProcess)
		res = v.Process()
		return err
	})
	return res, err
}

// StartProgram launches program with args and returns once it is running,
// without waiting for it to exit.
func (g *Guest) StartProgram(ctx context.Context, program string, args ...string) (Detached, error) {
	var d Detached
	err := g.do(func(raw hostlib.Handle) error {
		v, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMStartProgramInGuest(raw, program, args)
		}, hostlib.KindInteger)
		if err != nil {
			return err
		}
		d = Detached{Program: program, PID: int(v.Int()), Started: time.Now()}
		return nil
	})
	return d, err
}

// RunScript runs text with interpreter and waits for it to exit. An empty
// interpreter selects the guest's default command shell.
func (g *Guest) RunScript(ctx context.Context, interpreter, text string) (ProcessResult, error) {
	var res ProcessResult
	err := g.do(func(raw hostlib.Handle) error {
		v, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMRunScriptInGuest(raw, interpreter, text)
		}, hostlib.KindProcess)
		res = v.Process()
		return err
	})
	return res, err
}

// StartScript launches text with interpreter like StartProgram.
func (g *Guest) StartScript(ctx context.Context, interpreter, text string) (Detached, error) {
	var d Detached
	err := g.do(func(raw hostlib.Handle) error {
		v, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMStartScriptInGuest(raw, interpreter, text)
		}, hostlib.KindInteger)
		if err != nil {
			return err
		}
		d = Detached{Program: interpreter, PID: int(v.Int()), Started: time.Now()}
		return nil
	})
	return d, err
}

// RunScriptFile reads a script from the local file system and runs it.
func (g *Guest) RunScriptFile(ctx context.Context, interpreter, localPath string) (ProcessResult, error) {
	text, err := os.ReadFile(localPath)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("reading script: %w", err)
	}
	return g.RunScript(ctx, interpreter, string(text))
}

// CopyToGuest copies a local file into the guest.
func (g *Guest) CopyToGuest(ctx context.Context, localPath, guestPath string) error {
	return g.do(func(raw hostlib.Handle) error {
		_, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMCopyFileFromHostToGuest(raw, localPath, guestPath)
		}, hostlib.KindNone)
		return err
	})
}

// CopyFromGuest copies a guest file to the local file system.
func (g *Guest) CopyFromGuest(ctx context.Context, guestPath, localPath string) error {
	return g.do(func(raw hostlib.Handle) error {
		_, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMCopyFileFromGuestToHost(raw, guestPath, localPath)
		}, hostlib.KindNone)
		return err
	})
}

func (g *Guest) exists(ctx context.Context, start func(raw hostlib.Handle) (hostlib.Handle, error)) (bool, error) {
	var ok bool
	err := g.do(func(raw hostlib.Handle) error {
		v, err := g.run(ctx, func() (hostlib.Handle, error) {
			return start(raw)
		}, hostlib.KindBool)
		ok = v.Bool()
		return err
	})
	return ok, err
}

// FileExists reports whether path is a regular file in the guest. A missing
// path is not an error.
func (g *Guest) FileExists(ctx context.Context, path string) (bool, error) {
	return g.exists(ctx, func(raw hostlib.Handle) (hostlib.Handle, error) {
		return g.vm.s.lib.VMFileExistsInGuest(raw, path)
	})
}

// DirectoryExists reports whether path is a directory in the guest. A
// missing path is not an error.
func (g *Guest) DirectoryExists(ctx context.Context, path string) (bool, error) {
	return g.exists(ctx, func(raw hostlib.Handle) (hostlib.Handle, error) {
		return g.vm.s.lib.VMDirectoryExistsInGuest(raw, path)
	})
}

func (g *Guest) simple(ctx context.Context, start func(raw hostlib.Handle) (hostlib.Handle, error)) error {
	return g.do(func(raw hostlib.Handle) error {
		_, err := g.run(ctx, func() (hostlib.Handle, error) {
			return start(raw)
		}, hostlib.KindNone)
		return err
	})
}

// DeleteFile removes a guest file. A missing file is ErrGuestNotFound.
func (g *Guest) DeleteFile(ctx context.Context, path string) error {
	return g.simple(ctx, func(raw hostlib.Handle) (hostlib.Handle, error) {
		return g.vm.s.lib.VMDeleteFileInGuest(raw, path)
	})
}

// RenameFile moves a guest file or directory.
func (g *Guest) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return g.simple(ctx, func(raw hostlib.Handle) (hostlib.Handle, error) {
		return g.vm.s.lib.VMRenameFileInGuest(raw, oldPath, newPath)
	})
}

// CreateDirectory creates a guest directory. The parent must exist.
func (g *Guest) CreateDirectory(ctx context.Context, path string) error {
	return g.simple(ctx, func(raw hostlib.Handle) (hostlib.Handle, error) {
		return g.vm.s.lib.VMCreateDirectoryInGuest(raw, path)
	})
}

// DeleteDirectory removes a guest directory and its contents.
func (g *Guest) DeleteDirectory(ctx context.Context, path string) error {
	return g.simple(ctx, func(raw hostlib.Handle) (hostlib.Handle, error) {
		return g.vm.s.lib.VMDeleteDirectoryInGuest(raw, path)
	})
}

// ListDirectory returns the entries of a guest directory.
func (g *Guest) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
	var entries []DirEntry
	err := g.do(func(raw hostlib.Handle) error {
		v, err := g.run(ctx, func() (hostlib.Handle, error) {
			return g.vm.s.lib.VMListDirectoryInGuest(raw, path)
		}, hostlib.KindListing)
		entries = v.Listing()
		return err
	})
	return entries, err
}
