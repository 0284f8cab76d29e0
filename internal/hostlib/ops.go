package hostlib

import (
	"context"
	"errors"
	"time"

	"github.com/kriansa/vmctl/internal/log"
)

// HostConnect starts a job that connects to a management host. The job
// result is a host handle.
func (l *Library) HostConnect(spec ConnectSpec) (Handle, error) {
	return l.startJob(func(ctx context.Context) (Value, error) {
		log.Debug("connecting to host", "backend", l.driver.Name(), "address", spec.Address, "port", spec.Port)
		host, err := l.driver.Connect(ctx, spec)
		if err != nil {
			return None(), err
		}

		h, err := l.allocate(&object{typ: HandleTypeHost, host: host})
		if err != nil {
			if cerr := host.Close(); cerr != nil {
				log.Warn("failed to close host after allocation failure", "error", cerr)
			}
			return None(), err
		}
		return HandleValue(h), nil
	})
}

// HostDisconnect closes a host connection and invalidates every VM and
// snapshot handle opened through it.
func (l *Library) HostDisconnect(host Handle) error {
	l.mu.Lock()
	obj, err := l.lookupLocked(host, HandleTypeHost)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	vms := map[Handle]bool{}
	for h, child := range l.table {
		if child.typ == HandleTypeVM && child.parent == host {
			vms[h] = true
		}
	}

	var guests []GuestConn
	for h, child := range l.table {
		switch {
		case vms[h]:
			if child.vm.guest != nil {
				guests = append(guests, child.vm.guest)
				child.vm.guest = nil
			}
			delete(l.table, h)
		case child.typ == HandleTypeSnapshot && vms[child.parent]:
			delete(l.table, h)
		}
	}
	delete(l.table, host)
	l.mu.Unlock()

	for _, g := range guests {
		if err := g.Logout(); err != nil {
			log.Warn("failed to log out of guest on disconnect", "error", err)
		}
	}
	return obj.host.Close()
}

// HostRegisterVM starts a job that adds the VM at path to the host inventory.
func (l *Library) HostRegisterVM(host Handle, path string) (Handle, error) {
	obj, err := l.lookup(host, HandleTypeHost)
	if err != nil {
		return InvalidHandle, err
	}
	return l.startJob(func(ctx context.Context) (Value, error) {
		log.Debug("registering vm", "path", path)
		return None(), obj.host.Register(ctx, path)
	})
}

// HostUnregisterVM starts a job that removes the VM at path from the host inventory.
func (l *Library) HostUnregisterVM(host Handle, path string) (Handle, error) {
	obj, err := l.lookup(host, HandleTypeHost)
	if err != nil {
		return InvalidHandle, err
	}
	return l.startJob(func(ctx context.Context) (Value, error) {
		log.Debug("unregistering vm", "path", path)
		return None(), obj.host.Unregister(ctx, path)
	})
}

// VMOpen starts a job that binds to the VM at path. The job result is a VM handle.
func (l *Library) VMOpen(host Handle, path string) (Handle, error) {
	obj, err := l.lookup(host, HandleTypeHost)
	if err != nil {
		return InvalidHandle, err
	}
	return l.startJob(func(ctx context.Context) (Value, error) {
		log.Debug("opening vm", "path", path)
		m, err := obj.host.Open(ctx, path)
		if err != nil {
			return None(), err
		}

		h, err := l.allocate(&object{typ: HandleTypeVM, parent: host, vm: &vmObject{machine: m}})
		if err != nil {
			return None(), err
		}
		return HandleValue(h), nil
	})
}

// vmJob starts a job operating on the machine behind vm.
func (l *Library) vmJob(vm Handle, fn func(ctx context.Context, m Machine) (Value, error)) (Handle, error) {
	obj, err := l.lookup(vm, HandleTypeVM)
	if err != nil {
		return InvalidHandle, err
	}
	m := obj.vm.machine
	return l.startJob(func(ctx context.Context) (Value, error) {
		return fn(ctx, m)
	})
}

func (l *Library) VMPowerOn(vm Handle) (Handle, error) {
	return l.vmJob(vm, func(ctx context.Context, m Machine) (Value, error) {
		log.Debug("powering on vm", "path", m.Path())
		return None(), m.PowerOn(ctx)
	})
}

func (l *Library) VMPowerOff(vm Handle) (Handle, error) {
	return l.vmJob(vm, func(ctx context.Context, m Machine) (Value, error) {
		log.Debug("powering off vm", "path", m.Path())
		return None(), m.PowerOff(ctx)
	})
}

// VMDelete starts a job that deletes the VM. The VM handle and the snapshot
// handles under it stay in the table until released; any call through them
// after a successful delete reaches a machine that no longer exists.
func (l *Library) VMDelete(vm Handle, deleteDisks bool) (Handle, error) {
	return l.vmJob(vm, func(ctx context.Context, m Machine) (Value, error) {
		log.Debug("deleting vm", "path", m.Path(), "delete_disks", deleteDisks)
		return None(), m.Delete(ctx, deleteDisks)
	})
}

// VMWaitForTools starts a job that completes once the guest agent answers.
// It fails with CodeToolsTimeout when timeout elapses first; a non-positive
// timeout waits until the library is closed.
func (l *Library) VMWaitForTools(vm Handle, timeout time.Duration) (Handle, error) {
	return l.vmJob(vm, func(ctx context.Context, m Machine) (Value, error) {
		log.Debug("waiting for guest tools", "path", m.Path(), "timeout", timeout)
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := m.WaitForTools(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return None(), Errorf(CodeToolsTimeout, "guest tools not ready after %s", timeout)
		}
		return None(), err
	})
}

// VMCreateSnapshot starts a job whose result is a snapshot handle.
func (l *Library) VMCreateSnapshot(vm Handle, name, description string) (Handle, error) {
	return l.vmJob(vm, func(ctx context.Context, m Machine) (Value, error) {
		log.Debug("creating snapshot", "path", m.Path(), "name", name)
		info, err := m.CreateSnapshot(ctx, name, description)
		if err != nil {
			return None(), err
		}
		return l.snapshotValue(vm, info)
	})
}

// VMRevertToSnapshot starts a job that reverts the VM to snapshot.
func (l *Library) VMRevertToSnapshot(vm, snapshot Handle) (Handle, error) {
	snap, err := l.lookup(snapshot, HandleTypeSnapshot)
	if err != nil {
		return InvalidHandle, err
	}
	if snap.parent != vm {
		return InvalidHandle, Errorf(CodeInvalidArgument, "snapshot %d does not belong to vm %d", snapshot, vm)
	}

	name := snap.snap.Name
	return l.vmJob(vm, func(ctx context.Context, m Machine) (Value, error) {
		log.Debug("reverting to snapshot", "path", m.Path(), "name", name)
		return None(), m.RevertToSnapshot(ctx, name)
	})
}

func (l *Library) snapshotValue(vm Handle, info SnapshotInfo) (Value, error) {
	h, err := l.allocate(&object{typ: HandleTypeSnapshot, parent: vm, snap: info})
	if err != nil {
		return None(), err
	}
	return HandleValue(h), nil
}

func (l *Library) machine(vm Handle) (Machine, error) {
	obj, err := l.lookup(vm, HandleTypeVM)
	if err != nil {
		return nil, err
	}
	return obj.vm.machine, nil
}

// VMGetNumRootSnapshots returns how many snapshots have no parent.
func (l *Library) VMGetNumRootSnapshots(ctx context.Context, vm Handle) (int, error) {
	m, err := l.machine(vm)
	if err != nil {
		return 0, err
	}
	roots, err := m.RootSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	return len(roots), nil
}

// VMGetRootSnapshot returns a handle to the root snapshot at index.
func (l *Library) VMGetRootSnapshot(ctx context.Context, vm Handle, index int) (Handle, error) {
	m, err := l.machine(vm)
	if err != nil {
		return InvalidHandle, err
	}
	roots, err := m.RootSnapshots(ctx)
	if err != nil {
		return InvalidHandle, err
	}
	if index < 0 || index >= len(roots) {
		return InvalidHandle, Errorf(CodeSnapshotNotFound, "no root snapshot at index %d (have %d)", index, len(roots))
	}

	v, err := l.snapshotValue(vm, roots[index])
	return v.Handle(), err
}

// VMGetNamedSnapshot returns a handle to the snapshot called name.
func (l *Library) VMGetNamedSnapshot(ctx context.Context, vm Handle, name string) (Handle, error) {
	m, err := l.machine(vm)
	if err != nil {
		return InvalidHandle, err
	}
	info, err := m.NamedSnapshot(ctx, name)
	if err != nil {
		return InvalidHandle, err
	}

	v, err := l.snapshotValue(vm, info)
	return v.Handle(), err
}

// VMGetCurrentSnapshot returns a handle to the snapshot the VM runs from.
func (l *Library) VMGetCurrentSnapshot(ctx context.Context, vm Handle) (Handle, error) {
	m, err := l.machine(vm)
	if err != nil {
		return InvalidHandle, err
	}
	info, err := m.CurrentSnapshot(ctx)
	if err != nil {
		return InvalidHandle, err
	}

	v, err := l.snapshotValue(vm, info)
	return v.Handle(), err
}

// VMLoginInGuest starts a job that authenticates inside the guest. Guest
// operations on vm need a completed login.
func (l *Library) VMLoginInGuest(vm Handle, creds Credentials, interactive bool) (Handle, error) {
	obj, err := l.lookup(vm, HandleTypeVM)
	if err != nil {
		return InvalidHandle, err
	}
	return l.startJob(func(ctx context.Context) (Value, error) {
		log.Debug("logging into guest", "path", obj.vm.machine.Path(), "user", creds.Username)
		g, err := obj.vm.machine.Login(ctx, creds, interactive)
		if err != nil {
			return None(), err
		}

		l.mu.Lock()
		prev := obj.vm.guest
		obj.vm.guest = g
		l.mu.Unlock()

		if prev != nil {
			if err := prev.Logout(); err != nil {
				log.Warn("failed to log out of previous guest session", "error", err)
			}
		}
		return None(), nil
	})
}

// VMLogoutFromGuest starts a job that ends the guest session, if any.
func (l *Library) VMLogoutFromGuest(vm Handle) (Handle, error) {
	obj, err := l.lookup(vm, HandleTypeVM)
	if err != nil {
		return InvalidHandle, err
	}
	return l.startJob(func(ctx context.Context) (Value, error) {
		l.mu.Lock()
		g := obj.vm.guest
		obj.vm.guest = nil
		l.mu.Unlock()

		if g == nil {
			return None(), nil
		}
		log.Debug("logging out of guest", "path", obj.vm.machine.Path())
		return None(), g.Logout()
	})
}

// guestJob starts a job on the logged-in guest channel of vm.
func (l *Library) guestJob(vm Handle, fn func(ctx context.Context, g GuestConn) (Value, error)) (Handle, error) {
	l.mu.Lock()
	obj, err := l.lookupLocked(vm, HandleTypeVM)
	if err != nil {
		l.mu.Unlock()
		return InvalidHandle, err
	}
	g := obj.vm.guest
	l.mu.Unlock()

	if g == nil {
		return InvalidHandle, Errorf(CodeGuestNotLoggedIn, "no guest session on vm %d", vm)
	}
	return l.startJob(func(ctx context.Context) (Value, error) {
		return fn(ctx, g)
	})
}

// VMRunProgramInGuest starts a job whose result is a process value.
func (l *Library) VMRunProgramInGuest(vm Handle, path string, args []string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("running program in guest", "program", path, "args", args)
		res, err := g.RunProgram(ctx, path, args)
		if err != nil {
			return None(), err
		}
		return ProcessValue(res), nil
	})
}

// VMRunScriptInGuest starts a job whose result is a process value. An empty
// interpreter selects the guest's default shell.
func (l *Library) VMRunScriptInGuest(vm Handle, interpreter, text string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("running script in guest", "interpreter", interpreter, "bytes", len(text))
		res, err := g.RunScript(ctx, interpreter, text)
		if err != nil {
			return None(), err
		}
		return ProcessValue(res), nil
	})
}

// VMStartProgramInGuest starts a job that completes with the guest PID as
// soon as the program is launched.
func (l *Library) VMStartProgramInGuest(vm Handle, path string, args []string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("starting program in guest", "program", path, "args", args)
		pid, err := g.StartProgram(ctx, path, args)
		if err != nil {
			return None(), err
		}
		return IntValue(int64(pid)), nil
	})
}

func (l *Library) VMStartScriptInGuest(vm Handle, interpreter, text string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("starting script in guest", "interpreter", interpreter, "bytes", len(text))
		pid, err := g.StartScript(ctx, interpreter, text)
		if err != nil {
			return None(), err
		}
		return IntValue(int64(pid)), nil
	})
}

func (l *Library) VMCopyFileFromHostToGuest(vm Handle, localPath, guestPath string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("copying file to guest", "local", localPath, "guest", guestPath)
		return None(), g.CopyToGuest(ctx, localPath, guestPath)
	})
}

func (l *Library) VMCopyFileFromGuestToHost(vm Handle, guestPath, localPath string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("copying file from guest", "guest", guestPath, "local", localPath)
		return None(), g.CopyFromGuest(ctx, guestPath, localPath)
	})
}

// VMFileExistsInGuest starts a job whose result is a bool.
func (l *Library) VMFileExistsInGuest(vm Handle, path string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		ok, err := g.FileExists(ctx, path)
		if err != nil {
			return None(), err
		}
		return BoolValue(ok), nil
	})
}

// VMDirectoryExistsInGuest starts a job whose result is a bool.
func (l *Library) VMDirectoryExistsInGuest(vm Handle, path string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		ok, err := g.DirectoryExists(ctx, path)
		if err != nil {
			return None(), err
		}
		return BoolValue(ok), nil
	})
}

func (l *Library) VMDeleteFileInGuest(vm Handle, path string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("deleting file in guest", "path", path)
		return None(), g.DeleteFile(ctx, path)
	})
}

func (l *Library) VMRenameFileInGuest(vm Handle, oldPath, newPath string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("renaming file in guest", "from", oldPath, "to", newPath)
		return None(), g.RenameFile(ctx, oldPath, newPath)
	})
}

// VMListDirectoryInGuest starts a job whose result is a listing.
func (l *Library) VMListDirectoryInGuest(vm Handle, path string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		entries, err := g.ListDirectory(ctx, path)
		if err != nil {
			return None(), err
		}
		return ListingValue(entries), nil
	})
}

func (l *Library) VMCreateDirectoryInGuest(vm Handle, path string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("creating directory in guest", "path", path)
		return None(), g.CreateDirectory(ctx, path)
	})
}

func (l *Library) VMDeleteDirectoryInGuest(vm Handle, path string) (Handle, error) {
	return l.guestJob(vm, func(ctx context.Context, g GuestConn) (Value, error) {
		log.Debug("deleting directory in guest", "path", path)
		return None(), g.DeleteDirectory(ctx, path)
	})
}
