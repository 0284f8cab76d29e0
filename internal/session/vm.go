package session

import (
	"context"
	"time"

	"github.com/kriansa/vmctl/internal/handle"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// VM is the session's binding to one virtual machine. Once the VM is
// closed or deleted every method fails with ErrStaleHandle.
type VM struct {
	s     *Session
	ref   handle.Ref
	path  string
	stale bool
	guest *Guest
	snaps map[*Snapshot]struct{}
}

// Path returns the path the VM was opened with.
func (v *VM) Path() string {
	return v.path
}

// rawLocked returns the raw VM handle. s.mu must be held.
func (v *VM) rawLocked() (hostlib.Handle, error) {
	if v.stale {
		return hostlib.InvalidHandle, &VMError{Reason: ReasonStaleHandle, Message: v.path + " is no longer bound"}
	}
	raw, err := v.s.reg.Raw(v.ref)
	if err != nil {
		return hostlib.InvalidHandle, vmError(err)
	}
	return raw, nil
}

// do runs fn with the session lock held and the raw VM handle.
func (v *VM) do(fn func(raw hostlib.Handle) error) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	raw, err := v.rawLocked()
	if err != nil {
		return err
	}
	return fn(raw)
}

// PowerOn starts the VM.
func (v *VM) PowerOn(ctx context.Context) error {
	return v.do(func(raw hostlib.Handle) error {
		err := v.s.run(ctx, func() (hostlib.Handle, error) {
			return v.s.lib.VMPowerOn(raw)
		}, v.s.opts.operationTimeout)
		if err != nil {
			return vmError(err)
		}

		log.Info("powered on vm", "path", v.path)
		return nil
	})
}

// PowerOff stops the VM. Stopping a VM that is already off succeeds.
func (v *VM) PowerOff(ctx context.Context) error {
	return v.do(func(raw hostlib.Handle) error {
		state, err := v.powerStateLocked(ctx, raw)
		if err != nil {
			return err
		}
		if state == hostlib.PoweredOff {
			log.Debug("vm already powered off", "path", v.path)
			return nil
		}

		err = v.s.run(ctx, func() (hostlib.Handle, error) {
			return v.s.lib.VMPowerOff(raw)
		}, v.s.opts.operationTimeout)
		if hostlib.CodeOf(err) == hostlib.CodeVMNotRunning {
			log.Debug("vm stopped before power off", "path", v.path)
			return nil
		}
		if err != nil {
			return vmError(err)
		}

		log.Info("powered off vm", "path", v.path)
		return nil
	})
}

func (v *VM) powerStateLocked(ctx context.Context, raw hostlib.Handle) (PowerState, error) {
	val, err := v.s.lib.GetProperty(ctx, raw, hostlib.PropertyVMPowerState)
	if err != nil {
		return hostlib.PowerStateUnknown, vmError(err)
	}
	return hostlib.PowerState(val.Int()), nil
}

// PowerState reads the power state from the hypervisor.
func (v *VM) PowerState(ctx context.Context) (PowerState, error) {
	var state PowerState
	err := v.do(func(raw hostlib.Handle) error {
		var err error
		state, err = v.powerStateLocked(ctx, raw)
		return err
	})
	return state, err
}

// ToolsState reads the guest agent state from the hypervisor.
func (v *VM) ToolsState(ctx context.Context) (ToolsState, error) {
	var state ToolsState
	err := v.do(func(raw hostlib.Handle) error {
		val, err := v.s.lib.GetProperty(ctx, raw, hostlib.PropertyVMToolsState)
		if err != nil {
			return vmError(err)
		}
		state = hostlib.ToolsState(val.Int())
		return nil
	})
	return state, err
}

// WaitForGuestTools blocks until the guest agent answers. A non-positive
// timeout uses the session default.
func (v *VM) WaitForGuestTools(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = v.s.opts.toolsTimeout
	}

	return v.do(func(raw hostlib.Handle) error {
		err := v.s.run(ctx, func() (hostlib.Handle, error) {
			return v.s.lib.VMWaitForTools(raw, timeout)
		}, timeout)
		switch hostlib.CodeOf(err) {
		case hostlib.OK:
			log.Debug("guest tools ready", "path", v.path)
			return nil
		case hostlib.CodeTimeout, hostlib.CodeToolsTimeout:
			return &VMError{Reason: ReasonToolsTimeout, Code: hostlib.CodeToolsTimeout, Message: "guest tools did not start within " + timeout.String(), Err: err}
		default:
			return vmError(err)
		}
	})
}

// Delete removes the VM, with its disks when deleteDisks is set. The
// binding ends on success.
func (v *VM) Delete(ctx context.Context, deleteDisks bool) error {
	return v.do(func(raw hostlib.Handle) error {
		err := v.s.run(ctx, func() (hostlib.Handle, error) {
			return v.s.lib.VMDelete(raw, deleteDisks)
		}, v.s.opts.operationTimeout)
		if err != nil {
			return vmError(err)
		}

		log.Info("deleted vm", "path", v.path, "delete_disks", deleteDisks)
		v.closeLocked()
		return nil
	})
}

// Close ends the binding: it logs out of the guest and releases every
// snapshot and the VM handle. Closing twice is a no-op.
func (v *VM) Close() {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.closeLocked()
}

func (v *VM) closeLocked() {
	if v.stale {
		return
	}
	v.stale = true

	if v.guest != nil {
		v.guest.active = false
		v.guest = nil
	}
	for snap := range v.snaps {
		if err := v.s.reg.Release(snap.ref); err != nil {
			log.Warn("failed to release snapshot", "snapshot", snap.Name, "error", err)
		}
		delete(v.snaps, snap)
	}
	if err := v.s.reg.Release(v.ref); err != nil {
		log.Warn("failed to release vm", "path", v.path, "error", err)
	}
	if v.s.vm == v {
		v.s.vm = nil
	}
}

// LoginGuest authenticates inside the guest. Credentials are required;
// empty ones fail without reaching the hypervisor.
func (v *VM) LoginGuest(ctx context.Context, creds Credentials, interactive bool) (*Guest, error) {
	if creds.Empty() {
		return nil, &GuestError{Reason: ReasonNoCredentials, Message: "guest credentials are required"}
	}

	var g *Guest
	err := v.do(func(raw hostlib.Handle) error {
		err := v.s.run(ctx, func() (hostlib.Handle, error) {
			return v.s.lib.VMLoginInGuest(raw, creds, interactive)
		}, v.s.opts.operationTimeout)
		if err != nil {
			return guestError(err)
		}

		if v.guest != nil {
			v.guest.active = false
		}
		g = &Guest{vm: v, user: creds.Username, active: true}
		v.guest = g
		log.Info("logged into guest", "path", v.path, "user", creds.Username)
		return nil
	})
	return g, err
}

// LogoutGuest ends the guest session. It is a no-op when not logged in.
func (v *VM) LogoutGuest(ctx context.Context) error {
	return v.do(func(raw hostlib.Handle) error {
		return v.logoutLocked(ctx, raw)
	})
}

func (v *VM) logoutLocked(ctx context.Context, raw hostlib.Handle) error {
	if v.guest == nil {
		return nil
	}

	user := v.guest.user
	v.guest.active = false
	v.guest = nil

	err := v.s.run(ctx, func() (hostlib.Handle, error) {
		return v.s.lib.VMLogoutFromGuest(raw)
	}, v.s.opts.operationTimeout)
	if err != nil {
		return guestError(err)
	}

	log.Info("logged out of guest", "path", v.path, "user", user)
	return nil
}
