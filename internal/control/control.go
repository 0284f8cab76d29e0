// Package control runs the vmctl operations against the VM named in the
// configuration. It connects, binds the VM and logs into the guest lazily,
// and keeps them for the calls that follow.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kriansa/vmctl/internal/api"
	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
	"github.com/kriansa/vmctl/internal/session"
	"github.com/kriansa/vmctl/internal/validation"
)

// Controller implements the operations served on the control socket.
type Controller struct {
	mu   sync.Mutex
	cfg  *config.Config
	lib  *hostlib.Library
	sess *session.Session

	vm    *session.VM
	guest *session.Guest
}

// New returns a controller for cfg, which must have defaults applied.
func New(cfg *config.Config, driver hostlib.Driver, opts ...session.Option) *Controller {
	lib := hostlib.New(driver)
	opts = append([]session.Option{
		session.WithConnectTimeout(cfg.Timeouts.Connect.Duration),
		session.WithOperationTimeout(cfg.Timeouts.Operation.Duration),
		session.WithToolsTimeout(cfg.Timeouts.Tools.Duration),
	}, opts...)

	return &Controller{
		cfg:  cfg,
		lib:  lib,
		sess: session.New(lib, opts...),
	}
}

// Close disconnects and shuts the library down.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vm, c.guest = nil, nil
	return errors.Join(c.sess.Disconnect(), c.lib.Close())
}

// Disconnect drops the host connection; the next call reconnects.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vm, c.guest = nil, nil
	return c.sess.Disconnect()
}

func (c *Controller) connectLocked(ctx context.Context) error {
	if c.sess.State() != session.Disconnected {
		return nil
	}

	creds := session.Credentials{Username: c.cfg.Host.Username, Password: c.cfg.Host.Password}
	return c.sess.Connect(ctx, c.cfg.Host.Address, c.cfg.Host.Port, creds)
}

// vmLocked returns the bound VM, connecting and opening it as needed.
func (c *Controller) vmLocked(ctx context.Context) (*session.VM, error) {
	if c.vm != nil && c.sess.VM() == c.vm {
		return c.vm, nil
	}
	c.vm, c.guest = nil, nil

	if c.cfg.VM.Path == "" {
		return nil, fmt.Errorf("no vm selected (use --vm or set 'path' in [vm])")
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	vm, err := c.sess.OpenVM(ctx, c.cfg.VM.Path)
	if err != nil {
		return nil, err
	}
	c.vm = vm
	return vm, nil
}

// guestLocked returns a logged-in guest, waiting for the guest tools first.
func (c *Controller) guestLocked(ctx context.Context) (*session.Guest, error) {
	vm, err := c.vmLocked(ctx)
	if err != nil {
		return nil, err
	}
	if c.guest != nil {
		return c.guest, nil
	}

	if err := vm.WaitForGuestTools(ctx, 0); err != nil {
		return nil, err
	}
	creds := session.Credentials{Username: c.cfg.Guest.Username, Password: c.cfg.Guest.Password}
	g, err := vm.LoginGuest(ctx, creds, c.cfg.Guest.Interactive)
	if err != nil {
		return nil, err
	}
	c.guest = g
	return g, nil
}

// withVM runs fn on the bound VM.
func (c *Controller) withVM(ctx context.Context, fn func(vm *session.VM) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, err := c.vmLocked(ctx)
	if err != nil {
		return err
	}
	return fn(vm)
}

// withGuest runs fn in the guest, logging in again once if the previous
// login was lost.
func (c *Controller) withGuest(ctx context.Context, fn func(g *session.Guest) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, err := c.guestLocked(ctx)
	if err != nil {
		return err
	}
	err = fn(g)
	if errors.Is(err, session.ErrNotLoggedIn) {
		log.Debug("guest login lost, logging in again", "path", c.cfg.VM.Path)
		c.guest = nil
		if g, err = c.guestLocked(ctx); err != nil {
			return err
		}
		err = fn(g)
	}
	return err
}

// Status reports the power and tools state of the VM.
func (c *Controller) Status(ctx context.Context) (api.Status, error) {
	var st api.Status
	err := c.withVM(ctx, func(vm *session.VM) error {
		power, err := vm.PowerState(ctx)
		if err != nil {
			return err
		}
		tools, err := vm.ToolsState(ctx)
		if err != nil {
			return err
		}
		st = api.Status{Path: vm.Path(), PowerState: power.String(), ToolsState: tools.String()}
		return nil
	})
	return st, err
}

func (c *Controller) PowerOn(ctx context.Context) error {
	return c.withVM(ctx, func(vm *session.VM) error {
		return vm.PowerOn(ctx)
	})
}

// PowerOff also forgets the guest login, which does not survive it.
func (c *Controller) PowerOff(ctx context.Context) error {
	return c.withVM(ctx, func(vm *session.VM) error {
		c.guest = nil
		return vm.PowerOff(ctx)
	})
}

// WaitForTools waits for the guest agent. A non-positive timeout uses the
// configured one.
func (c *Controller) WaitForTools(ctx context.Context, timeout time.Duration) error {
	return c.withVM(ctx, func(vm *session.VM) error {
		return vm.WaitForGuestTools(ctx, timeout)
	})
}

// Delete removes the VM and ends the binding.
func (c *Controller) Delete(ctx context.Context, deleteDisks bool) error {
	return c.withVM(ctx, func(vm *session.VM) error {
		if err := vm.Delete(ctx, deleteDisks); err != nil {
			return err
		}
		c.vm, c.guest = nil, nil
		return nil
	})
}

// Register adds the VM definition at path to the host inventory.
func (c *Controller) Register(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	return c.sess.RegisterVM(ctx, path)
}

// Unregister removes path from the host inventory. The configured VM is
// released first when it is the one being removed.
func (c *Controller) Unregister(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if c.vm != nil && c.vm.Path() == path {
		c.vm.Close()
		c.vm, c.guest = nil, nil
	}
	return c.sess.UnregisterVM(ctx, path)
}

func snapshotInfo(sn *session.Snapshot) api.Snapshot {
	return api.Snapshot{Name: sn.Name, Description: sn.Description, Parent: sn.Parent}
}

func (c *Controller) CreateSnapshot(ctx context.Context, name, description string) (api.Snapshot, error) {
	if err := validation.ValidateSnapshotName(name); err != nil {
		return api.Snapshot{}, &session.SnapshotError{Reason: session.ReasonInvalid, Code: hostlib.CodeInvalidArgument, Message: err.Error()}
	}

	var info api.Snapshot
	err := c.withVM(ctx, func(vm *session.VM) error {
		sn, err := vm.CreateSnapshot(ctx, name, description)
		if err != nil {
			return err
		}
		defer release(sn)
		info = snapshotInfo(sn)
		return nil
	})
	return info, err
}

// RevertSnapshot reverts to the named snapshot, or to the current one when
// name is empty.
func (c *Controller) RevertSnapshot(ctx context.Context, name string) error {
	return c.withVM(ctx, func(vm *session.VM) error {
		c.guest = nil
		if name != "" {
			return vm.RevertToNamedSnapshot(ctx, name)
		}

		sn, err := vm.CurrentSnapshot(ctx)
		if err != nil {
			return err
		}
		defer release(sn)
		return vm.RevertToSnapshot(ctx, sn)
	})
}

// Snapshots lists the root snapshots and the current one, if any.
func (c *Controller) Snapshots(ctx context.Context) ([]api.Snapshot, *api.Snapshot, error) {
	var (
		roots   []api.Snapshot
		current *api.Snapshot
	)
	err := c.withVM(ctx, func(vm *session.VM) error {
		n, err := vm.NumRootSnapshots(ctx)
		if err != nil {
			return err
		}
		roots = make([]api.Snapshot, 0, n)
		for i := 0; i < n; i++ {
			sn, err := vm.RootSnapshot(ctx, i)
			if err != nil {
				return err
			}
			roots = append(roots, snapshotInfo(sn))
			release(sn)
		}

		sn, err := vm.CurrentSnapshot(ctx)
		switch {
		case errors.Is(err, session.ErrSnapshotNotFound):
			return nil
		case err != nil:
			return err
		}
		info := snapshotInfo(sn)
		current = &info
		release(sn)
		return nil
	})
	return roots, current, err
}

// NamedSnapshot looks up one snapshot.
func (c *Controller) NamedSnapshot(ctx context.Context, name string) (api.Snapshot, error) {
	var info api.Snapshot
	err := c.withVM(ctx, func(vm *session.VM) error {
		sn, err := vm.NamedSnapshot(ctx, name)
		if err != nil {
			return err
		}
		defer release(sn)
		info = snapshotInfo(sn)
		return nil
	})
	return info, err
}

func release(sn *session.Snapshot) {
	if err := sn.Release(); err != nil {
		log.Warn("failed to release snapshot", "snapshot", sn.Name, "error", err)
	}
}
