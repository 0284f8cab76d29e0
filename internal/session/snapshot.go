package session

import (
	"context"

	"github.com/kriansa/vmctl/internal/handle"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// Snapshot is a handle to one snapshot of a VM. Release it once done; any
// still held are released when the VM is closed.
type Snapshot struct {
	vm  *VM
	ref handle.Ref

	Name        string
	Description string
	// Parent is the name of the parent snapshot, empty for a root.
	Parent string
}

// Release frees the snapshot handle. Snapshots of a closed VM were already
// released with it.
func (sn *Snapshot) Release() error {
	s := sn.vm.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := sn.vm.snaps[sn]; !held && sn.vm.stale {
		return nil
	}
	delete(sn.vm.snaps, sn)
	if err := s.reg.Release(sn.ref); err != nil {
		return snapshotError(err)
	}
	return nil
}

// adoptLocked registers a raw snapshot handle and reads its properties.
// The handle is released if anything fails.
func (v *VM) adoptLocked(ctx context.Context, raw hostlib.Handle) (*Snapshot, error) {
	ref, err := v.s.reg.Register(raw, hostlib.HandleTypeSnapshot)
	if err != nil {
		if rerr := v.s.lib.Release(raw); rerr != nil {
			log.Warn("failed to release unregistered snapshot", "handle", raw, "error", rerr)
		}
		return nil, snapshotError(err)
	}

	sn := &Snapshot{vm: v, ref: ref}
	props := []struct {
		prop hostlib.Property
		dst  *string
	}{
		{hostlib.PropertySnapshotName, &sn.Name},
		{hostlib.PropertySnapshotDescription, &sn.Description},
		{hostlib.PropertySnapshotParent, &sn.Parent},
	}
	for _, p := range props {
		val, err := v.s.lib.GetProperty(ctx, raw, p.prop)
		if err != nil {
			if rerr := v.s.reg.Release(ref); rerr != nil {
				log.Warn("failed to release snapshot", "handle", raw, "error", rerr)
			}
			return nil, snapshotError(err)
		}
		*p.dst = val.Str()
	}

	v.snaps[sn] = struct{}{}
	return sn, nil
}

// CreateSnapshot takes a snapshot of the VM. The new snapshot becomes the
// current one.
func (v *VM) CreateSnapshot(ctx context.Context, name, description string) (*Snapshot, error) {
	var sn *Snapshot
	err := v.do(func(raw hostlib.Handle) error {
		val, err := v.s.jobs.Run(ctx, func() (hostlib.Handle, error) {
			return v.s.lib.VMCreateSnapshot(raw, name, description)
		}, hostlib.KindHandle, v.s.opts.operationTimeout)
		if err != nil {
			return snapshotError(err)
		}

		sn, err = v.adoptLocked(ctx, val.Handle())
		if err != nil {
			return err
		}
		log.Info("created snapshot", "path", v.path, "name", name)
		return nil
	})
	return sn, err
}

// RevertToSnapshot restores the VM to sn.
func (v *VM) RevertToSnapshot(ctx context.Context, sn *Snapshot) error {
	if sn == nil || sn.vm != v {
		return &SnapshotError{Reason: ReasonInvalid, Message: "snapshot does not belong to " + v.path}
	}

	return v.do(func(raw hostlib.Handle) error {
		return v.revertLocked(ctx, raw, sn)
	})
}

func (v *VM) revertLocked(ctx context.Context, raw hostlib.Handle, sn *Snapshot) error {
	snapRaw, err := v.s.reg.Raw(sn.ref)
	if err != nil {
		return snapshotError(err)
	}

	err = v.s.run(ctx, func() (hostlib.Handle, error) {
		return v.s.lib.VMRevertToSnapshot(raw, snapRaw)
	}, v.s.opts.operationTimeout)
	if err != nil {
		return snapshotError(err)
	}

	log.Info("reverted to snapshot", "path", v.path, "name", sn.Name)
	return nil
}

// RevertToNamedSnapshot looks up the snapshot called name and reverts to it.
func (v *VM) RevertToNamedSnapshot(ctx context.Context, name string) error {
	return v.do(func(raw hostlib.Handle) error {
		sn, err := v.namedLocked(ctx, raw, name)
		if err != nil {
			return err
		}
		defer v.releaseLocked(sn)

		return v.revertLocked(ctx, raw, sn)
	})
}

func (v *VM) releaseLocked(sn *Snapshot) {
	delete(v.snaps, sn)
	if err := v.s.reg.Release(sn.ref); err != nil {
		log.Warn("failed to release snapshot", "snapshot", sn.Name, "error", err)
	}
}

func (v *VM) namedLocked(ctx context.Context, raw hostlib.Handle, name string) (*Snapshot, error) {
	snapRaw, err := v.s.lib.VMGetNamedSnapshot(ctx, raw, name)
	if err != nil {
		return nil, snapshotError(err)
	}
	return v.adoptLocked(ctx, snapRaw)
}

// NamedSnapshot returns the snapshot called name.
func (v *VM) NamedSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	var sn *Snapshot
	err := v.do(func(raw hostlib.Handle) error {
		var err error
		sn, err = v.namedLocked(ctx, raw, name)
		return err
	})
	return sn, err
}

// RootSnapshot returns the root snapshot at index.
func (v *VM) RootSnapshot(ctx context.Context, index int) (*Snapshot, error) {
	var sn *Snapshot
	err := v.do(func(raw hostlib.Handle) error {
		snapRaw, err := v.s.lib.VMGetRootSnapshot(ctx, raw, index)
		if err != nil {
			return snapshotError(err)
		}
		sn, err = v.adoptLocked(ctx, snapRaw)
		return err
	})
	return sn, err
}

// NumRootSnapshots returns the number of snapshots without a parent.
func (v *VM) NumRootSnapshots(ctx context.Context) (int, error) {
	var n int
	err := v.do(func(raw hostlib.Handle) error {
		var err error
		n, err = v.s.lib.VMGetNumRootSnapshots(ctx, raw)
		return snapshotError(err)
	})
	return n, err
}

// CurrentSnapshot returns the snapshot the VM is running from.
func (v *VM) CurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	var sn *Snapshot
	err := v.do(func(raw hostlib.Handle) error {
		snapRaw, err := v.s.lib.VMGetCurrentSnapshot(ctx, raw)
		if err != nil {
			return snapshotError(err)
		}
		sn, err = v.adoptLocked(ctx, snapRaw)
		return err
	})
	return sn, err
}
