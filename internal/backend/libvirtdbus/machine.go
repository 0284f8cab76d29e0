package libvirtdbus

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/kriansa/vmctl/internal/backend/virt"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// ipAddress and domainInterfaceAddrs decode InterfaceAddresses replies,
// signature a(ssa(isu)).
type ipAddress struct {
	Type   int32
	Addr   string
	Prefix uint32
}

type domainInterfaceAddrs struct {
	Name   string
	Hwaddr string
	Addrs  []ipAddress
}

type machine struct {
	host *host
	path string
	name string
	obj  dbus.ObjectPath
}

func (m *machine) Path() string {
	return m.path
}

func (m *machine) PowerState(ctx context.Context) (hostlib.PowerState, error) {
	call, err := m.host.invoke(m.obj, domainInterface+".GetState", uint32(0))
	if err != nil {
		return hostlib.PowerStateUnknown, err
	}

	var state, reason int32
	if err := call.Store(&state, &reason); err != nil {
		return hostlib.PowerStateUnknown, hostlib.Errorf(hostlib.CodeFail, "store GetState result: %v", err)
	}
	return virt.PowerState(state), nil
}

func (m *machine) PowerOn(ctx context.Context) error {
	state, err := m.PowerState(ctx)
	if err != nil {
		return err
	}
	if state == hostlib.PoweredOn {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %s is already running", m.path)
	}

	log.Debug("starting domain", "object", m.obj)
	return m.host.call(m.obj, domainInterface+".Create", nil, uint32(0))
}

func (m *machine) PowerOff(ctx context.Context) error {
	state, err := m.PowerState(ctx)
	if err != nil {
		return err
	}
	if state == hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMNotRunning, "vm %s is not running", m.path)
	}

	log.Debug("destroying domain", "object", m.obj)
	return m.host.call(m.obj, domainInterface+".Destroy", nil, uint32(0))
}

// ping reads the guest clock, which only the guest agent can answer.
func (m *machine) ping() error {
	_, err := m.host.invoke(m.obj, domainInterface+".GetTime", uint32(0))
	return err
}

func (m *machine) ToolsState(ctx context.Context) (hostlib.ToolsState, error) {
	state, err := m.PowerState(ctx)
	if err != nil {
		return hostlib.ToolsUnknown, err
	}
	if state != hostlib.PoweredOn {
		return hostlib.ToolsUnknown, nil
	}

	err = m.ping()
	switch hostlib.CodeOf(err) {
	case hostlib.OK:
		return hostlib.ToolsRunning, nil
	case hostlib.CodeNotSupported:
		return hostlib.ToolsNotInstalled, nil
	case hostlib.CodeHostNotConnected:
		return hostlib.ToolsUnknown, err
	default:
		log.Debug("guest agent not answering", "object", m.obj, "error", err)
		return hostlib.ToolsUnknown, nil
	}
}

func (m *machine) WaitForTools(ctx context.Context) error {
	return virt.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		state, err := m.PowerState(ctx)
		if err != nil {
			return false, err
		}
		if state != hostlib.PoweredOn {
			return false, hostlib.Errorf(hostlib.CodeVMNotRunning, "vm %s is not running", m.path)
		}
		return m.ping() == nil, nil
	})
}

func (m *machine) Delete(ctx context.Context, deleteDisks bool) error {
	state, err := m.PowerState(ctx)
	if err != nil {
		return err
	}
	if state != hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %s must be powered off before deletion", m.path)
	}

	var vols []dbus.ObjectPath
	if deleteDisks {
		var doc string
		if err := m.host.call(m.obj, domainInterface+".GetXMLDesc", &doc, uint32(0)); err != nil {
			return err
		}
		def, err := virt.ParseDefinition(doc)
		if err != nil {
			return err
		}
		for _, disk := range def.Disks {
			var vol dbus.ObjectPath
			if err := m.host.call(dbusRootPath, connectInterface+".StorageVolLookupByPath", &vol, disk); err != nil {
				return hostlib.Errorf(hostlib.CodeFail, "disk %s of %s is not in a storage pool: %v", disk, m.path, err)
			}
			vols = append(vols, vol)
		}
	}

	if err := m.host.call(m.obj, domainInterface+".Undefine", nil, uint32(undefineFlags)); err != nil {
		return err
	}

	for _, vol := range vols {
		if err := m.host.call(vol, volInterface+".Delete", nil, uint32(0)); err != nil {
			log.Warn("vm deleted but disk remains", "vm", m.path, "volume", vol, "error", err)
			continue
		}
		log.Debug("deleted disk", "volume", vol)
	}
	return nil
}

func (m *machine) snapshotInfo(snap dbus.ObjectPath) (hostlib.SnapshotInfo, error) {
	var doc string
	if err := m.host.call(snap, snapInterface+".GetXMLDesc", &doc, uint32(0)); err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	return virt.ParseSnapshot(doc)
}

func (m *machine) lookupSnapshot(name string) (dbus.ObjectPath, error) {
	var snap dbus.ObjectPath
	err := m.host.call(m.obj, domainInterface+".SnapshotLookupByName", &snap, name, uint32(0))
	return snap, err
}

func (m *machine) CreateSnapshot(ctx context.Context, name, description string) (hostlib.SnapshotInfo, error) {
	if _, err := m.lookupSnapshot(name); err == nil {
		return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotExists, "snapshot %q already exists", name)
	} else if hostlib.CodeOf(err) != hostlib.CodeSnapshotNotFound {
		return hostlib.SnapshotInfo{}, err
	}

	doc, err := virt.SnapshotXML(name, description)
	if err != nil {
		return hostlib.SnapshotInfo{}, err
	}

	var snap dbus.ObjectPath
	if err := m.host.call(m.obj, domainInterface+".SnapshotCreateXML", &snap, doc, uint32(0)); err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	return m.snapshotInfo(snap)
}

func (m *machine) RevertToSnapshot(ctx context.Context, name string) error {
	snap, err := m.lookupSnapshot(name)
	if err != nil {
		return err
	}
	return m.host.call(snap, snapInterface+".Revert", nil, uint32(0))
}

func (m *machine) RootSnapshots(ctx context.Context) ([]hostlib.SnapshotInfo, error) {
	var snaps []dbus.ObjectPath
	if err := m.host.call(m.obj, domainInterface+".ListDomainSnapshots", &snaps, uint32(snapshotListRoots)); err != nil {
		return nil, err
	}

	infos := make([]hostlib.SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		info, err := m.snapshotInfo(snap)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (m *machine) NamedSnapshot(ctx context.Context, name string) (hostlib.SnapshotInfo, error) {
	snap, err := m.lookupSnapshot(name)
	if err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	return m.snapshotInfo(snap)
}

func (m *machine) CurrentSnapshot(ctx context.Context) (hostlib.SnapshotInfo, error) {
	var snap dbus.ObjectPath
	if err := m.host.call(m.obj, domainInterface+".SnapshotCurrent", &snap, uint32(0)); err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	return m.snapshotInfo(snap)
}

func (m *machine) addresses(ctx context.Context) ([]string, error) {
	var addrs []string
	for _, source := range []uint32{interfaceAddressesLease, interfaceAddressesAgent} {
		var ifaces []domainInterfaceAddrs
		if err := m.host.call(m.obj, domainInterface+".InterfaceAddresses", &ifaces, source, uint32(0)); err != nil {
			log.Debug("interface addresses unavailable", "object", m.obj, "source", source, "error", err)
			continue
		}
		for _, iface := range ifaces {
			for _, a := range iface.Addrs {
				addrs = append(addrs, a.Addr)
			}
		}
		if len(addrs) > 0 {
			break
		}
	}
	return addrs, nil
}

func (m *machine) Login(ctx context.Context, creds hostlib.Credentials, interactive bool) (hostlib.GuestConn, error) {
	state, err := m.PowerState(ctx)
	if err != nil {
		return nil, err
	}
	if state != hostlib.PoweredOn {
		return nil, hostlib.Errorf(hostlib.CodeToolsNotRunning, "vm %s is not running", m.path)
	}
	return virt.Login(ctx, m.host.driver.guest, creds, interactive, m.addresses)
}
