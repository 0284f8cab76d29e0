package libvirt

import (
	"context"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/kriansa/vmctl/internal/backend/virt"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

type machine struct {
	host *host
	path string
	dom  golibvirt.Domain
}

func (m *machine) Path() string {
	return m.path
}

func (m *machine) client() (Client, error) {
	if err := m.host.check(); err != nil {
		return nil, err
	}
	return m.host.client, nil
}

func (m *machine) PowerState(ctx context.Context) (hostlib.PowerState, error) {
	c, err := m.client()
	if err != nil {
		return hostlib.PowerStateUnknown, err
	}

	state, _, err := c.DomainGetState(m.dom, 0)
	if err != nil {
		return hostlib.PowerStateUnknown, statusError("get state of "+m.path, err)
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

	log.Debug("starting domain", "name", m.dom.Name)
	return statusError("start "+m.path, m.host.client.DomainCreate(m.dom))
}

// PowerOff stops the domain immediately, as pulling the plug would.
func (m *machine) PowerOff(ctx context.Context) error {
	state, err := m.PowerState(ctx)
	if err != nil {
		return err
	}
	if state == hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMNotRunning, "vm %s is not running", m.path)
	}

	log.Debug("destroying domain", "name", m.dom.Name)
	return statusError("stop "+m.path, m.host.client.DomainDestroy(m.dom))
}

// ping asks the QEMU guest agent for a reply.
func (m *machine) ping() error {
	_, err := m.host.client.QEMUDomainAgentCommand(m.dom, agentPing, agentTimeout, 0)
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
	switch {
	case err == nil:
		return hostlib.ToolsRunning, nil
	case libvirtCode(err) == errArgumentUnsupported:
		return hostlib.ToolsNotInstalled, nil
	default:
		log.Debug("guest agent not answering", "name", m.dom.Name, "error", err)
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

// Delete undefines the domain. With deleteDisks its file-backed disks are
// removed from their storage pools as well. Every disk must belong to a pool,
// otherwise nothing is deleted. Once the domain is undefined, a disk that
// cannot be removed is logged and left behind.
func (m *machine) Delete(ctx context.Context, deleteDisks bool) error {
	state, err := m.PowerState(ctx)
	if err != nil {
		return err
	}
	if state != hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %s must be powered off before deletion", m.path)
	}

	c := m.host.client
	var vols []golibvirt.StorageVol
	if deleteDisks {
		doc, err := c.DomainGetXMLDesc(m.dom, 0)
		if err != nil {
			return statusError("read definition of "+m.path, err)
		}
		def, err := virt.ParseDefinition(doc)
		if err != nil {
			return err
		}
		for _, disk := range def.Disks {
			vol, err := c.StorageVolLookupByPath(disk)
			if err != nil {
				return hostlib.Errorf(hostlib.CodeFail, "disk %s of %s is not in a storage pool: %v", disk, m.path, err)
			}
			vols = append(vols, vol)
		}
	}

	flags := golibvirt.DomainUndefineManagedSave | golibvirt.DomainUndefineSnapshotsMetadata | golibvirt.DomainUndefineNvram
	if err := c.DomainUndefineFlags(m.dom, flags); err != nil {
		return statusError("undefine "+m.path, err)
	}

	for _, vol := range vols {
		if err := c.StorageVolDelete(vol, 0); err != nil {
			log.Warn("vm deleted but disk remains", "vm", m.path, "disk", vol.Key, "error", err)
			continue
		}
		log.Debug("deleted disk", "path", vol.Key)
	}
	return nil
}

func (m *machine) snapshotInfo(snap golibvirt.DomainSnapshot) (hostlib.SnapshotInfo, error) {
	doc, err := m.host.client.DomainSnapshotGetXMLDesc(snap, 0)
	if err != nil {
		return hostlib.SnapshotInfo{}, statusError("read snapshot "+snap.Name, err)
	}
	return virt.ParseSnapshot(doc)
}

func (m *machine) CreateSnapshot(ctx context.Context, name, description string) (hostlib.SnapshotInfo, error) {
	c, err := m.client()
	if err != nil {
		return hostlib.SnapshotInfo{}, err
	}

	if _, err := c.DomainSnapshotLookupByName(m.dom, name, 0); err == nil {
		return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotExists, "snapshot %q already exists", name)
	}

	doc, err := virt.SnapshotXML(name, description)
	if err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	snap, err := c.DomainSnapshotCreateXML(m.dom, doc, 0)
	if err != nil {
		return hostlib.SnapshotInfo{}, statusError("create snapshot "+name, err)
	}
	return m.snapshotInfo(snap)
}

func (m *machine) lookupSnapshot(name string) (golibvirt.DomainSnapshot, error) {
	c, err := m.client()
	if err != nil {
		return golibvirt.DomainSnapshot{}, err
	}

	snap, err := c.DomainSnapshotLookupByName(m.dom, name, 0)
	if err != nil {
		if libvirtCode(err) == errNoDomainSnapshot {
			return golibvirt.DomainSnapshot{}, hostlib.Errorf(hostlib.CodeSnapshotNotFound, "snapshot %q not found", name)
		}
		return golibvirt.DomainSnapshot{}, statusError("lookup snapshot "+name, err)
	}
	return snap, nil
}

func (m *machine) RevertToSnapshot(ctx context.Context, name string) error {
	snap, err := m.lookupSnapshot(name)
	if err != nil {
		return err
	}
	return statusError("revert to "+name, m.host.client.DomainRevertToSnapshot(snap, 0))
}

func (m *machine) RootSnapshots(ctx context.Context) ([]hostlib.SnapshotInfo, error) {
	c, err := m.client()
	if err != nil {
		return nil, err
	}

	snaps, _, err := c.DomainListAllSnapshots(m.dom, 1, snapshotListRoots)
	if err != nil {
		return nil, statusError("list snapshots of "+m.path, err)
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
	c, err := m.client()
	if err != nil {
		return hostlib.SnapshotInfo{}, err
	}

	snap, err := c.DomainSnapshotCurrent(m.dom, 0)
	if err != nil {
		if libvirtCode(err) == errNoDomainSnapshot {
			return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotNotFound, "vm %s has no current snapshot", m.path)
		}
		return hostlib.SnapshotInfo{}, statusError("current snapshot of "+m.path, err)
	}
	return m.snapshotInfo(snap)
}

// addresses lists guest addresses from DHCP leases, then from the agent.
func (m *machine) addresses(ctx context.Context) ([]string, error) {
	var addrs []string
	for _, source := range []uint32{interfaceAddressesLease, interfaceAddressesAgent} {
		ifaces, err := m.host.client.DomainInterfaceAddresses(m.dom, source, 0)
		if err != nil {
			log.Debug("interface addresses unavailable", "name", m.dom.Name, "source", source, "error", err)
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
