// Package virt holds what the libvirt RPC and libvirt-dbus backends share:
// domain and snapshot XML, state mapping and the guest login.
package virt

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"libvirt.org/go/libvirtxml"

	"github.com/kriansa/vmctl/internal/guestssh"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// Domain states as reported by virDomainGetState.
const (
	stateNoState     = 0
	stateRunning     = 1
	stateBlocked     = 2
	statePaused      = 3
	stateShutdown    = 4
	stateShutoff     = 5
	stateCrashed     = 6
	statePMSuspended = 7
)

// PollInterval is how often the guest agent is polled while waiting for it.
var PollInterval = time.Second

// DomainName returns the libvirt domain name for a VM path. A path is either
// a bare domain name or a definition file named after its domain, such as
// /etc/libvirt/qemu/web.xml.
func DomainName(vmPath string) string {
	return strings.TrimSuffix(path.Base(vmPath), ".xml")
}

// PowerState maps a libvirt domain state.
func PowerState(state int32) hostlib.PowerState {
	switch state {
	case stateRunning:
		return hostlib.PoweredOn
	case stateBlocked:
		return hostlib.Blocked
	case statePaused:
		return hostlib.Paused
	case stateShutdown:
		return hostlib.PoweringOff
	case stateShutoff, stateCrashed:
		return hostlib.PoweredOff
	case statePMSuspended:
		return hostlib.Suspended
	default:
		return hostlib.PowerStateUnknown
	}
}

// Definition is the part of a domain definition the backends need.
type Definition struct {
	Name  string
	Disks []string
}

// ParseDefinition reads a domain XML document.
func ParseDefinition(doc string) (Definition, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(doc); err != nil {
		return Definition{}, hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "parse domain xml: %v", err)
	}
	if dom.Name == "" {
		return Definition{}, hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "domain xml has no name")
	}

	def := Definition{Name: dom.Name}
	if dom.Devices == nil {
		return def, nil
	}
	for _, disk := range dom.Devices.Disks {
		if disk.Device != "" && disk.Device != "disk" {
			continue
		}
		if disk.Source != nil && disk.Source.File != nil && disk.Source.File.File != "" {
			def.Disks = append(def.Disks, disk.Source.File.File)
		}
	}
	return def, nil
}

// SnapshotXML builds the document passed to snapshot creation.
func SnapshotXML(name, description string) (string, error) {
	snap := libvirtxml.DomainSnapshot{
		Name:        name,
		Description: description,
	}
	doc, err := snap.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal snapshot xml: %w", err)
	}
	return doc, nil
}

// ParseSnapshot reads a snapshot XML document.
func ParseSnapshot(doc string) (hostlib.SnapshotInfo, error) {
	var snap libvirtxml.DomainSnapshot
	if err := snap.Unmarshal(doc); err != nil {
		return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotInvalid, "parse snapshot xml: %v", err)
	}

	info := hostlib.SnapshotInfo{Name: snap.Name, Description: snap.Description}
	if snap.Parent != nil {
		info.Parent = snap.Parent.Name
	}
	return info, nil
}

// GuestConfig describes how to reach guests over SSH.
type GuestConfig struct {
	// Address overrides discovery through the hypervisor.
	Address         string
	Port            int
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
	Shell           string
}

// FirstAddress returns the first usable IPv4 address, then IPv6.
func FirstAddress(addrs []string) string {
	var v6 string
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.To4() != nil {
			return a
		}
		if v6 == "" {
			v6 = a
		}
	}
	return v6
}

// Login opens the guest channel. discover is used when no address is
// configured. An interactive session runs programs on a pseudo-terminal.
func Login(ctx context.Context, cfg GuestConfig, creds hostlib.Credentials, interactive bool, discover func(context.Context) ([]string, error)) (hostlib.GuestConn, error) {
	addr := cfg.Address
	if addr == "" {
		addrs, err := discover(ctx)
		if err != nil {
			return nil, err
		}
		addr = FirstAddress(addrs)
		if addr == "" {
			return nil, hostlib.Errorf(hostlib.CodeToolsNotRunning, "guest reports no network address")
		}
		log.Debug("discovered guest address", "address", addr)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	conn, err := guestssh.Dial(ctx, guestssh.Config{
		Address:         addr,
		Port:            port,
		Credentials:     creds,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.Timeout,
		Shell:           cfg.Shell,
		Interactive:     interactive,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// WaitFor calls ready every PollInterval until it reports true, fails, or
// ctx is done.
func WaitFor(ctx context.Context, ready func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		ok, err := ready(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
