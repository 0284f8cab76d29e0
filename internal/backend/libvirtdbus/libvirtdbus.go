// Package libvirtdbus drives the local hypervisor through the libvirt-dbus
// service. Guests are reached over SSH like the RPC backend does.
package libvirtdbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/kriansa/vmctl/internal/backend/virt"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

const (
	// DBus service and interface constants
	dbusService      = "org.libvirt"
	dbusRootPath     = "/org/libvirt/QEMU"
	connectInterface = "org.libvirt.Connect"
	domainInterface  = "org.libvirt.Domain"
	snapInterface    = "org.libvirt.DomainSnapshot"
	volInterface     = "org.libvirt.StorageVol"

	undefineFlags = 1 | 2 | 4 // managed save, snapshot metadata, nvram

	snapshotListRoots = 1

	interfaceAddressesLease = 0
	interfaceAddressesAgent = 1
)

// Driver implements hostlib.Driver over libvirt-dbus.
type Driver struct {
	guest     virt.GuestConfig
	conn      DBusConnection
	connectFn func(address string) (DBusConnection, error)
	readFile  func(path string) ([]byte, error)
}

// Option is a functional option for Driver
type Option func(*Driver)

// WithConnection sets a custom DBus connection (for testing)
func WithConnection(conn DBusConnection) Option {
	return func(d *Driver) {
		d.conn = conn
		d.connectFn = nil
	}
}

// WithGuest configures how guests are reached for login.
func WithGuest(cfg virt.GuestConfig) Option {
	return func(d *Driver) {
		d.guest = cfg
	}
}

// WithReadFile replaces how VM definition files are read.
func WithReadFile(fn func(path string) ([]byte, error)) Option {
	return func(d *Driver) {
		d.readFile = fn
	}
}

// New returns a libvirt-dbus driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		connectFn: connect,
		readFile:  os.ReadFile,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// connect picks the system bus for local addresses, otherwise treats the
// address as a DBus server address.
func connect(address string) (DBusConnection, error) {
	switch address {
	case "", "localhost", "127.0.0.1", "::1":
		return ConnectSystemBus()
	}
	if !strings.Contains(address, ":") || !strings.Contains(address, "=") {
		return nil, fmt.Errorf("%q is not a local host or a dbus address", address)
	}
	return ConnectBus(address)
}

func (d *Driver) Name() string {
	return "dbus"
}

// Connect implements hostlib.Driver. Credentials are not used; the bus
// policy decides who may manage domains.
func (d *Driver) Connect(ctx context.Context, spec hostlib.ConnectSpec) (hostlib.Host, error) {
	conn := d.conn
	if conn == nil {
		var err error
		conn, err = d.connectFn(spec.Address)
		if err != nil {
			return nil, hostlib.Errorf(hostlib.CodeHostUnreachable, "connect to bus: %v", err)
		}
	}

	h := &host{driver: d, conn: conn}
	var domains []dbus.ObjectPath
	if err := h.call(dbusRootPath, connectInterface+".ListDomains", &domains, uint32(0)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug("connected to libvirt-dbus", "domains", len(domains))

	return h, nil
}

type host struct {
	driver *Driver
	conn   DBusConnection

	mu     sync.Mutex
	closed bool
}

func (h *host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}

// invoke calls method on the object at path.
func (h *host) invoke(path dbus.ObjectPath, method string, args ...any) (*dbus.Call, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, hostlib.Errorf(hostlib.CodeHostNotConnected, "host connection closed")
	}

	obj := h.conn.Object(dbusService, path)
	call := obj.Call(method, 0, args...)
	if call.Err != nil {
		return nil, statusError(method, call.Err)
	}
	return call, nil
}

// call invokes method and stores the reply in out, which may be nil.
func (h *host) call(path dbus.ObjectPath, method string, out any, args ...any) error {
	call, err := h.invoke(path, method, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := call.Store(out); err != nil {
		return fmt.Errorf("store %s result: %w", method, err)
	}
	return nil
}

func (h *host) lookup(vmPath string) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	err := h.call(dbusRootPath, connectInterface+".DomainLookupByName", &path, virt.DomainName(vmPath))
	return path, err
}

func (h *host) Open(ctx context.Context, vmPath string) (hostlib.Machine, error) {
	path, err := h.lookup(vmPath)
	if err != nil {
		return nil, err
	}

	var doc string
	if err := h.call(path, domainInterface+".GetXMLDesc", &doc, uint32(0)); err != nil {
		return nil, hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "read definition of %s: %v", vmPath, err)
	}
	def, err := virt.ParseDefinition(doc)
	if err != nil {
		return nil, err
	}

	return &machine{host: h, path: vmPath, name: def.Name, obj: path}, nil
}

// Register defines the domain described by the XML file at vmPath.
func (h *host) Register(ctx context.Context, vmPath string) error {
	data, err := h.driver.readFile(vmPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hostlib.Errorf(hostlib.CodeVMNotFound, "no vm definition at %s", vmPath)
		}
		return hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "read %s: %v", vmPath, err)
	}

	def, err := virt.ParseDefinition(string(data))
	if err != nil {
		return err
	}
	if _, err := h.lookup(def.Name); err == nil {
		return hostlib.Errorf(hostlib.CodeVMAlreadyRegistered, "domain %q already defined", def.Name)
	}

	var path dbus.ObjectPath
	if err := h.call(dbusRootPath, connectInterface+".DomainDefineXML", &path, string(data), uint32(0)); err != nil {
		return err
	}
	log.Debug("defined domain", "name", def.Name, "object", path)
	return nil
}

func (h *host) Unregister(ctx context.Context, vmPath string) error {
	path, err := h.lookup(vmPath)
	if err != nil {
		return err
	}
	m := &machine{host: h, path: vmPath, obj: path}

	state, err := m.PowerState(ctx)
	if err != nil {
		return err
	}
	if state != hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %s is %s", vmPath, state)
	}
	return h.call(path, domainInterface+".Undefine", nil, uint32(undefineFlags))
}

func isUnknownService(err error) bool {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name == "org.freedesktop.DBus.Error.ServiceUnknown" || e.Name == "org.freedesktop.DBus.Error.NameHasNoOwner"
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name == "org.freedesktop.DBus.Error.ServiceUnknown" || pe.Name == "org.freedesktop.DBus.Error.NameHasNoOwner"
	}
	return false
}

// statusError converts a libvirt-dbus failure. The service reports every
// libvirt error as org.libvirt.Error, so the message tells them apart.
func statusError(method string, err error) error {
	if isUnknownService(err) {
		return hostlib.Errorf(hostlib.CodeHostUnreachable, "%s: %v", method, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "domain snapshot not found"), strings.Contains(msg, "no current snapshot"):
		return hostlib.Errorf(hostlib.CodeSnapshotNotFound, "%s: %v", method, err)
	case strings.Contains(msg, "domain not found"):
		return hostlib.Errorf(hostlib.CodeVMNotFound, "%s: %v", method, err)
	case strings.Contains(msg, "agent is not configured"):
		return hostlib.Errorf(hostlib.CodeNotSupported, "%s: %v", method, err)
	case strings.Contains(msg, "agent is not responding"), strings.Contains(msg, "agent unavailable"):
		return hostlib.Errorf(hostlib.CodeToolsNotRunning, "%s: %v", method, err)
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "not authorized"):
		return hostlib.Errorf(hostlib.CodeHostAuth, "%s: %v", method, err)
	default:
		return hostlib.Errorf(hostlib.CodeFail, "%s: %v", method, err)
	}
}
