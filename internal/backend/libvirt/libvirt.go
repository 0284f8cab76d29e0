// Package libvirt drives a remote hypervisor with the libvirt RPC protocol,
// tunnelled over SSH to the libvirtd socket of the management host. Guest
// operations go through the guest's own SSH server.
package libvirt

import (
	"context"
	"os"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"golang.org/x/crypto/ssh"

	"github.com/kriansa/vmctl/internal/backend/virt"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

const (
	// DefaultSocket is the libvirtd socket on the management host.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	snapshotListRoots = 1

	interfaceAddressesLease = 0
	interfaceAddressesAgent = 1

	agentPing    = `{"execute":"guest-ping"}`
	agentTimeout = 5
)

// Driver implements hostlib.Driver over libvirt RPC.
type Driver struct {
	socket      string
	uri         golibvirt.ConnectURI
	hostKey     ssh.HostKeyCallback
	dialTimeout time.Duration
	guest       virt.GuestConfig

	// client replaces the SSH tunnel, for tests.
	client   Client
	readFile func(path string) ([]byte, error)
}

// Option configures a Driver.
type Option func(*Driver)

// WithSocket sets the libvirtd socket path on the host.
func WithSocket(path string) Option {
	return func(d *Driver) {
		if path != "" {
			d.socket = path
		}
	}
}

// WithHostKeyCallback verifies the management host key.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(d *Driver) {
		d.hostKey = cb
	}
}

// WithDialTimeout bounds the TCP connect and SSH handshake.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		d.dialTimeout = timeout
	}
}

// WithGuest configures how guests are reached for login.
func WithGuest(cfg virt.GuestConfig) Option {
	return func(d *Driver) {
		d.guest = cfg
	}
}

// WithClient uses c instead of dialing the host, and readFile to read
// definition files (for testing).
func WithClient(c Client, readFile func(path string) ([]byte, error)) Option {
	return func(d *Driver) {
		d.client = c
		d.readFile = readFile
	}
}

// New returns a libvirt RPC driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		socket:      DefaultSocket,
		uri:         golibvirt.QEMUSystem,
		dialTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Driver) Name() string {
	return "libvirt"
}

// Connect implements hostlib.Driver.
func (d *Driver) Connect(ctx context.Context, spec hostlib.ConnectSpec) (hostlib.Host, error) {
	if d.client != nil {
		readFile := d.readFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		return &host{driver: d, client: d.client, readFile: readFile}, nil
	}

	t, err := d.dial(ctx, spec)
	if err != nil {
		return nil, err
	}
	log.Debug("libvirt connection established", "address", spec.Address, "uri", d.uri)
	return &host{driver: d, client: t.client, readFile: t.ReadFile, closer: t}, nil
}

type host struct {
	driver   *Driver
	client   Client
	readFile func(path string) ([]byte, error)
	closer   interface{ Close() error }

	mu     sync.Mutex
	closed bool
}

func (h *host) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return hostlib.Errorf(hostlib.CodeHostNotConnected, "host connection closed")
	}
	return nil
}

func (h *host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.closer != nil {
		return h.closer.Close()
	}
	return nil
}

func (h *host) lookup(vmPath string) (golibvirt.Domain, error) {
	if err := h.check(); err != nil {
		return golibvirt.Domain{}, err
	}
	dom, err := h.client.DomainLookupByName(virt.DomainName(vmPath))
	if err != nil {
		return golibvirt.Domain{}, statusError("lookup "+vmPath, err)
	}
	return dom, nil
}

func (h *host) Open(ctx context.Context, vmPath string) (hostlib.Machine, error) {
	dom, err := h.lookup(vmPath)
	if err != nil {
		return nil, err
	}

	doc, err := h.client.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "read definition of %s: %v", vmPath, err)
	}
	if _, err := virt.ParseDefinition(doc); err != nil {
		return nil, err
	}

	return &machine{host: h, path: vmPath, dom: dom}, nil
}

// Register defines the domain described by the XML file at vmPath on the
// management host.
func (h *host) Register(ctx context.Context, vmPath string) error {
	if err := h.check(); err != nil {
		return err
	}

	data, err := h.readFile(vmPath)
	if err != nil {
		if os.IsNotExist(err) {
			return hostlib.Errorf(hostlib.CodeVMNotFound, "no vm definition at %s", vmPath)
		}
		return hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "read %s: %v", vmPath, err)
	}

	def, err := virt.ParseDefinition(string(data))
	if err != nil {
		return err
	}
	if _, err := h.client.DomainLookupByName(def.Name); err == nil {
		return hostlib.Errorf(hostlib.CodeVMAlreadyRegistered, "domain %q already defined", def.Name)
	}

	if _, err := h.client.DomainDefineXML(string(data)); err != nil {
		return statusError("define "+def.Name, err)
	}
	log.Debug("defined domain", "name", def.Name, "path", vmPath)
	return nil
}

func (h *host) Unregister(ctx context.Context, vmPath string) error {
	dom, err := h.lookup(vmPath)
	if err != nil {
		return err
	}

	state, _, err := h.client.DomainGetState(dom, 0)
	if err != nil {
		return statusError("get state", err)
	}
	if virt.PowerState(state) != hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %s is %s", vmPath, virt.PowerState(state))
	}

	flags := golibvirt.DomainUndefineManagedSave | golibvirt.DomainUndefineSnapshotsMetadata | golibvirt.DomainUndefineNvram
	return statusError("undefine "+vmPath, h.client.DomainUndefineFlags(dom, flags))
}
