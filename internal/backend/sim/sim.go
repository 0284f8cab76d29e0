// Package sim is an in-memory hypervisor. It backs the test suites and the
// "sim" backend of the CLI, and keeps its inventory across connections the
// way a real management host does.
package sim

import (
	"context"
	"sort"
	"sync"

	"github.com/kriansa/vmctl/internal/hostlib"
)

// Protocol is the control protocol version spoken by the simulated host.
const Protocol = 1

// Option configures a Driver.
type Option func(*Driver)

// WithAddress sets the only address the host answers on. Defaults to "localhost".
func WithAddress(addr string) Option {
	return func(d *Driver) {
		d.address = addr
	}
}

// WithUser adds a host account.
func WithUser(username, password string) Option {
	return func(d *Driver) {
		d.users[username] = password
	}
}

// WithHostProtocol makes the host speak a different protocol version.
func WithHostProtocol(v int) Option {
	return func(d *Driver) {
		d.protocol = v
	}
}

// WithMachine adds a VM to the host datastore.
func WithMachine(m Machine) Option {
	return func(d *Driver) {
		d.machines[m.Path] = newVM(m)
	}
}

// Driver is the simulated host. It implements hostlib.Driver.
type Driver struct {
	address  string
	protocol int
	users    map[string]string

	// detached tracks programs started in the background.
	detached sync.WaitGroup

	mu       sync.Mutex
	machines map[string]*vm
	conns    int
	pids     int

	removedDisks []string
}

// New returns a simulated host.
func New(opts ...Option) *Driver {
	d := &Driver{
		address:  "localhost",
		protocol: Protocol,
		users:    make(map[string]string),
		machines: make(map[string]*vm),
		pids:     1000,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Driver) Name() string {
	return "sim"
}

// Connect implements hostlib.Driver.
func (d *Driver) Connect(ctx context.Context, spec hostlib.ConnectSpec) (hostlib.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Address != d.address {
		return nil, hostlib.Errorf(hostlib.CodeHostUnreachable, "no route to host %q", spec.Address)
	}
	if d.protocol != Protocol {
		return nil, hostlib.Errorf(hostlib.CodeProtocolVersion, "host speaks protocol %d, client speaks %d", d.protocol, Protocol)
	}
	if pw, ok := d.users[spec.Credentials.Username]; len(d.users) > 0 && (!ok || pw != spec.Credentials.Password) {
		return nil, hostlib.Errorf(hostlib.CodeHostAuth, "authentication rejected for user %q", spec.Credentials.Username)
	}

	d.mu.Lock()
	d.conns++
	d.mu.Unlock()

	return &host{driver: d}, nil
}

// WaitDetached blocks until every program started in the background has
// exited.
func (d *Driver) WaitDetached() {
	d.detached.Wait()
}

// Connections returns the number of open host connections.
func (d *Driver) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

// Machines returns the paths of every VM in the datastore.
func (d *Driver) Machines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make([]string, 0, len(d.machines))
	for p := range d.machines {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// RemovedDisks returns the disk images deleted along with their VM.
func (d *Driver) RemovedDisks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removedDisks...)
}

// PowerState reports the current power state of the VM at path.
func (d *Driver) PowerState(path string) hostlib.PowerState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.machines[path]; ok {
		return m.power
	}
	return hostlib.PowerStateUnknown
}

type host struct {
	driver *Driver
	closed bool
}

func (h *host) check() error {
	if h.closed {
		return hostlib.Errorf(hostlib.CodeHostNotConnected, "host connection closed")
	}
	return nil
}

func (h *host) Open(ctx context.Context, path string) (hostlib.Machine, error) {
	d := h.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := h.check(); err != nil {
		return nil, err
	}

	m, ok := d.machines[path]
	if !ok || !m.registered {
		return nil, hostlib.Errorf(hostlib.CodeVMNotFound, "vm %q not found", path)
	}
	if m.cfg.Corrupt {
		return nil, hostlib.Errorf(hostlib.CodeVMConfigUnreadable, "cannot parse configuration of %q", path)
	}
	return &machine{host: h, vm: m}, nil
}

func (h *host) Register(ctx context.Context, path string) error {
	d := h.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := h.check(); err != nil {
		return err
	}

	m, ok := d.machines[path]
	if !ok {
		return hostlib.Errorf(hostlib.CodeVMNotFound, "no vm configuration at %q", path)
	}
	if m.registered {
		return hostlib.Errorf(hostlib.CodeVMAlreadyRegistered, "vm %q already registered", path)
	}
	m.registered = true
	return nil
}

func (h *host) Unregister(ctx context.Context, path string) error {
	d := h.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := h.check(); err != nil {
		return err
	}

	m, ok := d.machines[path]
	if !ok || !m.registered {
		return hostlib.Errorf(hostlib.CodeVMNotFound, "vm %q not registered", path)
	}
	if m.power != hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %q is %s", path, m.power)
	}
	m.registered = false
	return nil
}

func (h *host) Close() error {
	d := h.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	d.conns--
	return nil
}
