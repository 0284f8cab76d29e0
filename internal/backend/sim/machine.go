package sim

import (
	"context"
	"time"

	"github.com/kriansa/vmctl/internal/hostlib"
)

// Program is a guest executable. It returns the exit code and the output.
type Program func(ctx context.Context, args []string) (int, string)

type ttyKey struct{}

// Interactive reports whether the Program runs on a terminal, that is in a
// guest session logged in as interactive.
func Interactive(ctx context.Context) bool {
	tty, _ := ctx.Value(ttyKey{}).(bool)
	return tty
}

// Machine describes a VM in the simulated datastore.
type Machine struct {
	Path string
	// Unregistered VMs exist on disk but must be registered before opening.
	Unregistered bool
	// Corrupt VMs fail to open with an unreadable configuration.
	Corrupt bool
	// PoweredOn starts the VM running with tools ready.
	PoweredOn bool
	// ToolsDelay is how long the guest agent takes to start after power on.
	ToolsDelay time.Duration
	// NoTools means the guest agent never starts.
	NoTools bool
	// Users are the guest accounts.
	Users map[string]string
	// Files seeds the guest filesystem; parent directories are created.
	Files map[string]string
	// Dirs seeds empty guest directories.
	Dirs []string
	// Programs are the guest executables by absolute path, in addition to
	// the built-in shell at /bin/sh.
	Programs map[string]Program
	// Disks are disk image paths removed by a delete with disks.
	Disks []string
}

type snapNode struct {
	info   hostlib.SnapshotInfo
	parent *snapNode
	power  hostlib.PowerState
	fs     *guestFS
}

type vm struct {
	cfg        Machine
	registered bool
	deleted    bool

	power      hostlib.PowerState
	toolsReady time.Time

	fs        *guestFS
	snapshots []*snapNode
	current   *snapNode

	// procs is cancelled when the guest stops, ending background programs.
	procs     context.Context
	killProcs context.CancelFunc
}

func newVM(cfg Machine) *vm {
	m := &vm{
		cfg:        cfg,
		registered: !cfg.Unregistered,
		power:      hostlib.PoweredOff,
		fs:         newGuestFS(),
	}
	for _, d := range cfg.Dirs {
		m.fs.mkdirAll(d)
	}
	for p, content := range cfg.Files {
		m.fs.writeFile(p, []byte(content))
	}
	if cfg.PoweredOn {
		m.power = hostlib.PoweredOn
	}
	return m
}

func (m *vm) toolsRunning() bool {
	return m.power == hostlib.PoweredOn && !m.cfg.NoTools && !time.Now().Before(m.toolsReady)
}

// processes returns the lifetime of programs started in the background.
// d.mu must be held.
func (m *vm) processes() context.Context {
	if m.procs == nil {
		m.procs, m.killProcs = context.WithCancel(context.Background())
	}
	return m.procs
}

func (m *vm) stopProcesses() {
	if m.killProcs != nil {
		m.killProcs()
		m.procs, m.killProcs = nil, nil
	}
}

func (m *vm) findSnapshot(name string) *snapNode {
	for _, s := range m.snapshots {
		if s.info.Name == name {
			return s
		}
	}
	return nil
}

type machine struct {
	host *host
	vm   *vm
}

// check validates the machine is still reachable. d.mu must be held.
func (m *machine) check() error {
	if err := m.host.check(); err != nil {
		return err
	}
	if m.vm.deleted || !m.vm.registered {
		return hostlib.Errorf(hostlib.CodeVMNotFound, "vm %q no longer exists", m.vm.cfg.Path)
	}
	return nil
}

func (m *machine) lock() func() {
	m.host.driver.mu.Lock()
	return m.host.driver.mu.Unlock
}

func (m *machine) Path() string {
	return m.vm.cfg.Path
}

func (m *machine) PowerOn(ctx context.Context) error {
	defer m.lock()()
	if err := m.check(); err != nil {
		return err
	}
	if m.vm.power == hostlib.PoweredOn {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %q is already powered on", m.vm.cfg.Path)
	}

	m.vm.power = hostlib.PoweredOn
	m.vm.toolsReady = time.Now().Add(m.vm.cfg.ToolsDelay)
	return nil
}

func (m *machine) PowerOff(ctx context.Context) error {
	defer m.lock()()
	if err := m.check(); err != nil {
		return err
	}
	if m.vm.power == hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMNotRunning, "vm %q is not running", m.vm.cfg.Path)
	}

	m.vm.power = hostlib.PoweredOff
	m.vm.stopProcesses()
	return nil
}

func (m *machine) PowerState(ctx context.Context) (hostlib.PowerState, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return hostlib.PowerStateUnknown, err
	}
	return m.vm.power, nil
}

func (m *machine) ToolsState(ctx context.Context) (hostlib.ToolsState, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return hostlib.ToolsUnknown, err
	}

	switch {
	case m.vm.cfg.NoTools:
		return hostlib.ToolsNotInstalled, nil
	case m.vm.toolsRunning():
		return hostlib.ToolsRunning, nil
	default:
		return hostlib.ToolsUnknown, nil
	}
}

func (m *machine) WaitForTools(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		unlock := m.lock()
		err := m.check()
		if err == nil && m.vm.power != hostlib.PoweredOn {
			err = hostlib.Errorf(hostlib.CodeVMNotRunning, "vm %q is not running", m.vm.cfg.Path)
		}
		ready := m.vm.toolsRunning()
		unlock()

		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *machine) Delete(ctx context.Context, deleteDisks bool) error {
	d := m.host.driver
	defer m.lock()()
	if err := m.check(); err != nil {
		return err
	}
	if m.vm.power != hostlib.PoweredOff {
		return hostlib.Errorf(hostlib.CodeVMIsRunning, "vm %q must be powered off before deletion", m.vm.cfg.Path)
	}

	m.vm.deleted = true
	delete(d.machines, m.vm.cfg.Path)
	if deleteDisks {
		d.removedDisks = append(d.removedDisks, m.vm.cfg.Disks...)
	}
	return nil
}

func (m *machine) CreateSnapshot(ctx context.Context, name, description string) (hostlib.SnapshotInfo, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	if m.vm.findSnapshot(name) != nil {
		return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotExists, "snapshot %q already exists", name)
	}

	node := &snapNode{
		info:   hostlib.SnapshotInfo{Name: name, Description: description},
		parent: m.vm.current,
		power:  m.vm.power,
		fs:     m.vm.fs.clone(),
	}
	if node.parent != nil {
		node.info.Parent = node.parent.info.Name
	}
	m.vm.snapshots = append(m.vm.snapshots, node)
	m.vm.current = node
	return node.info, nil
}

func (m *machine) RevertToSnapshot(ctx context.Context, name string) error {
	defer m.lock()()
	if err := m.check(); err != nil {
		return err
	}

	node := m.vm.findSnapshot(name)
	if node == nil {
		return hostlib.Errorf(hostlib.CodeSnapshotNotFound, "snapshot %q not found", name)
	}

	m.vm.stopProcesses()
	m.vm.fs = node.fs.clone()
	m.vm.power = node.power
	m.vm.toolsReady = time.Now().Add(m.vm.cfg.ToolsDelay)
	m.vm.current = node
	return nil
}

func (m *machine) RootSnapshots(ctx context.Context) ([]hostlib.SnapshotInfo, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return nil, err
	}

	var roots []hostlib.SnapshotInfo
	for _, s := range m.vm.snapshots {
		if s.parent == nil {
			roots = append(roots, s.info)
		}
	}
	return roots, nil
}

func (m *machine) NamedSnapshot(ctx context.Context, name string) (hostlib.SnapshotInfo, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return hostlib.SnapshotInfo{}, err
	}

	node := m.vm.findSnapshot(name)
	if node == nil {
		return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotNotFound, "snapshot %q not found", name)
	}
	return node.info, nil
}

func (m *machine) CurrentSnapshot(ctx context.Context) (hostlib.SnapshotInfo, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return hostlib.SnapshotInfo{}, err
	}
	if m.vm.current == nil {
		return hostlib.SnapshotInfo{}, hostlib.Errorf(hostlib.CodeSnapshotNotFound, "vm %q has no current snapshot", m.vm.cfg.Path)
	}
	return m.vm.current.info, nil
}

func (m *machine) Login(ctx context.Context, creds hostlib.Credentials, interactive bool) (hostlib.GuestConn, error) {
	defer m.lock()()
	if err := m.check(); err != nil {
		return nil, err
	}
	if !m.vm.toolsRunning() {
		return nil, hostlib.Errorf(hostlib.CodeToolsNotRunning, "guest tools are not running in %q", m.vm.cfg.Path)
	}
	if pw, ok := m.vm.cfg.Users[creds.Username]; !ok || pw != creds.Password {
		return nil, hostlib.Errorf(hostlib.CodeGuestAuth, "guest login failed for user %q", creds.Username)
	}
	return &guest{machine: m, user: creds.Username, interactive: interactive}, nil
}
