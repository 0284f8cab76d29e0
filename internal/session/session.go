// Package session is the VM control session: it owns one host connection
// and at most one VM binding, and exposes power, snapshot and guest
// operations on top of the library's job model. Every operation issues a
// library job, waits for it and releases it before returning.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/kriansa/vmctl/internal/handle"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/job"
	"github.com/kriansa/vmctl/internal/log"
)

// Default timeouts.
const (
	DefaultConnectTimeout   = 30 * time.Second
	DefaultOperationTimeout = 5 * time.Minute
	DefaultToolsTimeout     = 5 * time.Minute
)

// Types shared with the library boundary.
type (
	Credentials   = hostlib.Credentials
	PowerState    = hostlib.PowerState
	ToolsState    = hostlib.ToolsState
	ProcessResult = hostlib.ProcessResult
	DirEntry      = hostlib.DirEntry
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connected
	VMBound
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case VMBound:
		return "vm-bound"
	default:
		return "disconnected"
	}
}

// Option configures a Session.
type Option func(*options)

type options struct {
	connectTimeout   time.Duration
	operationTimeout time.Duration
	toolsTimeout     time.Duration
	strict           bool
}

// WithConnectTimeout bounds the host connection job.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d != 0 {
			o.connectTimeout = d
		}
	}
}

// WithOperationTimeout bounds every other job. A negative value waits
// without limit.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d != 0 {
			o.operationTimeout = d
		}
	}
}

// WithToolsTimeout is the default wait for the guest agent.
func WithToolsTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.toolsTimeout = d
		}
	}
}

// WithStrictHandles makes handle misuse panic. Meant for tests.
func WithStrictHandles(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// Session owns a host connection. Its methods are safe for concurrent use
// and run one at a time, in call order.
type Session struct {
	lib  *hostlib.Library
	reg  *handle.Registry
	jobs *job.Adapter
	opts options

	mu      sync.Mutex
	host    handle.Ref
	address string
	vm      *VM
}

// New returns a disconnected Session over lib. Sessions sharing a library
// keep separate handle registries.
func New(lib *hostlib.Library, opts ...Option) *Session {
	o := options{
		connectTimeout:   DefaultConnectTimeout,
		operationTimeout: DefaultOperationTimeout,
		toolsTimeout:     DefaultToolsTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	reg := handle.NewRegistry(lib, handle.WithStrict(o.strict))
	return &Session{
		lib:  lib,
		reg:  reg,
		jobs: job.NewAdapter(lib, reg),
		opts: o,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.vm != nil:
		return VMBound
	case !s.host.IsZero():
		return Connected
	default:
		return Disconnected
	}
}

// LiveHandles returns how many handles of typ the session holds.
func (s *Session) LiveHandles(typ hostlib.HandleType) int {
	return s.reg.Count(typ)
}

// Connect opens the host connection. On failure the session stays
// disconnected and holds no handle.
func (s *Session) Connect(ctx context.Context, address string, port int, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.host.IsZero() {
		return &ConnError{Reason: ReasonAlreadyConnected, Message: "connected to " + s.address}
	}

	spec := hostlib.ConnectSpec{Address: address, Port: port, Credentials: creds}
	ref, err := s.jobs.RunHandle(ctx, func() (hostlib.Handle, error) {
		return s.lib.HostConnect(spec)
	}, hostlib.HandleTypeHost, s.opts.connectTimeout)
	if err != nil {
		return connError(err)
	}

	s.host = ref
	s.address = address
	log.Info("connected to host", "address", address, "port", port, "backend", s.lib.Backend())
	return nil
}

// Disconnect closes the VM binding, if any, and the host connection.
// Cleanup failures are logged.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.host.IsZero() {
		return nil
	}

	if s.vm != nil {
		s.vm.closeLocked()
	}

	raw, err := s.reg.Raw(s.host)
	if err == nil {
		s.reg.Forget(s.host)
		err = s.lib.HostDisconnect(raw)
	}
	s.reg.ReleaseAll()

	log.Info("disconnected from host", "address", s.address)
	s.host = handle.Ref{}
	s.address = ""

	if err != nil {
		return connError(err)
	}
	return nil
}

// hostLocked returns the raw host handle. s.mu must be held.
func (s *Session) hostLocked() (hostlib.Handle, error) {
	if s.host.IsZero() {
		return hostlib.InvalidHandle, &ConnError{Reason: ReasonNotConnected, Message: "session is not connected"}
	}
	raw, err := s.reg.Raw(s.host)
	if err != nil {
		return hostlib.InvalidHandle, connError(err)
	}
	return raw, nil
}

// run executes a job that yields no value.
func (s *Session) run(ctx context.Context, start job.StartFunc, timeout time.Duration) error {
	_, err := s.jobs.Run(ctx, start, hostlib.KindNone, timeout)
	return err
}

// RegisterVM adds the VM at path to the host inventory.
func (s *Session) RegisterVM(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, err := s.hostLocked()
	if err != nil {
		return err
	}

	err = s.run(ctx, func() (hostlib.Handle, error) {
		return s.lib.HostRegisterVM(host, path)
	}, s.opts.operationTimeout)
	if err != nil {
		return vmError(err)
	}

	log.Info("registered vm", "path", path)
	return nil
}

// UnregisterVM removes the VM at path from the host inventory.
func (s *Session) UnregisterVM(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, err := s.hostLocked()
	if err != nil {
		return err
	}

	err = s.run(ctx, func() (hostlib.Handle, error) {
		return s.lib.HostUnregisterVM(host, path)
	}, s.opts.operationTimeout)
	if err != nil {
		return vmError(err)
	}

	log.Info("unregistered vm", "path", path)
	return nil
}

// OpenVM binds the session to the VM at path. A session holds one binding
// at a time; close the current VM before opening another.
func (s *Session) OpenVM(ctx context.Context, path string) (*VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, err := s.hostLocked()
	if err != nil {
		return nil, err
	}
	if s.vm != nil {
		return nil, &VMError{Reason: ReasonAlreadyBound, Message: "session already bound to " + s.vm.path}
	}

	ref, err := s.jobs.RunHandle(ctx, func() (hostlib.Handle, error) {
		return s.lib.VMOpen(host, path)
	}, hostlib.HandleTypeVM, s.opts.operationTimeout)
	if err != nil {
		return nil, vmError(err)
	}

	s.vm = &VM{
		s:     s,
		ref:   ref,
		path:  path,
		snaps: make(map[*Snapshot]struct{}),
	}
	log.Info("opened vm", "path", path)
	return s.vm, nil
}

// VM returns the bound VM, or nil.
func (s *Session) VM() *VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm
}
