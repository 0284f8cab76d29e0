package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kriansa/vmctl/internal/backend/sim"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
	"github.com/kriansa/vmctl/internal/session"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	goleak.VerifyTestMain(m)
}

const (
	vmPath    = "/vms/web.vmx"
	otherPath = "/vms/db.vmx"
	spare     = "/vms/spare.vmx"
)

var (
	hostCreds  = session.Credentials{Username: "root", Password: "secret"}
	guestCreds = session.Credentials{Username: "user", Password: "pass"}
)

func hang(ctx context.Context, _ []string) (int, string) {
	<-ctx.Done()
	return -1, ""
}

func newSession(t *testing.T) (*session.Session, *sim.Driver) {
	t.Helper()

	driver := sim.New(
		sim.WithUser(hostCreds.Username, hostCreds.Password),
		sim.WithMachine(sim.Machine{
			Path:     vmPath,
			Users:    map[string]string{guestCreds.Username: guestCreds.Password},
			Files:    map[string]string{"/etc/hostname": "web\n"},
			Dirs:     []string{"/tmp"},
			Programs: map[string]sim.Program{"/bin/hang": hang},
			Disks:    []string{"/vms/web-disk1.vmdk"},
		}),
		sim.WithMachine(sim.Machine{Path: otherPath}),
		sim.WithMachine(sim.Machine{Path: spare, Unregistered: true}),
	)
	lib := hostlib.New(driver)
	s := session.New(lib,
		session.WithStrictHandles(true),
		session.WithOperationTimeout(5*time.Second),
		session.WithToolsTimeout(time.Second),
	)
	t.Cleanup(func() {
		require.NoError(t, s.Disconnect())
		require.NoError(t, lib.Close())
	})
	return s, driver
}

func connect(t *testing.T, s *session.Session) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background(), "localhost", 0, hostCreds))
}

func openVM(t *testing.T, s *session.Session) *session.VM {
	t.Helper()
	connect(t, s)
	vm, err := s.OpenVM(context.Background(), vmPath)
	require.NoError(t, err)
	return vm
}

func login(t *testing.T, s *session.Session) *session.Guest {
	t.Helper()
	ctx := context.Background()

	vm := openVM(t, s)
	require.NoError(t, vm.PowerOn(ctx))
	require.NoError(t, vm.WaitForGuestTools(ctx, 0))
	g, err := vm.LoginGuest(ctx, guestCreds, false)
	require.NoError(t, err)
	return g
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name    string
		address string
		creds   session.Credentials
		want    error
	}{
		{name: "ok", address: "localhost", creds: hostCreds},
		{name: "wrong password", address: "localhost", creds: session.Credentials{Username: "root", Password: "nope"}, want: session.ErrAuthRejected},
		{name: "unreachable", address: "10.0.0.1", creds: hostCreds, want: session.ErrUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSession(t)

			err := s.Connect(context.Background(), tt.address, 902, tt.creds)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, session.Connected, s.State())
				assert.Equal(t, 1, s.LiveHandles(hostlib.HandleTypeHost))
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			var connErr *session.ConnError
			assert.True(t, errors.As(err, &connErr))
			assert.Equal(t, session.Disconnected, s.State())
			assert.Equal(t, 0, s.LiveHandles(hostlib.HandleTypeHost))
			assert.Equal(t, 0, s.LiveHandles(hostlib.HandleTypeVM))
		})
	}
}

func TestConnectProtocolMismatch(t *testing.T) {
	lib := hostlib.New(sim.New(sim.WithHostProtocol(sim.Protocol + 1)))
	defer func() { require.NoError(t, lib.Close()) }()
	s := session.New(lib, session.WithStrictHandles(true))

	err := s.Connect(context.Background(), "localhost", 0, session.Credentials{})
	assert.True(t, errors.Is(err, session.ErrProtocolVersionMismatch), "got %v", err)
	assert.Equal(t, session.Disconnected, s.State())
}

func TestConnectTwice(t *testing.T) {
	s, _ := newSession(t)
	connect(t, s)

	err := s.Connect(context.Background(), "localhost", 0, hostCreds)
	assert.True(t, errors.Is(err, session.ErrAlreadyConnected))
	assert.Equal(t, 1, s.LiveHandles(hostlib.HandleTypeHost))
}

func TestNotConnected(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.OpenVM(context.Background(), vmPath)
	assert.True(t, errors.Is(err, session.ErrNotConnected))
	assert.True(t, errors.Is(s.RegisterVM(context.Background(), spare), session.ErrNotConnected))
	assert.NoError(t, s.Disconnect())
}

func TestPowerCycle(t *testing.T) {
	s, driver := newSession(t)
	ctx := context.Background()

	vm := openVM(t, s)
	assert.Equal(t, session.VMBound, s.State())

	require.NoError(t, vm.PowerOn(ctx))
	state, err := vm.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostlib.PoweredOn, state)

	require.NoError(t, vm.PowerOff(ctx))
	state, err = vm.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostlib.PoweredOff, state)
	assert.Equal(t, hostlib.PoweredOff, driver.PowerState(vmPath))

	assert.Equal(t, 0, s.LiveHandles(hostlib.HandleTypeJob))
}

func TestPowerOffIsIdempotent(t *testing.T) {
	s, _ := newSession(t)
	ctx := context.Background()
	vm := openVM(t, s)

	require.NoError(t, vm.PowerOff(ctx))
	require.NoError(t, vm.PowerOff(ctx))

	state, err := vm.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostlib.PoweredOff, state)
}

func TestPowerOnTwice(t *testing.T) {
	s, _ := newSession(t)
	ctx := context.Background()
	vm := openVM(t, s)

	require.NoError(t, vm.PowerOn(ctx))
	err := vm.PowerOn(ctx)
	assert.True(t, errors.Is(err, session.ErrVMIsRunning), "got %v", err)
}

func TestOpenVMErrors(t *testing.T) {
	s, _ := newSession(t)
	ctx := context.Background()
	connect(t, s)

	_, err := s.OpenVM(ctx, "/vms/missing.vmx")
	assert.True(t, errors.Is(err, session.ErrVMNotFound), "got %v", err)
	assert.Equal(t, session.Connected, s.State())
	assert.Equal(t, 0, s.LiveHandles(hostlib.HandleTypeVM))

	vm, err := s.OpenVM(ctx, vmPath)
	require.NoError(t, err)

	_, err = s.OpenVM(ctx, otherPath)
	assert.True(t, errors.Is(err, session.ErrAlreadyBound))
	assert.Same(t, vm, s.VM())

	vm.Close()
	assert.Equal(t, session.Connected, s.State())
	other, err := s.OpenVM(ctx, otherPath)
	require.NoError(t, err)
	assert.Equal(t, otherPath, other.Path())
}

func TestRegisterVM(t *testing.T) {
	s, driver := newSession(t)
	ctx := context.Background()
	connect(t, s)

	_, err := s.OpenVM(ctx, spare)
	require.Error(t, err)

	require.NoError(t, s.RegisterVM(ctx, spare))
	err = s.RegisterVM(ctx, spare)
	assert.True(t, errors.Is(err, session.ErrVMAlreadyRegistered), "got %v", err)
	assert.Contains(t, driver.Machines(), spare)

	vm, err := s.OpenVM(ctx, spare)
	require.NoError(t, err)
	vm.Close()

	require.NoError(t, s.UnregisterVM(ctx, spare))
	_, err = s.OpenVM(ctx, spare)
	assert.True(t, errors.Is(err, session.ErrVMNotFound), "got %v", err)
}

func TestDeleteMakesVMStale(t *testing.T) {
	s, driver := newSession(t)
	ctx := context.Background()
	vm := openVM(t, s)

	require.NoError(t, vm.Delete(ctx, true))
	assert.Equal(t, []string{"/vms/web-disk1.vmdk"}, driver.RemovedDisks())
	assert.Equal(t, session.Connected, s.State())
	assert.Equal(t, 0, s.LiveHandles(hostlib.HandleTypeVM))

	err := vm.PowerOn(ctx)
	assert.True(t, errors.Is(err, session.ErrStaleHandle), "got %v", err)
	_, err = vm.PowerState(ctx)
	assert.True(t, errors.Is(err, session.ErrStaleHandle))

	// closing a deleted VM does nothing
	vm.Close()
}

func TestDeleteRunningVM(t *testing.T) {
	s, _ := newSession(t)
	ctx := context.Background()
	vm := openVM(t, s)
	require.NoError(t, vm.PowerOn(ctx))

	err := vm.Delete(ctx, false)
	assert.True(t, errors.Is(err, session.ErrVMIsRunning), "got %v", err)
	assert.Equal(t, session.VMBound, s.State())
}

func TestWaitForGuestToolsTimeout(t *testing.T) {
	driver := sim.New(sim.WithMachine(sim.Machine{Path: vmPath, PoweredOn: true, NoTools: true}))
	lib := hostlib.New(driver)
	defer func() { require.NoError(t, lib.Close()) }()

	s := session.New(lib, session.WithStrictHandles(true))
	defer func() { require.NoError(t, s.Disconnect()) }()
	require.NoError(t, s.Connect(context.Background(), "localhost", 0, session.Credentials{}))
	vm, err := s.OpenVM(context.Background(), vmPath)
	require.NoError(t, err)

	err = vm.WaitForGuestTools(context.Background(), 30*time.Millisecond)
	assert.True(t, errors.Is(err, session.ErrToolsTimeout), "got %v", err)
	assert.Equal(t, 0, s.LiveHandles(hostlib.HandleTypeJob))

	state, err := vm.ToolsState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hostlib.ToolsNotInstalled, state)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	s, driver := newSession(t)
	ctx := context.Background()
	g := login(t, s)
	vm := s.VM()

	_, err := vm.CreateSnapshot(ctx, "s1", "")
	require.NoError(t, err)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, session.Disconnected, s.State())
	assert.Equal(t, 0, driver.Connections())
	for _, typ := range []hostlib.HandleType{hostlib.HandleTypeHost, hostlib.HandleTypeVM, hostlib.HandleTypeSnapshot, hostlib.HandleTypeJob} {
		assert.Equal(t, 0, s.LiveHandles(typ), typ.String())
	}

	_, err = g.FileExists(ctx, "/etc/hostname")
	assert.True(t, errors.Is(err, session.ErrNotLoggedIn), "got %v", err)
	assert.True(t, errors.Is(vm.PowerOff(ctx), session.ErrStaleHandle))

	// reconnecting after a disconnect works
	connect(t, s)
}

func TestSessionsAreIndependent(t *testing.T) {
	driver := sim.New(sim.WithMachine(sim.Machine{Path: vmPath}))
	lib := hostlib.New(driver)
	defer func() { require.NoError(t, lib.Close()) }()

	a := session.New(lib, session.WithStrictHandles(true))
	b := session.New(lib, session.WithStrictHandles(true))
	for _, s := range []*session.Session{a, b} {
		require.NoError(t, s.Connect(context.Background(), "localhost", 0, session.Credentials{}))
	}

	_, err := a.OpenVM(context.Background(), vmPath)
	require.NoError(t, err)
	assert.Equal(t, 1, a.LiveHandles(hostlib.HandleTypeVM))
	assert.Equal(t, 0, b.LiveHandles(hostlib.HandleTypeVM))

	require.NoError(t, a.Disconnect())
	assert.Equal(t, session.Connected, b.State())
	require.NoError(t, b.Disconnect())
}

func TestRunScriptFile(t *testing.T) {
	s, _ := newSession(t)
	g := login(t, s)

	script := filepath.Join(t.TempDir(), "hello.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo hello"), 0o600))

	res, err := g.RunScriptFile(context.Background(), "", script)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", string(res.Output))

	_, err = g.RunScriptFile(context.Background(), "", filepath.Join(t.TempDir(), "missing.sh"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
