package control

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kriansa/vmctl/internal/backend/sim"
	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/log"
	"github.com/kriansa/vmctl/internal/session"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := &config.Config{Backend: "sim"}
	cfg.Host.Address = "localhost"
	cfg.Host.Username = "root"
	cfg.Host.Password = "secret"
	cfg.VM.Path = "/vms/web.xml"
	cfg.Guest.Username = "user"
	cfg.Guest.Password = "pass"
	cfg.Timeouts.Tools.Duration = time.Second
	cfg.ApplyDefaults()
	return cfg
}

func newController(t *testing.T, cfg *config.Config, machines ...sim.Machine) (*Controller, *sim.Driver) {
	t.Helper()

	if len(machines) == 0 {
		machines = []sim.Machine{{
			Path:      "/vms/web.xml",
			PoweredOn: true,
			Users:     map[string]string{"user": "pass"},
			Files:     map[string]string{"/etc/hostname": "web\n"},
			Dirs:      []string{"/tmp"},
			Disks:     []string{"/vms/web.qcow2"},
		}}
	}

	opts := []sim.Option{sim.WithUser("root", "secret")}
	for _, m := range machines {
		opts = append(opts, sim.WithMachine(m))
	}
	driver := sim.New(opts...)

	c := New(cfg, driver, session.WithStrictHandles(true))
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		assert.Equal(t, 0, driver.Connections())
	})
	return c, driver
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	c, driver := newController(t, testConfig())

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/vms/web.xml", st.Path)
	assert.Equal(t, "powered-on", st.PowerState)
	assert.Equal(t, 1, driver.Connections())

	// the connection and binding are reused
	_, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, driver.Connections())
}

func TestNoVMSelected(t *testing.T) {
	cfg := testConfig()
	cfg.VM.Path = ""
	c, _ := newController(t, cfg)

	_, err := c.Status(context.Background())
	assert.ErrorContains(t, err, "no vm selected")
}

func TestBadHostCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Host.Password = "wrong"
	c, _ := newController(t, cfg)

	err := c.PowerOn(context.Background())
	assert.ErrorIs(t, err, session.ErrAuthRejected)
}

func TestPowerCycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, testConfig())

	require.NoError(t, c.PowerOff(ctx))
	require.NoError(t, c.PowerOff(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "powered-off", st.PowerState)

	require.NoError(t, c.PowerOn(ctx))
	require.NoError(t, c.WaitForTools(ctx, 0))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, testConfig())

	roots, current, err := c.Snapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, roots)
	assert.Nil(t, current)

	_, err = c.CreateSnapshot(ctx, "", "nameless")
	assert.ErrorIs(t, err, session.ErrSnapshotInvalid)

	s1, err := c.CreateSnapshot(ctx, "s1", "first")
	require.NoError(t, err)
	assert.Equal(t, "s1", s1.Name)

	s2, err := c.CreateSnapshot(ctx, "s2", "")
	require.NoError(t, err)
	assert.Equal(t, "s1", s2.Parent)

	roots, current, err = c.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "s1", roots[0].Name)
	require.NotNil(t, current)
	assert.Equal(t, "s2", current.Name)

	named, err := c.NamedSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first", named.Description)

	require.NoError(t, c.RevertSnapshot(ctx, "s1"))
	require.NoError(t, c.RevertSnapshot(ctx, ""))
	assert.ErrorIs(t, c.RevertSnapshot(ctx, "nope"), session.ErrSnapshotNotFound)
}

func TestGuestOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, testConfig())

	p, err := c.Script(ctx, "", "echo hello", false)
	require.NoError(t, err)
	assert.Equal(t, 0, p.ExitCode)
	assert.Equal(t, "hello\n", p.Output)

	p, err = c.Run(ctx, "/bin/sh", []string{"-c", "exit 3"}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, p.ExitCode)

	p, err = c.Run(ctx, "/bin/sh", []string{"-c", "true"}, true)
	require.NoError(t, err)
	assert.True(t, p.Detached)
	assert.Positive(t, p.PID)

	_, err = c.Run(ctx, "relative", nil, false)
	assert.Error(t, err)

	st, err := c.Stat(ctx, "/etc/hostname")
	require.NoError(t, err)
	assert.True(t, st.File)
	assert.False(t, st.Directory)

	require.NoError(t, c.Mkdir(ctx, "/tmp/work"))
	require.NoError(t, c.Rename(ctx, "/etc/hostname", "/tmp/work/hostname"))

	entries, err := c.List(ctx, "/tmp/work")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hostname", entries[0].Name)

	require.NoError(t, c.Remove(ctx, "/tmp/work/hostname", false))
	assert.ErrorIs(t, c.Remove(ctx, "/tmp/work/hostname", false), session.ErrGuestNotFound)
	require.NoError(t, c.Remove(ctx, "/tmp/work", true))
}

func TestCopyAndScriptFile(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, testConfig())
	dir := t.TempDir()

	script := filepath.Join(dir, "hello.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo from file\n"), 0o644))

	p, err := c.ScriptFile(ctx, "", script)
	require.NoError(t, err)
	assert.Equal(t, "from file\n", p.Output)

	require.NoError(t, c.CopyToGuest(ctx, script, "/tmp/hello.sh"))
	out := filepath.Join(dir, "back.sh")
	require.NoError(t, c.CopyFromGuest(ctx, "/tmp/hello.sh", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "echo from file\n", string(data))
}

func TestGuestLoginSurvivesLogout(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, testConfig())

	_, err := c.Script(ctx, "", "true", false)
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))
	require.NoError(t, c.Logout(ctx))

	_, err = c.Script(ctx, "", "true", false)
	require.NoError(t, err)
}

func TestBadGuestCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Guest.Password = "wrong"
	c, _ := newController(t, cfg)

	_, err := c.Script(context.Background(), "", "true", false)
	assert.ErrorIs(t, err, session.ErrGuestAuthFailed)
}

func TestDeleteThenReopen(t *testing.T) {
	ctx := context.Background()
	c, driver := newController(t, testConfig())

	require.NoError(t, c.PowerOff(ctx))
	require.NoError(t, c.Delete(ctx, true))
	assert.NotContains(t, driver.Machines(), "/vms/web.xml")

	_, err := c.Status(ctx)
	assert.ErrorIs(t, err, session.ErrVMNotFound)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	c, _ := newController(t, cfg,
		sim.Machine{Path: "/vms/web.xml", PoweredOn: true},
		sim.Machine{Path: "/vms/spare.xml", Unregistered: true},
	)

	require.NoError(t, c.Register(ctx, "/vms/spare.xml"))
	assert.ErrorIs(t, c.Register(ctx, "/vms/spare.xml"), session.ErrVMAlreadyRegistered)

	_, err := c.Status(ctx)
	require.NoError(t, err)

	require.NoError(t, c.PowerOff(ctx))
	require.NoError(t, c.Unregister(ctx, "/vms/web.xml"))

	_, err = c.Status(ctx)
	assert.ErrorIs(t, err, session.ErrVMNotFound)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	c, driver := newController(t, testConfig())

	_, err := c.Status(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, 0, driver.Connections())

	_, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, driver.Connections())
}

func TestDetachedRunOutlivesClose(t *testing.T) {
	var finished atomic.Bool
	slow := func(ctx context.Context, _ []string) (int, string) {
		select {
		case <-ctx.Done():
			return 1, ""
		case <-time.After(100 * time.Millisecond):
		}
		finished.Store(true)
		return 0, ""
	}

	c, driver := newController(t, testConfig(), sim.Machine{
		Path:      "/vms/web.xml",
		PoweredOn: true,
		Users:     map[string]string{"user": "pass"},
		Programs:  map[string]sim.Program{"/bin/slow": slow},
	})

	_, err := c.Run(context.Background(), "/bin/missing", nil, true)
	assert.ErrorIs(t, err, session.ErrGuestProgramNotStarted)

	p, err := c.Run(context.Background(), "/bin/slow", nil, true)
	require.NoError(t, err)
	assert.True(t, p.Detached)
	require.NoError(t, c.Close())
	assert.False(t, finished.Load())

	driver.WaitDetached()
	assert.True(t, finished.Load(), "detached program did not run to completion")
}

func TestInteractiveGuest(t *testing.T) {
	for _, interactive := range []bool{false, true} {
		cfg := testConfig()
		cfg.Guest.Interactive = interactive
		c, _ := newController(t, cfg)

		p, err := c.Script(context.Background(), "", "tty", false)
		require.NoError(t, err)
		if interactive {
			assert.Equal(t, 0, p.ExitCode)
			assert.Equal(t, "/dev/pts/0\n", p.Output)
		} else {
			assert.Equal(t, 1, p.ExitCode)
			assert.Equal(t, "not a tty\n", p.Output)
		}
	}
}
