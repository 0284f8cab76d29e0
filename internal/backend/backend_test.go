package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/hostlib"
)

func testConfig(backend string) *config.Config {
	cfg := &config.Config{Backend: backend}
	cfg.Host.Address = "localhost"
	cfg.Host.Username = "root"
	cfg.Host.Password = "secret"
	cfg.Host.InsecureIgnoreHostKey = true
	cfg.VM.Path = "/vms/web.xml"
	cfg.Guest.Username = "user"
	cfg.Guest.Password = "pass"
	cfg.ApplyDefaults()
	return cfg
}

func TestNew(t *testing.T) {
	for _, name := range config.Backends {
		t.Run(name, func(t *testing.T) {
			d, err := New(testConfig(name))
			require.NoError(t, err)
			assert.Equal(t, name, d.Name())
		})
	}

	_, err := New(testConfig("vmware"))
	assert.Error(t, err)
}

func TestNewMissingKnownHosts(t *testing.T) {
	cfg := testConfig("libvirt")
	cfg.Host.InsecureIgnoreHostKey = false
	cfg.Host.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestSimDriverServesConfiguredVM(t *testing.T) {
	ctx := context.Background()
	d, err := New(testConfig("sim"))
	require.NoError(t, err)

	h, err := d.Connect(ctx, hostlib.ConnectSpec{
		Address:     "localhost",
		Credentials: hostlib.Credentials{Username: "root", Password: "secret"},
	})
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	m, err := h.Open(ctx, "/vms/web.xml")
	require.NoError(t, err)

	state, err := m.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostlib.PoweredOn, state)

	g, err := m.Login(ctx, hostlib.Credentials{Username: "user", Password: "pass"}, false)
	require.NoError(t, err)
	require.NoError(t, g.Logout())
}
