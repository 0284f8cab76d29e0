package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend = "sim"

[host]
address = "esx01.lab"
username = "root"
insecure_ignore_host_key = true

[vm]
path = "/vms/web.vmx"

[guest]
username = "admin"
interactive = true

[timeouts]
tools = "90s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, "esx01.lab", cfg.Host.Address)
	assert.True(t, cfg.Host.InsecureIgnoreHostKey)
	assert.Equal(t, "/vms/web.vmx", cfg.VM.Path)
	assert.True(t, cfg.Guest.Interactive)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Tools.Duration)
	assert.Zero(t, cfg.Timeouts.Connect.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", "backend = "},
		{"bad duration", "[timeouts]\nconnect = \"soon\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vmctl.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestMerge(t *testing.T) {
	cfg := &Config{Backend: "dbus", Host: Host{Address: "a", Port: 2222}, VM: VM{Path: "/vms/a"}}
	cfg.Merge(Flags{Backend: "sim", VMPath: "/vms/b", GuestUser: "admin"})

	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, "a", cfg.Host.Address)
	assert.Equal(t, 2222, cfg.Host.Port)
	assert.Equal(t, "/vms/b", cfg.VM.Path)
	assert.Equal(t, "admin", cfg.Guest.Username)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultBackend, cfg.Backend)
	assert.Equal(t, DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, DefaultHostPort, cfg.Host.Port)
	assert.Equal(t, DefaultShell, cfg.Guest.Shell)
	assert.Equal(t, DefaultConnectTimeout, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, DefaultOperationTimeout, cfg.Timeouts.Operation.Duration)
	assert.Equal(t, DefaultToolsTimeout, cfg.Timeouts.Tools.Duration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"libvirt with host", Config{Backend: "libvirt", Host: Host{Address: "h"}}, false},
		{"libvirt without host", Config{Backend: "libvirt"}, true},
		{"sim without host", Config{Backend: "sim"}, false},
		{"dbus without host", Config{Backend: "dbus"}, false},
		{"unknown backend", Config{Backend: "vmware"}, true},
		{"bad port", Config{Backend: "sim", Host: Host{Port: 70000}}, true},
		{"negative tools timeout", Config{Backend: "sim", Timeouts: Timeouts{Tools: Duration{-time.Second}}}, true},
		{"negative operation timeout waits forever", Config{Backend: "sim", Timeouts: Timeouts{Operation: Duration{-1}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
