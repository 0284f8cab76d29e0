package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/vmctl/vmctl.toml"
	// DefaultSocketPath is the default Unix socket path for the control server
	DefaultSocketPath = "/run/vmctl/vmctl.sock"
	// DefaultBackend is the default hypervisor backend
	DefaultBackend = "libvirt"
	// DefaultHostPort is the SSH port used to reach the management host
	DefaultHostPort = 22
	// DefaultGuestPort is the SSH port of the guest agent channel
	DefaultGuestPort = 22
	// DefaultLibvirtSocket is the libvirtd socket on the management host
	DefaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"
	// DefaultShell interprets guest scripts when no interpreter is given
	DefaultShell = "/bin/sh"

	DefaultConnectTimeout   = 30 * time.Second
	DefaultOperationTimeout = 5 * time.Minute
	DefaultToolsTimeout     = 5 * time.Minute
)

// Backends are the accepted values of the backend setting.
var Backends = []string{"libvirt", "dbus", "sim"}

// Duration is a time.Duration read from a string such as "90s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Host is the management host to connect to
type Host struct {
	Address  string `toml:"address"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// KnownHosts is the known_hosts file used to verify the host key
	KnownHosts string `toml:"known_hosts"`
	// InsecureIgnoreHostKey skips host key verification
	InsecureIgnoreHostKey bool `toml:"insecure_ignore_host_key"`
	// LibvirtSocket is the libvirtd socket path on the host
	LibvirtSocket string `toml:"libvirt_socket"`
}

// VM selects the virtual machine to operate on
type VM struct {
	Path        string `toml:"path"`
	DeleteDisks bool   `toml:"delete_disks"`
}

// Guest holds the credentials used inside the VM
type Guest struct {
	// Address overrides the guest address reported by the hypervisor
	Address     string `toml:"address"`
	Port        int    `toml:"port"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	Interactive bool   `toml:"interactive"`
	Shell       string `toml:"shell"`
}

// Timeouts bound the hypervisor operations
type Timeouts struct {
	Connect   Duration `toml:"connect"`
	Operation Duration `toml:"operation"`
	Tools     Duration `toml:"tools"`
}

// Config holds the vmctl configuration
type Config struct {
	// Backend is the hypervisor backend: "libvirt", "dbus" or "sim"
	Backend string `toml:"backend"`
	// SocketPath is the Unix socket of the control server
	SocketPath string `toml:"socket"`

	Host     Host     `toml:"host"`
	VM       VM       `toml:"vm"`
	Guest    Guest    `toml:"guest"`
	Timeouts Timeouts `toml:"timeouts"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Flags are the command line values that override the config file.
type Flags struct {
	Backend       string
	SocketPath    string
	HostAddress   string
	HostPort      int
	HostUser      string
	HostPassword  string
	VMPath        string
	GuestUser     string
	GuestPassword string
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty CLI values are ignored.
func (c *Config) Merge(f Flags) {
	mergeString(&c.Backend, f.Backend)
	mergeString(&c.SocketPath, f.SocketPath)
	mergeString(&c.Host.Address, f.HostAddress)
	mergeString(&c.Host.Username, f.HostUser)
	mergeString(&c.Host.Password, f.HostPassword)
	mergeString(&c.VM.Path, f.VMPath)
	mergeString(&c.Guest.Username, f.GuestUser)
	mergeString(&c.Guest.Password, f.GuestPassword)
	if f.HostPort != 0 {
		c.Host.Port = f.HostPort
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.Host.Port == 0 {
		c.Host.Port = DefaultHostPort
	}
	if c.Host.LibvirtSocket == "" {
		c.Host.LibvirtSocket = DefaultLibvirtSocket
	}
	if c.Guest.Port == 0 {
		c.Guest.Port = DefaultGuestPort
	}
	if c.Guest.Shell == "" {
		c.Guest.Shell = DefaultShell
	}
	if c.Timeouts.Connect.Duration == 0 {
		c.Timeouts.Connect.Duration = DefaultConnectTimeout
	}
	if c.Timeouts.Operation.Duration == 0 {
		c.Timeouts.Operation.Duration = DefaultOperationTimeout
	}
	if c.Timeouts.Tools.Duration == 0 {
		c.Timeouts.Tools.Duration = DefaultToolsTimeout
	}
}

// Validate validates the configuration
// Note: VM existence is validated at runtime by the session
func (c *Config) Validate() error {
	if !validBackend(c.Backend) {
		return fmt.Errorf("backend must be one of %v, got %q", Backends, c.Backend)
	}

	if c.Backend == "libvirt" && c.Host.Address == "" {
		return fmt.Errorf("host address is required (use --host or set 'address' in [host])")
	}

	if c.Host.Port < 0 || c.Host.Port > 65535 {
		return fmt.Errorf("host port out of range: %d", c.Host.Port)
	}
	if c.Guest.Port < 0 || c.Guest.Port > 65535 {
		return fmt.Errorf("guest port out of range: %d", c.Guest.Port)
	}

	if c.Timeouts.Connect.Duration < 0 || c.Timeouts.Tools.Duration < 0 {
		return fmt.Errorf("connect and tools timeouts must not be negative")
	}

	return nil
}

func validBackend(b string) bool {
	for _, v := range Backends {
		if v == b {
			return true
		}
	}
	return false
}
