// Package backend builds the hypervisor driver selected by the configuration.
package backend

import (
	"fmt"

	"github.com/kriansa/vmctl/internal/backend/libvirt"
	"github.com/kriansa/vmctl/internal/backend/libvirtdbus"
	"github.com/kriansa/vmctl/internal/backend/sim"
	"github.com/kriansa/vmctl/internal/backend/virt"
	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/guestssh"
	"github.com/kriansa/vmctl/internal/hostlib"
)

// New returns the driver for cfg.Backend. cfg must have defaults applied.
func New(cfg *config.Config) (hostlib.Driver, error) {
	switch cfg.Backend {
	case "libvirt":
		guest, err := guestConfig(cfg)
		if err != nil {
			return nil, err
		}
		return libvirt.New(
			libvirt.WithSocket(cfg.Host.LibvirtSocket),
			libvirt.WithHostKeyCallback(guest.HostKeyCallback),
			libvirt.WithDialTimeout(cfg.Timeouts.Connect.Duration),
			libvirt.WithGuest(guest),
		), nil

	case "dbus":
		guest, err := guestConfig(cfg)
		if err != nil {
			return nil, err
		}
		return libvirtdbus.New(libvirtdbus.WithGuest(guest)), nil

	case "sim":
		return simDriver(cfg), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func guestConfig(cfg *config.Config) (virt.GuestConfig, error) {
	hostKey, err := guestssh.HostKeyCallback(cfg.Host.KnownHosts, cfg.Host.InsecureIgnoreHostKey)
	if err != nil {
		return virt.GuestConfig{}, err
	}

	return virt.GuestConfig{
		Address:         cfg.Guest.Address,
		Port:            cfg.Guest.Port,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeouts.Connect.Duration,
		Shell:           cfg.Guest.Shell,
	}, nil
}

// simDriver seeds an in-memory host at the configured address holding the
// configured VM, running, with the configured guest account.
func simDriver(cfg *config.Config) *sim.Driver {
	opts := []sim.Option{sim.WithAddress(cfg.Host.Address)}
	if cfg.Host.Username != "" {
		opts = append(opts, sim.WithUser(cfg.Host.Username, cfg.Host.Password))
	}
	if cfg.VM.Path != "" {
		users := map[string]string{}
		if cfg.Guest.Username != "" {
			users[cfg.Guest.Username] = cfg.Guest.Password
		}
		opts = append(opts, sim.WithMachine(sim.Machine{
			Path:      cfg.VM.Path,
			PoweredOn: true,
			Users:     users,
			Dirs:      []string{"/tmp"},
		}))
	}
	return sim.New(opts...)
}
