package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/kriansa/vmctl/internal/backend"
	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/control"
	"github.com/kriansa/vmctl/internal/log"
	"github.com/kriansa/vmctl/internal/server"
	"github.com/kriansa/vmctl/internal/version"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "vmctl",
		Usage: "Control virtual machines and their guests on a hypervisor host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Hypervisor backend: libvirt, dbus or sim",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Management host address",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Management host SSH port",
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "Host user name",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Host password, or - to prompt",
			},
			&cli.StringFlag{
				Name:  "vm",
				Usage: "VM definition path",
			},
			&cli.StringFlag{
				Name:  "guest-user",
				Usage: "Guest user name",
			},
			&cli.StringFlag{
				Name:  "guest-password",
				Usage: "Guest password, or - to prompt",
			},
			&cli.StringFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Usage:   "Unix socket path of the control server",
			},
			&cli.BoolFlag{
				Name:    "remote",
				Aliases: []string{"r"},
				Usage:   "Run operations through the control server",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Setup(cmd.Bool("verbose"))
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("version") {
				fmt.Println(version.String())
				return nil
			}
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			powerCommand(),
			snapshotCommand(),
			guestCommand(),
			{
				Name:      "delete",
				Usage:     "Delete the VM",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "disks", Usage: "Also delete the disk images"}},
				Action:    withOps(deleteVM),
				ArgsUsage: " ",
			},
			{
				Name:      "register",
				Usage:     "Add a VM definition to the host inventory",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					return e.Register(ctx, path)
				}),
			},
			{
				Name:      "unregister",
				Usage:     "Remove a VM definition from the host inventory",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					return e.Unregister(ctx, path)
				}),
			},
			{
				Name:  "wait-tools",
				Usage: "Wait until the guest agent is running",
				Flags: []cli.Flag{&cli.DurationFlag{Name: "timeout", Usage: "Give up after this long"}},
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					return e.WaitForTools(ctx, cmd.Duration("timeout"))
				}),
			},
			{
				Name:   "serve",
				Usage:  "Serve the operations on the control socket",
				Action: serve,
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Println(version.String())
					return nil
				},
			},
		},
	}
}

// loadConfig reads the config file and applies the flags over it.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	hostPassword, err := password(cmd.String("password"), "Host password: ")
	if err != nil {
		return nil, err
	}
	guestPassword, err := password(cmd.String("guest-password"), "Guest password: ")
	if err != nil {
		return nil, err
	}

	cfg.Merge(config.Flags{
		Backend:       cmd.String("backend"),
		SocketPath:    cmd.String("socket"),
		HostAddress:   cmd.String("host"),
		HostPort:      int(cmd.Int("port")),
		HostUser:      cmd.String("user"),
		HostPassword:  hostPassword,
		VMPath:        cmd.String("vm"),
		GuestUser:     cmd.String("guest-user"),
		GuestPassword: guestPassword,
	})
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// password returns v, prompting on the terminal when it is "-".
func password(v, prompt string) (string, error) {
	if v != "-" {
		return v, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func newController(cfg *config.Config) (*control.Controller, error) {
	driver, err := backend.New(cfg)
	if err != nil {
		return nil, err
	}
	return control.New(cfg, driver), nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctrl, err := newController(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Warn("failed to close session", "error", err)
		}
	}()

	l, err := server.Listen(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer func() {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove socket on shutdown", "path", cfg.SocketPath, "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting control server",
		"backend", cfg.Backend,
		"host", cfg.Host.Address,
		"vm", cfg.VM.Path,
		"socket", cfg.SocketPath,
	)

	if err := server.Serve(ctx, server.NewHandler(ctrl), l); err != nil {
		return err
	}
	log.Info("shutting down")
	return nil
}
