package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/vmctl/internal/api"
	"github.com/kriansa/vmctl/internal/client"
	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/log"
	"github.com/kriansa/vmctl/internal/server"
)

// ops is served in-process by a control.Controller, or by a client of the
// control server with --remote.
type ops interface {
	server.Controller
	ScriptFile(ctx context.Context, interpreter, localPath string) (api.Process, error)
	Close() error
}

type env struct {
	ops
	cfg *config.Config
}

type action func(ctx context.Context, cmd *cli.Command, e env) error

// withOps loads the config, opens the operations for fn and closes them
// afterwards.
func withOps(fn action) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var o ops
		if cmd.Bool("remote") {
			o, err = client.New(cfg.SocketPath)
		} else {
			o, err = newController(cfg)
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := o.Close(); err != nil {
				log.Warn("failed to close session", "error", err)
			}
		}()

		return fn(ctx, cmd, env{ops: o, cfg: cfg})
	}
}

func arg(cmd *cli.Command, i int, name string) (string, error) {
	if cmd.Args().Len() <= i {
		return "", fmt.Errorf("missing argument <%s>", name)
	}
	return cmd.Args().Get(i), nil
}

func powerCommand() *cli.Command {
	return &cli.Command{
		Name:  "power",
		Usage: "Query or change the power state of the VM",
		Commands: []*cli.Command{
			{
				Name:   "on",
				Usage:  "Power the VM on",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error { return e.PowerOn(ctx) }),
			},
			{
				Name:   "off",
				Usage:  "Power the VM off",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error { return e.PowerOff(ctx) }),
			},
			{
				Name:  "state",
				Usage: "Print the power and guest tools state",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					st, err := e.Status(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("vm:    %s\npower: %s\ntools: %s\n", st.Path, st.PowerState, st.ToolsState)
					return nil
				}),
			},
		},
	}
}

func deleteVM(ctx context.Context, cmd *cli.Command, e env) error {
	disks := e.cfg.VM.DeleteDisks
	if cmd.IsSet("disks") {
		disks = cmd.Bool("disks")
	}
	return e.Delete(ctx, disks)
}

func printSnapshot(sn api.Snapshot) {
	fmt.Printf("name:        %s\n", sn.Name)
	if sn.Parent != "" {
		fmt.Printf("parent:      %s\n", sn.Parent)
	}
	if sn.Description != "" {
		fmt.Printf("description: %s\n", sn.Description)
	}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Manage VM snapshots",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Take a snapshot",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Snapshot description"},
				},
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					name, err := arg(cmd, 0, "name")
					if err != nil {
						return err
					}
					sn, err := e.CreateSnapshot(ctx, name, cmd.String("description"))
					if err != nil {
						return err
					}
					printSnapshot(sn)
					return nil
				}),
			},
			{
				Name:      "revert",
				Usage:     "Revert to a snapshot, or to the current one without a name",
				ArgsUsage: "[name]",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					return e.RevertSnapshot(ctx, cmd.Args().First())
				}),
			},
			{
				Name:  "list",
				Usage: "List the root snapshots",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					roots, current, err := e.Snapshots(ctx)
					if err != nil {
						return err
					}
					for _, sn := range roots {
						marker := " "
						if current != nil && current.Name == sn.Name {
							marker = "*"
						}
						fmt.Printf("%s %s\t%s\n", marker, sn.Name, sn.Description)
					}
					if current != nil && current.Parent != "" {
						fmt.Printf("current: %s\n", current.Name)
					}
					return nil
				}),
			},
			{
				Name:  "current",
				Usage: "Show the current snapshot",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					_, current, err := e.Snapshots(ctx)
					if err != nil {
						return err
					}
					if current == nil {
						return fmt.Errorf("the vm has no current snapshot")
					}
					printSnapshot(*current)
					return nil
				}),
			},
			{
				Name:      "show",
				Usage:     "Show one snapshot",
				ArgsUsage: "<name>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					name, err := arg(cmd, 0, "name")
					if err != nil {
						return err
					}
					sn, err := e.NamedSnapshot(ctx, name)
					if err != nil {
						return err
					}
					printSnapshot(sn)
					return nil
				}),
			},
		},
	}
}

// finish prints the outcome of a guest program. A non-zero exit status
// becomes the exit status of vmctl.
func finish(p api.Process, err error) error {
	if err != nil {
		return err
	}
	if p.Detached {
		fmt.Printf("started pid %d at %s\n", p.PID, p.Started.Format(time.RFC3339))
		return nil
	}

	fmt.Print(p.Output)
	if p.ExitCode != 0 {
		return cli.Exit("", p.ExitCode)
	}
	return nil
}

var detachFlag = &cli.BoolFlag{Name: "detach", Aliases: []string{"d"}, Usage: "Return once the program started"}

var interpreterFlag = &cli.StringFlag{Name: "interpreter", Aliases: []string{"i"}, Usage: "Script interpreter (default: the configured shell)"}

func guestCommand() *cli.Command {
	return &cli.Command{
		Name:  "guest",
		Usage: "Run programs and manage files inside the guest",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run a program in the guest",
				ArgsUsage: "<program> [args...]",
				Flags:     []cli.Flag{detachFlag},
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					program, err := arg(cmd, 0, "program")
					if err != nil {
						return err
					}
					return finish(e.Run(ctx, program, cmd.Args().Tail(), cmd.Bool("detach")))
				}),
			},
			{
				Name:      "script",
				Usage:     "Run script text in the guest",
				ArgsUsage: "<text>",
				Flags:     []cli.Flag{interpreterFlag, detachFlag},
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					if cmd.Args().Len() == 0 {
						return fmt.Errorf("missing argument <text>")
					}
					text := strings.Join(cmd.Args().Slice(), " ")
					return finish(e.Script(ctx, cmd.String("interpreter"), text, cmd.Bool("detach")))
				}),
			},
			{
				Name:      "script-file",
				Usage:     "Run a local script file in the guest",
				ArgsUsage: "<file>",
				Flags:     []cli.Flag{interpreterFlag},
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					file, err := arg(cmd, 0, "file")
					if err != nil {
						return err
					}
					return finish(e.ScriptFile(ctx, cmd.String("interpreter"), file))
				}),
			},
			{
				Name:      "push",
				Usage:     "Copy a file into the guest",
				ArgsUsage: "<local> <guest>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					local, err := arg(cmd, 0, "local")
					if err != nil {
						return err
					}
					guest, err := arg(cmd, 1, "guest")
					if err != nil {
						return err
					}
					return e.CopyToGuest(ctx, local, guest)
				}),
			},
			{
				Name:      "pull",
				Usage:     "Copy a file out of the guest",
				ArgsUsage: "<guest> <local>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					guest, err := arg(cmd, 0, "guest")
					if err != nil {
						return err
					}
					local, err := arg(cmd, 1, "local")
					if err != nil {
						return err
					}
					return e.CopyFromGuest(ctx, guest, local)
				}),
			},
			{
				Name:      "exists",
				Usage:     "Report whether a path is a file or directory in the guest",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					st, err := e.Stat(ctx, path)
					if err != nil {
						return err
					}
					switch {
					case st.Directory:
						fmt.Println("directory")
					case st.File:
						fmt.Println("file")
					default:
						return cli.Exit("not found", 1)
					}
					return nil
				}),
			},
			{
				Name:      "ls",
				Usage:     "List a guest directory",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					entries, err := e.List(ctx, path)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					for _, entry := range entries {
						name := entry.Name
						if entry.IsDir {
							name += "/"
						}
						fmt.Fprintf(w, "%d\t%s\t%s\n", entry.Size, entry.ModTime.Format(time.DateTime), name)
					}
					return w.Flush()
				}),
			},
			{
				Name:      "mkdir",
				Usage:     "Create a guest directory",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					return e.Mkdir(ctx, path)
				}),
			},
			{
				Name:      "rm",
				Usage:     "Delete a guest file",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					return e.Remove(ctx, path, false)
				}),
			},
			{
				Name:      "rmdir",
				Usage:     "Delete a guest directory and its contents",
				ArgsUsage: "<path>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					path, err := arg(cmd, 0, "path")
					if err != nil {
						return err
					}
					return e.Remove(ctx, path, true)
				}),
			},
			{
				Name:      "mv",
				Usage:     "Rename a guest file",
				ArgsUsage: "<old> <new>",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error {
					oldPath, err := arg(cmd, 0, "old")
					if err != nil {
						return err
					}
					newPath, err := arg(cmd, 1, "new")
					if err != nil {
						return err
					}
					return e.Rename(ctx, oldPath, newPath)
				}),
			},
			{
				Name:   "logout",
				Usage:  "End the guest login of the control server",
				Action: withOps(func(ctx context.Context, cmd *cli.Command, e env) error { return e.Logout(ctx) }),
			},
		},
	}
}
