package control

import (
	"context"

	"github.com/kriansa/vmctl/internal/api"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/session"
	"github.com/kriansa/vmctl/internal/validation"
)

func invalidPath(err error) error {
	return &session.GuestError{Reason: session.ReasonFailed, Code: hostlib.CodeInvalidArgument, Message: err.Error()}
}

func checkPaths(paths ...string) error {
	for _, p := range paths {
		if err := validation.ValidateGuestPath(p); err != nil {
			return invalidPath(err)
		}
	}
	return nil
}

func process(res session.ProcessResult) api.Process {
	return api.Process{PID: res.PID, ExitCode: res.ExitCode, Output: string(res.Output)}
}

func detached(d session.Detached) api.Process {
	return api.Process{PID: d.PID, Detached: true, Started: d.Started}
}

// Run runs program in the guest, waiting for it unless detach is set.
func (c *Controller) Run(ctx context.Context, program string, args []string, detach bool) (api.Process, error) {
	if err := checkPaths(program); err != nil {
		return api.Process{}, err
	}

	var p api.Process
	err := c.withGuest(ctx, func(g *session.Guest) error {
		if detach {
			d, err := g.StartProgram(ctx, program, args...)
			p = detached(d)
			return err
		}
		res, err := g.RunProgram(ctx, program, args...)
		p = process(res)
		return err
	})
	return p, err
}

// Script runs text with interpreter, or the configured shell when empty.
func (c *Controller) Script(ctx context.Context, interpreter, text string, detach bool) (api.Process, error) {
	if interpreter == "" {
		interpreter = c.cfg.Guest.Shell
	}

	var p api.Process
	err := c.withGuest(ctx, func(g *session.Guest) error {
		if detach {
			d, err := g.StartScript(ctx, interpreter, text)
			p = detached(d)
			return err
		}
		res, err := g.RunScript(ctx, interpreter, text)
		p = process(res)
		return err
	})
	return p, err
}

// ScriptFile runs the local file localPath as a guest script.
func (c *Controller) ScriptFile(ctx context.Context, interpreter, localPath string) (api.Process, error) {
	if interpreter == "" {
		interpreter = c.cfg.Guest.Shell
	}

	var p api.Process
	err := c.withGuest(ctx, func(g *session.Guest) error {
		res, err := g.RunScriptFile(ctx, interpreter, localPath)
		p = process(res)
		return err
	})
	return p, err
}

func (c *Controller) CopyToGuest(ctx context.Context, localPath, guestPath string) error {
	if err := checkPaths(guestPath); err != nil {
		return err
	}
	return c.withGuest(ctx, func(g *session.Guest) error {
		return g.CopyToGuest(ctx, localPath, guestPath)
	})
}

func (c *Controller) CopyFromGuest(ctx context.Context, guestPath, localPath string) error {
	if err := checkPaths(guestPath); err != nil {
		return err
	}
	return c.withGuest(ctx, func(g *session.Guest) error {
		return g.CopyFromGuest(ctx, guestPath, localPath)
	})
}

// Stat reports whether path is a file or a directory in the guest.
func (c *Controller) Stat(ctx context.Context, path string) (api.Stat, error) {
	if err := checkPaths(path); err != nil {
		return api.Stat{}, err
	}

	var st api.Stat
	err := c.withGuest(ctx, func(g *session.Guest) error {
		var err error
		if st.File, err = g.FileExists(ctx, path); err != nil {
			return err
		}
		st.Directory, err = g.DirectoryExists(ctx, path)
		return err
	})
	return st, err
}

func (c *Controller) List(ctx context.Context, path string) ([]session.DirEntry, error) {
	if err := checkPaths(path); err != nil {
		return nil, err
	}

	var entries []session.DirEntry
	err := c.withGuest(ctx, func(g *session.Guest) error {
		var err error
		entries, err = g.ListDirectory(ctx, path)
		return err
	})
	return entries, err
}

func (c *Controller) Mkdir(ctx context.Context, path string) error {
	if err := checkPaths(path); err != nil {
		return err
	}
	return c.withGuest(ctx, func(g *session.Guest) error {
		return g.CreateDirectory(ctx, path)
	})
}

// Remove deletes a file, or a directory tree when directory is set.
func (c *Controller) Remove(ctx context.Context, path string, directory bool) error {
	if err := checkPaths(path); err != nil {
		return err
	}
	return c.withGuest(ctx, func(g *session.Guest) error {
		if directory {
			return g.DeleteDirectory(ctx, path)
		}
		return g.DeleteFile(ctx, path)
	})
}

func (c *Controller) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := checkPaths(oldPath, newPath); err != nil {
		return err
	}
	return c.withGuest(ctx, func(g *session.Guest) error {
		return g.RenameFile(ctx, oldPath, newPath)
	})
}

// Logout ends the guest login, if any.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.guest == nil {
		return nil
	}
	g := c.guest
	c.guest = nil
	return g.Logout(ctx)
}
