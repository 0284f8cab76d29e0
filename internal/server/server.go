// Package server exposes a Controller on a Unix socket, speaking the
// plugin-style JSON protocol described in package api.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/docker/go-plugins-helpers/sdk"
	"golang.org/x/sync/errgroup"

	"github.com/kriansa/vmctl/internal/api"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// Controller runs the VM operations. *control.Controller implements it.
type Controller interface {
	Status(ctx context.Context) (api.Status, error)
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	WaitForTools(ctx context.Context, timeout time.Duration) error
	Delete(ctx context.Context, deleteDisks bool) error
	Register(ctx context.Context, path string) error
	Unregister(ctx context.Context, path string) error
	Disconnect(ctx context.Context) error

	CreateSnapshot(ctx context.Context, name, description string) (api.Snapshot, error)
	RevertSnapshot(ctx context.Context, name string) error
	Snapshots(ctx context.Context) ([]api.Snapshot, *api.Snapshot, error)
	NamedSnapshot(ctx context.Context, name string) (api.Snapshot, error)

	Run(ctx context.Context, program string, args []string, detach bool) (api.Process, error)
	Script(ctx context.Context, interpreter, text string, detach bool) (api.Process, error)
	CopyToGuest(ctx context.Context, localPath, guestPath string) error
	CopyFromGuest(ctx context.Context, guestPath, localPath string) error
	Stat(ctx context.Context, path string) (api.Stat, error)
	List(ctx context.Context, path string) ([]hostlib.DirEntry, error)
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string, directory bool) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Logout(ctx context.Context) error
}

// handle registers a method whose request decodes into Req.
func handle[Req any](h sdk.Handler, method string, fn func(ctx context.Context, req *Req) (any, error)) {
	h.HandleFunc("/"+method, func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := sdk.DecodeRequest(w, r, &req); err != nil {
			log.Warn("bad request", "method", method, "error", err)
			return
		}

		log.Debug("handling request", "method", method)
		resp, err := fn(r.Context(), &req)
		if err != nil {
			log.Warn("request failed", "method", method, "error", err)
		}
		sdk.EncodeResponse(w, resp, err != nil)
	})
}

func errorResponse(err error) (any, error) {
	return api.ErrorResponse{Error: api.NewError(err)}, err
}

// NewHandler returns the socket handler for c.
func NewHandler(c Controller) sdk.Handler {
	h := sdk.NewHandler(api.Manifest)

	handle(h, api.MethodStatus, func(ctx context.Context, _ *api.Empty) (any, error) {
		st, err := c.Status(ctx)
		return api.StatusResponse{Status: st, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodPowerOn, func(ctx context.Context, _ *api.Empty) (any, error) {
		return errorResponse(c.PowerOn(ctx))
	})
	handle(h, api.MethodPowerOff, func(ctx context.Context, _ *api.Empty) (any, error) {
		return errorResponse(c.PowerOff(ctx))
	})
	handle(h, api.MethodWaitForTools, func(ctx context.Context, req *api.WaitRequest) (any, error) {
		return errorResponse(c.WaitForTools(ctx, req.Timeout))
	})
	handle(h, api.MethodDelete, func(ctx context.Context, req *api.DeleteRequest) (any, error) {
		return errorResponse(c.Delete(ctx, req.DeleteDisks))
	})
	handle(h, api.MethodRegister, func(ctx context.Context, req *api.PathRequest) (any, error) {
		return errorResponse(c.Register(ctx, req.Path))
	})
	handle(h, api.MethodUnregister, func(ctx context.Context, req *api.PathRequest) (any, error) {
		return errorResponse(c.Unregister(ctx, req.Path))
	})
	handle(h, api.MethodDisconnect, func(ctx context.Context, _ *api.Empty) (any, error) {
		return errorResponse(c.Disconnect(ctx))
	})

	handle(h, api.MethodCreateSnapshot, func(ctx context.Context, req *api.CreateSnapshotRequest) (any, error) {
		sn, err := c.CreateSnapshot(ctx, req.Name, req.Description)
		return api.SnapshotResponse{Snapshot: sn, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodRevertSnapshot, func(ctx context.Context, req *api.SnapshotRequest) (any, error) {
		return errorResponse(c.RevertSnapshot(ctx, req.Name))
	})
	handle(h, api.MethodSnapshots, func(ctx context.Context, _ *api.Empty) (any, error) {
		roots, current, err := c.Snapshots(ctx)
		return api.SnapshotsResponse{Roots: roots, Current: current, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodSnapshot, func(ctx context.Context, req *api.SnapshotRequest) (any, error) {
		sn, err := c.NamedSnapshot(ctx, req.Name)
		return api.SnapshotResponse{Snapshot: sn, Error: api.NewError(err)}, err
	})

	handle(h, api.MethodRun, func(ctx context.Context, req *api.RunRequest) (any, error) {
		p, err := c.Run(ctx, req.Program, req.Args, req.Detach)
		return api.ProcessResponse{Process: p, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodScript, func(ctx context.Context, req *api.ScriptRequest) (any, error) {
		p, err := c.Script(ctx, req.Interpreter, req.Text, req.Detach)
		return api.ProcessResponse{Process: p, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodCopyToGuest, func(ctx context.Context, req *api.CopyRequest) (any, error) {
		return errorResponse(c.CopyToGuest(ctx, req.LocalPath, req.GuestPath))
	})
	handle(h, api.MethodCopyFromGuest, func(ctx context.Context, req *api.CopyRequest) (any, error) {
		return errorResponse(c.CopyFromGuest(ctx, req.GuestPath, req.LocalPath))
	})
	handle(h, api.MethodStat, func(ctx context.Context, req *api.GuestPathRequest) (any, error) {
		st, err := c.Stat(ctx, req.Path)
		return api.StatResponse{Stat: st, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodList, func(ctx context.Context, req *api.GuestPathRequest) (any, error) {
		entries, err := c.List(ctx, req.Path)
		return api.ListResponse{Entries: entries, Error: api.NewError(err)}, err
	})
	handle(h, api.MethodMkdir, func(ctx context.Context, req *api.GuestPathRequest) (any, error) {
		return errorResponse(c.Mkdir(ctx, req.Path))
	})
	handle(h, api.MethodRemove, func(ctx context.Context, req *api.RemoveRequest) (any, error) {
		return errorResponse(c.Remove(ctx, req.Path, req.Directory))
	})
	handle(h, api.MethodRename, func(ctx context.Context, req *api.RenameRequest) (any, error) {
		return errorResponse(c.Rename(ctx, req.OldPath, req.NewPath))
	})
	handle(h, api.MethodLogout, func(ctx context.Context, _ *api.Empty) (any, error) {
		return errorResponse(c.Logout(ctx))
	})

	return h
}

// Listen creates the control socket, replacing a stale one.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return sockets.NewUnixSocket(socketPath, os.Getgid())
}

// Serve answers requests on l until ctx is done, then closes l.
func Serve(ctx context.Context, h sdk.Handler, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := h.Serve(l)
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	return g.Wait()
}
