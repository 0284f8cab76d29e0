// Package client calls a vmctl server over its control socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/docker/go-connections/sockets"

	"github.com/kriansa/vmctl/internal/api"
	"github.com/kriansa/vmctl/internal/hostlib"
)

// Client mirrors control.Controller. Copy paths are resolved on the server.
type Client struct {
	http *http.Client
}

// New returns a client for the server listening on socketPath.
func New(socketPath string) (*Client, error) {
	tr := &http.Transport{}
	if err := sockets.ConfigureTransport(tr, "unix", socketPath); err != nil {
		return nil, fmt.Errorf("configure transport: %w", err)
	}
	return &Client{http: &http.Client{Transport: tr}}, nil
}

// Close releases idle connections to the server.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type response interface {
	AsError() error
}

// call posts request to method and decodes the reply into response. A
// failure reported by the server comes back typed.
func (c *Client) call(ctx context.Context, method string, request any, response response) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://vmctl/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, response); err != nil {
		return fmt.Errorf("unmarshal response: %w: %s", err, bytes.TrimSpace(data))
	}
	if err := response.AsError(); err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: %s", method, res.Status)
	}
	return nil
}

func (c *Client) simple(ctx context.Context, method string, request any) error {
	var resp api.ErrorResponse
	return c.call(ctx, method, request, &resp)
}

func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var resp api.StatusResponse
	err := c.call(ctx, api.MethodStatus, api.Empty{}, &resp)
	return resp.Status, err
}

func (c *Client) PowerOn(ctx context.Context) error {
	return c.simple(ctx, api.MethodPowerOn, api.Empty{})
}

func (c *Client) PowerOff(ctx context.Context) error {
	return c.simple(ctx, api.MethodPowerOff, api.Empty{})
}

func (c *Client) WaitForTools(ctx context.Context, timeout time.Duration) error {
	return c.simple(ctx, api.MethodWaitForTools, api.WaitRequest{Timeout: timeout})
}

func (c *Client) Delete(ctx context.Context, deleteDisks bool) error {
	return c.simple(ctx, api.MethodDelete, api.DeleteRequest{DeleteDisks: deleteDisks})
}

func (c *Client) Register(ctx context.Context, path string) error {
	return c.simple(ctx, api.MethodRegister, api.PathRequest{Path: path})
}

func (c *Client) Unregister(ctx context.Context, path string) error {
	return c.simple(ctx, api.MethodUnregister, api.PathRequest{Path: path})
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.simple(ctx, api.MethodDisconnect, api.Empty{})
}

func (c *Client) CreateSnapshot(ctx context.Context, name, description string) (api.Snapshot, error) {
	var resp api.SnapshotResponse
	err := c.call(ctx, api.MethodCreateSnapshot, api.CreateSnapshotRequest{Name: name, Description: description}, &resp)
	return resp.Snapshot, err
}

func (c *Client) RevertSnapshot(ctx context.Context, name string) error {
	return c.simple(ctx, api.MethodRevertSnapshot, api.SnapshotRequest{Name: name})
}

func (c *Client) Snapshots(ctx context.Context) ([]api.Snapshot, *api.Snapshot, error) {
	var resp api.SnapshotsResponse
	err := c.call(ctx, api.MethodSnapshots, api.Empty{}, &resp)
	return resp.Roots, resp.Current, err
}

func (c *Client) NamedSnapshot(ctx context.Context, name string) (api.Snapshot, error) {
	var resp api.SnapshotResponse
	err := c.call(ctx, api.MethodSnapshot, api.SnapshotRequest{Name: name}, &resp)
	return resp.Snapshot, err
}

func (c *Client) Run(ctx context.Context, program string, args []string, detach bool) (api.Process, error) {
	var resp api.ProcessResponse
	err := c.call(ctx, api.MethodRun, api.RunRequest{Program: program, Args: args, Detach: detach}, &resp)
	return resp.Process, err
}

func (c *Client) Script(ctx context.Context, interpreter, text string, detach bool) (api.Process, error) {
	var resp api.ProcessResponse
	err := c.call(ctx, api.MethodScript, api.ScriptRequest{Interpreter: interpreter, Text: text, Detach: detach}, &resp)
	return resp.Process, err
}

// ScriptFile reads localPath on this side and sends it as a script.
func (c *Client) ScriptFile(ctx context.Context, interpreter, localPath string) (api.Process, error) {
	text, err := os.ReadFile(localPath)
	if err != nil {
		return api.Process{}, err
	}
	return c.Script(ctx, interpreter, string(text), false)
}

func (c *Client) CopyToGuest(ctx context.Context, localPath, guestPath string) error {
	return c.simple(ctx, api.MethodCopyToGuest, api.CopyRequest{LocalPath: localPath, GuestPath: guestPath})
}

func (c *Client) CopyFromGuest(ctx context.Context, guestPath, localPath string) error {
	return c.simple(ctx, api.MethodCopyFromGuest, api.CopyRequest{LocalPath: localPath, GuestPath: guestPath})
}

func (c *Client) Stat(ctx context.Context, path string) (api.Stat, error) {
	var resp api.StatResponse
	err := c.call(ctx, api.MethodStat, api.GuestPathRequest{Path: path}, &resp)
	return resp.Stat, err
}

func (c *Client) List(ctx context.Context, path string) ([]hostlib.DirEntry, error) {
	var resp api.ListResponse
	err := c.call(ctx, api.MethodList, api.GuestPathRequest{Path: path}, &resp)
	return resp.Entries, err
}

func (c *Client) Mkdir(ctx context.Context, path string) error {
	return c.simple(ctx, api.MethodMkdir, api.GuestPathRequest{Path: path})
}

func (c *Client) Remove(ctx context.Context, path string, directory bool) error {
	return c.simple(ctx, api.MethodRemove, api.RemoveRequest{Path: path, Directory: directory})
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.simple(ctx, api.MethodRename, api.RenameRequest{OldPath: oldPath, NewPath: newPath})
}

func (c *Client) Logout(ctx context.Context) error {
	return c.simple(ctx, api.MethodLogout, api.Empty{})
}
