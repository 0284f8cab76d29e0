// Package guestssh is the guest channel of the libvirt backends: programs run
// through SSH exec sessions and files move through SFTP, both over a single
// connection authenticated with the guest credentials.
package guestssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// DefaultShell runs scripts when no interpreter is given.
const DefaultShell = "/bin/sh"

// exitNotFound is the POSIX shell status for a command that does not exist.
const exitNotFound = 127

// Config describes how to reach the guest.
type Config struct {
	Address     string
	Port        int
	Credentials hostlib.Credentials
	// HostKeyCallback verifies the guest key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
	Shell           string
	// Interactive runs every program on a pseudo-terminal.
	Interactive bool
}

// HostKeyCallback returns a callback that checks keys against a known_hosts
// file, or accepts every key when insecure is set.
func HostKeyCallback(knownHostsPath string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find known_hosts: %w", err)
		}
		knownHostsPath = home + "/.ssh/known_hosts"
	}

	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Conn is a logged-in guest session. It implements hostlib.GuestConn.
type Conn struct {
	client *ssh.Client
	files  *sftp.Client
	shell  string
	pty    bool

	mu     sync.Mutex
	closed bool
}

// Dial connects and authenticates to the guest.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Credentials.Empty() {
		return nil, hostlib.Errorf(hostlib.CodeGuestAuth, "guest credentials are required")
	}

	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Credentials.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Credentials.Password)},
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	log.Debug("dialing guest", "address", addr, "user", cfg.Credentials.Username)

	client, err := dialContext(ctx, addr, sshConfig)
	if err != nil {
		return nil, dialError(addr, err)
	}

	files, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, hostlib.Errorf(hostlib.CodeToolsNotRunning, "start sftp on %s: %v", addr, err)
	}

	shell := cfg.Shell
	if shell == "" {
		shell = DefaultShell
	}
	return &Conn{client: client, files: files, shell: shell, pty: cfg.Interactive}, nil
}

func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func dialError(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &keyErr), strings.Contains(err.Error(), "key mismatch"):
		return hostlib.Errorf(hostlib.CodeGuestAuth, "guest %s: host key mismatch: %v", addr, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return hostlib.Errorf(hostlib.CodeGuestAuth, "guest %s: %v", addr, err)
	default:
		return hostlib.Errorf(hostlib.CodeToolsNotRunning, "guest %s unreachable: %v", addr, err)
	}
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hostlib.Errorf(hostlib.CodeGuestNotLoggedIn, "guest session closed")
	}
	return nil
}

// Logout closes the SFTP channel and the SSH connection.
func (c *Conn) Logout() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ferr := c.files.Close()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close ssh connection: %w", err)
	}
	if ferr != nil {
		return fmt.Errorf("close sftp: %w", ferr)
	}
	return nil
}

// RunProgram runs program with args and waits for it to exit.
func (c *Conn) RunProgram(ctx context.Context, program string, args []string) (hostlib.ProcessResult, error) {
	return c.exec(ctx, commandLine(program, args), nil)
}

// RunScript feeds text to interpreter on standard input.
func (c *Conn) RunScript(ctx context.Context, interpreter, text string) (hostlib.ProcessResult, error) {
	if interpreter == "" {
		interpreter = c.shell
	}
	return c.exec(ctx, commandLine(interpreter, nil), strings.NewReader(text))
}

// StartProgram launches program in its own session with no terminal and
// returns its PID without waiting for it.
func (c *Conn) StartProgram(ctx context.Context, program string, args []string) (int, error) {
	return c.start(ctx, program, args)
}

// StartScript launches interpreter -c text like StartProgram.
func (c *Conn) StartScript(ctx context.Context, interpreter, text string) (int, error) {
	if interpreter == "" {
		interpreter = c.shell
	}
	return c.start(ctx, interpreter, []string{"-c", text})
}

func (c *Conn) start(ctx context.Context, program string, args []string) (int, error) {
	res, err := c.exec(ctx, backgroundLine(program, args), nil)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 || res.PID == 0 {
		return 0, hostlib.Errorf(hostlib.CodeGuestProgramNotStarted, "%s: could not start (exit status %d): %s",
			program, res.ExitCode, bytes.TrimSpace(res.Output))
	}
	return res.PID, nil
}

// backgroundLine checks that program exists, starts it detached from the
// SSH session and prints its PID.
func backgroundLine(program string, args []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "command -v %s >/dev/null || exit %d; setsid nohup %s", quote(program), exitNotFound, quote(program))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quote(a))
	}
	b.WriteString(" </dev/null >/dev/null 2>&1 & echo $!")
	return b.String()
}

// commandLine prints the shell PID and replaces the shell with the program,
// so the PID reported is the program's.
func commandLine(program string, args []string) string {
	var b strings.Builder
	b.WriteString("echo $$; exec ")
	b.WriteString(quote(program))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quote(a))
	}
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *Conn) exec(ctx context.Context, cmd string, stdin *strings.Reader) (hostlib.ProcessResult, error) {
	if err := c.check(); err != nil {
		return hostlib.ProcessResult{}, err
	}

	session, err := c.client.NewSession()
	if err != nil {
		return hostlib.ProcessResult{}, hostlib.Errorf(hostlib.CodeGuestProgramNotStarted, "new session: %v", err)
	}
	defer func() { _ = session.Close() }()

	if stdin != nil {
		session.Stdin = stdin
	}
	if c.pty {
		if err := session.RequestPty("xterm", 40, 80, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
			return hostlib.ProcessResult{}, hostlib.Errorf(hostlib.CodeGuestProgramNotStarted, "request pty: %v", err)
		}
	}

	type result struct {
		output []byte
		err    error
	}

	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(cmd)
		ch <- result{output, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-ch
		return hostlib.ProcessResult{}, ctx.Err()
	case r = <-ch:
	}

	res := hostlib.ProcessResult{Elapsed: time.Since(start)}
	res.PID, res.Output = splitPID(r.output)

	var exitErr *ssh.ExitError
	switch {
	case r.err == nil:
	case errors.As(r.err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		return hostlib.ProcessResult{}, hostlib.Errorf(hostlib.CodeGuestProgramNotStarted, "%v", r.err)
	}

	if res.ExitCode == exitNotFound && res.PID != 0 {
		return res, hostlib.Errorf(hostlib.CodeGuestProgramNotStarted, "%s", bytes.TrimSpace(res.Output))
	}
	return res, nil
}

// splitPID removes the PID line written by commandLine.
func splitPID(out []byte) (int, []byte) {
	line, rest, found := bytes.Cut(out, []byte("\n"))
	if !found {
		return 0, out
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(line)))
	if err != nil {
		return 0, out
	}
	return pid, rest
}

// fileError converts an SFTP failure on path into a guest status.
func fileError(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return hostlib.Errorf(hostlib.CodeGuestFileNotFound, "%s %s: no such file or directory", op, path)
	case errors.Is(err, os.ErrPermission):
		return hostlib.Errorf(hostlib.CodeGuestPermission, "%s %s: permission denied", op, path)
	default:
		return hostlib.Errorf(hostlib.CodeFail, "%s %s: %v", op, path, err)
	}
}

// CopyToGuest uploads a local file.
func (c *Conn) CopyToGuest(ctx context.Context, localPath, guestPath string) error {
	if err := c.check(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	if fi, err := c.files.Stat(guestPath); err == nil && fi.IsDir() {
		return hostlib.Errorf(hostlib.CodeGuestNotAFile, "%s is a directory", guestPath)
	}

	dst, err := c.files.Create(guestPath)
	if err != nil {
		return fileError("create", guestPath, err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()
		return fileError("write", guestPath, err)
	}
	return fileError("close", guestPath, dst.Close())
}

// CopyFromGuest downloads a guest file.
func (c *Conn) CopyFromGuest(ctx context.Context, guestPath, localPath string) error {
	if err := c.check(); err != nil {
		return err
	}

	fi, err := c.files.Stat(guestPath)
	if err != nil {
		return fileError("stat", guestPath, err)
	}
	if fi.IsDir() {
		return hostlib.Errorf(hostlib.CodeGuestNotAFile, "%s is a directory", guestPath)
	}

	src, err := c.files.Open(guestPath)
	if err != nil {
		return fileError("open", guestPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := src.WriteTo(dst); err != nil {
		_ = dst.Close()
		return fileError("read", guestPath, err)
	}
	return dst.Close()
}

func (c *Conn) stat(path string) (os.FileInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	fi, err := c.files.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fileError("stat", path, err)
	}
	return fi, nil
}

// FileExists reports whether path is a regular file.
func (c *Conn) FileExists(ctx context.Context, path string) (bool, error) {
	fi, err := c.stat(path)
	if err != nil || fi == nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// DirectoryExists reports whether path is a directory.
func (c *Conn) DirectoryExists(ctx context.Context, path string) (bool, error) {
	fi, err := c.stat(path)
	if err != nil || fi == nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// DeleteFile removes a file. Directories are refused.
func (c *Conn) DeleteFile(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}

	fi, err := c.files.Lstat(path)
	if err != nil {
		return fileError("stat", path, err)
	}
	if fi.IsDir() {
		return hostlib.Errorf(hostlib.CodeGuestNotAFile, "%s is a directory", path)
	}
	return fileError("remove", path, c.files.Remove(path))
}

// RenameFile moves oldPath to newPath. An existing newPath is not replaced.
func (c *Conn) RenameFile(ctx context.Context, oldPath, newPath string) error {
	if err := c.check(); err != nil {
		return err
	}

	if _, err := c.files.Lstat(newPath); err == nil {
		return hostlib.Errorf(hostlib.CodeGuestFileExists, "%s already exists", newPath)
	}
	return fileError("rename", oldPath, c.files.Rename(oldPath, newPath))
}

// ListDirectory returns the entries of a directory.
func (c *Conn) ListDirectory(ctx context.Context, path string) ([]hostlib.DirEntry, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	fi, err := c.files.Stat(path)
	if err != nil {
		return nil, fileError("stat", path, err)
	}
	if !fi.IsDir() {
		return nil, hostlib.Errorf(hostlib.CodeGuestNotADirectory, "%s is not a directory", path)
	}

	infos, err := c.files.ReadDir(path)
	if err != nil {
		return nil, fileError("list", path, err)
	}

	entries := make([]hostlib.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, hostlib.DirEntry{
			Name:      info.Name(),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			IsDir:     info.IsDir(),
			IsSymlink: info.Mode()&os.ModeSymlink != 0,
		})
	}
	return entries, nil
}

// CreateDirectory creates one directory. Its parent must exist.
func (c *Conn) CreateDirectory(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}

	if _, err := c.files.Lstat(path); err == nil {
		return hostlib.Errorf(hostlib.CodeGuestFileExists, "%s already exists", path)
	}
	return fileError("mkdir", path, c.files.Mkdir(path))
}

// DeleteDirectory removes a directory and everything below it.
func (c *Conn) DeleteDirectory(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}

	fi, err := c.files.Lstat(path)
	if err != nil {
		return fileError("stat", path, err)
	}
	if !fi.IsDir() {
		return hostlib.Errorf(hostlib.CodeGuestNotADirectory, "%s is not a directory", path)
	}
	if path == "/" {
		return hostlib.Errorf(hostlib.CodeGuestPermission, "refusing to delete /")
	}
	return fileError("remove", path, c.files.RemoveAll(path))
}
