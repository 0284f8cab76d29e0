package sim

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kriansa/vmctl/internal/hostlib"
)

const defaultShell = "/bin/sh"

type fsNode struct {
	dir     bool
	data    []byte
	modTime time.Time
}

// guestFS is a flat map of cleaned absolute paths. The root always exists.
type guestFS struct {
	nodes map[string]*fsNode
}

func newGuestFS() *guestFS {
	return &guestFS{nodes: map[string]*fsNode{
		"/": {dir: true, modTime: time.Now()},
	}}
}

func (fs *guestFS) clone() *guestFS {
	c := &guestFS{nodes: make(map[string]*fsNode, len(fs.nodes))}
	for p, n := range fs.nodes {
		cp := *n
		cp.data = append([]byte(nil), n.data...)
		c.nodes[p] = &cp
	}
	return c
}

func (fs *guestFS) mkdirAll(p string) {
	p = path.Clean("/" + p)
	for dir := p; ; dir = path.Dir(dir) {
		if _, ok := fs.nodes[dir]; !ok {
			fs.nodes[dir] = &fsNode{dir: true, modTime: time.Now()}
		}
		if dir == "/" {
			return
		}
	}
}

func (fs *guestFS) writeFile(p string, data []byte) {
	p = path.Clean("/" + p)
	fs.mkdirAll(path.Dir(p))
	fs.nodes[p] = &fsNode{data: data, modTime: time.Now()}
}

// children returns the direct entries below dir, sorted by path.
func (fs *guestFS) children(dir string) []string {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}

	var out []string
	for p := range fs.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		if !strings.Contains(p[len(prefix):], "/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// subtree returns dir and every path below it.
func (fs *guestFS) subtree(dir string) []string {
	out := []string{dir}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range fs.nodes {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

type guest struct {
	machine     *machine
	user        string
	interactive bool
	closed      bool
}

// open checks the session and returns the filesystem. d.mu must be held.
func (g *guest) open() (*guestFS, error) {
	if g.closed {
		return nil, hostlib.Errorf(hostlib.CodeGuestNotLoggedIn, "guest session closed")
	}
	if err := g.machine.check(); err != nil {
		return nil, err
	}
	if !g.machine.vm.toolsRunning() {
		return nil, hostlib.Errorf(hostlib.CodeToolsNotRunning, "guest tools are not running")
	}
	return g.machine.vm.fs, nil
}

func cleanGuestPath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", hostlib.Errorf(hostlib.CodeInvalidArgument, "guest path %q is not absolute", p)
	}
	return path.Clean(p), nil
}

func notFound(p string) error {
	return hostlib.Errorf(hostlib.CodeGuestFileNotFound, "%s: no such file or directory", p)
}

// lookup resolves program and assigns it a PID.
func (g *guest) lookup(program string) (Program, int, error) {
	d := g.machine.host.driver

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := g.open(); err != nil {
		return nil, 0, err
	}
	prog, ok := g.machine.vm.cfg.Programs[program]
	if !ok && program == defaultShell {
		prog, ok = shell, true
	}
	if !ok {
		return nil, 0, hostlib.Errorf(hostlib.CodeGuestProgramNotStarted, "%s: program not found", program)
	}
	d.pids++
	return prog, d.pids, nil
}

func (g *guest) RunProgram(ctx context.Context, program string, args []string) (hostlib.ProcessResult, error) {
	prog, pid, err := g.lookup(program)
	if err != nil {
		return hostlib.ProcessResult{}, err
	}

	start := time.Now()
	code, out := prog(context.WithValue(ctx, ttyKey{}, g.interactive), args)
	if err := ctx.Err(); err != nil {
		return hostlib.ProcessResult{}, err
	}

	return hostlib.ProcessResult{
		PID:      pid,
		ExitCode: code,
		Elapsed:  time.Since(start),
		Output:   []byte(out),
	}, nil
}

func (g *guest) RunScript(ctx context.Context, interpreter, text string) (hostlib.ProcessResult, error) {
	if interpreter == "" {
		interpreter = defaultShell
	}
	return g.RunProgram(ctx, interpreter, []string{"-c", text})
}

// StartProgram runs program in the background of the simulated guest. It
// keeps running after the guest session and the host connection are gone,
// until it exits or the guest powers off.
func (g *guest) StartProgram(ctx context.Context, program string, args []string) (int, error) {
	prog, pid, err := g.lookup(program)
	if err != nil {
		return 0, err
	}

	d := g.machine.host.driver
	d.mu.Lock()
	procs := g.machine.vm.processes()
	d.detached.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.detached.Done()
		prog(context.WithValue(procs, ttyKey{}, g.interactive), args)
	}()
	return pid, nil
}

func (g *guest) StartScript(ctx context.Context, interpreter, text string) (int, error) {
	if interpreter == "" {
		interpreter = defaultShell
	}
	return g.StartProgram(ctx, interpreter, []string{"-c", text})
}

// shell understands a handful of builtins such as "echo" and "exit", and
// runs nothing else.
func shell(ctx context.Context, args []string) (int, string) {
	if len(args) != 2 || args[0] != "-c" {
		return 2, "usage: sh -c script\n"
	}

	var out strings.Builder
	for _, line := range strings.Split(args[1], "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		switch fields[0] {
		case "echo":
			out.WriteString(strings.Join(fields[1:], " ") + "\n")
		case "exit":
			code := 0
			if len(fields) > 1 {
				code, _ = strconv.Atoi(fields[1])
			}
			return code, out.String()
		case "tty":
			if !Interactive(ctx) {
				return 1, out.String() + "not a tty\n"
			}
			out.WriteString("/dev/pts/0\n")
		case "true", ":":
		case "false":
			return 1, out.String()
		default:
			fmt.Fprintf(&out, "sh: %s: not found\n", fields[0])
			return 127, out.String()
		}
	}
	return 0, out.String()
}

func (g *guest) CopyToGuest(ctx context.Context, localPath, guestPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	p, err := cleanGuestPath(guestPath)
	if err != nil {
		return err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return err
	}

	if parent, ok := fs.nodes[path.Dir(p)]; !ok || !parent.dir {
		return notFound(path.Dir(p))
	}
	if n, ok := fs.nodes[p]; ok && n.dir {
		return hostlib.Errorf(hostlib.CodeGuestNotAFile, "%s is a directory", p)
	}
	fs.nodes[p] = &fsNode{data: data, modTime: time.Now()}
	return nil
}

func (g *guest) CopyFromGuest(ctx context.Context, guestPath, localPath string) error {
	p, err := cleanGuestPath(guestPath)
	if err != nil {
		return err
	}

	unlock := g.machine.lock()
	fs, err := g.open()
	if err != nil {
		unlock()
		return err
	}
	n, ok := fs.nodes[p]
	if !ok {
		unlock()
		return notFound(p)
	}
	if n.dir {
		unlock()
		return hostlib.Errorf(hostlib.CodeGuestNotAFile, "%s is a directory", p)
	}
	data := append([]byte(nil), n.data...)
	unlock()

	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", localPath, err)
	}
	return nil
}

func (g *guest) stat(p string) (*fsNode, error) {
	p, err := cleanGuestPath(p)
	if err != nil {
		return nil, err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return nil, err
	}
	return fs.nodes[p], nil
}

func (g *guest) FileExists(ctx context.Context, p string) (bool, error) {
	n, err := g.stat(p)
	if err != nil {
		return false, err
	}
	return n != nil && !n.dir, nil
}

func (g *guest) DirectoryExists(ctx context.Context, p string) (bool, error) {
	n, err := g.stat(p)
	if err != nil {
		return false, err
	}
	return n != nil && n.dir, nil
}

func (g *guest) DeleteFile(ctx context.Context, guestPath string) error {
	p, err := cleanGuestPath(guestPath)
	if err != nil {
		return err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return err
	}

	n, ok := fs.nodes[p]
	if !ok {
		return notFound(p)
	}
	if n.dir {
		return hostlib.Errorf(hostlib.CodeGuestNotAFile, "%s is a directory", p)
	}
	delete(fs.nodes, p)
	return nil
}

func (g *guest) RenameFile(ctx context.Context, oldPath, newPath string) error {
	from, err := cleanGuestPath(oldPath)
	if err != nil {
		return err
	}
	to, err := cleanGuestPath(newPath)
	if err != nil {
		return err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return err
	}

	if _, ok := fs.nodes[from]; !ok || from == "/" {
		return notFound(from)
	}
	if _, ok := fs.nodes[to]; ok {
		return hostlib.Errorf(hostlib.CodeGuestFileExists, "%s already exists", to)
	}
	if parent, ok := fs.nodes[path.Dir(to)]; !ok || !parent.dir {
		return notFound(path.Dir(to))
	}
	if strings.HasPrefix(to, from+"/") {
		return hostlib.Errorf(hostlib.CodeInvalidArgument, "cannot move %s into itself", from)
	}

	for _, p := range fs.subtree(from) {
		fs.nodes[to+strings.TrimPrefix(p, from)] = fs.nodes[p]
		delete(fs.nodes, p)
	}
	return nil
}

func (g *guest) ListDirectory(ctx context.Context, guestPath string) ([]hostlib.DirEntry, error) {
	p, err := cleanGuestPath(guestPath)
	if err != nil {
		return nil, err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return nil, err
	}

	n, ok := fs.nodes[p]
	if !ok {
		return nil, notFound(p)
	}
	if !n.dir {
		return nil, hostlib.Errorf(hostlib.CodeGuestNotADirectory, "%s is not a directory", p)
	}

	var entries []hostlib.DirEntry
	for _, c := range fs.children(p) {
		child := fs.nodes[c]
		entries = append(entries, hostlib.DirEntry{
			Name:    path.Base(c),
			Size:    int64(len(child.data)),
			ModTime: child.modTime,
			IsDir:   child.dir,
		})
	}
	return entries, nil
}

func (g *guest) CreateDirectory(ctx context.Context, guestPath string) error {
	p, err := cleanGuestPath(guestPath)
	if err != nil {
		return err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return err
	}

	if _, ok := fs.nodes[p]; ok {
		return hostlib.Errorf(hostlib.CodeGuestFileExists, "%s already exists", p)
	}
	if parent, ok := fs.nodes[path.Dir(p)]; !ok || !parent.dir {
		return notFound(path.Dir(p))
	}
	fs.nodes[p] = &fsNode{dir: true, modTime: time.Now()}
	return nil
}

// DeleteDirectory removes a directory and everything below it.
func (g *guest) DeleteDirectory(ctx context.Context, guestPath string) error {
	p, err := cleanGuestPath(guestPath)
	if err != nil {
		return err
	}

	defer g.machine.lock()()
	fs, err := g.open()
	if err != nil {
		return err
	}

	n, ok := fs.nodes[p]
	if !ok {
		return notFound(p)
	}
	if !n.dir {
		return hostlib.Errorf(hostlib.CodeGuestNotADirectory, "%s is not a directory", p)
	}
	if p == "/" {
		return hostlib.Errorf(hostlib.CodeGuestPermission, "refusing to delete /")
	}

	for _, c := range fs.subtree(p) {
		delete(fs.nodes, c)
	}
	return nil
}

func (g *guest) Logout() error {
	defer g.machine.lock()()
	g.closed = true
	return nil
}
