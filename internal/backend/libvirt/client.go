package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// Client is the part of the libvirt RPC API the backend calls.
// *golibvirt.Libvirt implements it.
type Client interface {
	ConnectToURI(uri golibvirt.ConnectURI) error
	Disconnect() error

	DomainLookupByName(name string) (golibvirt.Domain, error)
	DomainDefineXML(xml string) (golibvirt.Domain, error)
	DomainUndefineFlags(dom golibvirt.Domain, flags golibvirt.DomainUndefineFlagsValues) error
	DomainCreate(dom golibvirt.Domain) error
	DomainDestroy(dom golibvirt.Domain) error
	DomainGetState(dom golibvirt.Domain, flags uint32) (int32, int32, error)
	DomainGetXMLDesc(dom golibvirt.Domain, flags golibvirt.DomainXMLFlags) (string, error)
	DomainInterfaceAddresses(dom golibvirt.Domain, source uint32, flags uint32) ([]golibvirt.DomainInterface, error)
	QEMUDomainAgentCommand(dom golibvirt.Domain, cmd string, timeout int32, flags uint32) (golibvirt.OptString, error)

	DomainSnapshotCreateXML(dom golibvirt.Domain, xml string, flags uint32) (golibvirt.DomainSnapshot, error)
	DomainSnapshotLookupByName(dom golibvirt.Domain, name string, flags uint32) (golibvirt.DomainSnapshot, error)
	DomainSnapshotCurrent(dom golibvirt.Domain, flags uint32) (golibvirt.DomainSnapshot, error)
	DomainSnapshotGetXMLDesc(snap golibvirt.DomainSnapshot, flags uint32) (string, error)
	DomainListAllSnapshots(dom golibvirt.Domain, needResults int32, flags uint32) ([]golibvirt.DomainSnapshot, int32, error)
	DomainRevertToSnapshot(snap golibvirt.DomainSnapshot, flags uint32) error

	StorageVolLookupByPath(path string) (golibvirt.StorageVol, error)
	StorageVolDelete(vol golibvirt.StorageVol, flags golibvirt.StorageVolDeleteFlags) error
}

// Error numbers of virErrorNumber the backend tells apart.
const (
	errNoDomain            = 42
	errOperationInvalid    = 55
	errNoDomainSnapshot    = 72
	errArgumentUnsupported = 74
	errAgentUnresponsive   = 86
)

// libvirtCode returns the virErrorNumber carried by err, or 0.
func libvirtCode(err error) uint32 {
	var e golibvirt.Error
	if errors.As(err, &e) {
		return e.Code
	}
	var pe *golibvirt.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// statusError converts a libvirt failure into a library status.
func statusError(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *hostlib.Error
	if errors.As(err, &e) {
		return err
	}

	switch libvirtCode(err) {
	case errNoDomain:
		return hostlib.Errorf(hostlib.CodeVMNotFound, "%s: %v", op, err)
	case errNoDomainSnapshot:
		return hostlib.Errorf(hostlib.CodeSnapshotNotFound, "%s: %v", op, err)
	case errAgentUnresponsive:
		return hostlib.Errorf(hostlib.CodeToolsNotRunning, "%s: %v", op, err)
	case errOperationInvalid:
		return hostlib.Errorf(hostlib.CodeInvalidArgument, "%s: %v", op, err)
	default:
		return hostlib.Errorf(hostlib.CodeFail, "%s: %v", op, err)
	}
}

// tunnel is an SSH connection to the management host carrying the libvirt
// RPC stream and, for registration, SFTP reads of definition files.
type tunnel struct {
	ssh    *ssh.Client
	client *golibvirt.Libvirt
}

func (t *tunnel) Close() error {
	var errs []error
	if err := t.client.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect libvirt: %w", err))
	}
	if err := t.ssh.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close ssh: %w", err))
	}
	return errors.Join(errs...)
}

// ReadFile reads a file on the management host.
func (t *tunnel) ReadFile(path string) ([]byte, error) {
	files, err := sftp.NewClient(t.ssh)
	if err != nil {
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	defer func() { _ = files.Close() }()

	f, err := files.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

// dial connects to the host over SSH and speaks libvirt RPC on the remote
// libvirtd socket.
func (d *Driver) dial(ctx context.Context, spec hostlib.ConnectSpec) (*tunnel, error) {
	port := spec.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(spec.Address, strconv.Itoa(port))

	hostKey := d.hostKey
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	config := &ssh.ClientConfig{
		User:            spec.Credentials.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(spec.Credentials.Password)},
		HostKeyCallback: hostKey,
		Timeout:         d.dialTimeout,
	}

	log.Debug("dialing host", "address", addr, "user", spec.Credentials.Username)
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, hostlib.Errorf(hostlib.CodeHostUnreachable, "dial %s: %v", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, hostlib.Errorf(hostlib.CodeHostAuth, "authenticate to %s: %v", addr, err)
		}
		return nil, hostlib.Errorf(hostlib.CodeHostUnreachable, "ssh handshake with %s: %v", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(c, chans, reqs)

	stream, err := sshClient.Dial("unix", d.socket)
	if err != nil {
		_ = sshClient.Close()
		return nil, hostlib.Errorf(hostlib.CodeHostUnreachable, "open libvirt socket %s: %v", d.socket, err)
	}

	client := golibvirt.New(stream)
	if err := client.ConnectToURI(d.uri); err != nil {
		_ = sshClient.Close()
		if strings.Contains(err.Error(), "unsupported") || strings.Contains(err.Error(), "version") {
			return nil, hostlib.Errorf(hostlib.CodeProtocolVersion, "connect %s: %v", d.uri, err)
		}
		return nil, hostlib.Errorf(hostlib.CodeHostUnreachable, "connect %s: %v", d.uri, err)
	}

	return &tunnel{ssh: sshClient, client: client}, nil
}
