package virt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/vmctl/internal/hostlib"
)

const domainXML = `<domain type="kvm">
  <name>web</name>
  <memory unit="KiB">1048576</memory>
  <devices>
    <disk type="file" device="disk">
      <source file="/var/lib/libvirt/images/web.qcow2"/>
      <target dev="vda" bus="virtio"/>
    </disk>
    <disk type="file" device="cdrom">
      <source file="/var/lib/libvirt/images/seed.iso"/>
      <target dev="sda" bus="sata"/>
    </disk>
  </devices>
</domain>`

func TestDomainName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"web", "web"},
		{"/etc/libvirt/qemu/web.xml", "web"},
		{"/srv/vms/db", "db"},
	}

	for _, tt := range tests {
		if got := DomainName(tt.path); got != tt.want {
			t.Errorf("DomainName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestPowerState(t *testing.T) {
	tests := []struct {
		state int32
		want  hostlib.PowerState
	}{
		{stateNoState, hostlib.PowerStateUnknown},
		{stateRunning, hostlib.PoweredOn},
		{stateBlocked, hostlib.Blocked},
		{statePaused, hostlib.Paused},
		{stateShutdown, hostlib.PoweringOff},
		{stateShutoff, hostlib.PoweredOff},
		{stateCrashed, hostlib.PoweredOff},
		{statePMSuspended, hostlib.Suspended},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PowerState(tt.state), "state %d", tt.state)
	}
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition(domainXML)
	require.NoError(t, err)
	assert.Equal(t, "web", def.Name)
	assert.Equal(t, []string{"/var/lib/libvirt/images/web.qcow2"}, def.Disks)

	_, err = ParseDefinition("<domain>")
	assert.Equal(t, hostlib.CodeVMConfigUnreadable, hostlib.CodeOf(err))
	_, err = ParseDefinition(`<domain type="kvm"></domain>`)
	assert.Equal(t, hostlib.CodeVMConfigUnreadable, hostlib.CodeOf(err))
}

func TestSnapshotXML(t *testing.T) {
	doc, err := SnapshotXML("clean", "before upgrade")
	require.NoError(t, err)

	info, err := ParseSnapshot(doc)
	require.NoError(t, err)
	assert.Equal(t, hostlib.SnapshotInfo{Name: "clean", Description: "before upgrade"}, info)

	info, err = ParseSnapshot(`<domainsnapshot><name>child</name><parent><name>clean</name></parent></domainsnapshot>`)
	require.NoError(t, err)
	assert.Equal(t, "clean", info.Parent)

	_, err = ParseSnapshot("not xml")
	assert.Equal(t, hostlib.CodeSnapshotInvalid, hostlib.CodeOf(err))
}

func TestFirstAddress(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		want  string
	}{
		{"ipv4 wins", []string{"fe80::1", "2001:db8::5", "192.168.122.10"}, "192.168.122.10"},
		{"skips loopback", []string{"127.0.0.1", "10.0.0.2"}, "10.0.0.2"},
		{"ipv6 fallback", []string{"::1", "2001:db8::5"}, "2001:db8::5"},
		{"nothing usable", []string{"127.0.0.1", "garbage"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FirstAddress(tt.addrs))
		})
	}
}

func TestLoginWithoutAddress(t *testing.T) {
	_, err := Login(context.Background(), GuestConfig{}, hostlib.Credentials{Username: "u"}, false, func(context.Context) ([]string, error) {
		return []string{"127.0.0.1"}, nil
	})
	assert.Equal(t, hostlib.CodeToolsNotRunning, hostlib.CodeOf(err))

	boom := errors.New("boom")
	_, err = Login(context.Background(), GuestConfig{}, hostlib.Credentials{Username: "u"}, false, func(context.Context) ([]string, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWaitFor(t *testing.T) {
	PollInterval = time.Millisecond
	defer func() { PollInterval = time.Second }()

	calls := 0
	err := WaitFor(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = WaitFor(ctx, func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fail := errors.New("not running")
	err = WaitFor(context.Background(), func(context.Context) (bool, error) { return false, fail })
	assert.ErrorIs(t, err, fail)
}
