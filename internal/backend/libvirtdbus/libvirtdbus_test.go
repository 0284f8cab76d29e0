package libvirtdbus

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	os.Exit(m.Run())
}

const (
	webPath  = dbus.ObjectPath("/org/libvirt/QEMU/domain/_1")
	snapPath = dbus.ObjectPath("/org/libvirt/QEMU/snapshot/_1_s1")
	volPath  = dbus.ObjectPath("/org/libvirt/QEMU/storagevol/_web")

	webXML = `<domain type="kvm"><name>web</name><devices>` +
		`<disk type="file" device="disk"><source file="/var/lib/libvirt/images/web.qcow2"/></disk>` +
		`</devices></domain>`
)

// mockBusObject implements dbus.BusObject for testing
type mockBusObject struct {
	callResults map[string]*dbus.Call
	calls       []string
}

func (m *mockBusObject) Call(method string, flags dbus.Flags, args ...any) *dbus.Call {
	m.calls = append(m.calls, method)
	if call, ok := m.callResults[method]; ok {
		return call
	}
	return &dbus.Call{Err: dbus.ErrMsgNoObject}
}

func (m *mockBusObject) CallWithContext(_ context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	return m.Call(method, flags, args...)
}

func (m *mockBusObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...any) *dbus.Call {
	return m.Call(method, flags, args...)
}

func (m *mockBusObject) GoWithContext(_ context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...any) *dbus.Call {
	return m.Call(method, flags, args...)
}

func (m *mockBusObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (m *mockBusObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (m *mockBusObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, nil
}

func (m *mockBusObject) StoreProperty(p string, value any) error {
	return nil
}

func (m *mockBusObject) SetProperty(p string, v any) error {
	return nil
}

func (m *mockBusObject) Destination() string {
	return dbusService
}

func (m *mockBusObject) Path() dbus.ObjectPath {
	return dbus.ObjectPath(dbusRootPath)
}

// mockDBusConnection implements DBusConnection for testing
type mockDBusConnection struct {
	objects map[dbus.ObjectPath]*mockBusObject
	closed  bool
}

func (m *mockDBusConnection) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	if obj, ok := m.objects[path]; ok {
		return obj
	}
	return &mockBusObject{callResults: map[string]*dbus.Call{}}
}

func (m *mockDBusConnection) Close() error {
	m.closed = true
	return nil
}

func libvirtError(msg string) *dbus.Call {
	return &dbus.Call{Err: dbus.Error{Name: "org.libvirt.Error", Body: []any{msg}}}
}

func reply(values ...any) *dbus.Call {
	return &dbus.Call{Body: values}
}

// newBus returns a bus with one powered off domain "web".
func newBus() *mockDBusConnection {
	return &mockDBusConnection{
		objects: map[dbus.ObjectPath]*mockBusObject{
			dbusRootPath: {callResults: map[string]*dbus.Call{
				connectInterface + ".ListDomains":            reply([]dbus.ObjectPath{webPath}),
				connectInterface + ".DomainLookupByName":     reply(webPath),
				connectInterface + ".StorageVolLookupByPath": reply(volPath),
			}},
			webPath: {callResults: map[string]*dbus.Call{
				domainInterface + ".GetXMLDesc":           reply(webXML),
				domainInterface + ".GetState":             reply(int32(5), int32(1)),
				domainInterface + ".Create":               reply(),
				domainInterface + ".Destroy":              reply(),
				domainInterface + ".Undefine":             reply(),
				domainInterface + ".SnapshotLookupByName": libvirtError("Domain snapshot not found: no domain snapshot with matching name 's1'"),
				domainInterface + ".SnapshotCurrent":      libvirtError("Domain snapshot not found: the domain does not have a current snapshot"),
				domainInterface + ".SnapshotCreateXML":    reply(snapPath),
				domainInterface + ".ListDomainSnapshots":  reply([]dbus.ObjectPath{snapPath}),
				domainInterface + ".GetTime":              libvirtError("Guest agent is not responding: QEMU guest agent is not connected"),
			}},
			snapPath: {callResults: map[string]*dbus.Call{
				snapInterface + ".GetXMLDesc": reply(`<domainsnapshot><name>s1</name><description>first</description></domainsnapshot>`),
				snapInterface + ".Revert":     reply(),
			}},
			volPath: {callResults: map[string]*dbus.Call{
				volInterface + ".Delete": reply(),
			}},
		},
	}
}

func connectBus(t *testing.T, bus *mockDBusConnection, opts ...Option) hostlib.Host {
	t.Helper()

	d := New(append([]Option{WithConnection(bus)}, opts...)...)
	assert.Equal(t, "dbus", d.Name())

	h, err := d.Connect(context.Background(), hostlib.ConnectSpec{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestConnect(t *testing.T) {
	bus := newBus()
	h := connectBus(t, bus)

	require.NoError(t, h.Close())
	assert.True(t, bus.closed)
	require.NoError(t, h.Close())

	_, err := h.Open(context.Background(), "web")
	assert.Equal(t, hostlib.CodeHostNotConnected, hostlib.CodeOf(err))
}

func TestConnectServiceUnknown(t *testing.T) {
	bus := newBus()
	bus.objects[dbusRootPath].callResults[connectInterface+".ListDomains"] = &dbus.Call{
		Err: dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown", Body: []any{"The name org.libvirt was not provided by any .service files"}},
	}

	_, err := New(WithConnection(bus)).Connect(context.Background(), hostlib.ConnectSpec{})
	assert.Equal(t, hostlib.CodeHostUnreachable, hostlib.CodeOf(err))
	assert.True(t, bus.closed)
}

func TestConnectAddress(t *testing.T) {
	_, err := connect("kvm1.example.com")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	bus := newBus()
	h := connectBus(t, bus)

	m, err := h.Open(context.Background(), "/etc/libvirt/qemu/web.xml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/libvirt/qemu/web.xml", m.Path())

	bus.objects[dbusRootPath].callResults[connectInterface+".DomainLookupByName"] = libvirtError("Domain not found: no domain with matching name 'db'")
	_, err = h.Open(context.Background(), "db")
	assert.Equal(t, hostlib.CodeVMNotFound, hostlib.CodeOf(err))
}

func TestPower(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	h := connectBus(t, bus)
	m, err := h.Open(ctx, "web")
	require.NoError(t, err)
	web := bus.objects[webPath]

	assert.Equal(t, hostlib.CodeVMNotRunning, hostlib.CodeOf(m.PowerOff(ctx)))
	require.NoError(t, m.PowerOn(ctx))
	assert.Contains(t, web.calls, domainInterface+".Create")

	web.callResults[domainInterface+".GetState"] = reply(int32(1), int32(1))
	state, err := m.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostlib.PoweredOn, state)

	assert.Equal(t, hostlib.CodeVMIsRunning, hostlib.CodeOf(m.PowerOn(ctx)))
	require.NoError(t, m.PowerOff(ctx))
	assert.Contains(t, web.calls, domainInterface+".Destroy")
}

func TestToolsState(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	h := connectBus(t, bus)
	m, err := h.Open(ctx, "web")
	require.NoError(t, err)
	web := bus.objects[webPath]
	web.callResults[domainInterface+".GetState"] = reply(int32(1), int32(1))

	tests := []struct {
		name  string
		reply *dbus.Call
		want  hostlib.ToolsState
	}{
		{"running", reply(int64(1700000000), uint32(0)), hostlib.ToolsRunning},
		{"not installed", libvirtError("argument unsupported: QEMU guest agent is not configured"), hostlib.ToolsNotInstalled},
		{"not responding", libvirtError("Guest agent is not responding: QEMU guest agent is not connected"), hostlib.ToolsUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			web.callResults[domainInterface+".GetTime"] = tt.reply
			got, err := m.ToolsState(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	files := map[string]string{
		"/etc/libvirt/qemu/db.xml":  `<domain type="kvm"><name>db</name></domain>`,
		"/etc/libvirt/qemu/web.xml": webXML,
	}
	readFile := func(path string) ([]byte, error) {
		data, ok := files[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(data), nil
	}
	h := connectBus(t, bus, WithReadFile(readFile))
	root := bus.objects[dbusRootPath]

	assert.Equal(t, hostlib.CodeVMAlreadyRegistered, hostlib.CodeOf(h.Register(ctx, "/etc/libvirt/qemu/web.xml")))
	assert.Equal(t, hostlib.CodeVMNotFound, hostlib.CodeOf(h.Register(ctx, "/etc/libvirt/qemu/none.xml")))

	root.callResults[connectInterface+".DomainLookupByName"] = libvirtError("Domain not found: no domain with matching name 'db'")
	root.callResults[connectInterface+".DomainDefineXML"] = reply(dbus.ObjectPath("/org/libvirt/QEMU/domain/_2"))
	require.NoError(t, h.Register(ctx, "/etc/libvirt/qemu/db.xml"))
	assert.Contains(t, root.calls, connectInterface+".DomainDefineXML")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	h := connectBus(t, bus)
	m, err := h.Open(ctx, "web")
	require.NoError(t, err)
	web := bus.objects[webPath]

	web.callResults[domainInterface+".GetState"] = reply(int32(1), int32(1))
	assert.Equal(t, hostlib.CodeVMIsRunning, hostlib.CodeOf(m.Delete(ctx, true)))

	web.callResults[domainInterface+".GetState"] = reply(int32(5), int32(1))
	require.NoError(t, m.Delete(ctx, true))
	assert.Contains(t, web.calls, domainInterface+".Undefine")
	assert.Equal(t, []string{volInterface + ".Delete"}, bus.objects[volPath].calls)
}

func TestDeleteUnpooledDisk(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	h := connectBus(t, bus)
	m, err := h.Open(ctx, "web")
	require.NoError(t, err)
	bus.objects[dbusRootPath].callResults[connectInterface+".StorageVolLookupByPath"] = libvirtError("Storage volume not found: no storage vol with matching path")

	assert.Equal(t, hostlib.CodeFail, hostlib.CodeOf(m.Delete(ctx, true)))
	assert.NotContains(t, bus.objects[webPath].calls, domainInterface+".Undefine")
	assert.Empty(t, bus.objects[volPath].calls)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	h := connectBus(t, bus)
	m, err := h.Open(ctx, "web")
	require.NoError(t, err)
	web := bus.objects[webPath]

	_, err = m.CurrentSnapshot(ctx)
	assert.Equal(t, hostlib.CodeSnapshotNotFound, hostlib.CodeOf(err))
	assert.Equal(t, hostlib.CodeSnapshotNotFound, hostlib.CodeOf(m.RevertToSnapshot(ctx, "s1")))

	info, err := m.CreateSnapshot(ctx, "s1", "first")
	require.NoError(t, err)
	assert.Equal(t, hostlib.SnapshotInfo{Name: "s1", Description: "first"}, info)

	web.callResults[domainInterface+".SnapshotLookupByName"] = reply(snapPath)
	_, err = m.CreateSnapshot(ctx, "s1", "again")
	assert.Equal(t, hostlib.CodeSnapshotExists, hostlib.CodeOf(err))

	named, err := m.NamedSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", named.Name)

	roots, err := m.RootSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "first", roots[0].Description)

	require.NoError(t, m.RevertToSnapshot(ctx, "s1"))
	assert.Contains(t, bus.objects[snapPath].calls, snapInterface+".Revert")
}

func TestAddresses(t *testing.T) {
	ctx := context.Background()
	bus := newBus()
	h := connectBus(t, bus)
	hm, err := h.Open(ctx, "web")
	require.NoError(t, err)
	m := hm.(*machine)

	bus.objects[webPath].callResults[domainInterface+".InterfaceAddresses"] = reply([]domainInterfaceAddrs{
		{Name: "vnet0", Hwaddr: "52:54:00:12:34:56", Addrs: []ipAddress{{Type: 0, Addr: "192.168.122.10", Prefix: 24}}},
	})

	addrs, err := m.addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.122.10"}, addrs)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		msg  string
		want hostlib.Code
	}{
		{"Domain not found: no domain with matching name 'x'", hostlib.CodeVMNotFound},
		{"Domain snapshot not found: no domain snapshot with matching name 'x'", hostlib.CodeSnapshotNotFound},
		{"argument unsupported: QEMU guest agent is not configured", hostlib.CodeNotSupported},
		{"Guest agent is not responding: QEMU guest agent is not connected", hostlib.CodeToolsNotRunning},
		{"access denied: 'domain.start' not allowed", hostlib.CodeHostAuth},
		{"internal error: something broke", hostlib.CodeFail},
	}

	for _, tt := range tests {
		err := statusError("op", dbus.Error{Name: "org.libvirt.Error", Body: []any{tt.msg}})
		assert.Equal(t, tt.want, hostlib.CodeOf(err), tt.msg)
	}

	err := statusError("op", &dbus.Error{Name: "org.freedesktop.DBus.Error.NameHasNoOwner"})
	assert.Equal(t, hostlib.CodeHostUnreachable, hostlib.CodeOf(err))
	assert.Equal(t, hostlib.CodeFail, hostlib.CodeOf(statusError("op", errors.New("eof"))))
}
