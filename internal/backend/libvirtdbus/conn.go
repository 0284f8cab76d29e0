package libvirtdbus

import (
	"github.com/godbus/dbus/v5"
)

// DBusConnection abstracts the godbus connection for testability
type DBusConnection interface {
	// Object returns a BusObject for the given destination and path
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	// Close closes the connection
	Close() error
}

// busConnection wraps *dbus.Conn to implement DBusConnection
type busConnection struct {
	conn *dbus.Conn
}

func (c *busConnection) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(dest, path)
}

func (c *busConnection) Close() error {
	return c.conn.Close()
}

// ConnectSystemBus connects to the system DBus and returns a DBusConnection
func ConnectSystemBus() (DBusConnection, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return &busConnection{conn: conn}, nil
}

// ConnectBus connects to the bus at address, such as
// "unix:path=/run/dbus/system_bus_socket".
func ConnectBus(address string) (DBusConnection, error) {
	conn, err := dbus.Connect(address)
	if err != nil {
		return nil, err
	}
	return &busConnection{conn: conn}, nil
}
