//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

// ErrNotRunning is returned by Dial when org.bluez is not on the system bus.
var ErrNotRunning = errors.New("bluez: org.bluez not found on system bus")

// Conn is a system-bus connection used for BlueZ calls and for exporting
// the pairing agent.
type Conn struct {
	bus *dbus.Conn
}

// Dial connects to the system bus and checks that bluetoothd owns its name.
func Dial() (*Conn, error) {
	c, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	var names []string
	if err := c.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		c.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	for _, n := range names {
		if n == Service {
			return &Conn{bus: c}, nil
		}
	}
	c.Close()
	return nil, ErrNotRunning
}

// ManagedObjects implements Bus.
func (c *Conn) ManagedObjects(ctx context.Context) (Objects, error) {
	obj := c.bus.Object(Service, dbus.ObjectPath("/"))
	var objs Objects
	if call := obj.CallWithContext(ctx, ObjectManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Property implements Bus.
func (c *Conn) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.bus.Object(Service, path).CallWithContext(ctx, PropertiesIface+".Get", 0, iface, name).Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("bluez: get %s.%s on %s: %w", iface, name, path, err)
	}
	return v, nil
}

// Call implements Bus.
func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error {
	if err := c.bus.Object(Service, path).CallWithContext(ctx, method, 0, args...).Err; err != nil {
		return fmt.Errorf("bluez: %s on %s: %w", method, path, err)
	}
	return nil
}

// Export publishes v on the connection under path and iface. Passing a nil
// v removes a previous export.
func (c *Conn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return c.bus.Export(v, path, iface)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.bus.Close()
}
