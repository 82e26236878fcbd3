// Package bluez holds the BlueZ D-Bus names used by the harness, the
// system-bus connection, and decoding of BlueZ's managed-object tree.
//
// Thread-safety: Conn is safe for concurrent use; godbus serializes writes
// on the underlying connection. Objects and Device are plain values.
package bluez

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
)

const (
	Service            = "org.bluez"
	RootPath           = dbus.ObjectPath("/org/bluez")
	AdapterIface       = "org.bluez.Adapter1"
	DeviceIface        = "org.bluez.Device1"
	AgentIface         = "org.bluez.Agent1"
	AgentManagerIface  = "org.bluez.AgentManager1"
	ObjectManagerIface = "org.freedesktop.DBus.ObjectManager"
	PropertiesIface    = "org.freedesktop.DBus.Properties"
)

// Error names BlueZ interprets in replies from an agent.
const (
	ErrorRejected = "org.bluez.Error.Rejected"
	ErrorCanceled = "org.bluez.Error.Canceled"
)

// Unknown is reported in place of a name or address BlueZ did not provide.
const Unknown = "Unknown"

// Objects is the decoded reply of ObjectManager.GetManagedObjects:
// object path -> interface name -> property name -> value.
type Objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Device is the subset of org.bluez.Device1 properties the harness reads.
//
// Path is always set. Address is empty when BlueZ did not report one.
type Device struct {
	Path      dbus.ObjectPath
	Address   string
	Name      string
	Alias     string
	Adapter   dbus.ObjectPath
	Paired    bool
	Connected bool
}

// Bus is the BlueZ access the harness needs. *Conn implements it against
// the system bus; tests substitute an in-memory tree.
type Bus interface {
	// ManagedObjects returns a snapshot of the whole BlueZ object tree.
	ManagedObjects(ctx context.Context) (Objects, error)

	// Property reads one property via org.freedesktop.DBus.Properties.Get.
	Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)

	// Call invokes a fully qualified method (e.g. "org.bluez.Device1.Pair")
	// on the object at path and waits for the reply.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error
}
