package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// AdapterPath returns the object path of a local controller, e.g.
// "hci0" -> /org/bluez/hci0.
func AdapterPath(iface string) dbus.ObjectPath {
	return RootPath + "/" + dbus.ObjectPath(iface)
}

// DevicePath returns the object path BlueZ uses for addr under adapter,
// e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return adapter + "/dev_" + dbus.ObjectPath(strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// UnderAdapter reports whether the device object lives in adapter's
// namespace.
func (d Device) UnderAdapter(adapter dbus.ObjectPath) bool {
	return strings.HasPrefix(string(d.Path), string(adapter)+"/")
}

// Devices returns every org.bluez.Device1 object, sorted by object path so
// that scans are deterministic.
func (o Objects) Devices() []Device {
	paths := make([]dbus.ObjectPath, 0, len(o))
	for path, ifaces := range o {
		if _, ok := ifaces[DeviceIface]; ok {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	out := make([]Device, 0, len(paths))
	for _, path := range paths {
		out = append(out, DeviceFromProps(path, o[path][DeviceIface]))
	}
	return out
}

// DeviceFromProps decodes Device1 properties. Missing or mistyped
// properties are left at their zero value.
func DeviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	d := Device{Path: path}
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Adapter"]; ok {
		d.Adapter, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := props["Paired"]; ok {
		d.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["Connected"]; ok {
		d.Connected, _ = v.Value().(bool)
	}
	return d
}

// BoolProperty reads a boolean property through bus.
func BoolProperty(ctx context.Context, bus Bus, path dbus.ObjectPath, iface, name string) (bool, error) {
	v, err := bus.Property(ctx, path, iface, name)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: property %s.%s is %s, not bool", iface, name, v.Signature())
	}
	return b, nil
}

// StringProperty reads a string property through bus.
func StringProperty(ctx context.Context, bus Bus, path dbus.ObjectPath, iface, name string) (string, error) {
	v, err := bus.Property(ctx, path, iface, name)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("bluez: property %s.%s is %s, not string", iface, name, v.Signature())
	}
	return s, nil
}
