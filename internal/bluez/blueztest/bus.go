// Package blueztest provides an in-memory bluez.Bus for tests.
package blueztest

import (
	"context"
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"bt-harness/internal/bluez"
)

// Call records one method invocation made through Bus.Call.
type Call struct {
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

// Handler emulates the daemon side of a method call. It may mutate the
// tree through b; a non-nil error is returned to the caller.
type Handler func(b *Bus, path dbus.ObjectPath, args []interface{}) error

// Bus is a fake BlueZ object tree. The zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	objects  bluez.Objects
	calls    []Call
	handlers map[string]Handler

	// ManagedObjectsErr and PropertyErr, when set, fail the matching calls.
	ManagedObjectsErr error
	PropertyErr       error
}

// New returns an empty tree.
func New() *Bus {
	return &Bus{
		objects:  bluez.Objects{},
		handlers: map[string]Handler{},
	}
}

// AddAdapter adds an org.bluez.Adapter1 object for iface.
func (b *Bus) AddAdapter(iface string, props map[string]interface{}) dbus.ObjectPath {
	path := bluez.AdapterPath(iface)
	b.set(path, bluez.AdapterIface, props)
	return path
}

// AddDevice adds an org.bluez.Device1 object for addr under the adapter
// iface. Address and Adapter are filled in unless props overrides them.
func (b *Bus) AddDevice(iface, addr string, props map[string]interface{}) dbus.ObjectPath {
	adapter := bluez.AdapterPath(iface)
	path := bluez.DevicePath(adapter, addr)
	all := map[string]interface{}{
		"Address": addr,
		"Adapter": adapter,
	}
	for k, v := range props {
		all[k] = v
	}
	b.set(path, bluez.DeviceIface, all)
	return path
}

// AddObject adds an object with arbitrary properties on one interface.
func (b *Bus) AddObject(path dbus.ObjectPath, iface string, props map[string]interface{}) {
	b.set(path, iface, props)
}

// SetProperty sets one property on an existing or new object.
func (b *Bus) SetProperty(path dbus.ObjectPath, iface, name string, v interface{}) {
	b.set(path, iface, map[string]interface{}{name: v})
}

// Remove deletes the object at path.
func (b *Bus) Remove(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
}

// On installs the handler for a fully qualified method name.
func (b *Bus) On(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Calls returns every recorded call.
func (b *Bus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (b *Bus) CallsTo(method string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ManagedObjects implements bluez.Bus. The returned tree is a copy.
func (b *Bus) ManagedObjects(ctx context.Context) (bluez.Objects, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ManagedObjectsErr != nil {
		return nil, b.ManagedObjectsErr
	}
	out := make(bluez.Objects, len(b.objects))
	for path, ifaces := range b.objects {
		ic := make(map[string]map[string]dbus.Variant, len(ifaces))
		for iface, props := range ifaces {
			pc := make(map[string]dbus.Variant, len(props))
			for k, v := range props {
				pc[k] = v
			}
			ic[iface] = pc
		}
		out[path] = ic
	}
	return out, nil
}

// Property implements bluez.Bus.
func (b *Bus) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	if err := ctx.Err(); err != nil {
		return dbus.Variant{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PropertyErr != nil {
		return dbus.Variant{}, b.PropertyErr
	}
	v, ok := b.objects[path][iface][name]
	if !ok {
		return dbus.Variant{}, dbus.Error{
			Name: "org.freedesktop.DBus.Error.InvalidArgs",
			Body: []interface{}{fmt.Sprintf("no property %s.%s on %s", iface, name, path)},
		}
	}
	return v, nil
}

// Call implements bluez.Bus. Calls without a handler succeed.
func (b *Bus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.calls = append(b.calls, Call{Path: path, Method: method, Args: args})
	h := b.handlers[method]
	b.mu.Unlock()

	if h == nil {
		return nil
	}
	return h(b, path, args)
}

func (b *Bus) set(path dbus.ObjectPath, iface string, props map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ifaces, ok := b.objects[path]
	if !ok {
		ifaces = map[string]map[string]dbus.Variant{}
		b.objects[path] = ifaces
	}
	pm, ok := ifaces[iface]
	if !ok {
		pm = map[string]dbus.Variant{}
		ifaces[iface] = pm
	}
	for k, v := range props {
		pm[k] = dbus.MakeVariant(v)
	}
}
