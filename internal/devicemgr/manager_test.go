package devicemgr

import (
	"context"
	"errors"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bt-harness/internal/bluez"
	"bt-harness/internal/bluez/blueztest"
	"bt-harness/internal/hci"
)

const (
	addr      = "AA:BB:CC:DD:EE:FF"
	agentPath = dbus.ObjectPath("/test/agent")
)

var (
	hci0 = bluez.AdapterPath("hci0")

	methodStartDiscovery = bluez.AdapterIface + ".StartDiscovery"
	methodStopDiscovery  = bluez.AdapterIface + ".StopDiscovery"
	methodRemoveDevice   = bluez.AdapterIface + ".RemoveDevice"
	methodPair           = bluez.DeviceIface + ".Pair"
	methodConnect        = bluez.DeviceIface + ".Connect"
	methodDisconnect     = bluez.DeviceIface + ".Disconnect"
	methodRegister       = bluez.AgentManagerIface + ".RegisterAgent"
	methodDefault        = bluez.AgentManagerIface + ".RequestDefaultAgent"
)

type fakeScan struct {
	calls []hci.ScanMode
	err   error
}

func (f *fakeScan) SetScan(_ context.Context, iface string, mode hci.ScanMode) error {
	f.calls = append(f.calls, mode)
	return f.err
}

func newManager(bus *blueztest.Bus) (*Manager, *fakeScan) {
	scan := &fakeScan{}
	m := New(bus, Options{
		Adapter:       "hci0",
		AgentPath:     agentPath,
		Scan:          scan,
		SettleInitial: 5 * time.Millisecond,
		SettleTimeout: 100 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	return m, scan
}

func newBus() *blueztest.Bus {
	bus := blueztest.New()
	bus.AddAdapter("hci0", map[string]interface{}{"Discovering": false})
	bus.AddAdapter("hci1", map[string]interface{}{"Discovering": false})
	return bus
}

var ctx = context.Background()

func TestAccessors(t *testing.T) {
	m, _ := newManager(newBus())
	assert.Equal(t, "hci0", m.Adapter())
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), m.AdapterPath())
}

func TestPairedDevices(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": true, "Name": "Headset"})
	bus.AddDevice("hci0", "11:22:33:44:55:66", map[string]interface{}{"Paired": true})
	bus.AddDevice("hci0", "22:22:22:22:22:22", map[string]interface{}{"Paired": false, "Name": "Phone"})
	// paired, but on the other adapter
	bus.AddDevice("hci1", "33:33:33:33:33:33", map[string]interface{}{"Paired": true, "Name": "Speaker"})

	m, _ := newManager(bus)
	assert.Equal(t, map[string]string{
		addr:                "Headset",
		"11:22:33:44:55:66": bluez.Unknown,
	}, m.PairedDevices(ctx))
}

func TestPairedDevicesScenario(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": true, "Name": "Headset"})
	m, _ := newManager(bus)
	assert.Equal(t, map[string]string{addr: "Headset"}, m.PairedDevices(ctx))
}

func TestPairedDevicesFault(t *testing.T) {
	bus := newBus()
	bus.ManagedObjectsErr = errors.New("bus gone")
	m, _ := newManager(bus)
	assert.Empty(t, m.PairedDevices(ctx))
}

func TestStartDiscoveryIsIdempotent(t *testing.T) {
	bus := newBus()
	bus.On(methodStartDiscovery, func(b *blueztest.Bus, path dbus.ObjectPath, _ []interface{}) error {
		b.SetProperty(path, bluez.AdapterIface, "Discovering", true)
		return nil
	})
	bus.On(methodStopDiscovery, func(b *blueztest.Bus, path dbus.ObjectPath, _ []interface{}) error {
		b.SetProperty(path, bluez.AdapterIface, "Discovering", false)
		return nil
	})
	m, _ := newManager(bus)

	m.StartDiscovery(ctx)
	m.StartDiscovery(ctx)
	calls := bus.CallsTo(methodStartDiscovery)
	require.Len(t, calls, 1)
	assert.Equal(t, hci0, calls[0].Path)

	m.StopDiscovery(ctx)
	m.StopDiscovery(ctx)
	assert.Len(t, bus.CallsTo(methodStopDiscovery), 1)
}

func TestStopDiscoveryWhenNotRunning(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)
	m.StopDiscovery(ctx)
	assert.Empty(t, bus.Calls())
}

func TestDiscoveryFaultIsSwallowed(t *testing.T) {
	bus := newBus()
	bus.PropertyErr = errors.New("no reply")
	m, _ := newManager(bus)
	m.StartDiscovery(ctx)
	assert.Empty(t, bus.Calls())

	bus.PropertyErr = nil
	bus.On(methodStartDiscovery, func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.NotReady"}
	})
	m.StartDiscovery(ctx)
	assert.Len(t, bus.CallsTo(methodStartDiscovery), 1)
}

func TestDiscoveredDevices(t *testing.T) {
	bus := newBus()
	p1 := bus.AddDevice("hci0", addr, map[string]interface{}{"Alias": "Headset"})
	p2 := bus.AddDevice("hci0", "11:22:33:44:55:66", nil)
	bus.AddDevice("hci1", "33:33:33:33:33:33", map[string]interface{}{"Alias": "Elsewhere"})
	// no address: skipped
	bus.AddObject(hci0+"/dev_broken", bluez.DeviceIface, map[string]interface{}{"Adapter": hci0})

	m, _ := newManager(bus)
	assert.Equal(t, []DiscoveredDevice{
		{Path: p2, Address: "11:22:33:44:55:66", Alias: bluez.Unknown},
		{Path: p1, Address: addr, Alias: "Headset"},
	}, m.DiscoveredDevices(ctx))
}

func TestFindDevicePath(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci1", addr, nil)
	want := bus.AddDevice("hci0", addr, nil)

	m, _ := newManager(bus)
	path, ok := m.FindDevicePath(ctx, addr)
	require.True(t, ok)
	assert.Equal(t, want, path)

	path, ok = m.FindDevicePath(ctx, "aa:bb:cc:dd:ee:ff")
	assert.True(t, ok)
	assert.Equal(t, want, path)

	_, ok = m.FindDevicePath(ctx, "00:11:22:33:44:55")
	assert.False(t, ok)
}

func TestFindDevicePathFirstMatch(t *testing.T) {
	bus := newBus()
	// two objects reporting the same address under one adapter
	bus.AddObject(hci0+"/dev_b", bluez.DeviceIface, map[string]interface{}{"Address": addr, "Adapter": hci0})
	bus.AddObject(hci0+"/dev_a", bluez.DeviceIface, map[string]interface{}{"Address": addr, "Adapter": hci0})

	m, _ := newManager(bus)
	path, ok := m.FindDevicePath(ctx, addr)
	require.True(t, ok)
	assert.Equal(t, hci0+"/dev_a", path)
}

func TestFindDevicePathIgnoresSimilarAdapter(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci10", addr, nil)
	m, _ := newManager(bus)
	_, ok := m.FindDevicePath(ctx, addr)
	assert.False(t, ok)
}

func TestRegisterAgent(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)

	require.True(t, m.RegisterAgent(ctx, "KeyboardDisplay"))
	calls := bus.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, methodRegister, calls[0].Method)
	assert.Equal(t, bluez.RootPath, calls[0].Path)
	assert.Equal(t, []interface{}{agentPath, "KeyboardDisplay"}, calls[0].Args)
	assert.Equal(t, methodDefault, calls[1].Method)
	assert.Equal(t, []interface{}{agentPath}, calls[1].Args)
}

func TestRegisterAgentFailures(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)
	assert.False(t, m.RegisterAgent(ctx, "Telepathy"))
	assert.Empty(t, bus.Calls())

	bus.On(methodRegister, func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.AlreadyExists"}
	})
	assert.False(t, m.RegisterAgent(ctx, "NoInputNoOutput"))
	assert.Empty(t, bus.CallsTo(methodDefault))
}

func TestUnregisterAgent(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)
	assert.True(t, m.UnregisterAgent(ctx))
	calls := bus.CallsTo(bluez.AgentManagerIface + ".UnregisterAgent")
	require.Len(t, calls, 1)
	assert.Equal(t, []interface{}{agentPath}, calls[0].Args)

	bus.On(bluez.AgentManagerIface+".UnregisterAgent", func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.DoesNotExist"}
	})
	assert.False(t, m.UnregisterAgent(ctx))
}

func TestPairAlreadyPaired(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": true})
	m, _ := newManager(bus)

	assert.True(t, m.Pair(ctx, addr))
	assert.Empty(t, bus.CallsTo(methodPair))
}

func TestPair(t *testing.T) {
	bus := newBus()
	path := bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": false})
	bus.On(methodPair, func(b *blueztest.Bus, p dbus.ObjectPath, _ []interface{}) error {
		b.SetProperty(p, bluez.DeviceIface, "Paired", true)
		return nil
	})
	m, _ := newManager(bus)

	assert.True(t, m.Pair(ctx, addr))
	calls := bus.CallsTo(methodPair)
	require.Len(t, calls, 1)
	assert.Equal(t, path, calls[0].Path)
}

func TestPairNotConfirmed(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": false})
	m, _ := newManager(bus)
	assert.False(t, m.Pair(ctx, addr))
	assert.Len(t, bus.CallsTo(methodPair), 1)
}

func TestPairFault(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": false})
	bus.On(methodPair, func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.AuthenticationRejected"}
	})
	m, _ := newManager(bus)
	assert.False(t, m.Pair(ctx, addr))
}

func TestPairUnknownDevice(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)
	assert.False(t, m.Pair(ctx, addr))
	assert.Empty(t, bus.Calls())
}

func TestConnectWithoutPathMakesNoCall(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)
	assert.False(t, m.Connect(ctx, "00:11:22:33:44:55"))
	assert.Empty(t, bus.Calls())
}

func TestConnect(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Connected": false})
	bus.On(methodConnect, func(b *blueztest.Bus, p dbus.ObjectPath, _ []interface{}) error {
		b.SetProperty(p, bluez.DeviceIface, "Connected", true)
		return nil
	})
	m, _ := newManager(bus)
	assert.True(t, m.Connect(ctx, addr))
}

func TestConnectNotConfirmedOrFault(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Connected": false})
	m, _ := newManager(bus)
	assert.False(t, m.Connect(ctx, addr))

	bus.On(methodConnect, func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.Failed"}
	})
	assert.False(t, m.Connect(ctx, addr))
}

func TestDisconnect(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, map[string]interface{}{"Connected": true})
	bus.On(methodDisconnect, func(b *blueztest.Bus, p dbus.ObjectPath, _ []interface{}) error {
		b.SetProperty(p, bluez.DeviceIface, "Connected", false)
		return nil
	})
	m, _ := newManager(bus)

	assert.True(t, m.Disconnect(ctx, addr))
	assert.Len(t, bus.CallsTo(methodDisconnect), 1)

	// already disconnected: no second call
	assert.True(t, m.Disconnect(ctx, addr))
	assert.Len(t, bus.CallsTo(methodDisconnect), 1)
}

func TestDisconnectFailures(t *testing.T) {
	bus := newBus()
	m, _ := newManager(bus)
	assert.False(t, m.Disconnect(ctx, addr))

	bus.AddDevice("hci0", addr, map[string]interface{}{"Connected": true})
	bus.On(methodDisconnect, func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.NotConnected"}
	})
	assert.False(t, m.Disconnect(ctx, addr))
}

func TestUnpairAbsentDevice(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci1", addr, nil)
	m, _ := newManager(bus)

	assert.True(t, m.UnpairDevice(ctx, addr))
	assert.Empty(t, bus.CallsTo(methodRemoveDevice))
}

func TestUnpairDevice(t *testing.T) {
	bus := newBus()
	path := bus.AddDevice("hci0", addr, map[string]interface{}{"Paired": true})
	bus.On(methodRemoveDevice, func(b *blueztest.Bus, _ dbus.ObjectPath, args []interface{}) error {
		b.Remove(args[0].(dbus.ObjectPath))
		return nil
	})
	m, _ := newManager(bus)

	assert.True(t, m.UnpairDevice(ctx, addr))
	calls := bus.CallsTo(methodRemoveDevice)
	require.Len(t, calls, 1)
	assert.Equal(t, hci0, calls[0].Path)
	assert.Equal(t, []interface{}{path}, calls[0].Args)
}

func TestUnpairWaitsForSlowRemoval(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, nil)
	bus.On(methodRemoveDevice, func(b *blueztest.Bus, _ dbus.ObjectPath, args []interface{}) error {
		p := args[0].(dbus.ObjectPath)
		time.AfterFunc(20*time.Millisecond, func() { b.Remove(p) })
		return nil
	})
	m, _ := newManager(bus)
	m.settleTimeout = 2 * time.Second

	assert.True(t, m.UnpairDevice(ctx, addr))
}

func TestUnpairStillPresent(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, nil)
	m, _ := newManager(bus)

	start := time.Now()
	assert.False(t, m.UnpairDevice(ctx, addr))
	assert.Len(t, bus.CallsTo(methodRemoveDevice), 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUnpairFault(t *testing.T) {
	bus := newBus()
	bus.AddDevice("hci0", addr, nil)
	bus.On(methodRemoveDevice, func(*blueztest.Bus, dbus.ObjectPath, []interface{}) error {
		return dbus.Error{Name: "org.bluez.Error.DoesNotExist"}
	})
	m, _ := newManager(bus)
	assert.False(t, m.UnpairDevice(ctx, addr))

	bus.ManagedObjectsErr = errors.New("bus gone")
	assert.False(t, m.UnpairDevice(ctx, addr))
}

func TestSetDiscoverable(t *testing.T) {
	m, scan := newManager(newBus())
	m.SetDiscoverable(ctx, true)
	m.SetDiscoverable(ctx, false)
	assert.Equal(t, []hci.ScanMode{hci.ScanPageInquiry, hci.ScanNone}, scan.calls)

	// failures are only logged
	scan.err = errors.New("hciconfig: exit status 1")
	m.SetDiscoverable(ctx, true)
	assert.Len(t, scan.calls, 3)
}

func TestSetDiscoverableWithoutScanControl(t *testing.T) {
	m := New(newBus(), Options{Adapter: "hci0", Logger: zerolog.Nop()})
	assert.NotPanics(t, func() { m.SetDiscoverable(ctx, true) })
}

func TestDeviceAddressFromPath(t *testing.T) {
	bus := newBus()
	path := bus.AddDevice("hci0", addr, nil)
	m, _ := newManager(bus)

	assert.Equal(t, addr, m.DeviceAddressFromPath(ctx, path))
	assert.Equal(t, bluez.Unknown, m.DeviceAddressFromPath(ctx, hci0+"/dev_00_00_00_00_00_00"))

	bus.PropertyErr = errors.New("no reply")
	assert.Equal(t, bluez.Unknown, m.DeviceAddressFromPath(ctx, path))
}
