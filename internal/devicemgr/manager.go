// Package devicemgr drives one BlueZ adapter: discovery, pairing,
// connection and removal of remote devices.
//
// Every operation resolves the device path from its address afresh and
// re-reads the relevant property after a mutating call. D-Bus faults are
// logged and folded into the boolean result; they are never returned.
// A Manager is meant to be driven by one caller at a time.
package devicemgr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"bt-harness/internal/agent"
	"bt-harness/internal/bluez"
	"bt-harness/internal/hci"
	"bt-harness/internal/telemetry"
)

const (
	DefaultSettleInitial = 100 * time.Millisecond
	DefaultSettleTimeout = 5 * time.Second
)

var errStillPresent = errors.New("device still present")

// ScanSetter toggles the page/inquiry scan mode of a controller.
type ScanSetter interface {
	SetScan(ctx context.Context, iface string, mode hci.ScanMode) error
}

// Options configures a Manager.
type Options struct {
	Adapter   string          // interface name, e.g. "hci0"
	AgentPath dbus.ObjectPath // where the pairing agent is exported
	Scan      ScanSetter      // used by SetDiscoverable; may be nil

	SettleInitial time.Duration
	SettleTimeout time.Duration

	Logger zerolog.Logger
}

// DiscoveredDevice is one entry of DiscoveredDevices.
type DiscoveredDevice struct {
	Path    dbus.ObjectPath
	Address string
	Alias   string
}

// Manager is bound to a single adapter for its lifetime.
type Manager struct {
	bus         bluez.Bus
	iface       string
	adapterPath dbus.ObjectPath
	agentPath   dbus.ObjectPath
	scan        ScanSetter

	settleInitial time.Duration
	settleTimeout time.Duration

	log zerolog.Logger
}

// New binds a Manager to opts.Adapter on bus.
func New(bus bluez.Bus, opts Options) *Manager {
	if opts.SettleInitial <= 0 {
		opts.SettleInitial = DefaultSettleInitial
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	return &Manager{
		bus:           bus,
		iface:         opts.Adapter,
		adapterPath:   bluez.AdapterPath(opts.Adapter),
		agentPath:     opts.AgentPath,
		scan:          opts.Scan,
		settleInitial: opts.SettleInitial,
		settleTimeout: opts.SettleTimeout,
		log:           opts.Logger.With().Str("component", "devicemgr").Str("adapter", opts.Adapter).Logger(),
	}
}

// Adapter returns the bound interface name.
func (m *Manager) Adapter() string { return m.iface }

// AdapterPath returns the bound adapter's object path.
func (m *Manager) AdapterPath() dbus.ObjectPath { return m.adapterPath }

// PairedDevices maps the address of every paired device of this adapter
// to its name ("Unknown" when BlueZ has none). It is empty on a fault.
func (m *Manager) PairedDevices(ctx context.Context) map[string]string {
	ctx, span := telemetry.Start(ctx, "devicemgr.PairedDevices")
	objs, err := m.bus.ManagedObjects(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list managed objects")
		telemetry.End(span, err)
		return map[string]string{}
	}

	paired := map[string]string{}
	for _, d := range objs.Devices() {
		if !d.Paired || d.Adapter != m.adapterPath {
			continue
		}
		name := d.Name
		if name == "" {
			name = bluez.Unknown
		}
		paired[d.Address] = name
	}
	span.SetAttributes(attribute.Int("paired", len(paired)))
	telemetry.End(span, nil)
	return paired
}

// StartDiscovery starts scanning unless the adapter is already discovering.
func (m *Manager) StartDiscovery(ctx context.Context) {
	ctx, span := telemetry.Start(ctx, "devicemgr.StartDiscovery")
	err := m.toggleDiscovery(ctx, true)
	telemetry.End(span, err)
}

// StopDiscovery stops scanning if the adapter is discovering.
func (m *Manager) StopDiscovery(ctx context.Context) {
	ctx, span := telemetry.Start(ctx, "devicemgr.StopDiscovery")
	err := m.toggleDiscovery(ctx, false)
	telemetry.End(span, err)
}

func (m *Manager) toggleDiscovery(ctx context.Context, start bool) error {
	discovering, err := bluez.BoolProperty(ctx, m.bus, m.adapterPath, bluez.AdapterIface, "Discovering")
	if err == nil {
		switch {
		case start && discovering:
			m.log.Info().Msg("Discovery already in progress.")
			return nil
		case !start && !discovering:
			m.log.Info().Msg("Discovery is not running.")
			return nil
		case start:
			err = m.bus.Call(ctx, m.adapterPath, bluez.AdapterIface+".StartDiscovery")
		default:
			err = m.bus.Call(ctx, m.adapterPath, bluez.AdapterIface+".StopDiscovery")
		}
	}
	if err != nil {
		if start {
			m.log.Error().Err(err).Msg("failed to start discovery")
		} else {
			m.log.Error().Err(err).Msg("failed to stop discovery")
		}
		return err
	}
	if start {
		m.log.Info().Msg("Discovery started.")
	} else {
		m.log.Info().Msg("Discovery stopped.")
	}
	return nil
}

// DiscoveredDevices lists the devices BlueZ knows under this adapter.
// Entries without an address are skipped.
func (m *Manager) DiscoveredDevices(ctx context.Context) []DiscoveredDevice {
	ctx, span := telemetry.Start(ctx, "devicemgr.DiscoveredDevices")
	objs, err := m.bus.ManagedObjects(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list managed objects")
		telemetry.End(span, err)
		return nil
	}

	var out []DiscoveredDevice
	for _, d := range objs.Devices() {
		if d.Adapter != m.adapterPath {
			continue
		}
		if d.Address == "" {
			m.log.Warn().Str("path", string(d.Path)).Msg("failed to extract device info")
			continue
		}
		alias := d.Alias
		if alias == "" {
			alias = bluez.Unknown
		}
		out = append(out, DiscoveredDevice{Path: d.Path, Address: d.Address, Alias: alias})
	}
	span.SetAttributes(attribute.Int("devices", len(out)))
	telemetry.End(span, nil)
	return out
}

// FindDevicePath returns the object path of address under this adapter.
// With duplicates the first in object-path order wins.
func (m *Manager) FindDevicePath(ctx context.Context, address string) (dbus.ObjectPath, bool) {
	ctx, span := telemetry.Start(ctx, "devicemgr.FindDevicePath", attribute.String("address", address))
	path, ok, err := m.findDevicePath(ctx, address)
	if err != nil {
		m.log.Error().Err(err).Str("address", address).Msg("failed to look up device path")
	}
	telemetry.Result(span, ok)
	return path, ok
}

func (m *Manager) findDevicePath(ctx context.Context, address string) (dbus.ObjectPath, bool, error) {
	objs, err := m.bus.ManagedObjects(ctx)
	if err != nil {
		return "", false, err
	}
	for _, d := range objs.Devices() {
		if d.UnderAdapter(m.adapterPath) && strings.EqualFold(d.Address, address) {
			return d.Path, true, nil
		}
	}
	return "", false, nil
}

// resolve is FindDevicePath without its own span.
func (m *Manager) resolve(ctx context.Context, address string) (dbus.ObjectPath, bool) {
	path, ok, err := m.findDevicePath(ctx, address)
	if err != nil {
		m.log.Error().Err(err).Str("address", address).Msg("failed to look up device path")
		return "", false
	}
	if !ok {
		m.log.Info().Str("address", address).Msg("device path not found")
	}
	return path, ok
}

// RegisterAgent registers the agent exported at the configured path with
// capability and makes it the default agent.
func (m *Manager) RegisterAgent(ctx context.Context, capability string) bool {
	ctx, span := telemetry.Start(ctx, "devicemgr.RegisterAgent", attribute.String("capability", capability))
	ok := m.registerAgent(ctx, capability)
	telemetry.Result(span, ok)
	return ok
}

func (m *Manager) registerAgent(ctx context.Context, capability string) bool {
	if !agent.ValidCapability(capability) {
		m.log.Error().Str("capability", capability).Msg("failed to register agent: unknown capability")
		return false
	}
	if err := m.bus.Call(ctx, bluez.RootPath, bluez.AgentManagerIface+".RegisterAgent", m.agentPath, capability); err != nil {
		m.log.Error().Err(err).Msg("failed to register agent")
		return false
	}
	if err := m.bus.Call(ctx, bluez.RootPath, bluez.AgentManagerIface+".RequestDefaultAgent", m.agentPath); err != nil {
		m.log.Error().Err(err).Msg("failed to request default agent")
		return false
	}
	m.log.Info().Str("capability", capability).Str("path", string(m.agentPath)).Msg("agent registered")
	return true
}

// UnregisterAgent removes the agent registration.
func (m *Manager) UnregisterAgent(ctx context.Context) bool {
	ctx, span := telemetry.Start(ctx, "devicemgr.UnregisterAgent")
	err := m.bus.Call(ctx, bluez.RootPath, bluez.AgentManagerIface+".UnregisterAgent", m.agentPath)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to unregister agent")
	} else {
		m.log.Info().Str("path", string(m.agentPath)).Msg("agent unregistered")
	}
	telemetry.Result(span, err == nil)
	return err == nil
}

// Pair pairs with address. An already paired device is left alone. The
// call blocks while the agent handles the exchange.
func (m *Manager) Pair(ctx context.Context, address string) bool {
	ctx, span := telemetry.Start(ctx, "devicemgr.Pair", attribute.String("address", address))
	ok := m.pair(ctx, address)
	telemetry.Result(span, ok)
	return ok
}

func (m *Manager) pair(ctx context.Context, address string) bool {
	path, ok := m.resolve(ctx, address)
	if !ok {
		return false
	}
	log := m.log.With().Str("address", address).Logger()

	paired, err := bluez.BoolProperty(ctx, m.bus, path, bluez.DeviceIface, "Paired")
	if err != nil {
		log.Error().Err(err).Msg("pairing failed")
		return false
	}
	if paired {
		log.Info().Msg("device is already paired")
		return true
	}

	log.Info().Msg("initiating pairing")
	if err := m.bus.Call(ctx, path, bluez.DeviceIface+".Pair"); err != nil {
		log.Error().Err(err).Msg("pairing failed")
		return false
	}
	paired, err = bluez.BoolProperty(ctx, m.bus, path, bluez.DeviceIface, "Paired")
	if err != nil {
		log.Error().Err(err).Msg("pairing failed")
		return false
	}
	if !paired {
		log.Warn().Msg("pairing not confirmed")
		return false
	}
	log.Info().Msg("successfully paired")
	return true
}

// Connect connects to address and confirms Connected afterwards.
func (m *Manager) Connect(ctx context.Context, address string) bool {
	ctx, span := telemetry.Start(ctx, "devicemgr.Connect", attribute.String("address", address))
	ok := m.connect(ctx, address)
	telemetry.Result(span, ok)
	return ok
}

func (m *Manager) connect(ctx context.Context, address string) bool {
	path, ok := m.resolve(ctx, address)
	if !ok {
		return false
	}
	log := m.log.With().Str("address", address).Logger()

	if err := m.bus.Call(ctx, path, bluez.DeviceIface+".Connect"); err != nil {
		log.Info().Err(err).Msg("connection failed")
		return false
	}
	connected, err := bluez.BoolProperty(ctx, m.bus, path, bluez.DeviceIface, "Connected")
	if err != nil || !connected {
		log.Info().Err(err).Msg("connection not confirmed")
		return false
	}
	log.Info().Msg("connection successful")
	return true
}

// Disconnect disconnects address. A device that is not connected counts
// as disconnected.
func (m *Manager) Disconnect(ctx context.Context, address string) bool {
	ctx, span := telemetry.Start(ctx, "devicemgr.Disconnect", attribute.String("address", address))
	ok := m.disconnect(ctx, address)
	telemetry.Result(span, ok)
	return ok
}

func (m *Manager) disconnect(ctx context.Context, address string) bool {
	path, ok := m.resolve(ctx, address)
	if !ok {
		return false
	}
	log := m.log.With().Str("address", address).Logger()

	connected, err := bluez.BoolProperty(ctx, m.bus, path, bluez.DeviceIface, "Connected")
	if err != nil {
		log.Info().Err(err).Msg("disconnection failed")
		return false
	}
	if !connected {
		log.Info().Msg("device is already disconnected")
		return true
	}
	if err := m.bus.Call(ctx, path, bluez.DeviceIface+".Disconnect"); err != nil {
		log.Info().Err(err).Msg("disconnection failed")
		return false
	}
	connected, err = bluez.BoolProperty(ctx, m.bus, path, bluez.DeviceIface, "Connected")
	if err != nil || connected {
		log.Info().Err(err).Msg("disconnection not confirmed")
		return false
	}
	log.Info().Msg("device disconnected")
	return true
}

// UnpairDevice removes address from this adapter. An absent device counts
// as unpaired. After RemoveDevice the object tree is polled with
// exponential backoff until the device is gone or the settle timeout
// expires.
func (m *Manager) UnpairDevice(ctx context.Context, address string) bool {
	ctx, span := telemetry.Start(ctx, "devicemgr.UnpairDevice", attribute.String("address", address))
	ok := m.unpair(ctx, address)
	telemetry.Result(span, ok)
	return ok
}

func (m *Manager) unpair(ctx context.Context, address string) bool {
	log := m.log.With().Str("address", address).Logger()

	path, found, err := m.findDevicePath(ctx, address)
	if err != nil {
		log.Error().Err(err).Msg("unpair failed")
		return false
	}
	if !found {
		log.Info().Msg("device not found, nothing to unpair")
		return true
	}

	if err := m.bus.Call(ctx, m.adapterPath, bluez.AdapterIface+".RemoveDevice", path); err != nil {
		log.Error().Err(err).Msg("unpair failed")
		return false
	}
	log.Info().Str("path", string(path)).Msg("requested unpair")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.settleInitial
	b.MaxElapsedTime = m.settleTimeout
	err = backoff.Retry(func() error {
		_, present, err := m.findDevicePath(ctx, address)
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case present:
			return errStillPresent
		}
		return nil
	}, backoff.WithContext(b, ctx))

	switch {
	case errors.Is(err, errStillPresent):
		log.Warn().Dur("settle_timeout", m.settleTimeout).Msg("device still exists after attempted unpair")
		return false
	case err != nil:
		log.Error().Err(err).Msg("unpair failed")
		return false
	}
	log.Info().Msg("device unpaired")
	return true
}

// SetDiscoverable switches page and inquiry scan on or off. Failures are
// only logged.
func (m *Manager) SetDiscoverable(ctx context.Context, enable bool) {
	mode := hci.ScanNone
	if enable {
		mode = hci.ScanPageInquiry
	}
	ctx, span := telemetry.Start(ctx, "devicemgr.SetDiscoverable", attribute.String("mode", string(mode)))
	if m.scan == nil {
		m.log.Error().Msg("no scan control configured")
		telemetry.Result(span, false)
		return
	}
	err := m.scan.SetScan(ctx, m.iface, mode)
	if err != nil {
		m.log.Error().Err(err).Bool("enable", enable).Msg("failed to set discoverable")
	} else if enable {
		m.log.Info().Msg("adapter is now discoverable")
	} else {
		m.log.Info().Msg("adapter is now non-discoverable")
	}
	telemetry.End(span, err)
}

// DeviceAddressFromPath reads the Address property of path, or "Unknown".
func (m *Manager) DeviceAddressFromPath(ctx context.Context, path dbus.ObjectPath) string {
	ctx, span := telemetry.Start(ctx, "devicemgr.DeviceAddressFromPath", attribute.String("path", string(path)))
	addr, err := bluez.StringProperty(ctx, m.bus, path, bluez.DeviceIface, "Address")
	if err != nil {
		m.log.Error().Err(err).Str("path", string(path)).Msg("failed to get device address from path")
		telemetry.End(span, err)
		return bluez.Unknown
	}
	telemetry.End(span, nil)
	return addr
}
