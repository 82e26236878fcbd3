//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"bt-harness/internal/agent"
	"bt-harness/internal/bluez"
	"bt-harness/internal/daemon"
	"bt-harness/internal/devicemgr"
	"bt-harness/internal/hci"
)

// managerEnv is the BlueZ side of a run: one bus connection shared by the
// device manager and the exported agent.
type managerEnv struct {
	conn *bluez.Conn
	mgr  *devicemgr.Manager
}

func (a *app) withManager(ctx context.Context, fn func(context.Context, *managerEnv) error) error {
	conn, err := bluez.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr := devicemgr.New(conn, devicemgr.Options{
		Adapter:       a.cfg.Adapter,
		AgentPath:     dbus.ObjectPath(a.cfg.Agent.Path),
		Scan:          a.tool,
		SettleInitial: a.cfg.Manager.SettleInitial,
		SettleTimeout: a.cfg.Manager.SettleTimeout,
		Logger:        a.log,
	})
	return fn(ctx, &managerEnv{conn: conn, mgr: mgr})
}

func (a *app) requireAddr() error {
	if a.opts.addr == "" {
		return fmt.Errorf("-addr is required in %s mode", a.opts.mode)
	}
	return nil
}

func result(ok bool) error {
	if !ok {
		return errFailed
	}
	return nil
}

func (a *app) runControllers(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	cs, err := a.tool.Controllers(ctx)
	if err != nil {
		return err
	}
	if len(cs) == 0 {
		fmt.Println("no controllers found")
		return nil
	}
	for _, c := range cs {
		fmt.Printf("%s\t%s\n", c.Interface, c.Address)
	}
	return nil
}

func (a *app) runInfo(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	d, err := a.tool.Details(ctx, a.opts.iface)
	if err != nil {
		return err
	}
	if !a.opts.extended {
		fmt.Println(d.Basic())
		return nil
	}
	fmt.Printf("Interface: %s\nName: %s\nBD_ADDR: %s\nBus: %s\nLink mode: %s\nLink policy: %s\nHCI Version: %s\nLMP Version: %s\nManufacturer: %s\n",
		d.Interface, d.Name, d.Address, d.Bus, d.LinkMode, d.LinkPolicy, d.HCIVersion, d.LMPVersion, d.Manufacturer)
	return nil
}

func (a *app) runUp(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.tool.Up(ctx, a.opts.iface)
}

func (a *app) runPaired(ctx context.Context, env *managerEnv) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	paired := env.mgr.PairedDevices(ctx)
	if len(paired) == 0 {
		fmt.Println("no paired devices")
		return nil
	}
	addrs := make([]string, 0, len(paired))
	for addr := range paired {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		fmt.Printf("%s\t%s\n", addr, paired[addr])
	}
	return nil
}

func (a *app) runDiscover(ctx context.Context, env *managerEnv) error {
	env.mgr.StartDiscovery(ctx)
	a.log.Info().Dur("duration", a.opts.duration).Msg("discovering")
	select {
	case <-ctx.Done():
	case <-time.After(a.opts.duration):
	}

	// stop even after Ctrl-C
	stopCtx, cancel := a.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	env.mgr.StopDiscovery(stopCtx)

	devs := env.mgr.DiscoveredDevices(stopCtx)
	if len(devs) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for i, d := range devs {
		fmt.Printf("[%d] Path=%s Address=%s Alias=%s\n", i, d.Path, d.Address, d.Alias)
	}
	return nil
}

// serveAgent exports and registers the agent, returning the cleanup.
func (a *app) serveAgent(ctx context.Context, env *managerEnv) (func(), error) {
	path := dbus.ObjectPath(a.cfg.Agent.Path)
	ag := agent.New(a.handler(), agent.Options{CallbackTimeout: a.cfg.Agent.CallbackTimeout, Logger: a.log})
	if err := agent.Export(env.conn, path, ag); err != nil {
		return nil, err
	}
	if !env.mgr.RegisterAgent(ctx, a.cfg.Agent.Capability) {
		_ = agent.Unexport(env.conn, path)
		return nil, fmt.Errorf("register agent at %s: %w", path, errFailed)
	}
	return func() {
		cctx, cancel := a.withTimeout(context.Background())
		defer cancel()
		env.mgr.UnregisterAgent(cctx)
		if err := agent.Unexport(env.conn, path); err != nil {
			a.log.Warn().Err(err).Msg("unexport agent")
		}
		a.log.Info().Int64("canceled", ag.Canceled()).Msg("agent stopped")
	}, nil
}

func (a *app) handler() agent.Handler {
	if a.opts.interactive {
		p := &agent.PromptHandler{In: os.Stdin, Out: os.Stdout}
		return p.Handler()
	}
	return &agent.AutoHandler{
		Pin: a.cfg.Agent.PinCode,
		Key: a.cfg.Agent.Passkey,
		Display: func(req agent.Request) {
			a.log.Info().Str("kind", string(req.Kind)).Str("device", string(req.Device)).
				Str("pin", req.PinCode).Uint32("passkey", req.Passkey).Msg("display request")
		},
	}
}

func (a *app) runAgent(ctx context.Context, env *managerEnv) error {
	cleanup, err := a.serveAgent(ctx, env)
	if err != nil {
		return err
	}
	defer cleanup()
	fmt.Printf("agent registered at %s with capability %q; Ctrl-C to stop\n", a.cfg.Agent.Path, a.cfg.Agent.Capability)
	<-ctx.Done()
	return nil
}

func (a *app) runPair(ctx context.Context, env *managerEnv) error {
	if err := a.requireAddr(); err != nil {
		return err
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	cleanup, err := a.serveAgent(ctx, env)
	if err != nil {
		return err
	}
	defer cleanup()
	a.log.Info().Str("address", a.opts.addr).Str("timeout", deadlineStr(ctx)).Msg("pairing")
	return result(env.mgr.Pair(ctx, a.opts.addr))
}

func (a *app) runConnect(ctx context.Context, env *managerEnv) error {
	if err := a.requireAddr(); err != nil {
		return err
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return result(env.mgr.Connect(ctx, a.opts.addr))
}

func (a *app) runDisconnect(ctx context.Context, env *managerEnv) error {
	if err := a.requireAddr(); err != nil {
		return err
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return result(env.mgr.Disconnect(ctx, a.opts.addr))
}

func (a *app) runUnpair(ctx context.Context, env *managerEnv) error {
	if err := a.requireAddr(); err != nil {
		return err
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return result(env.mgr.UnpairDevice(ctx, a.opts.addr))
}

func (a *app) runDiscoverable(ctx context.Context, env *managerEnv) error {
	if a.opts.on == a.opts.off {
		return fmt.Errorf("discoverable mode needs exactly one of -on or -off")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	env.mgr.SetDiscoverable(ctx, a.opts.on)
	return nil
}

func (a *app) runAddress(ctx context.Context, env *managerEnv) error {
	if a.opts.path == "" {
		return fmt.Errorf("-path is required in address mode")
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	addr := env.mgr.DeviceAddressFromPath(ctx, dbus.ObjectPath(a.opts.path))
	fmt.Println(addr)
	if addr == bluez.Unknown {
		return errFailed
	}
	return nil
}

func (a *app) runDaemons(ctx context.Context) error {
	sup := daemon.New(daemon.Config{
		Daemons:      a.cfg.Daemons,
		StartupGrace: a.cfg.Supervisor.StartupGrace,
		LogDir:       a.session.Dir,
	}, a.runner, a.log)

	hs, err := sup.StartAll(ctx)
	if err != nil {
		return err
	}
	for _, h := range hs {
		fmt.Printf("%s\tpid=%d\tid=%s\tlog=%s\n", h.Name, h.PID(), h.ID, h.LogFile)
	}
	fmt.Println("daemons running; Ctrl-C to stop")
	<-ctx.Done()

	stopCtx, cancel := a.withTimeout(context.Background())
	defer cancel()
	return sup.StopAll(stopCtx)
}

func (a *app) runCapture(ctx context.Context) error {
	c, err := hci.StartCapture(ctx, a.tool, a.runner, a.cfg.Tools.HCIDump, a.opts.iface, a.session.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("capturing %s into %s; Ctrl-C to stop\n", c.Interface, c.LogFile)
	select {
	case <-ctx.Done():
	case <-c.Done():
		a.log.Warn().Str("iface", c.Interface).Msg("hcidump exited on its own")
	}

	stopCtx, cancel := a.withTimeout(context.Background())
	defer cancel()
	return c.Stop(stopCtx)
}
