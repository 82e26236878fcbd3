//go:build linux

// bt-harness drives a BlueZ host for Bluetooth test automation (Linux only).
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access, or use
//     -mode=daemons to start dbus-daemon/bluetoothd/pulseaudio from config.
//   - Registering an agent and pairing usually need root.
//   - Settings come from -config (YAML, optional) and BTHARNESS_* env vars.
//
// Every run creates logs/<YYYY_MM_DD_HH_MM_SS>_logs/ with debug.log,
// info.log, error.log, daemon and hcidump logs, and trace.json when tracing
// is enabled.
//
// Modes
//
//	bt-harness -mode=controllers                  list local controllers
//	bt-harness -mode=info -iface hci0 [-extended] controller details
//	bt-harness -mode=up -iface hci0               power a controller on
//	bt-harness -mode=paired                       paired devices of -adapter
//	bt-harness -mode=discover -duration 10s       scan, then list devices
//	bt-harness -mode=pair -addr AA:BB:CC:DD:EE:FF registers the agent first
//	bt-harness -mode=connect -addr ...
//	bt-harness -mode=disconnect -addr ...
//	bt-harness -mode=unpair -addr ...
//	bt-harness -mode=discoverable -on|-off
//	bt-harness -mode=address -path /org/bluez/hci0/dev_...
//	bt-harness -mode=agent [-interactive]         serve pairing requests until Ctrl-C
//	bt-harness -mode=daemons                      start configured daemons until Ctrl-C
//	bt-harness -mode=capture -iface hci0          hcidump until Ctrl-C
//
// Exit status is 1 when the operation failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bt-harness/internal/config"
	"bt-harness/internal/hci"
	"bt-harness/internal/logger"
	"bt-harness/internal/procrun"
	"bt-harness/internal/telemetry"
)

var errFailed = errors.New("operation failed")

type options struct {
	mode        string
	adapter     string
	iface       string
	addr        string
	path        string
	duration    time.Duration
	timeout     time.Duration
	extended    bool
	interactive bool
	on          bool
	off         bool
}

// app carries what every mode needs.
type app struct {
	cfg     *config.Config
	opts    options
	session *logger.Session
	log     zerolog.Logger
	runner  *procrun.Runner
	tool    *hci.Tool
}

func main() {
	var o options
	cfgPath := flag.String("config", "harness.yaml", "YAML config file (optional)")
	flag.StringVar(&o.mode, "mode", "paired", "mode: controllers|info|up|paired|discover|pair|connect|disconnect|unpair|discoverable|address|agent|daemons|capture")
	flag.StringVar(&o.adapter, "adapter", "", "adapter the device manager binds to (overrides config)")
	flag.StringVar(&o.iface, "iface", "", "controller interface for info/up/capture (default: adapter)")
	flag.StringVar(&o.addr, "addr", "", "remote device address")
	flag.StringVar(&o.path, "path", "", "device object path (address mode)")
	flag.DurationVar(&o.duration, "duration", 10*time.Second, "discovery duration")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "operation timeout")
	flag.BoolVar(&o.extended, "extended", false, "extended controller info")
	flag.BoolVar(&o.interactive, "interactive", false, "answer pairing prompts on the console")
	flag.BoolVar(&o.on, "on", false, "make the adapter discoverable")
	flag.BoolVar(&o.off, "off", false, "make the adapter non-discoverable")
	flag.Parse()

	if err := run(*cfgPath, o); err != nil {
		fmt.Fprintf(os.Stderr, "bt-harness: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, o options) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if o.adapter != "" {
		cfg.Adapter = o.adapter
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	if o.iface == "" {
		o.iface = cfg.Adapter
	}

	session, err := logger.NewSession(cfg.Log)
	if err != nil {
		return err
	}
	defer session.Close()
	log := session.Logger

	// Ctrl-C cancels the running mode.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg, session)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("trace shutdown")
		}
	}()

	runner := procrun.New(cfg.Process, log)
	a := &app{
		cfg:     cfg,
		opts:    o,
		session: session,
		log:     log,
		runner:  runner,
		tool:    hci.NewTool(cfg.Tools.HCIConfig, runner, log),
	}
	log.Info().Str("mode", o.mode).Str("adapter", cfg.Adapter).Str("session", session.Dir).Msg("bt-harness starting")

	if err := a.dispatch(ctx); err != nil {
		log.Error().Err(err).Str("mode", o.mode).Msg("mode failed")
		return err
	}
	return nil
}

func setupTracing(ctx context.Context, cfg *config.Config, s *logger.Session) (func(context.Context) error, error) {
	if !cfg.Trace.Enabled {
		return telemetry.Setup(ctx, cfg.Trace, nil)
	}
	f, err := os.Create(s.Path(cfg.Trace.File))
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	shutdown, err := telemetry.Setup(ctx, cfg.Trace, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// withTimeout bounds one-shot modes; long-running modes only stop on signal.
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opts.timeout)
}

func (a *app) dispatch(ctx context.Context) error {
	switch strings.ToLower(a.opts.mode) {
	case "controllers":
		return a.runControllers(ctx)
	case "info":
		return a.runInfo(ctx)
	case "up":
		return a.runUp(ctx)
	case "paired":
		return a.withManager(ctx, a.runPaired)
	case "discover":
		return a.withManager(ctx, a.runDiscover)
	case "pair":
		return a.withManager(ctx, a.runPair)
	case "connect":
		return a.withManager(ctx, a.runConnect)
	case "disconnect":
		return a.withManager(ctx, a.runDisconnect)
	case "unpair":
		return a.withManager(ctx, a.runUnpair)
	case "discoverable":
		return a.withManager(ctx, a.runDiscoverable)
	case "address":
		return a.withManager(ctx, a.runAddress)
	case "agent":
		return a.withManager(ctx, a.runAgent)
	case "daemons":
		return a.runDaemons(ctx)
	case "capture":
		return a.runCapture(ctx)
	default:
		return fmt.Errorf("unknown mode: %s", a.opts.mode)
	}
}

func deadlineStr(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Truncate(time.Second).String()
	}
	return "none"
}
