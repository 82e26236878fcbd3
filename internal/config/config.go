// Package config loads the harness configuration from YAML with
// BTHARNESS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bt-harness/internal/agent"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the root of harness.yaml.
type Config struct {
	// Adapter is the controller the device manager binds to, e.g. "hci0".
	Adapter    string           `yaml:"adapter"`
	Log        LogConfig        `yaml:"log"`
	Trace      TraceConfig      `yaml:"trace"`
	Agent      AgentConfig      `yaml:"agent"`
	Manager    ManagerConfig    `yaml:"manager"`
	Process    ProcessConfig    `yaml:"process"`
	Tools      ToolsConfig      `yaml:"tools"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Daemons    []DaemonConfig   `yaml:"daemons"`
}

// LogConfig controls the per-session log directory and console output.
type LogConfig struct {
	Root    string `yaml:"root"`  // parent of the timestamped session directories
	Level   string `yaml:"level"` // console level: debug, info, warn, error
	Console bool   `yaml:"console"`
	NoColor bool   `yaml:"no_color"`
}

// TraceConfig enables OpenTelemetry spans written into the session directory.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// AgentConfig configures the exported pairing agent.
type AgentConfig struct {
	Path            string        `yaml:"path"`
	Capability      string        `yaml:"capability"`
	PinCode         string        `yaml:"pin_code"`
	Passkey         uint32        `yaml:"passkey"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// ManagerConfig tunes the device manager's post-condition polling.
type ManagerConfig struct {
	SettleInitial time.Duration `yaml:"settle_initial"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// ProcessConfig bounds blocking command execution.
type ProcessConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	StopGrace time.Duration `yaml:"stop_grace"`
}

// ToolsConfig holds paths of host tools.
type ToolsConfig struct {
	HCIConfig string `yaml:"hciconfig"`
	HCIDump   string `yaml:"hcidump"`
}

// SupervisorConfig tunes daemon startup.
type SupervisorConfig struct {
	StartupGrace time.Duration `yaml:"startup_grace"`
}

// DaemonConfig describes one auxiliary daemon the supervisor may start.
type DaemonConfig struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Args     []string `yaml:"args"`
	LogFile  string   `yaml:"log_file"` // relative to the session directory; empty discards output
	Disabled bool     `yaml:"disabled"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Adapter: "hci0",
		Log: LogConfig{
			Root:    "logs",
			Level:   "debug",
			Console: true,
		},
		Trace: TraceConfig{
			File: "trace.json",
		},
		Agent: AgentConfig{
			Path:            "/test/agent",
			Capability:      agent.DefaultCapability,
			PinCode:         "0000",
			Passkey:         123456,
			CallbackTimeout: 25 * time.Second,
		},
		Manager: ManagerConfig{
			SettleInitial: 100 * time.Millisecond,
			SettleTimeout: 5 * time.Second,
		},
		Process: ProcessConfig{
			Timeout:   600 * time.Second,
			StopGrace: 3 * time.Second,
		},
		Tools: ToolsConfig{
			HCIConfig: "hciconfig",
			HCIDump:   "/usr/local/bluez/bluez-tools/bin/hcidump",
		},
		Supervisor: SupervisorConfig{
			StartupGrace: 300 * time.Millisecond,
		},
		Daemons: []DaemonConfig{
			{
				Name: "dbus",
				Path: "/usr/local/bluez/dbus-1.12.20/bin/dbus-daemon",
				Args: []string{"--system", "--nofork", "--nopidfile"},
			},
			{
				Name:    "bluetoothd",
				Path:    "/usr/local/bluez/bluez-tools/libexec/bluetooth/bluetoothd",
				Args:    []string{"-nd", "--compat"},
				LogFile: "bluetoothd.log",
			},
			{
				Name:    "pulseaudio",
				Path:    "/usr/local/bluez/pulseaudio-13.0_for_bluez-5.65/bin/pulseaudio",
				Args:    []string{"-vvv"},
				LogFile: "pulseaudio.log",
			},
			{
				Name:     "obexd",
				Path:     "/usr/lib/bluetooth/obexd",
				Args:     []string{"-n", "-d"},
				LogFile:  "obexd.log",
				Disabled: true,
			},
		},
	}
}

// Load reads a YAML config file over Defaults and applies env overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps BTHARNESS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BTHARNESS_ADAPTER"); v != "" {
		cfg.Adapter = v
	}
	if v := os.Getenv("BTHARNESS_LOG_ROOT"); v != "" {
		cfg.Log.Root = v
	}
	if v := os.Getenv("BTHARNESS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BTHARNESS_TRACE_ENABLED"); v != "" {
		cfg.Trace.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BTHARNESS_AGENT_CAPABILITY"); v != "" {
		cfg.Agent.Capability = v
	}
	if v := os.Getenv("BTHARNESS_AGENT_PIN"); v != "" {
		cfg.Agent.PinCode = v
	}
	if v := os.Getenv("BTHARNESS_AGENT_PASSKEY"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: BTHARNESS_AGENT_PASSKEY: %v", ErrInvalid, err)
		}
		cfg.Agent.Passkey = uint32(n)
	}
	if v := os.Getenv("BTHARNESS_PROCESS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: BTHARNESS_PROCESS_TIMEOUT: %v", ErrInvalid, err)
		}
		cfg.Process.Timeout = d
	}
	return nil
}

var adapterRe = regexp.MustCompile(`^hci[0-9]+$`)

// Validate checks cfg and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !adapterRe.MatchString(cfg.Adapter) {
		bad("adapter %q is not an hciN interface", cfg.Adapter)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("log.level %q", cfg.Log.Level)
	}
	if cfg.Log.Root == "" {
		bad("log.root is empty")
	}
	if !strings.HasPrefix(cfg.Agent.Path, "/") {
		bad("agent.path %q is not an object path", cfg.Agent.Path)
	}
	if !agent.ValidCapability(cfg.Agent.Capability) {
		bad("agent.capability %q (want one of %s)", cfg.Agent.Capability, strings.Join(agent.Capabilities(), ", "))
	}
	if cfg.Agent.Passkey > agent.MaxPasskey {
		bad("agent.passkey %d exceeds six digits", cfg.Agent.Passkey)
	}
	if cfg.Agent.CallbackTimeout <= 0 {
		bad("agent.callback_timeout must be positive")
	}
	if cfg.Manager.SettleInitial <= 0 || cfg.Manager.SettleTimeout <= 0 {
		bad("manager settle durations must be positive")
	}
	if cfg.Process.Timeout <= 0 {
		bad("process.timeout must be positive")
	}
	seen := map[string]bool{}
	for i, d := range cfg.Daemons {
		if d.Name == "" {
			bad("daemons[%d]: name is empty", i)
			continue
		}
		if seen[d.Name] {
			bad("daemons[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.Path == "" && !d.Disabled {
			bad("daemons[%d] %q: path is empty", i, d.Name)
		}
	}
	return errors.Join(errs...)
}

// Daemon returns the daemon spec with the given name.
func (c *Config) Daemon(name string) (DaemonConfig, bool) {
	for _, d := range c.Daemons {
		if d.Name == name {
			return d, true
		}
	}
	return DaemonConfig{}, false
}
