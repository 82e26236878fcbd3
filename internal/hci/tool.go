package hci

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bt-harness/internal/procrun"
)

// ScanMode is the page/inquiry scan setting passed to hciconfig.
type ScanMode string

const (
	ScanPageInquiry ScanMode = "piscan" // connectable and discoverable
	ScanNone        ScanMode = "noscan"
)

// Runner runs one blocking command.
type Runner interface {
	Run(ctx context.Context, argv []string, stdin string) (*procrun.Result, error)
}

// Tool drives hciconfig.
type Tool struct {
	Path   string // hciconfig binary
	Runner Runner
	Log    zerolog.Logger
}

// NewTool returns a Tool for the hciconfig at path.
func NewTool(path string, r Runner, log zerolog.Logger) *Tool {
	if path == "" {
		path = "hciconfig"
	}
	return &Tool{Path: path, Runner: r, Log: log.With().Str("component", "hci").Logger()}
}

func (t *Tool) run(ctx context.Context, args ...string) (*procrun.Result, error) {
	argv := append([]string{t.Path}, args...)
	res, err := t.Runner.Run(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("hci: %w", err)
	}
	if res.ExitStatus != 0 {
		return res, fmt.Errorf("hci: %s: exit status %d: %s", res.Command, res.ExitStatus, res.Stderr)
	}
	return res, nil
}

// Controllers lists the controllers attached to the host.
func (t *Tool) Controllers(ctx context.Context) ([]Controller, error) {
	res, err := t.run(ctx, "-a")
	if err != nil {
		return nil, err
	}
	cs := ParseControllers(res.Stdout)
	t.Log.Info().Interface("controllers", cs).Msg("controllers found on host")
	return cs, nil
}

// Details returns the extended information of iface.
func (t *Tool) Details(ctx context.Context, iface string) (ControllerDetails, error) {
	res, err := t.run(ctx, "-a", iface)
	if err != nil {
		return ControllerDetails{}, err
	}
	d := ParseDetails(res.Stdout)
	if d.Interface == Unknown {
		d.Interface = iface
	}
	return d, nil
}

// Up powers iface on.
func (t *Tool) Up(ctx context.Context, iface string) error {
	if _, err := t.run(ctx, iface, "up"); err != nil {
		return err
	}
	t.Log.Info().Str("iface", iface).Msg("controller brought up")
	return nil
}

// Down powers iface off.
func (t *Tool) Down(ctx context.Context, iface string) error {
	if _, err := t.run(ctx, iface, "down"); err != nil {
		return err
	}
	t.Log.Info().Str("iface", iface).Msg("controller brought down")
	return nil
}

// SetScan sets the scan mode of iface.
func (t *Tool) SetScan(ctx context.Context, iface string, mode ScanMode) error {
	if mode != ScanPageInquiry && mode != ScanNone {
		return fmt.Errorf("hci: unknown scan mode %q", mode)
	}
	if _, err := t.run(ctx, iface, string(mode)); err != nil {
		return err
	}
	t.Log.Info().Str("iface", iface).Str("mode", string(mode)).Msg("scan mode set")
	return nil
}
