//go:build linux

package hci

import (
	"context"
	"fmt"
	"path/filepath"

	"bt-harness/internal/procrun"
)

// Starter starts a long-running command with its output in logfile.
type Starter interface {
	StartLogged(argv []string, logfile string) (*procrun.Process, error)
}

// Capture is a running hcidump owned by the caller.
type Capture struct {
	Interface string
	LogFile   string
	proc      *procrun.Process
}

// StartCapture brings iface up and starts hcidump on it, appending decoded
// packets to <dir>/<iface>_hcidump.log.
func StartCapture(ctx context.Context, t *Tool, s Starter, hcidump, iface, dir string) (*Capture, error) {
	if iface == "" {
		return nil, fmt.Errorf("hci: capture: no interface")
	}
	if err := t.Up(ctx, iface); err != nil {
		return nil, err
	}
	logfile := filepath.Join(dir, iface+"_hcidump.log")
	p, err := s.StartLogged([]string{hcidump, "-i", iface, "-Xt"}, logfile)
	if err != nil {
		return nil, fmt.Errorf("hci: start hcidump: %w", err)
	}
	t.Log.Info().Str("iface", iface).Str("file", logfile).Int("pid", p.PID()).Msg("hcidump started")
	return &Capture{Interface: iface, LogFile: logfile, proc: p}, nil
}

// Done is closed when hcidump exits.
func (c *Capture) Done() <-chan struct{} { return c.proc.Done() }

// Stop terminates this capture's hcidump.
func (c *Capture) Stop(ctx context.Context) error {
	if err := c.proc.Stop(ctx); err != nil {
		return fmt.Errorf("hci: stop hcidump on %s: %w", c.Interface, err)
	}
	return nil
}
