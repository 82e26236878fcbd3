//go:build linux

// Package daemon starts and stops the auxiliary daemons a Bluetooth test
// run needs (dbus-daemon, bluetoothd, pulseaudio, obexd). Only processes
// this supervisor started are ever signalled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"bt-harness/internal/config"
	"bt-harness/internal/procrun"
)

const DefaultStartupGrace = 300 * time.Millisecond

var (
	// ErrUnknown means no daemon or handle by that name or id.
	ErrUnknown = errors.New("daemon: unknown")
	// ErrDisabled means the daemon is configured but switched off.
	ErrDisabled = errors.New("daemon: disabled")
	// ErrExited means the daemon died within the startup grace period.
	ErrExited = errors.New("daemon: exited during startup")
)

// Launcher starts long-running processes.
type Launcher interface {
	StartLogged(argv []string, logfile string) (*procrun.Process, error)
	Spawn(argv []string) (*procrun.Process, error)
}

// Config is what the supervisor needs from the harness configuration.
type Config struct {
	Daemons      []config.DaemonConfig
	StartupGrace time.Duration
	LogDir       string // where relative LogFile names are placed
}

// Handle identifies one daemon process started by a Supervisor.
type Handle struct {
	ID      string
	Name    string
	LogFile string
	Started time.Time

	proc *procrun.Process
}

// PID returns the daemon's process id.
func (h *Handle) PID() int { return h.proc.PID() }

// Done is closed when the daemon exits.
func (h *Handle) Done() <-chan struct{} { return h.proc.Done() }

// Supervisor owns the daemons it started.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	log      zerolog.Logger

	mu      sync.Mutex
	handles []*Handle
}

// New creates a Supervisor.
func New(cfg Config, l Launcher, log zerolog.Logger) *Supervisor {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: l,
		log:      log.With().Str("component", "daemon").Logger(),
	}
}

func (s *Supervisor) spec(name string) (config.DaemonConfig, bool) {
	for _, d := range s.cfg.Daemons {
		if d.Name == name {
			return d, true
		}
	}
	return config.DaemonConfig{}, false
}

// Start launches the named daemon and waits out the startup grace period.
// A daemon that exits before then is reported as ErrExited.
func (s *Supervisor) Start(ctx context.Context, name string) (*Handle, error) {
	spec, ok := s.spec(name)
	if !ok {
		return nil, fmt.Errorf("%w daemon %q", ErrUnknown, name)
	}
	if spec.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, name)
	}

	argv := append([]string{spec.Path}, spec.Args...)
	h := &Handle{ID: newID(), Name: name, Started: time.Now()}

	s.log.Info().Str("daemon", name).Strs("argv", argv).Msg("starting daemon")
	var err error
	if spec.LogFile != "" {
		h.LogFile = spec.LogFile
		if !filepath.IsAbs(h.LogFile) {
			h.LogFile = filepath.Join(s.cfg.LogDir, h.LogFile)
		}
		h.proc, err = s.launcher.StartLogged(argv, h.LogFile)
	} else {
		h.proc, err = s.launcher.Spawn(argv)
	}
	if err != nil {
		return nil, fmt.Errorf("daemon: start %s: %w", name, err)
	}

	t := time.NewTimer(s.cfg.StartupGrace)
	defer t.Stop()
	select {
	case <-h.proc.Done():
		return nil, fmt.Errorf("%w: %s exit status %d", ErrExited, name, h.proc.ExitStatus())
	case <-ctx.Done():
		_ = h.proc.Kill()
		return nil, fmt.Errorf("daemon: start %s: %w", name, ctx.Err())
	case <-t.C:
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	s.log.Info().Str("daemon", name).Str("id", h.ID).Int("pid", h.PID()).Str("log", h.LogFile).Msg("daemon started")
	return h, nil
}

// Stop terminates the daemon behind h. Handles not owned by s are
// rejected with ErrUnknown.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	idx := -1
	for i, owned := range s.handles {
		if owned == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w handle", ErrUnknown)
	}
	s.handles = append(s.handles[:idx], s.handles[idx+1:]...)
	s.mu.Unlock()

	if err := h.proc.Stop(ctx); err != nil {
		return fmt.Errorf("daemon: stop %s: %w", h.Name, err)
	}
	s.log.Info().Str("daemon", h.Name).Str("id", h.ID).Msg("daemon stopped")
	return nil
}

// StartAll starts every enabled daemon in configuration order. On failure
// the daemons started by this call are stopped again.
func (s *Supervisor) StartAll(ctx context.Context) ([]*Handle, error) {
	var started []*Handle
	for _, d := range s.cfg.Daemons {
		if d.Disabled || d.Path == "" {
			s.log.Debug().Str("daemon", d.Name).Msg("daemon skipped")
			continue
		}
		h, err := s.Start(ctx, d.Name)
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = s.Stop(context.WithoutCancel(ctx), started[i])
			}
			return nil, err
		}
		started = append(started, h)
	}
	return started, nil
}

// StopAll stops every owned daemon, newest first.
func (s *Supervisor) StopAll(ctx context.Context) error {
	hs := s.Handles()
	var errs []error
	for i := len(hs) - 1; i >= 0; i-- {
		if err := s.Stop(ctx, hs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handles returns the owned daemons in start order.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
