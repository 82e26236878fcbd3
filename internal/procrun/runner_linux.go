//go:build linux

// Package procrun runs host commands for the harness. Every child gets its
// own process group so a timeout or Stop reaches the whole tree it spawned.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"bt-harness/internal/config"
)

const (
	DefaultTimeout   = 600 * time.Second
	DefaultStopGrace = 3 * time.Second
)

var errNoCommand = errors.New("procrun: empty command")

// Runner executes commands. The zero value uses the package defaults and
// discards logs.
type Runner struct {
	Timeout   time.Duration
	StopGrace time.Duration
	Log       zerolog.Logger
}

// New returns a Runner configured from cfg.
func New(cfg config.ProcessConfig, log zerolog.Logger) *Runner {
	return &Runner{
		Timeout:   cfg.Timeout,
		StopGrace: cfg.StopGrace,
		Log:       log.With().Str("component", "procrun").Logger(),
	}
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Runner) stopGrace() time.Duration {
	if r.StopGrace > 0 {
		return r.StopGrace
	}
	return DefaultStopGrace
}

// Run executes argv, feeds it stdin and waits for it to exit, the timeout
// or ctx, whichever comes first. A non-zero exit is reported in
// Result.ExitStatus; only failures to run or wait are errors.
func (r *Runner) Run(ctx context.Context, argv []string, stdin string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errNoCommand
	}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid, unix.SIGKILL) }
	cmd.WaitDelay = 2 * time.Second

	res := &Result{Command: strings.Join(argv, " ")}
	err := cmd.Run()
	if cmd.Process != nil {
		res.PID = cmd.Process.Pid
	}
	res.Stdout = strings.TrimSpace(stdout.String())
	res.Stderr = strings.TrimSpace(stderr.String())

	if err != nil && runCtx.Err() != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("procrun: %s: %w", res.Command, ctx.Err())
		}
		r.Log.Error().Str("command", res.Command).Dur("timeout", r.timeout()).Msg("command timed out, process group killed")
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout(), res.Command)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("procrun: run %s: %w", res.Command, err)
	}

	output := res.Stdout
	if output == "" {
		output = res.Stderr
	}
	r.Log.Info().Str("command", res.Command).Int("exit_status", res.ExitStatus).Msgf("Output : %s", output)
	return res, nil
}

// StartLogged starts argv with stdout and stderr appended to logfile and
// returns without waiting.
func (r *Runner) StartLogged(argv []string, logfile string) (*Process, error) {
	f, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("procrun: open %s: %w", logfile, err)
	}
	defer f.Close()
	return r.start(argv, f)
}

// Spawn starts argv with its output discarded and returns without waiting.
func (r *Runner) Spawn(argv []string) (*Process, error) {
	return r.start(argv, nil)
}

func (r *Runner) start(argv []string, out *os.File) (*Process, error) {
	if len(argv) == 0 {
		return nil, errNoCommand
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procrun: start %s: %w", argv[0], err)
	}

	p := &Process{
		Command: strings.Join(argv, " "),
		cmd:     cmd,
		grace:   r.stopGrace(),
		log:     r.Log,
		done:    make(chan struct{}),
	}
	go p.wait()
	r.Log.Info().Str("command", p.Command).Int("pid", cmd.Process.Pid).Msg("process started")
	return p, nil
}

func killGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("procrun: signal %v to group %d: %w", sig, pid, err)
	}
	return nil
}
