//go:build linux

package procrun

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Process is a child started by StartLogged or Spawn. One goroutine owns
// the exec.Cmd and reaps it; everything else observes Done.
type Process struct {
	Command string

	cmd   *exec.Cmd
	grace time.Duration
	log   zerolog.Logger

	done chan struct{}
	err  error // set before done is closed
}

func (p *Process) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
	p.log.Debug().Str("command", p.Command).Int("pid", p.PID()).Int("exit_status", p.cmd.ProcessState.ExitCode()).Msg("process exited")
}

// PID returns the process id, which is also its process group id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// ExitStatus returns the exit code, or -1 while running or when the
// process was killed by a signal.
func (p *Process) ExitStatus() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL after
// the grace period or when ctx is done. Stopping an exited process is a
// no-op.
func (p *Process) Stop(ctx context.Context) error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.PID(), unix.SIGTERM); err != nil {
		return err
	}

	t := time.NewTimer(p.grace)
	defer t.Stop()
	select {
	case <-p.done:
		p.log.Info().Str("command", p.Command).Int("pid", p.PID()).Msg("process stopped")
		return nil
	case <-t.C:
		p.log.Warn().Str("command", p.Command).Dur("grace", p.grace).Msg("process ignored SIGTERM, killing")
	case <-ctx.Done():
	}
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits for the reap.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.PID(), unix.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}
