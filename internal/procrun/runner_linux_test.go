//go:build linux

package procrun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner() *Runner {
	return &Runner{Timeout: 10 * time.Second, StopGrace: 200 * time.Millisecond, Log: zerolog.Nop()}
}

func TestRunCapturesOutputAndExitStatus(t *testing.T) {
	res, err := newRunner().Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, "")
	require.NoError(t, err)
	assert.Equal(t, "sh -c echo out; echo err >&2; exit 3", res.Command)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Equal(t, 3, res.ExitStatus)
	assert.NotZero(t, res.PID)
	assert.Contains(t, res.String(), "exit_status=3")
}

func TestRunFeedsStdin(t *testing.T) {
	res, err := newRunner().Run(context.Background(), []string{"cat"}, "hello\n")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
	assert.Zero(t, res.ExitStatus)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	r := newRunner()
	r.Timeout = 200 * time.Millisecond

	start := time.Now()
	// the backgrounded sleep keeps stdout open unless the whole group dies
	_, err := r.Run(context.Background(), []string{"sh", "-c", "sleep 30 & sleep 30"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := newRunner().Run(ctx, []string{"sleep", "30"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestRunErrors(t *testing.T) {
	_, err := newRunner().Run(context.Background(), nil, "")
	assert.Error(t, err)

	_, err = newRunner().Run(context.Background(), []string{"/nonexistent/bt-harness-tool"}, "")
	assert.Error(t, err)
}

func TestStartLoggedAppendsBothStreams(t *testing.T) {
	logfile := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(logfile, []byte("previous run\n"), 0o644))

	p, err := newRunner().StartLogged([]string{"sh", "-c", "echo to-stdout; echo to-stderr >&2"}, logfile)
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	assert.Equal(t, 0, p.ExitStatus())

	b, err := os.ReadFile(logfile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "previous run")
	assert.Contains(t, string(b), "to-stdout")
	assert.Contains(t, string(b), "to-stderr")
}

func TestSpawnStop(t *testing.T) {
	p, err := newRunner().Spawn([]string{"sleep", "30"})
	require.NoError(t, err)
	assert.False(t, p.Exited())
	assert.Equal(t, -1, p.ExitStatus())
	assert.NotZero(t, p.PID())

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, p.Exited())
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// stopping again is a no-op
	assert.NoError(t, p.Stop(context.Background()))
}

func TestStopEscalatesToKill(t *testing.T) {
	p, err := newRunner().Spawn([]string{"sh", "-c", `trap "" TERM; sleep 30`})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestKill(t *testing.T) {
	p, err := newRunner().Spawn([]string{"sleep", "30"})
	require.NoError(t, err)
	require.NoError(t, p.Kill())
	assert.Error(t, p.Wait())
	assert.NoError(t, p.Kill())
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := newRunner().Spawn([]string{"/nonexistent/bt-harness-daemon"})
	assert.Error(t, err)
}
