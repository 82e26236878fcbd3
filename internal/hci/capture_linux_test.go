//go:build linux

package hci

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bt-harness/internal/procrun"
)

func TestCaptureLifecycle(t *testing.T) {
	dir := t.TempDir()
	hcidump := filepath.Join(dir, "hcidump")
	require.NoError(t, os.WriteFile(hcidump, []byte("#!/bin/sh\necho \"args: $*\"\nexec sleep 30\n"), 0o755))

	r := &fakeRunner{}
	runner := &procrun.Runner{StopGrace: time.Second, Log: zerolog.Nop()}

	c, err := StartCapture(context.Background(), newTool(r), runner, hcidump, "hci0", dir)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"hciconfig", "hci0", "up"}}, r.calls)
	assert.Equal(t, filepath.Join(dir, "hci0_hcidump.log"), c.LogFile)

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(c.LogFile)
		return strings.Contains(string(b), "args: -i hci0 -Xt")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	select {
	case <-c.Done():
	default:
		t.Fatal("hcidump still running after Stop")
	}
}

func TestCaptureNeedsInterface(t *testing.T) {
	_, err := StartCapture(context.Background(), newTool(&fakeRunner{}), &procrun.Runner{}, "hcidump", "", t.TempDir())
	assert.Error(t, err)
}

func TestCaptureUpFailure(t *testing.T) {
	r := &fakeRunner{results: map[string]*procrun.Result{
		"hciconfig hci7 up": {ExitStatus: 1},
	}}
	_, err := StartCapture(context.Background(), newTool(r), &procrun.Runner{}, "hcidump", "hci7", t.TempDir())
	assert.Error(t, err)
}
