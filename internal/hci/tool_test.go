package hci

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bt-harness/internal/procrun"
)

// fakeRunner records argv and answers from a table keyed by the joined
// command line.
type fakeRunner struct {
	calls   [][]string
	results map[string]*procrun.Result
	err     error
}

func (f *fakeRunner) Run(_ context.Context, argv []string, _ string) (*procrun.Result, error) {
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return nil, f.err
	}
	cmd := strings.Join(argv, " ")
	if res, ok := f.results[cmd]; ok {
		res.Command = cmd
		return res, nil
	}
	return &procrun.Result{Command: cmd}, nil
}

func newTool(r *fakeRunner) *Tool {
	return NewTool("hciconfig", r, zerolog.Nop())
}

func TestToolControllers(t *testing.T) {
	r := &fakeRunner{results: map[string]*procrun.Result{
		"hciconfig -a": {Stdout: twoControllers},
	}}
	cs, err := newTool(r).Controllers(context.Background())
	require.NoError(t, err)
	assert.Len(t, cs, 2)
	assert.Equal(t, [][]string{{"hciconfig", "-a"}}, r.calls)
}

func TestToolDetails(t *testing.T) {
	r := &fakeRunner{results: map[string]*procrun.Result{
		"hciconfig -a hci0": {Stdout: blocksOf(t, twoControllers)[1]},
	}}
	d, err := newTool(r).Details(context.Background(), "hci0")
	require.NoError(t, err)
	assert.Equal(t, "bt-harness-host", d.Name)

	// empty output still names the interface asked for
	r.results["hciconfig -a hci3"] = &procrun.Result{}
	d, err = newTool(r).Details(context.Background(), "hci3")
	require.NoError(t, err)
	assert.Equal(t, "hci3", d.Interface)
}

func TestToolSetScan(t *testing.T) {
	r := &fakeRunner{}
	tool := newTool(r)
	require.NoError(t, tool.SetScan(context.Background(), "hci0", ScanPageInquiry))
	require.NoError(t, tool.SetScan(context.Background(), "hci0", ScanNone))
	assert.Equal(t, [][]string{
		{"hciconfig", "hci0", "piscan"},
		{"hciconfig", "hci0", "noscan"},
	}, r.calls)

	assert.Error(t, tool.SetScan(context.Background(), "hci0", ScanMode("iscan-please")))
	assert.Len(t, r.calls, 2)
}

func TestToolUpDown(t *testing.T) {
	r := &fakeRunner{}
	tool := newTool(r)
	require.NoError(t, tool.Up(context.Background(), "hci1"))
	require.NoError(t, tool.Down(context.Background(), "hci1"))
	assert.Equal(t, [][]string{{"hciconfig", "hci1", "up"}, {"hciconfig", "hci1", "down"}}, r.calls)
}

func TestToolNonZeroExit(t *testing.T) {
	r := &fakeRunner{results: map[string]*procrun.Result{
		"hciconfig hci9 up": {ExitStatus: 1, Stderr: "Can't get device info: No such device"},
	}}
	err := newTool(r).Up(context.Background(), "hci9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such device")
}

func TestToolRunnerError(t *testing.T) {
	r := &fakeRunner{err: procrun.ErrTimeout}
	_, err := newTool(r).Controllers(context.Background())
	assert.True(t, errors.Is(err, procrun.ErrTimeout))
}
