package procrun

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by Run when the command outlived its ceiling.
var ErrTimeout = errors.New("procrun: command timed out")

// Result describes one finished command.
type Result struct {
	Command    string
	Stdout     string
	Stderr     string
	PID        int
	ExitStatus int
}

func (r *Result) String() string {
	return fmt.Sprintf("Result(command=%q, stdout=%q, stderr=%q, exit_status=%d)",
		r.Command, r.Stdout, r.Stderr, r.ExitStatus)
}
