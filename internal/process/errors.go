package process

import (
	"errors"
	"fmt"
	"strings"
)

// Runner errors. Use errors.Is() to check for these in calling code.
var (
	// ErrAlreadyRunning is returned by Start on a running runner.
	ErrAlreadyRunning = errors.New("process: runner already running")

	// ErrNotRunning is returned by Spawn before Start or after Stop.
	ErrNotRunning = errors.New("process: runner not running")

	// ErrTaskExists is returned when a task name is already in use.
	ErrTaskExists = errors.New("process: task already exists")

	// ErrInvalidTask is returned for a task without name, interval or step.
	ErrInvalidTask = errors.New("process: invalid task")

	// ErrStopTimeout is returned when tasks fail to exit within the stop timeout.
	ErrStopTimeout = errors.New("process: tasks did not stop in time")

	// ErrTaskPanic wraps a panic recovered from a task step.
	ErrTaskPanic = errors.New("process: task panicked")
)

// StopTimeoutError names the tasks still running when Stop gave up waiting.
type StopTimeoutError struct {
	Runner string
	Tasks  []string
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("%s: runner %s: %s", ErrStopTimeout, e.Runner, strings.Join(e.Tasks, ", "))
}

// Unwrap lets errors.Is match ErrStopTimeout.
func (e *StopTimeoutError) Unwrap() error {
	return ErrStopTimeout
}
