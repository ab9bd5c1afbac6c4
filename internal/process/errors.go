package process

import (
	"errors"
	"strconv"
)

// ErrProcessGone means the target process no longer exists. Callers that
// only want the process dead treat it as success.
var ErrProcessGone = errors.New("process does not exist")

// ErrInvalidPID is returned for non-positive PIDs, which would otherwise
// address process groups or every process the caller may signal.
var ErrInvalidPID = errors.New("invalid pid")

// TerminationError reports a failed attempt to signal a process.
type TerminationError struct {
	PID    int
	Signal string
	Err    error
}

func (e *TerminationError) Error() string {
	return "signal " + e.Signal + " to pid " + strconv.Itoa(e.PID) + ": " + e.Err.Error()
}

func (e *TerminationError) Unwrap() error { return e.Err }

// IsGone reports whether err means the process had already exited.
func IsGone(err error) bool { return errors.Is(err, ErrProcessGone) }
